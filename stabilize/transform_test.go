package stabilize

import (
	"math"
	"testing"
)

func TestMultiplyMatrices_Order(t *testing.T) {
	// translate first, then rotate 90° about the origin
	m := MultiplyMatrices(RotationDeg(90), Translation(10, 0))
	got := m.Apply(Point{X: 0, Y: 0})
	assertPointNear(t, "rotate(translate(origin))", got, Point{X: 0, Y: 10}, 1e-9)

	t.Run("associativity property", func(t *testing.T) {
		a := Translation(3, -4)
		b := RotationDeg(33)
		c := Scale(1.7, 1.7)
		left := MultiplyMatrices(MultiplyMatrices(a, b), c)
		right := MultiplyMatrices(a, MultiplyMatrices(b, c))
		p := Point{X: 12.5, Y: -7}
		assertPointNear(t, "(ab)c vs a(bc)", left.Apply(p), right.Apply(p), 1e-9)
	})
}

func TestInvertMatrix(t *testing.T) {
	tests := []struct {
		name   string
		m      AffineMatrix
		wantOK bool
	}{
		{"identity", Identity(), true},
		{"similarity", MultiplyMatrices(Translation(40, -12), MultiplyMatrices(RotationDeg(17), Scale(1.3, 1.3))), true},
		{"singular", Scale(0, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, ok := InvertMatrix(tt.m)
			if ok != tt.wantOK {
				t.Fatalf("InvertMatrix ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if !MultiplyMatrices(tt.m, inv).IsIdentity(1e-9) {
				t.Errorf("M * M^-1 is not identity: %+v", MultiplyMatrices(tt.m, inv))
			}
		})
	}
}

func TestRotationAbout_KeepsPivot(t *testing.T) {
	pivot := Point{X: 320, Y: 240}
	m := RotationAbout(0.7, pivot)
	assertPointNear(t, "pivot", m.Apply(pivot), pivot, 1e-9)
	assertNear(t, "RotationDegrees", m.RotationDegrees(), 0.7*180/math.Pi, 1e-9)

	s := ScaleAbout(2, pivot)
	assertPointNear(t, "scaled pivot", s.Apply(pivot), pivot, 1e-9)
	assertNear(t, "UniformScale", s.UniformScale(), 2, 1e-9)
}

func TestCentroid(t *testing.T) {
	if got := Centroid(nil); got != (Point{}) {
		t.Errorf("Centroid(nil) = %v, want origin", got)
	}
	got := Centroid([]Point{{0, 0}, {4, 0}, {4, 2}, {0, 2}})
	assertPointNear(t, "Centroid", got, Point{X: 2, Y: 1}, 1e-9)
}

func TestPixelMatrixToNormalized(t *testing.T) {
	canvas := Size{Width: 1920, Height: 1080}
	m := MultiplyMatrices(Translation(100, 50), RotationAbout(0.2, Point{X: 960, Y: 540}))
	n := PixelMatrixToNormalized(m, canvas)

	p := Point{X: 0.3, Y: 0.6}
	want := m.Apply(p.ToPixels(canvas)).ToNormalized(canvas)
	assertPointNear(t, "normalized apply", n.Apply(p), want, 1e-12)
}

func TestBoundingBox(t *testing.T) {
	b := NewBoundingBox(0.6, 0.8, 0.2, 0.4)
	assertNear(t, "Width", b.Width(), 0.4, 1e-12)
	assertNear(t, "Height", b.Height(), 0.4, 1e-12)
	assertPointNear(t, "Center", b.Center(), Point{X: 0.4, Y: 0.6}, 1e-12)

	got := BoundsOf([]Point{{1, 5}, {3, 2}, {-1, 4}})
	if got.Left != -1 || got.Right != 3 || got.Top != 2 || got.Bottom != 5 {
		t.Errorf("BoundsOf = %+v", got)
	}
	if !BoundsOf(nil).IsEmpty() {
		t.Error("BoundsOf(nil) should be empty")
	}
}
