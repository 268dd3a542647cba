package stabilize

import (
	"errors"
	"math"
	"testing"
)

func TestComputeAlignment(t *testing.T) {
	goalL, goalR := Point{X: 450, Y: 400}, Point{X: 650, Y: 400}

	t.Run("scale only", func(t *testing.T) {
		detL, detR := Point{X: 500, Y: 400}, Point{X: 600, Y: 400}
		a, err := ComputeAlignment(detL, detR, goalL, goalR, 0.1)
		if err != nil {
			t.Fatalf("ComputeAlignment: %v", err)
		}
		assertNear(t, "Scale", a.Scale, 2, 1e-9)
		assertNear(t, "AngleRadians", a.AngleRadians, 0, 1e-9)
		assertPointNear(t, "left", a.Matrix.Apply(detL), goalL, 1e-9)
		assertPointNear(t, "right", a.Matrix.Apply(detR), goalR, 1e-9)

		before := CalculateScore(detL, detR, goalL, goalR, 1000)
		after := CalculateScore(a.Matrix.Apply(detL), a.Matrix.Apply(detR), goalL, goalR, 1000)
		if after.Value >= before.Value {
			t.Errorf("score did not improve: %v -> %v", before.Value, after.Value)
		}
	})

	t.Run("tilted pair is leveled", func(t *testing.T) {
		detL, detR := Point{X: 300, Y: 300}, Point{X: 400, Y: 400}
		a, err := ComputeAlignment(detL, detR, goalL, goalR, 0.1)
		if err != nil {
			t.Fatalf("ComputeAlignment: %v", err)
		}
		assertNear(t, "AngleRadians", a.AngleRadians, -math.Pi/4, 1e-9)
		l, r := a.Matrix.Apply(detL), a.Matrix.Apply(detR)
		assertNear(t, "VerticalError", VerticalError(l, r, goalL, goalR), 0, 1e-9)
		assertPointNear(t, "left", l, goalL, 1e-9)
	})

	t.Run("pair too close", func(t *testing.T) {
		_, err := ComputeAlignment(Point{X: 500, Y: 400}, Point{X: 510, Y: 400}, goalL, goalR, 0.1)
		if !errors.Is(err, ErrReferencePairTooClose) {
			t.Fatalf("err = %v, want ErrReferencePairTooClose", err)
		}
		if !errors.Is(err, ErrInvalidInput) {
			t.Error("ErrReferencePairTooClose should wrap ErrInvalidInput")
		}
	})

	t.Run("non-finite", func(t *testing.T) {
		_, err := ComputeAlignment(Point{X: math.NaN(), Y: 0}, Point{X: 600, Y: 400}, goalL, goalR, 0.1)
		if !errors.Is(err, ErrNonFiniteMatrix) {
			t.Errorf("err = %v, want ErrNonFiniteMatrix", err)
		}
	})
}

func TestRotationCorrection_LevelsPair(t *testing.T) {
	goalL, goalR := Point{X: 400, Y: 500}, Point{X: 600, Y: 500}
	left, right := Point{X: 400, Y: 520}, Point{X: 600, Y: 480}

	m := RotationCorrection(left, right, goalL, goalR)
	l, r := m.Apply(left), m.Apply(right)
	assertNear(t, "VerticalError", VerticalError(l, r, goalL, goalR), 0, 1e-9)
	assertNear(t, "distance kept", Distance(l, r), Distance(left, right), 1e-9)
	assertPointNear(t, "midpoint kept", Midpoint(l, r), Midpoint(left, right), 1e-9)
}

func TestScaleCorrection(t *testing.T) {
	left, right := Point{X: 450, Y: 500}, Point{X: 550, Y: 500}
	m, err := ScaleCorrection(left, right, 200)
	if err != nil {
		t.Fatalf("ScaleCorrection: %v", err)
	}
	assertNear(t, "distance", Distance(m.Apply(left), m.Apply(right)), 200, 1e-9)
	assertNear(t, "DistanceError after", DistanceError(m.Apply(left), m.Apply(right), Point{X: 400, Y: 0}, Point{X: 600, Y: 0}), 0, 1e-9)

	if _, err := ScaleCorrection(left, left, 200); !errors.Is(err, ErrReferencePairTooClose) {
		t.Errorf("coincident pair err = %v", err)
	}
}

func TestTranslationCorrection(t *testing.T) {
	tests := []struct {
		name   string
		o      OvershootCorrection
		wantTX float64
		wantTY float64
	}{
		{
			name:   "consistent bias takes full step",
			o:      OvershootCorrection{LeftDeltaX: 4, RightDeltaX: 6, SameDirectionX: true},
			wantTX: -5,
		},
		{
			name:   "mixed signs are damped",
			o:      OvershootCorrection{LeftDeltaY: 6, RightDeltaY: -2},
			wantTY: -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := TranslationCorrection(tt.o, 0.5)
			assertNear(t, "TranslateX", m.TranslateX, tt.wantTX, 1e-9)
			assertNear(t, "TranslateY", m.TranslateY, tt.wantTY, 1e-9)
		})
	}
}
