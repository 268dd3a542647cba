package stabilize

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// TransformPoint applies an affine transform to a point
// x' = scaleX*x + skewX*y + translateX
// y' = skewY*x + scaleY*y + translateY
func TransformPoint(p Point, m AffineMatrix) Point {
	return Point{
		X: m.ScaleX*p.X + m.SkewX*p.Y + m.TranslateX,
		Y: m.SkewY*p.X + m.ScaleY*p.Y + m.TranslateY,
	}
}

// TransformPoints applies a transform to multiple points
func TransformPoints(points []Point, t Transform) []Point {
	result := make([]Point, len(points))
	for i, p := range points {
		result[i] = t.Apply(p)
	}
	return result
}

// MultiplyMatrices composes two affine transforms: result = m1 * m2
// Applying result is equivalent to applying m2 first, then m1
func MultiplyMatrices(m1, m2 AffineMatrix) AffineMatrix {
	return AffineMatrix{
		ScaleX:     m1.ScaleX*m2.ScaleX + m1.SkewX*m2.SkewY,
		SkewX:      m1.ScaleX*m2.SkewX + m1.SkewX*m2.ScaleY,
		TranslateX: m1.ScaleX*m2.TranslateX + m1.SkewX*m2.TranslateY + m1.TranslateX,
		SkewY:      m1.SkewY*m2.ScaleX + m1.ScaleY*m2.SkewY,
		ScaleY:     m1.SkewY*m2.SkewX + m1.ScaleY*m2.ScaleY,
		TranslateY: m1.SkewY*m2.TranslateX + m1.ScaleY*m2.TranslateY + m1.TranslateY,
	}
}

// InvertMatrix computes the inverse of an affine transform.
// The second return value is false when the matrix is singular.
func InvertMatrix(m AffineMatrix) (AffineMatrix, bool) {
	det := m.Determinant()
	if math.Abs(det) < 1e-10 || !isFinite(det) {
		return Identity(), false
	}

	invDet := 1.0 / det
	return AffineMatrix{
		ScaleX:     m.ScaleY * invDet,
		SkewX:      -m.SkewX * invDet,
		TranslateX: (m.SkewX*m.TranslateY - m.ScaleY*m.TranslateX) * invDet,
		SkewY:      -m.SkewY * invDet,
		ScaleY:     m.ScaleX * invDet,
		TranslateY: (m.SkewY*m.TranslateX - m.ScaleX*m.TranslateY) * invDet,
	}, true
}

// Translation creates a translation-only transform
func Translation(tx, ty float64) AffineMatrix {
	return AffineMatrix{ScaleX: 1, TranslateX: tx, ScaleY: 1, TranslateY: ty}
}

// Rotation creates a rotation transform (angle in radians, around origin)
func Rotation(angle float64) AffineMatrix {
	cos := math.Cos(angle)
	sin := math.Sin(angle)
	return AffineMatrix{ScaleX: cos, SkewX: -sin, SkewY: sin, ScaleY: cos}
}

// RotationDeg creates a rotation transform (angle in degrees, around origin)
func RotationDeg(degrees float64) AffineMatrix {
	return Rotation(degrees * math.Pi / 180.0)
}

// Scale creates a scaling transform
func Scale(sx, sy float64) AffineMatrix {
	return AffineMatrix{ScaleX: sx, ScaleY: sy}
}

// RotationAbout rotates by angle (radians) around pivot
func RotationAbout(angle float64, pivot Point) AffineMatrix {
	toOrigin := Translation(-pivot.X, -pivot.Y)
	fromOrigin := Translation(pivot.X, pivot.Y)
	return MultiplyMatrices(fromOrigin, MultiplyMatrices(Rotation(angle), toOrigin))
}

// ScaleAbout scales uniformly around pivot
func ScaleAbout(scale float64, pivot Point) AffineMatrix {
	toOrigin := Translation(-pivot.X, -pivot.Y)
	fromOrigin := Translation(pivot.X, pivot.Y)
	return MultiplyMatrices(fromOrigin, MultiplyMatrices(Scale(scale, scale), toOrigin))
}

// Distance calculates Euclidean distance between two points
func Distance(p1, p2 Point) float64 {
	dx := p2.X - p1.X
	dy := p2.Y - p1.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Midpoint of the segment p1-p2
func Midpoint(p1, p2 Point) Point {
	return Point{X: (p1.X + p2.X) / 2, Y: (p1.Y + p2.Y) / 2}
}

// Centroid calculates the center of mass of a set of points
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	mp := make(orb.MultiPoint, len(points))
	for i, p := range points {
		mp[i] = orb.Point{p.X, p.Y}
	}
	c, _ := planar.CentroidArea(mp)
	return Point{X: c.X(), Y: c.Y()}
}

// PixelMatrixToNormalized converts a pixel-space matrix into one acting on
// normalized coordinates for the given canvas.
func PixelMatrixToNormalized(m AffineMatrix, canvas Size) AffineMatrix {
	if !canvas.IsValid() {
		return m
	}
	toPixels := Scale(canvas.Width, canvas.Height)
	toNormalized := Scale(1/canvas.Width, 1/canvas.Height)
	return MultiplyMatrices(toNormalized, MultiplyMatrices(m, toPixels))
}
