package stabilize

import (
	"math"

	"github.com/paulmach/orb"
)

// Point represents a 2D coordinate.
// Landmark points are normalized (0..1); matrices and scores work in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// IsFinite reports whether both coordinates are finite numbers
func (p Point) IsFinite() bool {
	return isFinite(p.X) && isFinite(p.Y)
}

// ToPixels scales a normalized point to canvas pixels
func (p Point) ToPixels(canvas Size) Point {
	return Point{X: p.X * canvas.Width, Y: p.Y * canvas.Height}
}

// ToNormalized scales a pixel point back to normalized coordinates
func (p Point) ToNormalized(canvas Size) Point {
	if canvas.Width == 0 || canvas.Height == 0 {
		return Point{}
	}
	return Point{X: p.X / canvas.Width, Y: p.Y / canvas.Height}
}

// Size represents canvas dimensions in pixels
type Size struct {
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// IsValid returns true when both dimensions are positive and finite
func (s Size) IsValid() bool {
	return s.Width > 0 && s.Height > 0 && isFinite(s.Width) && isFinite(s.Height)
}

// BoundingBox is an axis-aligned box. NewBoundingBox keeps right >= left
// and bottom >= top.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// NewBoundingBox creates a box from two opposite corners in any order
func NewBoundingBox(left, top, right, bottom float64) BoundingBox {
	if right < left {
		left, right = right, left
	}
	if bottom < top {
		top, bottom = bottom, top
	}
	return BoundingBox{Left: left, Top: top, Right: right, Bottom: bottom}
}

// BoundsOf returns the bounding box enclosing all points.
// An empty slice yields the zero box.
func BoundsOf(points []Point) BoundingBox {
	if len(points) == 0 {
		return BoundingBox{}
	}
	mp := make(orb.MultiPoint, len(points))
	for i, p := range points {
		mp[i] = orb.Point{p.X, p.Y}
	}
	b := mp.Bound()
	return BoundingBox{Left: b.Min.X(), Top: b.Min.Y(), Right: b.Max.X(), Bottom: b.Max.Y()}
}

// Width of the box
func (b BoundingBox) Width() float64 { return b.Right - b.Left }

// Height of the box
func (b BoundingBox) Height() float64 { return b.Bottom - b.Top }

// Center of the box
func (b BoundingBox) Center() Point {
	return Point{X: (b.Left + b.Right) / 2, Y: (b.Top + b.Bottom) / 2}
}

// IsEmpty reports a box with no area
func (b BoundingBox) IsEmpty() bool {
	return b.Width() <= 0 || b.Height() <= 0
}

// AffineMatrix is a 2x3 transform:
//
//	x' = scaleX*x + skewX*y + translateX
//	y' = skewY*x + scaleY*y + translateY
type AffineMatrix struct {
	ScaleX     float64 `json:"scaleX"`
	SkewX      float64 `json:"skewX"`
	TranslateX float64 `json:"translateX"`
	SkewY      float64 `json:"skewY"`
	ScaleY     float64 `json:"scaleY"`
	TranslateY float64 `json:"translateY"`
}

// Identity returns an identity matrix (no transformation)
func Identity() AffineMatrix {
	return AffineMatrix{ScaleX: 1, ScaleY: 1}
}

// Apply transforms a point by the matrix
func (m AffineMatrix) Apply(p Point) Point {
	return TransformPoint(p, m)
}

// IsFinite reports whether every coefficient is a finite number
func (m AffineMatrix) IsFinite() bool {
	return isFinite(m.ScaleX) && isFinite(m.SkewX) && isFinite(m.TranslateX) &&
		isFinite(m.SkewY) && isFinite(m.ScaleY) && isFinite(m.TranslateY)
}

// Determinant of the linear part
func (m AffineMatrix) Determinant() float64 {
	return m.ScaleX*m.ScaleY - m.SkewX*m.SkewY
}

// IsIdentity reports whether m equals the identity within tolerance
func (m AffineMatrix) IsIdentity(tolerance float64) bool {
	return math.Abs(m.ScaleX-1) <= tolerance && math.Abs(m.ScaleY-1) <= tolerance &&
		math.Abs(m.SkewX) <= tolerance && math.Abs(m.SkewY) <= tolerance &&
		math.Abs(m.TranslateX) <= tolerance && math.Abs(m.TranslateY) <= tolerance
}

// RotationDegrees extracts the rotation component via atan2(skewY, scaleX)
func (m AffineMatrix) RotationDegrees() float64 {
	return math.Atan2(m.SkewY, m.ScaleX) * 180 / math.Pi
}

// UniformScale is the geometric mean scale of the linear part
func (m AffineMatrix) UniformScale() float64 {
	return math.Sqrt(math.Abs(m.Determinant()))
}

// Transform maps a point to a new position. AffineMatrix and
// HomographyMatrix both implement it.
type Transform interface {
	Apply(p Point) Point
}

// FeatureKeypoint is one detected landscape feature
type FeatureKeypoint struct {
	Position   Point   `json:"position"`
	Response   float64 `json:"response"`
	Size       float64 `json:"size"`
	Angle      float64 `json:"angle"`
	Octave     int     `json:"octave"`
	Descriptor []byte  `json:"descriptor,omitempty"` // binary ORB/AKAZE descriptor
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
