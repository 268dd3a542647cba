package stabilize

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// minHomographyDeterminant is the |det| below which a homography is treated
// as singular and must never be applied.
const minHomographyDeterminant = 1e-6

// HomographyMatrix is a 3x3 projective transform
//
//	x' = (h11*x + h12*y + h13) / (h31*x + h32*y + h33)
//	y' = (h21*x + h22*y + h23) / (h31*x + h32*y + h33)
type HomographyMatrix struct {
	H11 float64 `json:"h11"`
	H12 float64 `json:"h12"`
	H13 float64 `json:"h13"`
	H21 float64 `json:"h21"`
	H22 float64 `json:"h22"`
	H23 float64 `json:"h23"`
	H31 float64 `json:"h31"`
	H32 float64 `json:"h32"`
	H33 float64 `json:"h33"`
}

// IdentityHomography returns the identity projective transform
func IdentityHomography() HomographyMatrix {
	return HomographyMatrix{H11: 1, H22: 1, H33: 1}
}

// HomographyFromArray builds a matrix from 9 row-major values
func HomographyFromArray(v [9]float64) HomographyMatrix {
	return HomographyMatrix{
		H11: v[0], H12: v[1], H13: v[2],
		H21: v[3], H22: v[4], H23: v[5],
		H31: v[6], H32: v[7], H33: v[8],
	}
}

// HomographyFromAffine lifts an affine matrix into projective form
func HomographyFromAffine(m AffineMatrix) HomographyMatrix {
	return HomographyMatrix{
		H11: m.ScaleX, H12: m.SkewX, H13: m.TranslateX,
		H21: m.SkewY, H22: m.ScaleY, H23: m.TranslateY,
		H33: 1,
	}
}

// Array returns the 9 row-major values
func (h HomographyMatrix) Array() [9]float64 {
	return [9]float64{h.H11, h.H12, h.H13, h.H21, h.H22, h.H23, h.H31, h.H32, h.H33}
}

// TransformPoint maps (x, y). A point on the line at infinity maps to +Inf.
func (h HomographyMatrix) TransformPoint(x, y float64) (float64, float64) {
	w := h.H31*x + h.H32*y + h.H33
	if math.Abs(w) < 1e-12 {
		return math.Inf(1), math.Inf(1)
	}
	return (h.H11*x + h.H12*y + h.H13) / w, (h.H21*x + h.H22*y + h.H23) / w
}

// Apply transforms a point by the matrix
func (h HomographyMatrix) Apply(p Point) Point {
	x, y := h.TransformPoint(p.X, p.Y)
	return Point{X: x, Y: y}
}

// Determinant of the 3x3 matrix
func (h HomographyMatrix) Determinant() float64 {
	return h.H11*(h.H22*h.H33-h.H23*h.H32) -
		h.H12*(h.H21*h.H33-h.H23*h.H31) +
		h.H13*(h.H21*h.H32-h.H22*h.H31)
}

// IsFinite reports whether every coefficient is a finite number
func (h HomographyMatrix) IsFinite() bool {
	for _, v := range h.Array() {
		if !isFinite(v) {
			return false
		}
	}
	return true
}

// IsValid is false for near-singular or non-finite matrices
func (h HomographyMatrix) IsValid() bool {
	return h.IsFinite() && math.Abs(h.Determinant()) > minHomographyDeterminant
}

// Normalized scales the matrix so h33 == 1. Matrices with h33 ~ 0 are
// returned unchanged.
func (h HomographyMatrix) Normalized() HomographyMatrix {
	if math.Abs(h.H33) < 1e-12 {
		return h
	}
	v := h.Array()
	for i := range v {
		v[i] /= h.H33
	}
	return HomographyFromArray(v)
}

// IsNearIdentity compares the normalized matrix with the identity element-wise
func (h HomographyMatrix) IsNearIdentity(tolerance float64) bool {
	n := h.Normalized().Array()
	id := IdentityHomography().Array()
	for i := range n {
		if math.Abs(n[i]-id[i]) > tolerance {
			return false
		}
	}
	return true
}

// ApproximateRotationDegrees reads the in-plane rotation from the upper-left block
func (h HomographyMatrix) ApproximateRotationDegrees() float64 {
	n := h.Normalized()
	return math.Atan2(n.H21, n.H11) * 180 / math.Pi
}

// ApproximateScale is the geometric mean scale of the upper-left block
func (h HomographyMatrix) ApproximateScale() float64 {
	n := h.Normalized()
	return math.Sqrt(math.Abs(n.H11*n.H22 - n.H12*n.H21))
}

// MultiplyHomographies composes a * b: b is applied first, then a
func MultiplyHomographies(a, b HomographyMatrix) HomographyMatrix {
	av, bv := a.Array(), b.Array()
	var r [9]float64
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += av[row*3+k] * bv[k*3+col]
			}
			r[row*3+col] = sum
		}
	}
	return HomographyFromArray(r).Normalized()
}

// Inverse returns the inverse matrix; false when the matrix is not valid
func (h HomographyMatrix) Inverse() (HomographyMatrix, bool) {
	if !h.IsValid() {
		return IdentityHomography(), false
	}
	det := h.Determinant()
	inv := HomographyMatrix{
		H11: (h.H22*h.H33 - h.H23*h.H32) / det,
		H12: (h.H13*h.H32 - h.H12*h.H33) / det,
		H13: (h.H12*h.H23 - h.H13*h.H22) / det,
		H21: (h.H23*h.H31 - h.H21*h.H33) / det,
		H22: (h.H11*h.H33 - h.H13*h.H31) / det,
		H23: (h.H13*h.H21 - h.H11*h.H23) / det,
		H31: (h.H21*h.H32 - h.H22*h.H31) / det,
		H32: (h.H12*h.H31 - h.H11*h.H32) / det,
		H33: (h.H11*h.H22 - h.H12*h.H21) / det,
	}
	return inv.Normalized(), true
}

// ReprojectionError is the pixel distance between h(src) and dst
func (h HomographyMatrix) ReprojectionError(src, dst Point) float64 {
	p := h.Apply(src)
	if !p.IsFinite() {
		return math.Inf(1)
	}
	return Distance(p, dst)
}

// FitHomography computes the least-squares homography mapping src[i] to
// dst[i] with the normalized DLT. At least 4 correspondences are needed.
func FitHomography(src, dst []Point) (HomographyMatrix, error) {
	n := len(src)
	if n != len(dst) {
		return HomographyMatrix{}, fmt.Errorf("%w: point count mismatch %d vs %d", ErrInvalidInput, n, len(dst))
	}
	if n < 4 {
		return HomographyMatrix{}, fmt.Errorf("%w: need at least 4 correspondences, got %d", ErrInvalidInput, n)
	}

	srcNorm, srcT, _, ok := normalizePoints(src)
	if !ok {
		return HomographyMatrix{}, fmt.Errorf("%w: source points are coincident", ErrDegenerateHomography)
	}
	dstNorm, _, dstInv, ok := normalizePoints(dst)
	if !ok {
		return HomographyMatrix{}, fmt.Errorf("%w: destination points are coincident", ErrDegenerateHomography)
	}

	// Pad to at least 9 rows so the full V always carries the null vector
	rows := 2 * n
	if rows < 9 {
		rows = 9
	}
	a := mat.NewDense(rows, 9, nil)
	for i := 0; i < n; i++ {
		x, y := srcNorm[i].X, srcNorm[i].Y
		u, v := dstNorm[i].X, dstNorm[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return HomographyMatrix{}, fmt.Errorf("%w: SVD failed to converge", ErrDegenerateHomography)
	}
	var v mat.Dense
	svd.VTo(&v)

	var hv [9]float64
	for i := 0; i < 9; i++ {
		hv[i] = v.At(i, 8)
	}
	normalized := HomographyFromArray(hv)

	// Undo normalization: H = inv(Tdst) * Hn * Tsrc
	h := MultiplyHomographies(dstInv, MultiplyHomographies(normalized, srcT))
	if !h.IsFinite() {
		return HomographyMatrix{}, fmt.Errorf("%w: non-finite coefficients", ErrDegenerateHomography)
	}
	return h, nil
}

// normalizePoints translates points to their centroid and scales them so
// the mean distance from the origin is sqrt(2). It returns the normalizing
// transform and its inverse.
func normalizePoints(points []Point) ([]Point, HomographyMatrix, HomographyMatrix, bool) {
	c := Centroid(points)
	var meanDist float64
	for _, p := range points {
		meanDist += Distance(p, c)
	}
	meanDist /= float64(len(points))
	if meanDist < 1e-12 {
		return nil, HomographyMatrix{}, HomographyMatrix{}, false
	}

	s := math.Sqrt2 / meanDist
	t := HomographyMatrix{
		H11: s, H13: -s * c.X,
		H22: s, H23: -s * c.Y,
		H33: 1,
	}
	inv := HomographyMatrix{
		H11: 1 / s, H13: c.X,
		H22: 1 / s, H23: c.Y,
		H33: 1,
	}
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = Point{X: (p.X - c.X) * s, Y: (p.Y - c.Y) * s}
	}
	return out, t, inv, true
}
