package stabilize

import (
	"fmt"
	"math"
)

// Alignment is the full similarity transform for one reference pair
type Alignment struct {
	Matrix       AffineMatrix `json:"matrix"`
	AngleRadians float64      `json:"angleRadians"`
	Scale        float64      `json:"scale"`
}

// ComputeAlignment derives the rotation, scale and translation that map the
// detected reference pair onto the goal pair. All points are in pixels.
//
// The rotation brings the detected pair to the goal pair's orientation
// (horizontal for a level goal), the scale matches the pair distances and
// the translation puts the detected midpoint on the goal midpoint.
func ComputeAlignment(detectedLeft, detectedRight, goalLeft, goalRight Point, eyeValidityRatio float64) (Alignment, error) {
	for _, p := range []Point{detectedLeft, detectedRight, goalLeft, goalRight} {
		if !p.IsFinite() {
			return Alignment{}, fmt.Errorf("%w: reference point %v", ErrNonFiniteMatrix, p)
		}
	}

	goalDistance := Distance(goalLeft, goalRight)
	currentDistance := Distance(detectedLeft, detectedRight)
	if goalDistance <= 0 {
		return Alignment{}, fmt.Errorf("%w: goal pair is coincident", ErrReferencePairTooClose)
	}
	if currentDistance <= 0 || currentDistance < eyeValidityRatio*goalDistance {
		return Alignment{}, fmt.Errorf("%w: distance %.2fpx < %.2f x goal %.2fpx",
			ErrReferencePairTooClose, currentDistance, eyeValidityRatio, goalDistance)
	}

	angle := pairAngle(goalLeft, goalRight) - pairAngle(detectedLeft, detectedRight)
	scale := goalDistance / currentDistance

	linear := MultiplyMatrices(Rotation(angle), Scale(scale, scale))
	mid := linear.Apply(Midpoint(detectedLeft, detectedRight))
	goalMid := Midpoint(goalLeft, goalRight)
	linear.TranslateX = goalMid.X - mid.X
	linear.TranslateY = goalMid.Y - mid.Y

	if !linear.IsFinite() {
		return Alignment{}, ErrNonFiniteMatrix
	}
	return Alignment{Matrix: linear, AngleRadians: angle, Scale: scale}, nil
}

// pairAngle is atan2 of the left-to-right vector
func pairAngle(left, right Point) float64 {
	return math.Atan2(right.Y-left.Y, right.X-left.X)
}

// VerticalError is the difference between the detected and goal vertical
// deltas of a reference pair; zero for a level pair against a level goal
func VerticalError(left, right, goalLeft, goalRight Point) float64 {
	return (right.Y - left.Y) - (goalRight.Y - goalLeft.Y)
}

// DistanceError is goal distance minus current pair distance
func DistanceError(left, right, goalLeft, goalRight Point) float64 {
	return Distance(goalLeft, goalRight) - Distance(left, right)
}

// RotationCorrection rotates about the pair midpoint so the pair takes the
// goal pair's orientation
func RotationCorrection(left, right, goalLeft, goalRight Point) AffineMatrix {
	angle := pairAngle(goalLeft, goalRight) - pairAngle(left, right)
	return RotationAbout(angle, Midpoint(left, right))
}

// ScaleCorrection scales about the pair midpoint to reach goalDistance
func ScaleCorrection(left, right Point, goalDistance float64) (AffineMatrix, error) {
	current := Distance(left, right)
	if current <= 0 || goalDistance <= 0 {
		return Identity(), fmt.Errorf("%w: scale correction from %.2fpx to %.2fpx", ErrReferencePairTooClose, current, goalDistance)
	}
	return ScaleAbout(goalDistance/current, Midpoint(left, right)), nil
}

// TranslationCorrection shifts against the mean overshoot. Axes with a
// consistent bias take the full step; the rest are damped.
func TranslationCorrection(o OvershootCorrection, damping float64) AffineMatrix {
	fx, fy := damping, damping
	if o.SameDirectionX {
		fx = 1
	}
	if o.SameDirectionY {
		fy = 1
	}
	return Translation(-o.MeanDeltaX()*fx, -o.MeanDeltaY()*fy)
}
