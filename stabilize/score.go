package stabilize

import (
	"fmt"
	"math"
)

// Score thresholds shared with the default settings
const (
	DefaultNoActionScore = 0.5
	DefaultSuccessScore  = 20.0
)

// StabilizationScore is the mean reference-point error scaled to a
// 1000 px tall canvas
type StabilizationScore struct {
	Value         float64 `json:"value"`
	LeftDistance  float64 `json:"leftDistance"`
	RightDistance float64 `json:"rightDistance"`
}

// NewScore builds a score from per-point distances. A non-positive canvas
// height yields +Inf.
func NewScore(leftDistance, rightDistance, canvasHeight float64) StabilizationScore {
	value := math.Inf(1)
	if canvasHeight > 0 {
		value = ((leftDistance + rightDistance) / 2) * 1000 / canvasHeight
	}
	return StabilizationScore{Value: value, LeftDistance: leftDistance, RightDistance: rightDistance}
}

// CalculateScore scores pixel-space detected references against goals
func CalculateScore(detectedLeft, detectedRight, goalLeft, goalRight Point, canvasHeight float64) StabilizationScore {
	return NewScore(Distance(detectedLeft, goalLeft), Distance(detectedRight, goalRight), canvasHeight)
}

// ScoreForLandmarks scores two landmark sets on a canvas
func ScoreForLandmarks(detected, goal ReferenceLandmarks, canvas Size) (StabilizationScore, error) {
	if canvas.Height <= 0 || !canvas.IsValid() {
		return StabilizationScore{}, fmt.Errorf("%w: canvas %vx%v", ErrInvalidInput, canvas.Width, canvas.Height)
	}
	dL, dR := PixelReferences(detected, canvas)
	gL, gR := PixelReferences(goal, canvas)
	return CalculateScore(dL, dR, gL, gR, canvas.Height), nil
}

// IsSuccess is strict: exactly the success threshold is a failure
func (s StabilizationScore) IsSuccess() bool { return s.Value < DefaultSuccessScore }

// NeedsCorrection reports a score at or above the no-action threshold
func (s StabilizationScore) NeedsCorrection() bool { return s.Value >= DefaultNoActionScore }

// SucceedsAt checks against a configured success threshold
func (s StabilizationScore) SucceedsAt(threshold float64) bool { return s.Value < threshold }

func (s StabilizationScore) String() string {
	return fmt.Sprintf("%.3f (L=%.2fpx R=%.2fpx)", s.Value, s.LeftDistance, s.RightDistance)
}

// OvershootCorrection holds per-axis signed deviations (detected - goal)
type OvershootCorrection struct {
	LeftDeltaX      float64 `json:"leftDeltaX"`
	LeftDeltaY      float64 `json:"leftDeltaY"`
	RightDeltaX     float64 `json:"rightDeltaX"`
	RightDeltaY     float64 `json:"rightDeltaY"`
	SameDirectionX  bool    `json:"sameDirectionX"`
	SameDirectionY  bool    `json:"sameDirectionY"`
	NeedsCorrection bool    `json:"needsCorrection"`
}

// CalculateOvershoot compares pixel-space detected and goal references
func CalculateOvershoot(detectedLeft, detectedRight, goalLeft, goalRight Point, noActionScore, canvasHeight float64) OvershootCorrection {
	o := OvershootCorrection{
		LeftDeltaX:  detectedLeft.X - goalLeft.X,
		LeftDeltaY:  detectedLeft.Y - goalLeft.Y,
		RightDeltaX: detectedRight.X - goalRight.X,
		RightDeltaY: detectedRight.Y - goalRight.Y,
	}
	o.SameDirectionX = sameSign(o.LeftDeltaX, o.RightDeltaX)
	o.SameDirectionY = sameSign(o.LeftDeltaY, o.RightDeltaY)

	score := CalculateScore(detectedLeft, detectedRight, goalLeft, goalRight, canvasHeight)
	o.NeedsCorrection = score.Value >= noActionScore || o.SameDirectionX || o.SameDirectionY
	return o
}

// MeanDeltaX is the average horizontal deviation of the pair
func (o OvershootCorrection) MeanDeltaX() float64 { return (o.LeftDeltaX + o.RightDeltaX) / 2 }

// MeanDeltaY is the average vertical deviation of the pair
func (o OvershootCorrection) MeanDeltaY() float64 { return (o.LeftDeltaY + o.RightDeltaY) / 2 }

// sameSign is false when either value is zero
func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
