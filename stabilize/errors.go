package stabilize

import "errors"

// Input-invalid errors are rejected before any transform is applied.
// Each specific error below wraps ErrInvalidInput.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrReferencePairTooClose = wrapInvalid("reference pair too close")
	ErrNonFiniteMatrix       = wrapInvalid("non-finite matrix")
	ErrInsufficientKeypoints = wrapInvalid("insufficient keypoints")
	ErrInsufficientMatches   = wrapInvalid("insufficient matches")
	ErrDegenerateHomography  = wrapInvalid("degenerate/low-confidence homography")
	ErrContentMismatch       = wrapInvalid("detection and goal content types differ")
	ErrLowConfidence         = wrapInvalid("detection confidence below minimum")
	ErrFaceTooSmall          = wrapInvalid("face smaller than minimum size ratio")
)

var (
	// ErrDetectionFailed marks a re-detection that returned nothing usable
	ErrDetectionFailed = errors.New("detection failed")

	// ErrAlignedLandmarksMissing is returned under the strict failure policy
	// when no post-transform detection succeeded during a run
	ErrAlignedLandmarksMissing = errors.New("aligned landmarks not detected")
)

type invalidInputError struct {
	msg string
}

func (e *invalidInputError) Error() string { return e.msg }

func (e *invalidInputError) Unwrap() error { return ErrInvalidInput }

func wrapInvalid(msg string) error {
	return &invalidInputError{msg: msg}
}
