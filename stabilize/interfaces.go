package stabilize

import (
	"context"
	"fmt"
	"image"
)

// Detector finds reference landmarks in an image. Implementations must
// report a confidence; the stabilizer treats low confidence as failure.
type Detector interface {
	Detect(ctx context.Context, img image.Image) (ReferenceLandmarks, error)
}

// ImageTransformer warps images by pixel-space matrices
type ImageTransformer interface {
	ApplyAffine(ctx context.Context, img image.Image, m AffineMatrix) (image.Image, error)
	ApplyHomography(ctx context.Context, img image.Image, h HomographyMatrix) (image.Image, error)
}

// Redetector produces the landmarks of the original frame after it has
// been warped by t. It is called once per pass.
type Redetector interface {
	Redetect(ctx context.Context, t Transform) (ReferenceLandmarks, error)
}

// RedetectorFunc adapts a function to Redetector
type RedetectorFunc func(ctx context.Context, t Transform) (ReferenceLandmarks, error)

func (f RedetectorFunc) Redetect(ctx context.Context, t Transform) (ReferenceLandmarks, error) {
	return f(ctx, t)
}

// FrameRequest is one alignment request
type FrameRequest struct {
	FrameID          string
	ReferenceFrameID string
	Canvas           Size
	Detection        ReferenceLandmarks
	Goal             ReferenceLandmarks
}

func (r FrameRequest) validate() error {
	if !r.Canvas.IsValid() {
		return fmt.Errorf("%w: canvas %vx%v is not valid", ErrInvalidInput, r.Canvas.Width, r.Canvas.Height)
	}
	if r.Detection == nil || r.Goal == nil {
		return fmt.Errorf("%w: detection and goal landmarks are required", ErrInvalidInput)
	}
	if r.Detection.ContentType() != r.Goal.ContentType() {
		return fmt.Errorf("%w: detection is %s, goal is %s", ErrContentMismatch, r.Detection.ContentType(), r.Goal.ContentType())
	}
	return nil
}
