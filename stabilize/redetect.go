package stabilize

import (
	"context"
	"fmt"
	"image"
)

// ImageRedetector warps the original frame and runs a detector on the
// result. Every call starts from Image, never from a previous warp.
type ImageRedetector struct {
	Image       image.Image
	Transformer ImageTransformer
	Detector    Detector
}

// NewImageRedetector binds a frame to a transformer and detector
func NewImageRedetector(img image.Image, transformer ImageTransformer, detector Detector) *ImageRedetector {
	return &ImageRedetector{Image: img, Transformer: transformer, Detector: detector}
}

func (r *ImageRedetector) Redetect(ctx context.Context, t Transform) (ReferenceLandmarks, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		warped image.Image
		err    error
	)
	switch m := t.(type) {
	case AffineMatrix:
		warped, err = r.Transformer.ApplyAffine(ctx, r.Image, m)
	case HomographyMatrix:
		warped, err = r.Transformer.ApplyHomography(ctx, r.Image, m)
	default:
		return nil, fmt.Errorf("%w: unsupported transform %T", ErrInvalidInput, t)
	}
	if err != nil {
		return nil, fmt.Errorf("warping frame: %w", err)
	}

	landmarks, err := r.Detector.Detect(ctx, warped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectionFailed, err)
	}
	if landmarks == nil {
		return nil, ErrDetectionFailed
	}
	return landmarks, nil
}

// ProjectingRedetector answers a redetect by projecting a known detection
// through the transform. It replays precomputed detections when no image
// is available.
type ProjectingRedetector struct {
	Source ReferenceLandmarks
	Canvas Size

	// Adjust, when set, post-processes each projection. It can model
	// detector noise or drift.
	Adjust func(ReferenceLandmarks) ReferenceLandmarks
}

// NewProjectingRedetector projects source on canvas
func NewProjectingRedetector(source ReferenceLandmarks, canvas Size) *ProjectingRedetector {
	return &ProjectingRedetector{Source: source, Canvas: canvas}
}

func (r *ProjectingRedetector) Redetect(ctx context.Context, t Transform) (ReferenceLandmarks, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Source == nil {
		return nil, ErrDetectionFailed
	}
	projected := r.Source.Transformed(t, r.Canvas)
	if r.Adjust != nil {
		projected = r.Adjust(projected)
	}
	return projected, nil
}
