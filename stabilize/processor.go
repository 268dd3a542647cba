package stabilize

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// progressBuffer holds more snapshots than the longest run emits
const progressBuffer = 64

// Processor runs frame jobs end to end: resolve the detection, stabilize,
// then persist, publish, track and render. Every collaborator except the
// transformer is optional.
type Processor struct {
	Settings    StabilizationSettings
	Landscape   LandscapeSettings
	Detector    Detector
	Transformer ImageTransformer
	Store       *Store
	Publisher   *Publisher
	Tracker     *StateTracker
	Sink        ProgressSink

	OutputDir string
	Overlays  bool
	Format    string
	Workers   int
}

// NewProcessor builds a processor from the loaded config
func NewProcessor(cfg *Config, detector Detector, store *Store, publisher *Publisher, tracker *StateTracker, sink ProgressSink) *Processor {
	return &Processor{
		Settings:    cfg.Stabilization,
		Landscape:   cfg.Landscape,
		Detector:    detector,
		Transformer: NewDrawTransformer(),
		Store:       store,
		Publisher:   publisher,
		Tracker:     tracker,
		Sink:        sink,
		OutputDir:   cfg.Output.Dir,
		Overlays:    cfg.Output.Overlays,
		Format:      cfg.Output.Format,
		Workers:     cfg.Jobs.Workers,
	}
}

// BatchItem is the outcome of one job in a batch
type BatchItem struct {
	Job    *FrameJob
	Result *StabilizationResult
	Err    error
}

// Process runs one job. A result is returned alongside the error when the
// run finished under the strict policy without aligned landmarks.
func (p *Processor) Process(ctx context.Context, job *FrameJob) (*StabilizationResult, error) {
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if p.Tracker != nil {
		p.Tracker.Start(job.FrameID)
	}

	result, err := p.run(ctx, job)
	if result == nil {
		if p.Tracker != nil {
			p.Tracker.Fail(job.FrameID, err)
		}
		log.Printf("[JOB] Frame %s failed: %v", job.FrameID, err)
		return nil, err
	}

	if serr := p.Store.SaveResult(result); serr != nil {
		log.Printf("[STORE] Error saving %s: %v", job.FrameID, serr)
	}
	if p.Publisher != nil {
		// publish errors are logged by the publisher
		_ = p.Publisher.PublishResult(result)
	}
	if p.Tracker != nil {
		if err != nil {
			p.Tracker.Fail(job.FrameID, err)
		} else {
			p.Tracker.Complete(result)
		}
	}
	log.Printf("[JOB] Frame %s: %s score %.2f -> %.2f in %d passes (%s)",
		job.FrameID, result.ContentType, result.InitialScore.Value, result.FinalScore.Value, result.Passes, result.StopReason)
	return result, err
}

func (p *Processor) run(ctx context.Context, job *FrameJob) (*StabilizationResult, error) {
	var img image.Image
	if job.ImagePath != "" {
		var err error
		if img, err = LoadImage(job.ImagePath); err != nil {
			return nil, err
		}
	}

	canvas := job.Canvas
	if !canvas.IsValid() && img != nil {
		canvas = ImageSize(img)
	}

	detection := job.Detection.ReferenceLandmarks
	if detection == nil {
		if p.Detector == nil || job.ContentType != ContentFace {
			return nil, fmt.Errorf("%w: frame %s has no detection and no %s detector is configured",
				ErrDetectionFailed, job.FrameID, job.ContentType)
		}
		var err error
		if detection, err = p.Detector.Detect(ctx, img); err != nil {
			return nil, err
		}
	}

	var redetector Redetector = NewProjectingRedetector(detection, canvas)
	if img != nil && p.Detector != nil && job.ContentType == ContentFace {
		redetector = NewImageRedetector(img, p.Transformer, p.Detector)
	}

	settings := p.Settings
	if job.Mode != "" {
		settings.Mode = job.Mode
	}

	// MQTT and caller sinks may block; they drain from a buffer after the run
	var external []ProgressSink
	if p.Publisher != nil {
		external = append(external, p.Publisher)
	}
	if p.Sink != nil {
		external = append(external, p.Sink)
	}
	var sink ProgressSink
	if len(external) > 0 {
		async := NewAsyncSink(MultiSink(external...), progressBuffer)
		defer func() { go async.Close() }()
		sink = async
	}
	if p.Tracker != nil {
		sink = MultiSink(p.Tracker, sink)
	}

	req := job.Request(detection, canvas)
	var (
		result *StabilizationResult
		err    error
	)
	if job.ContentType == ContentLandscape {
		result, err = NewLandscapeStabilizer(settings, p.Landscape, redetector, sink).Stabilize(ctx, req)
	} else {
		result, err = NewStabilizer(settings, redetector, sink).Stabilize(ctx, req)
	}
	if result == nil {
		return nil, err
	}
	result.Detection = LandmarkSet{detection}
	result.Goal = job.Goal

	p.writeOutputs(ctx, result, img)
	return result, err
}

// writeOutputs saves the warped frame and the overlay; failures are logged
func (p *Processor) writeOutputs(ctx context.Context, result *StabilizationResult, img image.Image) {
	if p.OutputDir == "" {
		return
	}
	if img != nil && p.Transformer != nil {
		var (
			warped image.Image
			err    error
		)
		switch t := result.Transform().(type) {
		case HomographyMatrix:
			warped, err = p.Transformer.ApplyHomography(ctx, img, t)
		case AffineMatrix:
			warped, err = p.Transformer.ApplyAffine(ctx, img, t)
		}
		if err == nil && warped != nil {
			err = os.MkdirAll(p.OutputDir, 0755)
			if err == nil {
				err = SavePNG(filepath.Join(p.OutputDir, result.FrameID+".png"), warped)
			}
		}
		if err != nil {
			log.Printf("[JOB] Error writing aligned frame %s: %v", result.FrameID, err)
		}
	}
	if p.Overlays {
		format := p.Format
		if format == "" {
			format = "svg"
		}
		if _, err := WriteOverlay(p.OutputDir, NewOverlayRenderer(result), format); err != nil {
			log.Printf("[JOB] Error writing overlay %s: %v", result.FrameID, err)
		}
	}
}

// ProcessBatch runs jobs with at most Workers in flight. Items keep the job
// order. A failing job does not stop the others; cancelling ctx does.
func (p *Processor) ProcessBatch(ctx context.Context, jobs []*FrameJob) []BatchItem {
	items := make([]BatchItem, len(jobs))
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, job := range jobs {
		items[i].Job = job
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				items[i].Err = err
				return nil
			}
			items[i].Result, items[i].Err = p.Process(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, it := range items {
		if it.Err != nil {
			failed++
		}
	}
	log.Printf("[JOB] Batch finished: %d jobs, %d errors", len(items), failed)
	return items
}

// IsJobError reports whether err came from the job itself rather than from
// cancellation
func IsJobError(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
