package stabilize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
)

// Stabilizer runs the multi-pass affine refinement for face and body
// frames. One instance may serve many frames but a single run is strictly
// sequential.
type Stabilizer struct {
	settings   StabilizationSettings
	redetector Redetector
	sink       ProgressSink
}

// NewStabilizer creates a stabilizer. A nil sink discards progress.
func NewStabilizer(settings StabilizationSettings, redetector Redetector, sink ProgressSink) *Stabilizer {
	if sink == nil {
		sink = discardSink{}
	}
	return &Stabilizer{settings: settings, redetector: redetector, sink: sink}
}

// Settings returns the stabilizer's settings
func (s *Stabilizer) Settings() StabilizationSettings { return s.settings }

// affineRun is the pass-local state of one Stabilize call
type affineRun struct {
	req      FrameRequest
	settings StabilizationSettings
	goalL    Point
	goalR    Point

	current          AffineMatrix
	currentScore     StabilizationScore
	previousScore    StabilizationScore
	currentLandmarks ReferenceLandmarks

	best          AffineMatrix
	bestScore     StabilizationScore
	bestLandmarks ReferenceLandmarks

	detectedAny     bool
	detectionFailed bool
	converged       bool
	stopReason      string
	history         []PassRecord
	diag            diagnosticsRecorder
}

// Stabilize aligns one frame's detection to the goal. Input errors on the
// first detection are returned; everything later is recorded in the
// result's diagnostics. Under the strict failure policy a result without
// any post-transform detection is returned together with
// ErrAlignedLandmarksMissing.
func (s *Stabilizer) Stabilize(ctx context.Context, req FrameRequest) (*StabilizationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if ct := req.Detection.ContentType(); ct == ContentLandscape {
		return nil, fmt.Errorf("%w: landscape frames need the landscape stabilizer", ErrInvalidInput)
	}
	if err := validateDetection(req.Detection, s.settings); err != nil {
		return nil, err
	}

	initial, err := ScoreForLandmarks(req.Detection, req.Goal, req.Canvas)
	if err != nil {
		return nil, err
	}

	run := &affineRun{
		req:              req,
		settings:         s.settings,
		current:          Identity(),
		currentScore:     initial,
		previousScore:    initial,
		currentLandmarks: req.Detection,
		best:             Identity(),
		bestScore:        initial,
		bestLandmarks:    req.Detection,
		diag: diagnosticsRecorder{
			prefix: "[STAB] " + req.FrameID + ":",
			diag:   AlignmentDiagnostics{ReferenceFrameID: req.ReferenceFrameID},
		},
	}
	run.goalL, run.goalR = PixelReferences(req.Goal, req.Canvas)

	result := &StabilizationResult{
		FrameID:          req.FrameID,
		ReferenceFrameID: req.ReferenceFrameID,
		ContentType:      req.Detection.ContentType(),
		Mode:             s.settings.Mode,
		Canvas:           req.Canvas,
		InitialScore:     initial,
	}

	if initial.Value < s.settings.NoActionScoreThreshold {
		log.Printf("[STAB] %s: already aligned (score %.3f)", req.FrameID, initial.Value)
		identity := Identity()
		result.Affine = &identity
		result.FinalScore = initial
		result.FinalStage = StageInitial
		result.Converged = true
		result.StopReason = StopAlreadyAligned
		result.Landmarks = LandmarkSet{req.Detection}
		result.History = []PassRecord{}
		result.Diagnostics = AlignmentDiagnostics{
			AlignedLandmarksDetected: true,
			ReferenceFrameID:         req.ReferenceFrameID,
			Failures:                 []PassFailure{},
			StopReason:               StopAlreadyAligned,
		}
		return result, nil
	}

	log.Printf("[STAB] %s: %s %s alignment, initial score %.3f", req.FrameID, s.settings.Mode, result.ContentType, initial.Value)

	stages := StagesFor(s.settings.Mode)
	maxPasses := s.settings.MaxPasses()
	stage := stages[0]
	lastStage := stage
	stagePass := 0
	pass := 0

	advance := func() {
		stage = nextStage(stages, stage)
		stagePass = 0
	}

	for stage != StageDone && pass < maxPasses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if stagePass >= s.settings.StageBudget(stage) {
			advance()
			continue
		}

		correction, skip, err := run.correctionFor(stage)
		if err != nil {
			if pass == 0 {
				return nil, err
			}
			run.diag.record(pass+1, stage, FailureInvalidInput, err)
			advance()
			continue
		}
		if skip {
			if stage == StageTranslationRefine {
				run.converged = true
			}
			advance()
			continue
		}

		pass++
		stagePass++
		lastStage = stage

		candidate := MultiplyMatrices(correction, run.current)
		if !candidate.IsFinite() {
			if pass == 1 {
				return nil, ErrNonFiniteMatrix
			}
			run.diag.record(pass, stage, FailureInvalidInput, ErrNonFiniteMatrix)
			run.finishPass(s, pass, maxPasses, stage, false)
			advance()
			continue
		}

		detected, err := s.redetector.Redetect(ctx, candidate)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err == nil {
			err = validateDetection(detected, s.settings)
		}
		if err == nil && detected.ContentType() != req.Goal.ContentType() {
			err = fmt.Errorf("%w: redetected %s", ErrContentMismatch, detected.ContentType())
		}
		if err != nil {
			run.detectionFailed = true
			kind := FailureDetection
			if errors.Is(err, ErrLowConfidence) || errors.Is(err, ErrFaceTooSmall) {
				kind = FailureLowQuality
			}
			run.diag.record(pass, stage, kind, err)
			run.finishPass(s, pass, maxPasses, stage, false)
			advance()
			continue
		}

		score, err := ScoreForLandmarks(detected, req.Goal, req.Canvas)
		if err != nil {
			run.diag.record(pass, stage, FailureInvalidInput, err)
			run.finishPass(s, pass, maxPasses, stage, false)
			advance()
			continue
		}

		if score.Value > run.currentScore.Value*s.settings.DivergenceFactor {
			run.diag.record(pass, stage, FailureDiverged,
				fmt.Errorf("score %.3f exceeds %.1fx current %.3f", score.Value, s.settings.DivergenceFactor, run.currentScore.Value))
			run.finishPass(s, pass, maxPasses, stage, false)
			if stage == StageTranslationRefine || stage == StageCleanup {
				run.stopReason = StopDiverged
				stage = StageDone
				continue
			}
			advance()
			continue
		}

		run.accept(candidate, score, detected)
		run.finishPass(s, pass, maxPasses, stage, true)

		if score.Value < s.settings.NoActionScoreThreshold {
			run.converged = true
			stage = StageDone
			continue
		}
		if stage == StageTranslationRefine &&
			math.Abs(run.previousScore.Value-score.Value) < s.settings.ConvergenceThreshold {
			run.converged = true
			advance()
		}
	}

	run.fill(result, pass, lastStage, maxPasses)

	log.Printf("[STAB] %s: %s after %d pass(es), score %.3f -> %.3f (failed=%v)",
		req.FrameID, result.StopReason, result.Passes, initial.Value, result.FinalScore.Value, result.Failed)

	if result.Diagnostics.FallbackLandmarksUsed && s.settings.FailurePolicy == PolicyStrict {
		return result, fmt.Errorf("frame %s: %w", req.FrameID, ErrAlignedLandmarksMissing)
	}
	return result, nil
}

// correctionFor computes the stage's correction from the current landmarks.
// skip is true when the stage's stop condition already holds.
func (r *affineRun) correctionFor(stage Stage) (AffineMatrix, bool, error) {
	left, right := PixelReferences(r.currentLandmarks, r.req.Canvas)

	switch stage {
	case StageInitial:
		a, err := ComputeAlignment(left, right, r.goalL, r.goalR, r.settings.EyeValidityRatio)
		if err != nil {
			return Identity(), false, err
		}
		return a.Matrix, false, nil

	case StageRotationRefine:
		if math.Abs(VerticalError(left, right, r.goalL, r.goalR)) <= r.settings.RotationStopThreshold {
			return Identity(), true, nil
		}
		return RotationCorrection(left, right, r.goalL, r.goalR), false, nil

	case StageScaleRefine:
		if math.Abs(DistanceError(left, right, r.goalL, r.goalR)) <= r.settings.ScaleErrorThreshold {
			return Identity(), true, nil
		}
		m, err := ScaleCorrection(left, right, Distance(r.goalL, r.goalR))
		return m, false, err

	case StageTranslationRefine:
		o := CalculateOvershoot(left, right, r.goalL, r.goalR, r.settings.NoActionScoreThreshold, r.req.Canvas.Height)
		if !o.NeedsCorrection {
			return Identity(), true, nil
		}
		return TranslationCorrection(o, r.settings.TranslationDamping), false, nil

	case StageCleanup:
		if r.currentScore.SucceedsAt(r.settings.SuccessScoreThreshold) {
			return Identity(), true, nil
		}
		a, err := ComputeAlignment(left, right, r.goalL, r.goalR, r.settings.EyeValidityRatio)
		if err != nil {
			return Identity(), false, err
		}
		return a.Matrix, false, nil
	}
	return Identity(), false, fmt.Errorf("%w: stage %s does not apply to affine alignment", ErrInvalidInput, stage)
}

func (r *affineRun) accept(candidate AffineMatrix, score StabilizationScore, detected ReferenceLandmarks) {
	r.previousScore = r.currentScore
	r.current = candidate
	r.currentScore = score
	r.currentLandmarks = detected
	r.detectedAny = true
	if score.Value < r.bestScore.Value {
		r.best = candidate
		r.bestScore = score
		r.bestLandmarks = detected
	}
}

func (r *affineRun) finishPass(s *Stabilizer, pass, maxPasses int, stage Stage, accepted bool) {
	r.history = append(r.history, PassRecord{Pass: pass, Stage: stage, Score: r.currentScore.Value, Accepted: accepted})
	s.sink.Report(StabilizationProgress{
		FrameID:     r.req.FrameID,
		ContentType: r.req.Detection.ContentType(),
		CurrentPass: pass,
		MaxPasses:   maxPasses,
		Stage:       stage,
		Score:       r.currentScore.Value,
		Mode:        r.settings.Mode,
		Accepted:    accepted,
	})
}

func (r *affineRun) fill(result *StabilizationResult, passes int, lastStage Stage, maxPasses int) {
	best := r.best
	result.Affine = &best
	result.FinalScore = r.bestScore
	result.Passes = passes
	result.FinalStage = lastStage
	result.Converged = r.converged
	result.Failed = !r.bestScore.SucceedsAt(r.settings.SuccessScoreThreshold)
	result.History = r.history
	if result.History == nil {
		result.History = []PassRecord{}
	}

	switch {
	case r.stopReason != "":
		result.StopReason = r.stopReason
	case r.converged:
		result.StopReason = StopConverged
	case passes >= maxPasses:
		result.StopReason = StopMaxPasses
	default:
		result.StopReason = StopCompleted
	}

	diag := r.diag.diag
	diag.StopReason = result.StopReason
	diag.AlignedLandmarksDetected = r.detectedAny && !r.detectionFailed
	if diag.Failures == nil {
		diag.Failures = []PassFailure{}
	}

	if r.detectedAny {
		result.Landmarks = LandmarkSet{r.bestLandmarks}
	} else {
		diag.FallbackLandmarksUsed = true
		result.Landmarks = LandmarkSet{r.req.Detection.Transformed(best, r.req.Canvas)}
		log.Printf("[STAB] %s: no landmarks detected after transform, using projected fallback", r.req.FrameID)
	}
	result.Diagnostics = diag
}

// validateDetection applies the confidence and face-size minimums
func validateDetection(l ReferenceLandmarks, settings StabilizationSettings) error {
	if l == nil {
		return ErrDetectionFailed
	}
	if !l.ReferenceLeft().IsFinite() || !l.ReferenceRight().IsFinite() {
		return fmt.Errorf("%w: non-finite reference points", ErrInvalidInput)
	}
	if c := l.Confidence(); c < settings.MinConfidence {
		return fmt.Errorf("%w: %.2f < %.2f", ErrLowConfidence, c, settings.MinConfidence)
	}
	if f, ok := l.(FaceLandmarks); ok {
		if ratio := f.FaceSizeRatio(); ratio < settings.MinFaceSizeRatio {
			return fmt.Errorf("%w: %.3f < %.3f", ErrFaceTooSmall, ratio, settings.MinFaceSizeRatio)
		}
	}
	return nil
}
