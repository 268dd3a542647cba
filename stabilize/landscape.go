package stabilize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
)

// nearIdentityTolerance marks a refinement estimate with nothing left to correct
const nearIdentityTolerance = 1e-4

// LandscapeStabilizer aligns landscape frames with homographies estimated
// from keypoint matches against the reference frame
type LandscapeStabilizer struct {
	settings   StabilizationSettings
	landscape  LandscapeSettings
	redetector Redetector
	sink       ProgressSink
}

// NewLandscapeStabilizer creates a landscape stabilizer. A nil sink
// discards progress.
func NewLandscapeStabilizer(settings StabilizationSettings, landscape LandscapeSettings, redetector Redetector, sink ProgressSink) *LandscapeStabilizer {
	if sink == nil {
		sink = discardSink{}
	}
	return &LandscapeStabilizer{settings: settings, landscape: landscape, redetector: redetector, sink: sink}
}

// landscapeRun is the pass-local state of one Stabilize call
type landscapeRun struct {
	req  FrameRequest
	goal LandscapeLandmarks

	current          HomographyMatrix
	currentScore     StabilizationScore
	previousScore    StabilizationScore
	currentLandmarks LandscapeLandmarks

	best          HomographyMatrix
	bestScore     StabilizationScore
	bestLandmarks LandscapeLandmarks

	detectedAny     bool
	detectionFailed bool
	converged       bool
	history         []PassRecord
	diag            diagnosticsRecorder
}

// Stabilize aligns one landscape frame to the goal keypoints. Too few
// keypoints, too few matches, or a degenerate first estimate are returned
// as errors.
func (s *LandscapeStabilizer) Stabilize(ctx context.Context, req FrameRequest) (*StabilizationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.landscape.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	detection, ok := req.Detection.(LandscapeLandmarks)
	if !ok {
		return nil, fmt.Errorf("%w: %s frames need the affine stabilizer", ErrInvalidInput, req.Detection.ContentType())
	}
	goal, ok := req.Goal.(LandscapeLandmarks)
	if !ok {
		return nil, fmt.Errorf("%w: goal must be landscape landmarks", ErrContentMismatch)
	}
	if err := s.validateKeypoints(detection); err != nil {
		return nil, err
	}
	if !goal.IsUsable() {
		return nil, fmt.Errorf("%w: goal has %d keypoints, need %d", ErrInsufficientKeypoints, goal.KeypointCount(), MinKeypoints)
	}

	initial, err := ScoreForLandmarks(detection, goal, req.Canvas)
	if err != nil {
		return nil, err
	}

	result := &StabilizationResult{
		FrameID:          req.FrameID,
		ReferenceFrameID: req.ReferenceFrameID,
		ContentType:      ContentLandscape,
		Mode:             s.settings.Mode,
		Canvas:           req.Canvas,
		InitialScore:     initial,
	}

	if initial.Value < s.settings.NoActionScoreThreshold {
		log.Printf("[LAND] %s: already aligned (score %.3f)", req.FrameID, initial.Value)
		identity := IdentityHomography()
		result.Homography = &identity
		result.FinalScore = initial
		result.FinalStage = StageInitial
		result.Converged = true
		result.StopReason = StopAlreadyAligned
		result.Landmarks = LandmarkSet{detection}
		result.History = []PassRecord{}
		result.Diagnostics = AlignmentDiagnostics{
			AlignedLandmarksDetected: true,
			ReferenceFrameID:         req.ReferenceFrameID,
			Failures:                 []PassFailure{},
			StopReason:               StopAlreadyAligned,
		}
		return result, nil
	}

	run := &landscapeRun{
		req:              req,
		goal:             goal,
		current:          IdentityHomography(),
		currentScore:     initial,
		previousScore:    initial,
		currentLandmarks: detection,
		best:             IdentityHomography(),
		bestScore:        initial,
		bestLandmarks:    detection,
		diag: diagnosticsRecorder{
			prefix: "[LAND] " + req.FrameID + ":",
			diag:   AlignmentDiagnostics{ReferenceFrameID: req.ReferenceFrameID},
		},
	}

	log.Printf("[LAND] %s: %s homography alignment, %d keypoints, initial score %.3f",
		req.FrameID, s.settings.Mode, detection.KeypointCount(), initial.Value)

	stages := LandscapeStagesFor(s.settings.Mode)
	maxPasses := s.landscape.MaxPasses(s.settings.Mode)
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
		if stagePass >= s.landscape.StageBudget(stage) {
			advance()
			continue
		}

		stageSettings := s.settingsFor(stage, stagePass+1)
		estimate, err := NewHomographyEstimator(stageSettings).Estimate(run.currentLandmarks, goal)
		if err != nil {
			if pass == 0 {
				return nil, err
			}
			run.diag.record(pass+1, stage, FailureEstimation, err)
			advance()
			continue
		}
		if stage != StageInitial && estimate.Matrix.IsNearIdentity(nearIdentityTolerance) {
			advance()
			continue
		}

		pass++
		stagePass++
		lastStage = stage

		candidate := MultiplyHomographies(estimate.Matrix, run.current)
		if err := s.checkPerspective(candidate, run.current, stage); err != nil {
			if pass == 1 {
				return nil, err
			}
			run.diag.record(pass, stage, FailurePerspective, err)
			run.finishPass(s, pass, maxPasses, stage, false)
			advance()
			continue
		}

		detected, err := s.redetect(ctx, candidate)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			run.detectionFailed = true
			kind := FailureDetection
			if errors.Is(err, ErrLowConfidence) || errors.Is(err, ErrInsufficientKeypoints) {
				kind = FailureLowQuality
			}
			run.diag.record(pass, stage, kind, err)
			run.finishPass(s, pass, maxPasses, stage, false)
			advance()
			continue
		}

		score, err := ScoreForLandmarks(detected, goal, req.Canvas)
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
			advance()
			continue
		}

		run.accept(candidate, score, detected)
		run.finishPass(s, pass, maxPasses, stage, true)
		log.Printf("[LAND] %s: pass %d %s inliers=%d/%d (%.2f) confidence=%.2f score=%.3f",
			req.FrameID, pass, stage, estimate.Inliers, len(estimate.Matches), estimate.InlierRatio, estimate.Confidence, score.Value)

		if score.Value < s.settings.NoActionScoreThreshold {
			run.converged = true
			stage = StageDone
			continue
		}
		if stage != StageInitial && math.Abs(run.previousScore.Value-score.Value) < s.settings.ConvergenceThreshold {
			run.converged = true
			advance()
		}
	}

	run.fill(result, s.settings, pass, lastStage, maxPasses)

	log.Printf("[LAND] %s: %s after %d pass(es), score %.3f -> %.3f (failed=%v)",
		req.FrameID, result.StopReason, result.Passes, initial.Value, result.FinalScore.Value, result.Failed)

	if result.Diagnostics.FallbackLandmarksUsed && s.settings.FailurePolicy == PolicyStrict {
		return result, fmt.Errorf("frame %s: %w", req.FrameID, ErrAlignedLandmarksMissing)
	}
	return result, nil
}

// settingsFor returns the estimator settings of a stage's pass (1-based).
// Tightening carries over from earlier stages.
func (s *LandscapeStabilizer) settingsFor(stage Stage, stagePass int) LandscapeSettings {
	full := s.landscape.RefinePasses
	switch stage {
	case StageMatchQualityRefine:
		return s.landscape.TightenRatio(stagePass)
	case StageRansacThresholdRefine:
		return s.landscape.TightenRatio(full).TightenReproj(stagePass)
	case StagePerspectiveStabilityRefine:
		return s.landscape.Tightened(full)
	}
	return s.landscape
}

// checkPerspective rejects implausible cumulative matrices. Rotation jumps
// are only checked between refinement passes.
func (s *LandscapeStabilizer) checkPerspective(candidate, previous HomographyMatrix, stage Stage) error {
	if !candidate.IsValid() {
		return fmt.Errorf("%w: determinant %.3g", ErrDegenerateHomography, candidate.Determinant())
	}
	rotation := candidate.ApproximateRotationDegrees()
	if math.Abs(rotation) > s.landscape.MaxRotationDegrees {
		return fmt.Errorf("%w: rotation %.1f° exceeds %.1f°", ErrDegenerateHomography, rotation, s.landscape.MaxRotationDegrees)
	}
	scale := candidate.ApproximateScale()
	if scale < s.landscape.MinScale || scale > s.landscape.MaxScale {
		return fmt.Errorf("%w: scale %.3f outside [%.2f, %.2f]", ErrDegenerateHomography, scale, s.landscape.MinScale, s.landscape.MaxScale)
	}
	if stage == StageInitial {
		return nil
	}
	jump := math.Abs(angleDifference(rotation, previous.ApproximateRotationDegrees()))
	if jump > s.landscape.MaxRotationJumpDegrees {
		return fmt.Errorf("%w: rotation jump %.1f° exceeds %.1f°", ErrDegenerateHomography, jump, s.landscape.MaxRotationJumpDegrees)
	}
	return nil
}

// redetect runs the redetector and checks the result is usable landscape data
func (s *LandscapeStabilizer) redetect(ctx context.Context, h HomographyMatrix) (LandscapeLandmarks, error) {
	l, err := s.redetector.Redetect(ctx, h)
	if err != nil {
		return LandscapeLandmarks{}, err
	}
	if l == nil {
		return LandscapeLandmarks{}, ErrDetectionFailed
	}
	detected, ok := l.(LandscapeLandmarks)
	if !ok {
		return LandscapeLandmarks{}, fmt.Errorf("%w: redetected %s", ErrContentMismatch, l.ContentType())
	}
	if err := s.validateKeypoints(detected); err != nil {
		return LandscapeLandmarks{}, err
	}
	return detected, nil
}

func (s *LandscapeStabilizer) validateKeypoints(l LandscapeLandmarks) error {
	if !l.IsUsable() {
		return fmt.Errorf("%w: %d keypoints, need %d", ErrInsufficientKeypoints, l.KeypointCount(), MinKeypoints)
	}
	if l.QualityScore < s.settings.MinConfidence {
		return fmt.Errorf("%w: quality %.2f < %.2f", ErrLowConfidence, l.QualityScore, s.settings.MinConfidence)
	}
	return nil
}

func (r *landscapeRun) accept(candidate HomographyMatrix, score StabilizationScore, detected LandscapeLandmarks) {
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

func (r *landscapeRun) finishPass(s *LandscapeStabilizer, pass, maxPasses int, stage Stage, accepted bool) {
	r.history = append(r.history, PassRecord{Pass: pass, Stage: stage, Score: r.currentScore.Value, Accepted: accepted})
	s.sink.Report(StabilizationProgress{
		FrameID:     r.req.FrameID,
		ContentType: ContentLandscape,
		CurrentPass: pass,
		MaxPasses:   maxPasses,
		Stage:       stage,
		Score:       r.currentScore.Value,
		Mode:        s.settings.Mode,
		Accepted:    accepted,
	})
}

func (r *landscapeRun) fill(result *StabilizationResult, settings StabilizationSettings, passes int, lastStage Stage, maxPasses int) {
	best := r.best
	result.Homography = &best
	result.FinalScore = r.bestScore
	result.Passes = passes
	result.FinalStage = lastStage
	result.Converged = r.converged
	result.Failed = !r.bestScore.SucceedsAt(settings.SuccessScoreThreshold)
	result.History = r.history
	if result.History == nil {
		result.History = []PassRecord{}
	}

	switch {
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
		log.Printf("[LAND] %s: no keypoints detected after transform, using projected fallback", r.req.FrameID)
	}
	result.Diagnostics = diag
}

// angleDifference is a - b wrapped into (-180, 180]
func angleDifference(a, b float64) float64 {
	d := math.Mod(a-b, 360)
	if d > 180 {
		d -= 360
	} else if d <= -180 {
		d += 360
	}
	return d
}
