package stabilize

import (
	"context"
	"errors"
	"math"
	"testing"
)

func landscapeRequest(detection, goal LandscapeLandmarks) FrameRequest {
	return FrameRequest{
		FrameID:          "land-0007",
		ReferenceFrameID: "land-0001",
		Canvas:           squareCanvas,
		Detection:        detection,
		Goal:             goal,
	}
}

// rotatedScene rotates every keypoint about the canvas center
func rotatedScene(l LandscapeLandmarks, degrees float64) LandscapeLandmarks {
	m := RotationAbout(degrees*math.Pi/180, Point{X: 500, Y: 500})
	return l.Transformed(m, squareCanvas).(LandscapeLandmarks)
}

func TestLandscapeStabilize_Converges(t *testing.T) {
	for _, mode := range []Mode{ModeFast, ModeSlow} {
		t.Run(string(mode), func(t *testing.T) {
			goal := landscapeScene(80, 21, squareCanvas)
			detection := translatedScene(goal, 0.03, 0.015)
			rec := &progressRecorder{}

			s := NewLandscapeStabilizer(withMode(mode), DefaultLandscapeSettings(), NewProjectingRedetector(detection, squareCanvas), rec)
			result, err := s.Stabilize(context.Background(), landscapeRequest(detection, goal))
			if err != nil {
				t.Fatalf("Stabilize: %v", err)
			}
			if result.Homography == nil || result.Affine != nil {
				t.Fatalf("landscape result should carry only a homography: %+v", result)
			}
			assertNear(t, "h13", result.Homography.H13, -30, 1e-6)
			assertNear(t, "h23", result.Homography.H23, -15, 1e-6)
			if !result.Converged || result.Passes != 1 {
				t.Errorf("Converged = %v after %d pass(es)", result.Converged, result.Passes)
			}
			if result.FinalScore.Value > 0.01 {
				t.Errorf("FinalScore = %v", result.FinalScore.Value)
			}
			events := rec.Events()
			if len(events) != 1 || events[0].ContentType != ContentLandscape {
				t.Errorf("events = %+v", events)
			}
		})
	}
}

func TestLandscapeStabilize_RefinementPasses(t *testing.T) {
	goal := landscapeScene(80, 21, squareCanvas)
	detection := translatedScene(goal, 0.03, 0)

	// the redetector reports a keypoint set that keeps a residual shift,
	// so every refinement pass has something left to correct
	calls := 0
	redetector := &ProjectingRedetector{
		Source: detection,
		Canvas: squareCanvas,
		Adjust: func(l ReferenceLandmarks) ReferenceLandmarks {
			calls++
			return translatedScene(l.(LandscapeLandmarks), 0.01/float64(calls), 0)
		},
	}

	s := NewLandscapeStabilizer(DefaultSettings(), DefaultLandscapeSettings(), redetector, nil)
	result, err := s.Stabilize(context.Background(), landscapeRequest(detection, goal))
	if err != nil {
		t.Fatalf("Stabilize: %v", err)
	}
	if result.Passes < 2 {
		t.Errorf("Passes = %d, want refinement passes", result.Passes)
	}
	if result.Passes > DefaultLandscapeSettings().MaxPasses(ModeSlow) {
		t.Errorf("Passes = %d exceeds cap", result.Passes)
	}
	if result.FinalScore.Value >= result.InitialScore.Value {
		t.Errorf("score did not improve: %v -> %v", result.InitialScore.Value, result.FinalScore.Value)
	}
	if result.History[0].Stage != StageInitial || result.History[1].Stage != StageMatchQualityRefine {
		t.Errorf("history = %+v", result.History)
	}
}

func TestLandscapeStabilize_InputErrors(t *testing.T) {
	goal := landscapeScene(60, 3, squareCanvas)

	lowQuality := translatedScene(goal, 0.02, 0)
	lowQuality.QualityScore = 0.2

	tests := []struct {
		name      string
		detection LandscapeLandmarks
		wantErr   error
	}{
		{"too few keypoints", landscapeScene(MinKeypoints-1, 3, squareCanvas), ErrInsufficientKeypoints},
		{"unrelated scene", landscapeScene(60, 4, squareCanvas), ErrInsufficientMatches},
		{"low quality", lowQuality, ErrLowConfidence},
		{"excessive rotation", rotatedScene(goal, 60), ErrDegenerateHomography},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewLandscapeStabilizer(DefaultSettings(), DefaultLandscapeSettings(), NewProjectingRedetector(tt.detection, squareCanvas), nil)
			result, err := s.Stabilize(context.Background(), landscapeRequest(tt.detection, goal))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if result != nil {
				t.Error("input errors should not return a result")
			}
		})
	}

	t.Run("face content", func(t *testing.T) {
		s := NewLandscapeStabilizer(DefaultSettings(), DefaultLandscapeSettings(), nil, nil)
		_, err := s.Stabilize(context.Background(), faceRequest(tiltedFace()))
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("err = %v, want ErrInvalidInput", err)
		}
	})
}

func TestLandscapeStabilize_AlreadyAligned(t *testing.T) {
	goal := landscapeScene(40, 8, squareCanvas)
	s := NewLandscapeStabilizer(DefaultSettings(), DefaultLandscapeSettings(), failingRedetector(ErrDetectionFailed), nil)
	result, err := s.Stabilize(context.Background(), landscapeRequest(goal, goal))
	if err != nil {
		t.Fatalf("Stabilize: %v", err)
	}
	if result.StopReason != StopAlreadyAligned || !result.Homography.IsNearIdentity(0) {
		t.Errorf("StopReason = %s, Homography = %+v", result.StopReason, result.Homography)
	}
}

func TestLandscapeStabilize_StrictFallback(t *testing.T) {
	goal := landscapeScene(60, 3, squareCanvas)
	detection := translatedScene(goal, 0.02, 0.02)

	settings := DefaultSettings()
	settings.FailurePolicy = PolicyStrict
	s := NewLandscapeStabilizer(settings, DefaultLandscapeSettings(), failingRedetector(ErrDetectionFailed), nil)

	result, err := s.Stabilize(context.Background(), landscapeRequest(detection, goal))
	if !errors.Is(err, ErrAlignedLandmarksMissing) {
		t.Fatalf("err = %v, want ErrAlignedLandmarksMissing", err)
	}
	if result == nil || !result.Diagnostics.FallbackLandmarksUsed {
		t.Fatalf("result = %+v", result)
	}
	// nothing was accepted, so the fallback is the detection projected by identity
	fallback := result.Landmarks.ReferenceLandmarks.(LandscapeLandmarks)
	assertPointNear(t, "fallback reference", fallback.ReferenceLeft(), detection.ReferenceLeft(), 1e-9)
	if n := len(result.Diagnostics.FailuresOfKind(FailureDetection)); n == 0 {
		t.Error("expected detection failures")
	}
}

func TestAngleDifference(t *testing.T) {
	tests := []struct{ a, b, want float64 }{
		{10, 5, 5},
		{179, -179, -2},
		{-179, 179, 2},
		{180, 0, 180},
	}
	for _, tt := range tests {
		assertNear(t, "angleDifference", angleDifference(tt.a, tt.b), tt.want, 1e-9)
	}
}

func TestLandscapeStabilize_EmptyRedetection(t *testing.T) {
	goal := landscapeScene(80, 21, squareCanvas)
	detection := translatedScene(goal, 0.03, 0.015)

	adjusted := NewProjectingRedetector(detection, squareCanvas)
	adjusted.Adjust = func(ReferenceLandmarks) ReferenceLandmarks { return nil }

	tests := []struct {
		name       string
		redetector Redetector
	}{
		{"nil result", RedetectorFunc(func(context.Context, Transform) (ReferenceLandmarks, error) { return nil, nil })},
		{"adjusted to nil", adjusted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewLandscapeStabilizer(DefaultSettings(), DefaultLandscapeSettings(), tt.redetector, nil)
			result, err := s.Stabilize(context.Background(), landscapeRequest(detection, goal))
			if err != nil {
				t.Fatalf("Stabilize: %v", err)
			}
			if !result.Diagnostics.FallbackLandmarksUsed {
				t.Error("expected fallback landmarks")
			}
			if n := len(result.Diagnostics.FailuresOfKind(FailureDetection)); n == 0 {
				t.Errorf("failures = %+v, want detection failures", result.Diagnostics.Failures)
			}
		})
	}
}

func TestLandscapeStabilize_InvalidSettings(t *testing.T) {
	goal := landscapeScene(80, 21, squareCanvas)
	detection := translatedScene(goal, 0.03, 0.015)

	badMode := DefaultSettings()
	badMode.Mode = "FAST"
	badLandscape := DefaultLandscapeSettings()
	badLandscape.RatioTestThreshold = 0

	tests := []struct {
		name      string
		settings  StabilizationSettings
		landscape LandscapeSettings
	}{
		{"uppercase mode", badMode, DefaultLandscapeSettings()},
		{"zero settings", StabilizationSettings{}, DefaultLandscapeSettings()},
		{"zero ratio", DefaultSettings(), badLandscape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewLandscapeStabilizer(tt.settings, tt.landscape, NewProjectingRedetector(detection, squareCanvas), nil)
			_, err := s.Stabilize(context.Background(), landscapeRequest(detection, goal))
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}
