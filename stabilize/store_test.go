package stabilize

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func storedResult(frameID string, score float64, failures ...PassFailure) *StabilizationResult {
	m := MultiplyMatrices(Translation(12, -3), RotationDeg(2))
	if failures == nil {
		failures = []PassFailure{}
	}
	return &StabilizationResult{
		FrameID:          frameID,
		ReferenceFrameID: "frame-0001",
		ContentType:      ContentFace,
		Mode:             ModeSlow,
		Canvas:           squareCanvas,
		Affine:           &m,
		InitialScore:     StabilizationScore{Value: 30},
		FinalScore:       StabilizationScore{Value: score},
		Passes:           3,
		FinalStage:       StageTranslationRefine,
		StopReason:       StopConverged,
		Landmarks:        LandmarkSet{goalFace()},
		Detection:        LandmarkSet{tiltedFace()},
		Goal:             LandmarkSet{goalFace()},
		History:          []PassRecord{{Pass: 1, Stage: StageInitial, Score: score, Accepted: true}},
		Diagnostics:      AlignmentDiagnostics{Failures: failures, StopReason: StopConverged},
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	s := openTestStore(t)

	want := storedResult("frame-0042", 1.25)
	require.NoError(t, s.SaveResult(want))

	got, err := s.GetResult("frame-0042")
	require.NoError(t, err)
	assert.Equal(t, want.FrameID, got.FrameID)
	assert.Equal(t, *want.Affine, *got.Affine)
	assert.Equal(t, want.FinalScore.Value, got.FinalScore.Value)
	assert.Equal(t, ContentFace, got.Landmarks.ContentType())
	assert.Equal(t, tiltedFace().LeftEye, got.Detection.ReferenceLeft())
	assert.Len(t, got.History, 1)

	_, err = s.GetResult("nope")
	assert.True(t, errors.Is(err, ErrResultNotFound), "got %v", err)
}

func TestStore_ReplaceAndFailures(t *testing.T) {
	s := openTestStore(t)

	first := storedResult("f1", 25,
		PassFailure{Pass: 1, Stage: StageInitial, Kind: FailureDetection, Message: "no face"},
		PassFailure{Pass: 2, Stage: StageRotationRefine, Kind: FailureDiverged, Message: "x"})
	require.NoError(t, s.SaveResult(first))
	require.NoError(t, s.SaveResult(storedResult("f2", 2,
		PassFailure{Pass: 3, Stage: StageScaleRefine, Kind: FailureDetection, Message: "no face"})))

	counts, err := s.FailureCounts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{FailureDetection: 2, FailureDiverged: 1}, counts)

	// saving again replaces the previous failure rows
	require.NoError(t, s.SaveResult(storedResult("f1", 1)))
	counts, err = s.FailureCounts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{FailureDetection: 1}, counts)

	list, err := s.ListResults(10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestStore_ListAndDelete(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveResult(storedResult(id, 3)))
	}
	failed := storedResult("d", 42)
	failed.Failed = true
	require.NoError(t, s.SaveResult(failed))

	list, err := s.ListResults(2)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	all, err := s.ListResults(0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	require.NoError(t, s.DeleteResult("b"))
	assert.True(t, errors.Is(s.DeleteResult("b"), ErrResultNotFound))

	all, err = s.ListResults(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_Nil(t *testing.T) {
	var s *Store
	assert.NoError(t, s.SaveResult(storedResult("x", 1)))
	assert.NoError(t, s.Close())
	_, err := s.GetResult("x")
	assert.Error(t, err)
}

func TestStorableScore(t *testing.T) {
	assert.Equal(t, -1.0, storableScore(math.Inf(1)))
	assert.Equal(t, -1.0, storableScore(math.NaN()))
	assert.Equal(t, 4.5, storableScore(4.5))
}
