package stabilize

import (
	"fmt"
	"log"
)

// Failure kinds recorded in diagnostics
const (
	FailureDetection    = "detection_failed"
	FailureLowQuality   = "low_quality"
	FailureInvalidInput = "invalid_input"
	FailureDiverged     = "diverged"
	FailureEstimation   = "estimation_failed"
	FailurePerspective  = "perspective_rejected"
)

// Stop reasons
const (
	StopAlreadyAligned = "already_aligned"
	StopConverged      = "converged"
	StopMaxPasses      = "max_passes"
	StopDiverged       = "diverged"
	StopCompleted      = "completed"
)

// PassFailure is one non-fatal problem during a run
type PassFailure struct {
	Pass    int    `json:"pass"`
	Stage   Stage  `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (f PassFailure) String() string {
	return fmt.Sprintf("pass %d %s %s: %s", f.Pass, f.Stage, f.Kind, f.Message)
}

// AlignmentDiagnostics is the terminal record of a run
type AlignmentDiagnostics struct {
	AlignedLandmarksDetected bool          `json:"alignedLandmarksDetected"`
	FallbackLandmarksUsed    bool          `json:"fallbackLandmarksUsed"`
	ReferenceFrameID         string        `json:"referenceFrameId"`
	Failures                 []PassFailure `json:"failures"`
	StopReason               string        `json:"stopReason"`
}

// HasFailures reports whether any pass recorded a failure
func (d AlignmentDiagnostics) HasFailures() bool { return len(d.Failures) > 0 }

// FailuresOfKind filters the recorded failures
func (d AlignmentDiagnostics) FailuresOfKind(kind string) []PassFailure {
	var out []PassFailure
	for _, f := range d.Failures {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// PassRecord is the outcome of one executed pass
type PassRecord struct {
	Pass     int     `json:"pass"`
	Stage    Stage   `json:"stage"`
	Score    float64 `json:"score"`
	Accepted bool    `json:"accepted"`
}

// StabilizationResult is the output of one alignment run. Affine is set for
// face/body content and Homography for landscape content.
type StabilizationResult struct {
	FrameID          string               `json:"frameId"`
	ReferenceFrameID string               `json:"referenceFrameId"`
	ContentType      ContentType          `json:"contentType"`
	Mode             Mode                 `json:"mode"`
	Canvas           Size                 `json:"canvas"`
	Affine           *AffineMatrix        `json:"affine,omitempty"`
	Homography       *HomographyMatrix    `json:"homography,omitempty"`
	InitialScore     StabilizationScore   `json:"initialScore"`
	FinalScore       StabilizationScore   `json:"finalScore"`
	Passes           int                  `json:"passes"`
	FinalStage       Stage                `json:"finalStage"`
	Converged        bool                 `json:"converged"`
	Failed           bool                 `json:"failed"`
	StopReason       string               `json:"stopReason"`
	Landmarks        LandmarkSet          `json:"landmarks"`
	Detection        LandmarkSet          `json:"detection"`
	Goal             LandmarkSet          `json:"goal"`
	History          []PassRecord         `json:"history"`
	Diagnostics      AlignmentDiagnostics `json:"diagnostics"`
}

// Transform returns whichever matrix the result carries
func (r *StabilizationResult) Transform() Transform {
	if r.Homography != nil {
		return *r.Homography
	}
	if r.Affine != nil {
		return *r.Affine
	}
	return Identity()
}

// diagnosticsRecorder accumulates pass failures for one run
type diagnosticsRecorder struct {
	prefix string
	diag   AlignmentDiagnostics
}

func (r *diagnosticsRecorder) record(pass int, stage Stage, kind string, err error) {
	f := PassFailure{Pass: pass, Stage: stage, Kind: kind, Message: err.Error()}
	r.diag.Failures = append(r.diag.Failures, f)
	log.Printf("%s Pass %d (%s) %s: %v", r.prefix, pass, stage, kind, err)
}
