package stabilize

// Stage is one state of the refinement machine
type Stage string

const (
	StageInitial           Stage = "INITIAL"
	StageRotationRefine    Stage = "ROTATION_REFINE"
	StageScaleRefine       Stage = "SCALE_REFINE"
	StageTranslationRefine Stage = "TRANSLATION_REFINE"
	StageCleanup           Stage = "CLEANUP"

	StageMatchQualityRefine         Stage = "MATCH_QUALITY_REFINE"
	StageRansacThresholdRefine      Stage = "RANSAC_THRESHOLD_REFINE"
	StagePerspectiveStabilityRefine Stage = "PERSPECTIVE_STABILITY_REFINE"

	StageDone Stage = "DONE"
)

// stageTable is the face/body transition table. Stages run in order; the
// machine moves to DONE after the last one.
var stageTable = map[Mode][]Stage{
	ModeFast: {StageInitial, StageTranslationRefine},
	ModeSlow: {StageInitial, StageRotationRefine, StageScaleRefine, StageTranslationRefine, StageCleanup},
}

// landscapeStageTable is the transition table for homography alignment.
// FAST runs INITIAL only; its redetect verifies the estimate.
var landscapeStageTable = map[Mode][]Stage{
	ModeFast: {StageInitial},
	ModeSlow: {StageInitial, StageMatchQualityRefine, StageRansacThresholdRefine, StagePerspectiveStabilityRefine},
}

// StagesFor lists the face/body stages of a mode
func StagesFor(mode Mode) []Stage {
	return stageTable[mode]
}

// LandscapeStagesFor lists the landscape stages of a mode
func LandscapeStagesFor(mode Mode) []Stage {
	return landscapeStageTable[mode]
}

// nextStage returns the stage following current in the sequence, or DONE
func nextStage(stages []Stage, current Stage) Stage {
	for i, s := range stages {
		if s == current && i+1 < len(stages) {
			return stages[i+1]
		}
	}
	return StageDone
}
