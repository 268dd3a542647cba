package stabilize

import (
	"fmt"
	"math"
)

// Mode selects the refinement strategy
type Mode string

const (
	ModeFast Mode = "fast"
	ModeSlow Mode = "slow"
)

// Hard pass caps per mode
const (
	MaxPassesFast = 4
	MaxPassesSlow = 11
)

// FailurePolicy decides how a run without any successful post-transform
// detection is surfaced
type FailurePolicy string

const (
	// PolicyBestEffort returns the result with fallback landmarks flagged
	PolicyBestEffort FailurePolicy = "best_effort"
	// PolicyStrict also returns ErrAlignedLandmarksMissing
	PolicyStrict FailurePolicy = "strict"
)

// StabilizationSettings configures one face/body alignment request.
// Distances are in pixels, scores on the 1000 px scale.
type StabilizationSettings struct {
	Mode                   Mode          `yaml:"mode" json:"mode"`
	RotationStopThreshold  float64       `yaml:"rotationStopThreshold" json:"rotationStopThreshold"`
	ScaleErrorThreshold    float64       `yaml:"scaleErrorThreshold" json:"scaleErrorThreshold"`
	ConvergenceThreshold   float64       `yaml:"convergenceThreshold" json:"convergenceThreshold"`
	SuccessScoreThreshold  float64       `yaml:"successScoreThreshold" json:"successScoreThreshold"`
	NoActionScoreThreshold float64       `yaml:"noActionScoreThreshold" json:"noActionScoreThreshold"`
	MinFaceSizeRatio       float64       `yaml:"minFaceSizeRatio" json:"minFaceSizeRatio"`
	EyeValidityRatio       float64       `yaml:"eyeValidityRatio" json:"eyeValidityRatio"`
	MinConfidence          float64       `yaml:"minConfidence" json:"minConfidence"`
	RotationPasses         int           `yaml:"rotationPasses" json:"rotationPasses"`
	ScalePasses            int           `yaml:"scalePasses" json:"scalePasses"`
	TranslationPasses      int           `yaml:"translationPasses" json:"translationPasses"`
	TranslationDamping     float64       `yaml:"translationDamping" json:"translationDamping"`
	DivergenceFactor       float64       `yaml:"divergenceFactor" json:"divergenceFactor"`
	FailurePolicy          FailurePolicy `yaml:"failurePolicy" json:"failurePolicy"`
}

// DefaultSettings returns the SLOW-mode defaults
func DefaultSettings() StabilizationSettings {
	return StabilizationSettings{
		Mode:                   ModeSlow,
		RotationStopThreshold:  0.1,
		ScaleErrorThreshold:    1.0,
		ConvergenceThreshold:   0.05,
		SuccessScoreThreshold:  DefaultSuccessScore,
		NoActionScoreThreshold: DefaultNoActionScore,
		MinFaceSizeRatio:       0.05,
		EyeValidityRatio:       0.1,
		MinConfidence:          0.5,
		RotationPasses:         3,
		ScalePasses:            3,
		TranslationPasses:      3,
		TranslationDamping:     0.5,
		DivergenceFactor:       2.0,
		FailurePolicy:          PolicyBestEffort,
	}
}

// Validate checks ranges and enumerations
func (s StabilizationSettings) Validate() error {
	if s.Mode != ModeFast && s.Mode != ModeSlow {
		return fmt.Errorf("stabilization.mode must be fast or slow, got %q", s.Mode)
	}
	if s.FailurePolicy != PolicyBestEffort && s.FailurePolicy != PolicyStrict {
		return fmt.Errorf("stabilization.failurePolicy must be best_effort or strict, got %q", s.FailurePolicy)
	}

	positive := []struct {
		name  string
		value float64
	}{
		{"rotationStopThreshold", s.RotationStopThreshold},
		{"scaleErrorThreshold", s.ScaleErrorThreshold},
		{"convergenceThreshold", s.ConvergenceThreshold},
		{"successScoreThreshold", s.SuccessScoreThreshold},
		{"noActionScoreThreshold", s.NoActionScoreThreshold},
		{"eyeValidityRatio", s.EyeValidityRatio},
	}
	for _, p := range positive {
		if !(p.value > 0) || math.IsInf(p.value, 0) {
			return fmt.Errorf("stabilization.%s must be positive, got %v", p.name, p.value)
		}
	}

	if s.NoActionScoreThreshold >= s.SuccessScoreThreshold {
		return fmt.Errorf("stabilization.noActionScoreThreshold (%v) must be below successScoreThreshold (%v)",
			s.NoActionScoreThreshold, s.SuccessScoreThreshold)
	}
	if s.MinFaceSizeRatio < 0 || s.MinFaceSizeRatio >= 1 {
		return fmt.Errorf("stabilization.minFaceSizeRatio must be in [0, 1), got %v", s.MinFaceSizeRatio)
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return fmt.Errorf("stabilization.minConfidence must be in [0, 1], got %v", s.MinConfidence)
	}
	if s.TranslationDamping <= 0 || s.TranslationDamping > 1 {
		return fmt.Errorf("stabilization.translationDamping must be in (0, 1], got %v", s.TranslationDamping)
	}
	if s.DivergenceFactor < 1 {
		return fmt.Errorf("stabilization.divergenceFactor must be at least 1, got %v", s.DivergenceFactor)
	}
	if s.RotationPasses < 0 || s.ScalePasses < 0 || s.TranslationPasses < 0 {
		return fmt.Errorf("stabilization pass budgets must not be negative")
	}
	return nil
}

// MaxPasses is the pass cap for the configured mode: the stage budgets,
// never more than the mode's hard cap
func (s StabilizationSettings) MaxPasses() int {
	budget := 0
	for _, stage := range StagesFor(s.Mode) {
		budget += s.StageBudget(stage)
	}
	limit := MaxPassesSlow
	if s.Mode == ModeFast {
		limit = MaxPassesFast
	}
	if budget > limit {
		return limit
	}
	return budget
}

// StageBudget is the number of passes a face/body stage may run
func (s StabilizationSettings) StageBudget(stage Stage) int {
	switch stage {
	case StageInitial, StageCleanup:
		return 1
	case StageRotationRefine:
		return s.RotationPasses
	case StageScaleRefine:
		return s.ScalePasses
	case StageTranslationRefine:
		return s.TranslationPasses
	}
	return 0
}

// DetectorType names the binary feature descriptor family
type DetectorType string

const (
	DetectorORB   DetectorType = "orb"
	DetectorAKAZE DetectorType = "akaze"
)

// Refinement floors
const (
	minRatioTestThreshold    = 0.6
	minRansacReprojThreshold = 1.0
)

// LandscapeSettings configures keypoint matching and homography estimation
type LandscapeSettings struct {
	DetectorType           DetectorType `yaml:"detectorType" json:"detectorType"`
	MaxKeypoints           int          `yaml:"maxKeypoints" json:"maxKeypoints"`
	RatioTestThreshold     float64      `yaml:"ratioTestThreshold" json:"ratioTestThreshold"`
	RansacReprojThreshold  float64      `yaml:"ransacReprojThreshold" json:"ransacReprojThreshold"`
	MinMatchedKeypoints    int          `yaml:"minMatchedKeypoints" json:"minMatchedKeypoints"`
	MinInlierRatio         float64      `yaml:"minInlierRatio" json:"minInlierRatio"`
	UseCrossCheck          bool         `yaml:"useCrossCheck" json:"useCrossCheck"`
	MaxIterations          int          `yaml:"maxIterations" json:"maxIterations"`
	Confidence             float64      `yaml:"confidence" json:"confidence"`
	Seed                   int64        `yaml:"seed" json:"seed"`
	RatioTightenFactor     float64      `yaml:"ratioTightenFactor" json:"ratioTightenFactor"`
	ReprojTightenFactor    float64      `yaml:"reprojTightenFactor" json:"reprojTightenFactor"`
	MaxRotationDegrees     float64      `yaml:"maxRotationDegrees" json:"maxRotationDegrees"`
	MaxRotationJumpDegrees float64      `yaml:"maxRotationJumpDegrees" json:"maxRotationJumpDegrees"`
	MinScale               float64      `yaml:"minScale" json:"minScale"`
	MaxScale               float64      `yaml:"maxScale" json:"maxScale"`
	RefinePasses           int          `yaml:"refinePasses" json:"refinePasses"`
}

// DefaultLandscapeSettings returns ORB defaults
func DefaultLandscapeSettings() LandscapeSettings {
	return LandscapeSettings{
		DetectorType:           DetectorORB,
		MaxKeypoints:           500,
		RatioTestThreshold:     0.75,
		RansacReprojThreshold:  3.0,
		MinMatchedKeypoints:    10,
		MinInlierRatio:         0.3,
		UseCrossCheck:          false,
		MaxIterations:          2000,
		Confidence:             0.995,
		Seed:                   1,
		RatioTightenFactor:     0.9,
		ReprojTightenFactor:    0.75,
		MaxRotationDegrees:     45,
		MaxRotationJumpDegrees: 10,
		MinScale:               0.5,
		MaxScale:               2.0,
		RefinePasses:           3,
	}
}

// Validate checks ranges and enumerations
func (l LandscapeSettings) Validate() error {
	if l.DetectorType != DetectorORB && l.DetectorType != DetectorAKAZE {
		return fmt.Errorf("landscape.detectorType must be orb or akaze, got %q", l.DetectorType)
	}
	if l.MaxKeypoints < MinKeypoints {
		return fmt.Errorf("landscape.maxKeypoints must be at least %d, got %d", MinKeypoints, l.MaxKeypoints)
	}
	if l.RatioTestThreshold <= 0 || l.RatioTestThreshold > 1 {
		return fmt.Errorf("landscape.ratioTestThreshold must be in (0, 1], got %v", l.RatioTestThreshold)
	}
	if l.RansacReprojThreshold <= 0 {
		return fmt.Errorf("landscape.ransacReprojThreshold must be positive, got %v", l.RansacReprojThreshold)
	}
	if l.MinMatchedKeypoints < 4 {
		return fmt.Errorf("landscape.minMatchedKeypoints must be at least 4, got %d", l.MinMatchedKeypoints)
	}
	if l.MinInlierRatio < 0 || l.MinInlierRatio > 1 {
		return fmt.Errorf("landscape.minInlierRatio must be in [0, 1], got %v", l.MinInlierRatio)
	}
	if l.MaxIterations < 1 {
		return fmt.Errorf("landscape.maxIterations must be positive, got %d", l.MaxIterations)
	}
	if l.Confidence <= 0 || l.Confidence >= 1 {
		return fmt.Errorf("landscape.confidence must be in (0, 1), got %v", l.Confidence)
	}
	if l.RatioTightenFactor <= 0 || l.RatioTightenFactor > 1 {
		return fmt.Errorf("landscape.ratioTightenFactor must be in (0, 1], got %v", l.RatioTightenFactor)
	}
	if l.ReprojTightenFactor <= 0 || l.ReprojTightenFactor > 1 {
		return fmt.Errorf("landscape.reprojTightenFactor must be in (0, 1], got %v", l.ReprojTightenFactor)
	}
	if l.MaxRotationDegrees <= 0 || l.MaxRotationJumpDegrees <= 0 {
		return fmt.Errorf("landscape rotation bounds must be positive")
	}
	if l.MinScale <= 0 || l.MaxScale <= l.MinScale {
		return fmt.Errorf("landscape.minScale must be positive and below maxScale, got %v..%v", l.MinScale, l.MaxScale)
	}
	if l.RefinePasses < 0 {
		return fmt.Errorf("landscape.refinePasses must not be negative, got %d", l.RefinePasses)
	}
	return nil
}

// MaxPasses is the landscape pass cap for a mode
func (l LandscapeSettings) MaxPasses(mode Mode) int {
	budget := 0
	for _, stage := range LandscapeStagesFor(mode) {
		budget += l.StageBudget(stage)
	}
	limit := MaxPassesSlow
	if mode == ModeFast {
		limit = MaxPassesFast
	}
	if budget > limit {
		return limit
	}
	return budget
}

// StageBudget is the number of passes a landscape stage may run
func (l LandscapeSettings) StageBudget(stage Stage) int {
	switch stage {
	case StageInitial:
		return 1
	case StageMatchQualityRefine, StageRansacThresholdRefine, StagePerspectiveStabilityRefine:
		return l.RefinePasses
	}
	return 0
}

// TightenRatio returns settings with the ratio test tightened for the
// given refinement pass (1-based), never below the floor
func (l LandscapeSettings) TightenRatio(pass int) LandscapeSettings {
	out := l
	out.RatioTestThreshold = math.Max(l.RatioTestThreshold*math.Pow(l.RatioTightenFactor, float64(pass)),
		math.Min(minRatioTestThreshold, l.RatioTestThreshold))
	return out
}

// TightenReproj returns settings with the RANSAC threshold tightened for
// the given refinement pass (1-based), never below the floor
func (l LandscapeSettings) TightenReproj(pass int) LandscapeSettings {
	out := l
	out.RansacReprojThreshold = math.Max(l.RansacReprojThreshold*math.Pow(l.ReprojTightenFactor, float64(pass)),
		math.Min(minRansacReprojThreshold, l.RansacReprojThreshold))
	return out
}

// Tightened applies both tightenings for a refinement pass
func (l LandscapeSettings) Tightened(pass int) LandscapeSettings {
	return l.TightenRatio(pass).TightenReproj(pass)
}
