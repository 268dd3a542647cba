package stabilize

import (
	"fmt"
	"math"
	"math/rand"
)

// HomographyResult is a validated homography with its match statistics
type HomographyResult struct {
	Matrix      HomographyMatrix  `json:"matrix"`
	Matches     []DescriptorMatch `json:"matches"`
	InlierMask  []bool            `json:"inlierMask"`
	Inliers     int               `json:"inlierCount"`
	InlierRatio float64           `json:"inlierRatio"`
	MeanError   float64           `json:"meanError"`
	Confidence  float64           `json:"confidence"`
}

// HomographyEstimator matches landscape keypoints and fits a homography
// mapping source pixels onto reference pixels
type HomographyEstimator struct {
	settings LandscapeSettings
}

// NewHomographyEstimator creates an estimator for the given settings
func NewHomographyEstimator(settings LandscapeSettings) *HomographyEstimator {
	return &HomographyEstimator{settings: settings}
}

// Settings returns the estimator's settings
func (e *HomographyEstimator) Settings() LandscapeSettings { return e.settings }

// Estimate matches source against reference and fits the homography
func (e *HomographyEstimator) Estimate(source, reference LandscapeLandmarks) (HomographyResult, error) {
	if !source.IsUsable() || !reference.IsUsable() {
		return HomographyResult{}, fmt.Errorf("%w: source has %d, reference has %d, need %d",
			ErrInsufficientKeypoints, source.KeypointCount(), reference.KeypointCount(), MinKeypoints)
	}

	matches := MatchDescriptors(source.Keypoints, reference.Keypoints,
		e.settings.RatioTestThreshold, e.settings.UseCrossCheck, e.settings.MaxKeypoints)
	need := e.settings.MinMatchedKeypoints
	if need < 4 {
		need = 4
	}
	if len(matches) < need {
		return HomographyResult{}, fmt.Errorf("%w: %d matches, need %d", ErrInsufficientMatches, len(matches), need)
	}

	srcPx := source.PixelPositions()
	refPx := reference.PixelPositions()
	src := make([]Point, len(matches))
	dst := make([]Point, len(matches))
	for i, m := range matches {
		src[i] = srcPx[m.QueryIdx]
		dst[i] = refPx[m.TrainIdx]
	}

	result, err := e.EstimateFromPoints(src, dst)
	if err != nil {
		return HomographyResult{}, err
	}
	result.Matches = matches
	return result, nil
}

// EstimateFromPoints runs RANSAC over direct correspondences
func (e *HomographyEstimator) EstimateFromPoints(src, dst []Point) (HomographyResult, error) {
	if len(src) != len(dst) {
		return HomographyResult{}, fmt.Errorf("%w: point count mismatch %d vs %d", ErrInvalidInput, len(src), len(dst))
	}
	if len(src) < 4 {
		return HomographyResult{}, fmt.Errorf("%w: %d correspondences, need 4", ErrInsufficientMatches, len(src))
	}

	threshold := e.settings.RansacReprojThreshold
	h, mask, err := e.ransac(src, dst, threshold)
	if err != nil {
		return HomographyResult{}, err
	}

	inliers, meanErr := countInliers(h, src, dst, threshold, mask)
	ratio := float64(inliers) / float64(len(src))
	if !h.IsValid() {
		return HomographyResult{}, fmt.Errorf("%w: determinant %.3g", ErrDegenerateHomography, h.Determinant())
	}
	if ratio < e.settings.MinInlierRatio {
		return HomographyResult{}, fmt.Errorf("%w: inlier ratio %.2f below %.2f", ErrDegenerateHomography, ratio, e.settings.MinInlierRatio)
	}

	confidence := ratio * (1 - meanErr/threshold)
	confidence = math.Max(0, math.Min(1, confidence))
	return HomographyResult{
		Matrix:      h,
		InlierMask:  mask,
		Inliers:     inliers,
		InlierRatio: ratio,
		MeanError:   meanErr,
		Confidence:  confidence,
	}, nil
}

// ransac samples minimal 4-point sets with a seeded generator, keeps the
// model with the most inliers and refits it on all of them
func (e *HomographyEstimator) ransac(src, dst []Point, threshold float64) (HomographyMatrix, []bool, error) {
	n := len(src)
	rng := rand.New(rand.NewSource(e.settings.Seed))

	var (
		best      HomographyMatrix
		bestMask  []bool
		bestCount = -1
		bestErr   = math.Inf(1)
	)
	mask := make([]bool, n)
	maxIter := e.settings.MaxIterations
	sample := make([]int, 4)

	for iter := 0; iter < maxIter; iter++ {
		if !drawSample(rng, n, sample) {
			break
		}
		s := []Point{src[sample[0]], src[sample[1]], src[sample[2]], src[sample[3]]}
		d := []Point{dst[sample[0]], dst[sample[1]], dst[sample[2]], dst[sample[3]]}
		if collinearTriple(s) || collinearTriple(d) {
			continue
		}

		h, err := FitHomography(s, d)
		if err != nil || !h.IsValid() {
			continue
		}

		count, meanErr := countInliers(h, src, dst, threshold, mask)
		if count > bestCount || (count == bestCount && meanErr < bestErr) {
			best, bestCount, bestErr = h, count, meanErr
			bestMask = append(bestMask[:0], mask...)

			if count == n {
				break
			}
			if need := adaptiveIterations(float64(count)/float64(n), e.settings.Confidence); need < maxIter {
				maxIter = need
			}
		}
	}

	if bestCount < 4 {
		return HomographyMatrix{}, nil, fmt.Errorf("%w: no consensus among %d correspondences", ErrDegenerateHomography, n)
	}

	inSrc := make([]Point, 0, bestCount)
	inDst := make([]Point, 0, bestCount)
	for i, in := range bestMask {
		if in {
			inSrc = append(inSrc, src[i])
			inDst = append(inDst, dst[i])
		}
	}
	refined, err := FitHomography(inSrc, inDst)
	if err != nil || !refined.IsValid() {
		return best, bestMask, nil
	}
	refinedMask := make([]bool, n)
	if count, _ := countInliers(refined, src, dst, threshold, refinedMask); count >= bestCount {
		return refined, refinedMask, nil
	}
	return best, bestMask, nil
}

// countInliers fills mask and returns the inlier count and mean inlier error
func countInliers(h HomographyMatrix, src, dst []Point, threshold float64, mask []bool) (int, float64) {
	count := 0
	var total float64
	for i := range src {
		e := h.ReprojectionError(src[i], dst[i])
		mask[i] = e <= threshold
		if mask[i] {
			count++
			total += e
		}
	}
	if count == 0 {
		return 0, math.Inf(1)
	}
	return count, total / float64(count)
}

// adaptiveIterations is the number of 4-point samples needed to draw an
// all-inlier sample with the given confidence
func adaptiveIterations(inlierRatio, confidence float64) int {
	if inlierRatio <= 0 {
		return math.MaxInt32
	}
	w4 := math.Pow(inlierRatio, 4)
	if w4 >= 1 {
		return 1
	}
	num := math.Log(1 - confidence)
	den := math.Log(1 - w4)
	if den >= 0 {
		return math.MaxInt32
	}
	return int(math.Ceil(num / den))
}

// drawSample fills out with distinct indices in [0, n)
func drawSample(rng *rand.Rand, n int, out []int) bool {
	if n < len(out) {
		return false
	}
	for i := 0; i < len(out); {
		v := rng.Intn(n)
		if containsIndex(out[:i], v) {
			continue
		}
		out[i] = v
		i++
	}
	return true
}

func containsIndex(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// collinearTriple reports whether any three of the four points are collinear
func collinearTriple(p []Point) bool {
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			for k := j + 1; k < 4; k++ {
				cross := (p[j].X-p[i].X)*(p[k].Y-p[i].Y) - (p[j].Y-p[i].Y)*(p[k].X-p[i].X)
				if math.Abs(cross) < 1e-6 {
					return true
				}
			}
		}
	}
	return false
}
