package stabilize

import (
	"math"
	"math/rand"
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// shared fixtures
// ---------------------------------------------------------------------------

var squareCanvas = Size{Width: 1000, Height: 1000}

// faceAt builds a confident face from pixel eye positions on canvas
func faceAt(canvas Size, left, right Point) FaceLandmarks {
	l := left.ToNormalized(canvas)
	r := right.ToNormalized(canvas)
	d := Distance(l, r)
	mid := Midpoint(l, r)
	return FaceLandmarks{
		LeftEye:             l,
		RightEye:            r,
		FaceBounds:          NewBoundingBox(mid.X-d, mid.Y-d, mid.X+d, mid.Y+1.5*d),
		DetectionConfidence: 0.9,
	}
}

// randomDescriptor returns a 32-byte ORB-sized descriptor
func randomDescriptor(rng *rand.Rand) []byte {
	d := make([]byte, 32)
	rng.Read(d)
	return d
}

// landscapeScene scatters n keypoints with unique descriptors over canvas
func landscapeScene(n int, seed int64, canvas Size) LandscapeLandmarks {
	rng := rand.New(rand.NewSource(seed))
	kps := make([]FeatureKeypoint, n)
	for i := range kps {
		kps[i] = FeatureKeypoint{
			Position:   Point{X: 0.1 + 0.8*rng.Float64(), Y: 0.1 + 0.8*rng.Float64()},
			Response:   rng.Float64(),
			Size:       31,
			Descriptor: randomDescriptor(rng),
		}
	}
	return LandscapeLandmarks{
		Keypoints:    kps,
		ImageWidth:   int(canvas.Width),
		ImageHeight:  int(canvas.Height),
		QualityScore: 0.9,
	}
}

// progressRecorder collects snapshots
type progressRecorder struct {
	mu     sync.Mutex
	events []StabilizationProgress
}

func (r *progressRecorder) Report(p StabilizationProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *progressRecorder) Events() []StabilizationProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StabilizationProgress, len(r.events))
	copy(out, r.events)
	return out
}

func assertNear(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %v, want %v (±%v)", name, got, want, tol)
	}
}

func assertPointNear(t *testing.T, name string, got, want Point, tol float64) {
	t.Helper()
	if Distance(got, want) > tol {
		t.Errorf("%s = (%.4f, %.4f), want (%.4f, %.4f) (±%v)", name, got.X, got.Y, want.X, want.Y, tol)
	}
}
