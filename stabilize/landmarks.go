package stabilize

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ContentType selects the reference-point strategy and transform family
type ContentType string

const (
	ContentFace      ContentType = "face"
	ContentBody      ContentType = "body"
	ContentLandscape ContentType = "landscape"
)

// MinKeypoints is the minimum keypoint count for a usable landscape detection
const MinKeypoints = 10

// ParseContentType validates a content type string
func ParseContentType(s string) (ContentType, error) {
	switch ContentType(s) {
	case ContentFace, ContentBody, ContentLandscape:
		return ContentType(s), nil
	}
	return "", fmt.Errorf("unknown content type %q (must be face, body, or landscape)", s)
}

// ReferenceLandmarks is the sum type over FaceLandmarks, BodyLandmarks and
// LandscapeLandmarks. Reference points are normalized (0..1).
type ReferenceLandmarks interface {
	ContentType() ContentType
	ReferenceLeft() Point
	ReferenceRight() Point
	Confidence() float64
	// Transformed maps every point through a pixel-space transform on canvas
	Transformed(t Transform, canvas Size) ReferenceLandmarks

	isReferenceLandmarks()
}

// FaceLandmarks anchors on the eye centers
type FaceLandmarks struct {
	LeftEye             Point       `json:"leftEye"`
	RightEye            Point       `json:"rightEye"`
	Points              []Point     `json:"points,omitempty"`
	FaceBounds          BoundingBox `json:"faceBounds"`
	DetectionConfidence float64     `json:"confidence"`
}

func (FaceLandmarks) isReferenceLandmarks() {}

func (FaceLandmarks) ContentType() ContentType { return ContentFace }

func (f FaceLandmarks) ReferenceLeft() Point { return f.LeftEye }

func (f FaceLandmarks) ReferenceRight() Point { return f.RightEye }

func (f FaceLandmarks) Confidence() float64 { return f.DetectionConfidence }

// FaceSizeRatio is the face height relative to the canvas height. Without
// face bounds it is estimated from the inter-ocular distance.
func (f FaceLandmarks) FaceSizeRatio() float64 {
	if !f.FaceBounds.IsEmpty() {
		return f.FaceBounds.Height()
	}
	return Distance(f.LeftEye, f.RightEye) * 2.5
}

func (f FaceLandmarks) Transformed(t Transform, canvas Size) ReferenceLandmarks {
	out := f
	out.LeftEye = transformNormalized(f.LeftEye, t, canvas)
	out.RightEye = transformNormalized(f.RightEye, t, canvas)
	out.Points = transformNormalizedAll(f.Points, t, canvas)
	if !f.FaceBounds.IsEmpty() {
		corners := []Point{
			{X: f.FaceBounds.Left, Y: f.FaceBounds.Top},
			{X: f.FaceBounds.Right, Y: f.FaceBounds.Top},
			{X: f.FaceBounds.Right, Y: f.FaceBounds.Bottom},
			{X: f.FaceBounds.Left, Y: f.FaceBounds.Bottom},
		}
		out.FaceBounds = BoundsOf(transformNormalizedAll(corners, t, canvas))
	}
	return out
}

// BodyLandmarks anchors on the shoulder centers
type BodyLandmarks struct {
	LeftShoulder        Point   `json:"leftShoulder"`
	RightShoulder       Point   `json:"rightShoulder"`
	Points              []Point `json:"points,omitempty"`
	DetectionConfidence float64 `json:"confidence"`
}

func (BodyLandmarks) isReferenceLandmarks() {}

func (BodyLandmarks) ContentType() ContentType { return ContentBody }

func (b BodyLandmarks) ReferenceLeft() Point { return b.LeftShoulder }

func (b BodyLandmarks) ReferenceRight() Point { return b.RightShoulder }

func (b BodyLandmarks) Confidence() float64 { return b.DetectionConfidence }

func (b BodyLandmarks) Transformed(t Transform, canvas Size) ReferenceLandmarks {
	out := b
	out.LeftShoulder = transformNormalized(b.LeftShoulder, t, canvas)
	out.RightShoulder = transformNormalized(b.RightShoulder, t, canvas)
	out.Points = transformNormalizedAll(b.Points, t, canvas)
	return out
}

// LandscapeLandmarks anchors on the centroids of the left and right halves
// of the detected keypoints (split by x). Keypoint positions are normalized.
type LandscapeLandmarks struct {
	Keypoints    []FeatureKeypoint `json:"keypoints"`
	ImageWidth   int               `json:"imageWidth"`
	ImageHeight  int               `json:"imageHeight"`
	QualityScore float64           `json:"qualityScore"`
}

func (LandscapeLandmarks) isReferenceLandmarks() {}

func (LandscapeLandmarks) ContentType() ContentType { return ContentLandscape }

// KeypointCount is the number of detected keypoints
func (l LandscapeLandmarks) KeypointCount() int { return len(l.Keypoints) }

// IsUsable reports whether enough keypoints were detected for alignment
func (l LandscapeLandmarks) IsUsable() bool { return l.KeypointCount() >= MinKeypoints }

func (l LandscapeLandmarks) Confidence() float64 { return l.QualityScore }

func (l LandscapeLandmarks) ReferenceLeft() Point {
	left, _ := l.halves()
	return Centroid(left)
}

func (l LandscapeLandmarks) ReferenceRight() Point {
	_, right := l.halves()
	return Centroid(right)
}

// ImageSize is the pixel size the keypoints were detected at
func (l LandscapeLandmarks) ImageSize() Size {
	return Size{Width: float64(l.ImageWidth), Height: float64(l.ImageHeight)}
}

// PixelPositions returns keypoint positions scaled to pixels
func (l LandscapeLandmarks) PixelPositions() []Point {
	size := l.ImageSize()
	out := make([]Point, len(l.Keypoints))
	for i, kp := range l.Keypoints {
		out[i] = kp.Position.ToPixels(size)
	}
	return out
}

func (l LandscapeLandmarks) Transformed(t Transform, canvas Size) ReferenceLandmarks {
	out := l
	out.Keypoints = make([]FeatureKeypoint, len(l.Keypoints))
	for i, kp := range l.Keypoints {
		kp.Position = transformNormalized(kp.Position, t, canvas)
		out.Keypoints[i] = kp
	}
	return out
}

// halves splits keypoint positions by x; an odd middle point goes right
func (l LandscapeLandmarks) halves() ([]Point, []Point) {
	pts := make([]Point, len(l.Keypoints))
	for i, kp := range l.Keypoints {
		pts[i] = kp.Position
	}
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].X < pts[j].X })
	mid := len(pts) / 2
	return pts[:mid], pts[mid:]
}

func transformNormalized(p Point, t Transform, canvas Size) Point {
	return t.Apply(p.ToPixels(canvas)).ToNormalized(canvas)
}

func transformNormalizedAll(points []Point, t Transform, canvas Size) []Point {
	if points == nil {
		return nil
	}
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = transformNormalized(p, t, canvas)
	}
	return out
}

// PixelReferences returns the reference pair scaled to canvas pixels
func PixelReferences(l ReferenceLandmarks, canvas Size) (Point, Point) {
	return l.ReferenceLeft().ToPixels(canvas), l.ReferenceRight().ToPixels(canvas)
}

// landmarksEnvelope is the serialized form of a ReferenceLandmarks value
type landmarksEnvelope struct {
	Type      ContentType     `json:"type"`
	Landmarks json.RawMessage `json:"landmarks"`
}

// MarshalLandmarks encodes any landmark variant with its type tag
func MarshalLandmarks(l ReferenceLandmarks) ([]byte, error) {
	if l == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s landmarks: %w", l.ContentType(), err)
	}
	return json.Marshal(landmarksEnvelope{Type: l.ContentType(), Landmarks: body})
}

// UnmarshalLandmarks decodes a tagged landmark envelope
func UnmarshalLandmarks(data []byte) (ReferenceLandmarks, error) {
	var env landmarksEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing landmarks envelope: %w", err)
	}

	switch env.Type {
	case ContentFace:
		var f FaceLandmarks
		if err := json.Unmarshal(env.Landmarks, &f); err != nil {
			return nil, fmt.Errorf("parsing face landmarks: %w", err)
		}
		return f, nil
	case ContentBody:
		var b BodyLandmarks
		if err := json.Unmarshal(env.Landmarks, &b); err != nil {
			return nil, fmt.Errorf("parsing body landmarks: %w", err)
		}
		return b, nil
	case ContentLandscape:
		var l LandscapeLandmarks
		if err := json.Unmarshal(env.Landmarks, &l); err != nil {
			return nil, fmt.Errorf("parsing landscape landmarks: %w", err)
		}
		return l, nil
	case "":
		return nil, fmt.Errorf("landmarks envelope missing type")
	}
	return nil, fmt.Errorf("unknown landmarks type %q", env.Type)
}

// LandmarkSet wraps a ReferenceLandmarks value so it can be embedded in
// JSON documents
type LandmarkSet struct {
	ReferenceLandmarks
}

func (s LandmarkSet) MarshalJSON() ([]byte, error) {
	return MarshalLandmarks(s.ReferenceLandmarks)
}

func (s *LandmarkSet) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		s.ReferenceLandmarks = nil
		return nil
	}
	l, err := UnmarshalLandmarks(data)
	if err != nil {
		return err
	}
	s.ReferenceLandmarks = l
	return nil
}
