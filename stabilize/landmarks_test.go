package stabilize

import (
	"encoding/json"
	"testing"
)

func TestParseContentType(t *testing.T) {
	for _, s := range []string{"face", "body", "landscape"} {
		if ct, err := ParseContentType(s); err != nil || string(ct) != s {
			t.Errorf("ParseContentType(%q) = %q, %v", s, ct, err)
		}
	}
	if _, err := ParseContentType("portrait"); err == nil {
		t.Error("expected an error for an unknown content type")
	}
}

func TestLandmarksEnvelope(t *testing.T) {
	tests := []struct {
		name string
		in   ReferenceLandmarks
	}{
		{"face", faceAt(squareCanvas, Point{X: 400, Y: 500}, Point{X: 600, Y: 500})},
		{"body", BodyLandmarks{LeftShoulder: Point{X: 0.3, Y: 0.6}, RightShoulder: Point{X: 0.7, Y: 0.6}, DetectionConfidence: 0.8}},
		{"landscape", landscapeScene(12, 3, squareCanvas)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalLandmarks(tt.in)
			if err != nil {
				t.Fatalf("MarshalLandmarks: %v", err)
			}
			out, err := UnmarshalLandmarks(data)
			if err != nil {
				t.Fatalf("UnmarshalLandmarks: %v", err)
			}
			if out.ContentType() != tt.in.ContentType() {
				t.Errorf("ContentType = %s, want %s", out.ContentType(), tt.in.ContentType())
			}
			assertPointNear(t, "ReferenceLeft", out.ReferenceLeft(), tt.in.ReferenceLeft(), 1e-12)
			assertPointNear(t, "ReferenceRight", out.ReferenceRight(), tt.in.ReferenceRight(), 1e-12)
		})
	}

	t.Run("rejects unknown type", func(t *testing.T) {
		if _, err := UnmarshalLandmarks([]byte(`{"type":"tree","landmarks":{}}`)); err == nil {
			t.Error("expected an error")
		}
		if _, err := UnmarshalLandmarks([]byte(`{"landmarks":{}}`)); err == nil {
			t.Error("expected an error for a missing type")
		}
	})
}

func TestLandmarkSet_Null(t *testing.T) {
	doc := struct {
		Goal LandmarkSet `json:"goal"`
	}{}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"goal":null}` {
		t.Errorf("Marshal = %s", data)
	}

	doc.Goal.ReferenceLandmarks = faceAt(squareCanvas, Point{X: 1, Y: 1}, Point{X: 2, Y: 2})
	if err := json.Unmarshal([]byte(`{"goal":null}`), &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if doc.Goal.ReferenceLandmarks != nil {
		t.Error("null should clear the landmark set")
	}
}

func TestLandscapeLandmarks_Halves(t *testing.T) {
	l := LandscapeLandmarks{ImageWidth: 100, ImageHeight: 100}
	for _, x := range []float64{0.9, 0.1, 0.3, 0.7, 0.5} {
		l.Keypoints = append(l.Keypoints, FeatureKeypoint{Position: Point{X: x, Y: 0.5}})
	}
	// sorted x: 0.1 0.3 | 0.5 0.7 0.9
	assertPointNear(t, "ReferenceLeft", l.ReferenceLeft(), Point{X: 0.2, Y: 0.5}, 1e-12)
	assertPointNear(t, "ReferenceRight", l.ReferenceRight(), Point{X: 0.7, Y: 0.5}, 1e-12)
	if l.IsUsable() {
		t.Errorf("%d keypoints should not be usable", l.KeypointCount())
	}
	if !landscapeScene(MinKeypoints, 1, squareCanvas).IsUsable() {
		t.Error("MinKeypoints keypoints should be usable")
	}
}

func TestFaceLandmarks_Transformed(t *testing.T) {
	f := faceAt(squareCanvas, Point{X: 400, Y: 500}, Point{X: 600, Y: 500})
	moved := f.Transformed(Translation(100, -50), squareCanvas).(FaceLandmarks)

	assertPointNear(t, "LeftEye", moved.LeftEye.ToPixels(squareCanvas), Point{X: 500, Y: 450}, 1e-9)
	assertPointNear(t, "RightEye", moved.RightEye.ToPixels(squareCanvas), Point{X: 700, Y: 450}, 1e-9)
	assertNear(t, "bounds width", moved.FaceBounds.Width(), f.FaceBounds.Width(), 1e-12)
	assertNear(t, "FaceSizeRatio", moved.FaceSizeRatio(), f.FaceSizeRatio(), 1e-12)
	if moved.DetectionConfidence != f.DetectionConfidence {
		t.Error("confidence should be kept")
	}
}
