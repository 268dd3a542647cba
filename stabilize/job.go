package stabilize

import (
	"encoding/json"
	"fmt"
	"os"
)

// FrameJob is a serialized alignment request. The detection may be omitted
// when an image is given and a detector is configured.
type FrameJob struct {
	FrameID          string      `json:"frameId"`
	ReferenceFrameID string      `json:"referenceFrameId"`
	ContentType      ContentType `json:"contentType"`
	Canvas           Size        `json:"canvas"`
	ImagePath        string      `json:"imagePath,omitempty"`
	Mode             Mode        `json:"mode,omitempty"`
	Detection        LandmarkSet `json:"detection"`
	Goal             LandmarkSet `json:"goal"`
}

// ParseFrameJob decodes and validates a job manifest
func ParseFrameJob(data []byte) (*FrameJob, error) {
	var job FrameJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parsing frame job: %w", err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// LoadFrameJob reads a job manifest from disk
func LoadFrameJob(path string) (*FrameJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading frame job: %w", err)
	}
	job, err := ParseFrameJob(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return job, nil
}

// Validate checks the manifest fields
func (j *FrameJob) Validate() error {
	if j.FrameID == "" {
		return fmt.Errorf("frameId is required")
	}
	if _, err := ParseContentType(string(j.ContentType)); err != nil {
		return fmt.Errorf("frame %s: %w", j.FrameID, err)
	}
	if j.Mode != "" && j.Mode != ModeFast && j.Mode != ModeSlow {
		return fmt.Errorf("frame %s: mode must be fast or slow, got %q", j.FrameID, j.Mode)
	}
	if j.Goal.ReferenceLandmarks == nil {
		return fmt.Errorf("frame %s: goal landmarks are required", j.FrameID)
	}
	if j.Goal.ContentType() != j.ContentType {
		return fmt.Errorf("frame %s: goal is %s, job is %s", j.FrameID, j.Goal.ContentType(), j.ContentType)
	}
	if j.Detection.ReferenceLandmarks == nil {
		if j.ImagePath == "" {
			return fmt.Errorf("frame %s: detection landmarks or imagePath is required", j.FrameID)
		}
	} else if j.Detection.ContentType() != j.ContentType {
		return fmt.Errorf("frame %s: detection is %s, job is %s", j.FrameID, j.Detection.ContentType(), j.ContentType)
	}
	if j.ImagePath == "" && !j.Canvas.IsValid() {
		return fmt.Errorf("frame %s: canvas is required without an image", j.FrameID)
	}
	return nil
}

// Request builds the stabilizer request for a resolved detection and canvas
func (j *FrameJob) Request(detection ReferenceLandmarks, canvas Size) FrameRequest {
	return FrameRequest{
		FrameID:          j.FrameID,
		ReferenceFrameID: j.ReferenceFrameID,
		Canvas:           canvas,
		Detection:        detection,
		Goal:             j.Goal.ReferenceLandmarks,
	}
}
