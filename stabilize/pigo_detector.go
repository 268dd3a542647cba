package stabilize

import (
	"context"
	"fmt"
	"image"
	"log"
	"os"
	"sync"

	pigo "github.com/esimov/pigo/core"
)

// Pigo cascade parameters
const (
	pigoMinSize      = 20
	pigoMaxSize      = 2000
	pigoShiftFactor  = 0.1
	pigoScaleFactor  = 1.1
	pigoIoUThreshold = 0.2
	pigoMinQuality   = 5.0
	pigoPerturbs     = 63
)

// PigoDetector finds a face with the pigo cascade and localizes the pupils
// with the puploc cascade. Without a puploc cascade the eyes are placed at
// the usual offsets inside the face box.
type PigoDetector struct {
	mu         sync.Mutex
	classifier *pigo.Pigo
	puploc     *pigo.PuplocCascade
}

// NewPigoDetector unpacks the face cascade and, when given, the puploc cascade
func NewPigoDetector(faceCascade, puplocCascade []byte) (*PigoDetector, error) {
	classifier, err := pigo.NewPigo().Unpack(faceCascade)
	if err != nil {
		return nil, fmt.Errorf("unpacking face cascade: %w", err)
	}

	d := &PigoDetector{classifier: classifier}
	if len(puplocCascade) > 0 {
		plc, err := pigo.NewPuplocCascade().UnpackCascade(puplocCascade)
		if err != nil {
			return nil, fmt.Errorf("unpacking puploc cascade: %w", err)
		}
		d.puploc = plc
	}
	return d, nil
}

// LoadPigoDetector reads cascade files from disk. puplocPath may be empty.
func LoadPigoDetector(facePath, puplocPath string) (*PigoDetector, error) {
	face, err := os.ReadFile(facePath)
	if err != nil {
		return nil, fmt.Errorf("reading face cascade: %w", err)
	}
	var plc []byte
	if puplocPath != "" {
		if plc, err = os.ReadFile(puplocPath); err != nil {
			return nil, fmt.Errorf("reading puploc cascade: %w", err)
		}
	}

	d, err := NewPigoDetector(face, plc)
	if err != nil {
		return nil, err
	}
	log.Printf("[JOB] Pigo face detector loaded (puploc=%v)", d.puploc != nil)
	return d, nil
}

// Detect returns the highest-quality face as FaceLandmarks
func (d *PigoDetector) Detect(ctx context.Context, img image.Image) (ReferenceLandmarks, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	cols, rows := bounds.Dx(), bounds.Dy()
	params := pigo.ImageParams{
		Pixels: grayscale(img),
		Rows:   rows,
		Cols:   cols,
		Dim:    cols,
	}
	maxSize := pigoMaxSize
	if m := min(cols, rows); m < maxSize {
		maxSize = m
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	dets := d.classifier.RunCascade(pigo.CascadeParams{
		MinSize:     pigoMinSize,
		MaxSize:     maxSize,
		ShiftFactor: pigoShiftFactor,
		ScaleFactor: pigoScaleFactor,
		ImageParams: params,
	}, 0.0)
	dets = d.classifier.ClusterDetections(dets, pigoIoUThreshold)

	best := -1
	for i, det := range dets {
		if det.Q < pigoMinQuality {
			continue
		}
		if best < 0 || det.Q > dets[best].Q {
			best = i
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("%w: no face above quality %.1f", ErrDetectionFailed, pigoMinQuality)
	}
	det := dets[best]

	size := Size{Width: float64(cols), Height: float64(rows)}
	scale := float64(det.Scale)
	left, right := d.eyes(det, params)

	half := scale / 2
	faceBounds := NewBoundingBox(
		(float64(det.Col)-half)/size.Width, (float64(det.Row)-half)/size.Height,
		(float64(det.Col)+half)/size.Width, (float64(det.Row)+half)/size.Height,
	)

	confidence := float64(det.Q) / 100
	if confidence > 1 {
		confidence = 1
	}
	return FaceLandmarks{
		LeftEye:             left.ToNormalized(size),
		RightEye:            right.ToNormalized(size),
		FaceBounds:          faceBounds,
		DetectionConfidence: confidence,
	}, nil
}

// eyes returns pixel-space pupil positions, image-left first
func (d *PigoDetector) eyes(det pigo.Detection, params pigo.ImageParams) (Point, Point) {
	scale := float32(det.Scale)
	rowOffset := int(0.075 * scale)
	leftGuess := Point{X: float64(det.Col - int(0.175*scale)), Y: float64(det.Row - rowOffset)}
	rightGuess := Point{X: float64(det.Col + int(0.185*scale)), Y: float64(det.Row - rowOffset)}
	if d.puploc == nil {
		return leftGuess, rightGuess
	}

	locate := func(guess Point) Point {
		pl := pigo.Puploc{
			Row:      int(guess.Y),
			Col:      int(guess.X),
			Scale:    scale * 0.25,
			Perturbs: pigoPerturbs,
		}
		found := d.puploc.RunDetector(pl, params, 0.0, false)
		if found == nil || found.Row <= 0 || found.Col <= 0 {
			return guess
		}
		return Point{X: float64(found.Col), Y: float64(found.Row)}
	}
	return locate(leftGuess), locate(rightGuess)
}

// grayscale converts to the row-major luma buffer pigo expects
func grayscale(img image.Image) []uint8 {
	bounds := img.Bounds()
	w := bounds.Dx()
	gray := make([]uint8, w*bounds.Dy())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			gray[(y-bounds.Min.Y)*w+(x-bounds.Min.X)] = uint8(((r*299 + g*587 + b*114) / 1000) >> 8)
		}
	}
	return gray
}
