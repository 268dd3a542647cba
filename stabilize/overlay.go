package stabilize

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// Overlay colors
var (
	overlayGoal     = color.RGBA{0x2e, 0x9e, 0x44, 0xff}
	overlayDetected = color.RGBA{0xd6, 0x2d, 0x20, 0xff}
	overlayFinal    = color.RGBA{0x1f, 0x5f, 0xd1, 0xff}
	overlayFrame    = color.RGBA{0x80, 0x80, 0x80, 0xff}
)

// OverlayRenderer draws a diagnostic picture of one result: the goal
// references, the original detection, the landmarks after the final
// transform, and the outline of the warped frame. Units are canvas pixels.
type OverlayRenderer struct {
	Result    *StabilizationResult
	Detection ReferenceLandmarks
	Goal      ReferenceLandmarks

	MarkerRadius float64
	Resolution   canvas.Resolution // PNG only, default one pixel per unit
}

// NewOverlayRenderer creates a renderer for a result's recorded landmarks
// with defaults scaled to the canvas
func NewOverlayRenderer(result *StabilizationResult) *OverlayRenderer {
	radius := result.Canvas.Height / 150
	if radius < 2 {
		radius = 2
	}
	return &OverlayRenderer{
		Result:       result,
		Detection:    result.Detection.ReferenceLandmarks,
		Goal:         result.Goal.ReferenceLandmarks,
		MarkerRadius: radius,
		Resolution:   canvas.DPMM(1.0),
	}
}

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the overlay as SVG
func (r *OverlayRenderer) RenderToSVG(w io.Writer) error {
	if !r.Result.Canvas.IsValid() {
		return fmt.Errorf("%w: overlay needs a valid canvas", ErrInvalidInput)
	}
	s := svg.New(w, r.Result.Canvas.Width, r.Result.Canvas.Height, nil)
	r.render(s)
	return s.Close()
}

// RenderToPNG writes the overlay as PNG
func (r *OverlayRenderer) RenderToPNG(w io.Writer) error {
	if !r.Result.Canvas.IsValid() {
		return fmt.Errorf("%w: overlay needs a valid canvas", ErrInvalidInput)
	}
	rast := rasterizer.New(r.Result.Canvas.Width, r.Result.Canvas.Height, r.Resolution, canvas.DefaultColorSpace)
	r.render(rast)
	return png.Encode(w, rast)
}

func (r *OverlayRenderer) render(renderer canvasRenderer) {
	size := r.Result.Canvas

	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(size.Width, size.Height), bg, canvas.Identity)

	// canvas is y-up, frames are y-down
	flip := func(p Point) (float64, float64) { return p.X, size.Height - p.Y }

	// Warped frame outline
	t := r.Result.Transform()
	corners := []Point{{0, 0}, {size.Width, 0}, {size.Width, size.Height}, {0, size.Height}}
	outline := &canvas.Path{}
	for i, c := range corners {
		p := t.Apply(c)
		if !p.IsFinite() {
			outline = nil
			break
		}
		x, y := flip(p)
		if i == 0 {
			outline.MoveTo(x, y)
		} else {
			outline.LineTo(x, y)
		}
	}
	if outline != nil {
		outline.Close()
		st := canvas.DefaultStyle
		st.Fill = canvas.Paint{Color: canvas.Transparent}
		st.Stroke = canvas.Paint{Color: overlayFrame}
		st.StrokeWidth = r.MarkerRadius / 2
		renderer.RenderPath(outline, st, canvas.Identity)
	}

	final := r.Result.Landmarks.ReferenceLandmarks

	// Correction vectors from detected to final references
	if r.Detection != nil && final != nil {
		dl, dr := PixelReferences(r.Detection, size)
		fl, fr := PixelReferences(final, size)
		st := canvas.DefaultStyle
		st.Fill = canvas.Paint{Color: canvas.Transparent}
		st.Stroke = canvas.Paint{Color: overlayFinal}
		st.StrokeWidth = r.MarkerRadius / 3
		for _, seg := range [][2]Point{{dl, fl}, {dr, fr}} {
			if !seg[0].IsFinite() || !seg[1].IsFinite() {
				continue
			}
			p := &canvas.Path{}
			p.MoveTo(flip(seg[0]))
			p.LineTo(flip(seg[1]))
			renderer.RenderPath(p, st, canvas.Identity)
		}
	}

	r.markers(renderer, r.Goal, overlayGoal, flip)
	r.markers(renderer, r.Detection, overlayDetected, flip)
	r.markers(renderer, final, overlayFinal, flip)
}

// markers draws every landmark point small and the reference pair large
func (r *OverlayRenderer) markers(renderer canvasRenderer, l ReferenceLandmarks, c color.RGBA, flip func(Point) (float64, float64)) {
	if l == nil {
		return
	}
	size := r.Result.Canvas

	dot := canvas.DefaultStyle
	dot.Fill = canvas.Paint{Color: c}
	dot.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, p := range overlayPoints(l) {
		px := p.ToPixels(size)
		if !px.IsFinite() {
			continue
		}
		x, y := flip(px)
		renderer.RenderPath(canvas.Circle(r.MarkerRadius/2).Translate(x, y), dot, canvas.Identity)
	}

	ring := canvas.DefaultStyle
	ring.Fill = canvas.Paint{Color: canvas.Transparent}
	ring.Stroke = canvas.Paint{Color: c}
	ring.StrokeWidth = r.MarkerRadius / 2
	left, right := PixelReferences(l, size)
	for _, p := range []Point{left, right} {
		if !p.IsFinite() {
			continue
		}
		x, y := flip(p)
		renderer.RenderPath(canvas.Circle(r.MarkerRadius*2).Translate(x, y), ring, canvas.Identity)
	}
}

func overlayPoints(l ReferenceLandmarks) []Point {
	switch v := l.(type) {
	case FaceLandmarks:
		return v.Points
	case BodyLandmarks:
		return v.Points
	case LandscapeLandmarks:
		pts := make([]Point, len(v.Keypoints))
		for i, kp := range v.Keypoints {
			pts[i] = kp.Position
		}
		return pts
	}
	return nil
}

// WriteOverlay renders to dir/<frameId>.overlay.<format> and returns the path
func WriteOverlay(dir string, r *OverlayRenderer, format string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating overlay dir: %w", err)
	}
	path := filepath.Join(dir, r.Result.FrameID+".overlay."+format)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating overlay: %w", err)
	}
	defer f.Close()

	switch format {
	case "svg":
		err = r.RenderToSVG(f)
	case "png":
		err = r.RenderToPNG(f)
	default:
		err = fmt.Errorf("unsupported overlay format %q", format)
	}
	if err != nil {
		return "", fmt.Errorf("rendering overlay %s: %w", path, err)
	}
	return path, nil
}
