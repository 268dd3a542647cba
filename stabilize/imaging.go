package stabilize

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// DrawTransformer warps images in process. Affine warps go through
// x/image/draw; homographies are inverse-mapped with bilinear sampling.
// Output images have the source bounds.
type DrawTransformer struct {
	// Background fills pixels that map outside the source
	Background color.Color
}

// NewDrawTransformer returns a transformer with a transparent background
func NewDrawTransformer() *DrawTransformer {
	return &DrawTransformer{Background: color.Transparent}
}

func (t *DrawTransformer) ApplyAffine(ctx context.Context, img image.Image, m AffineMatrix) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.IsFinite() {
		return nil, ErrNonFiniteMatrix
	}
	if _, ok := InvertMatrix(m); !ok {
		return nil, fmt.Errorf("%w: singular affine matrix", ErrInvalidInput)
	}

	bounds := img.Bounds()
	dst := t.canvas(bounds)
	s2d := f64.Aff3{m.ScaleX, m.SkewX, m.TranslateX, m.SkewY, m.ScaleY, m.TranslateY}
	draw.BiLinear.Transform(dst, s2d, img, bounds, draw.Over, nil)
	return dst, nil
}

func (t *DrawTransformer) ApplyHomography(ctx context.Context, img image.Image, h HomographyMatrix) (image.Image, error) {
	if !h.IsValid() {
		return nil, fmt.Errorf("%w: determinant %.3g", ErrDegenerateHomography, h.Determinant())
	}
	inv, ok := h.Inverse()
	if !ok {
		return nil, fmt.Errorf("%w: homography is not invertible", ErrDegenerateHomography)
	}

	bounds := img.Bounds()
	src := toRGBA(img)
	dst := t.canvas(bounds)

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			sx, sy := inv.TransformPoint(float64(x)+0.5, float64(y)+0.5)
			if c, ok := sampleBilinear(src, sx-0.5, sy-0.5); ok {
				dst.SetRGBA(x, y, c)
			}
		}
	}
	return dst, nil
}

func (t *DrawTransformer) canvas(bounds image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(bounds)
	bg := t.Background
	if bg == nil {
		bg = color.Transparent
	}
	draw.Draw(dst, bounds, image.NewUniform(bg), image.Point{}, draw.Src)
	return dst
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	return out
}

// sampleBilinear reads src at a fractional pixel position. Positions
// outside the image report false.
func sampleBilinear(src *image.RGBA, x, y float64) (color.RGBA, bool) {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return color.RGBA{}, false
	}
	b := src.Bounds()
	if x < float64(b.Min.X)-0.5 || y < float64(b.Min.Y)-0.5 ||
		x > float64(b.Max.X)-0.5 || y > float64(b.Max.Y)-0.5 {
		return color.RGBA{}, false
	}

	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	c00 := rgbaAt(src, x0, y0)
	c10 := rgbaAt(src, x0+1, y0)
	c01 := rgbaAt(src, x0, y0+1)
	c11 := rgbaAt(src, x0+1, y0+1)

	lerp := func(a, b, c, d uint8) uint8 {
		top := float64(a)*(1-fx) + float64(b)*fx
		bottom := float64(c)*(1-fx) + float64(d)*fx
		return uint8(math.Round(top*(1-fy) + bottom*fy))
	}
	return color.RGBA{
		R: lerp(c00.R, c10.R, c01.R, c11.R),
		G: lerp(c00.G, c10.G, c01.G, c11.G),
		B: lerp(c00.B, c10.B, c01.B, c11.B),
		A: lerp(c00.A, c10.A, c01.A, c11.A),
	}, true
}

// rgbaAt clamps to the image edge
func rgbaAt(img *image.RGBA, x, y int) color.RGBA {
	b := img.Bounds()
	if x < b.Min.X {
		x = b.Min.X
	} else if x >= b.Max.X {
		x = b.Max.X - 1
	}
	if y < b.Min.Y {
		y = b.Min.Y
	} else if y >= b.Max.Y {
		y = b.Max.Y - 1
	}
	return img.RGBAAt(x, y)
}

// LoadImage decodes a PNG or JPEG file
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding image %s: %w", path, err)
	}
	return img, nil
}

// SavePNG writes an image as PNG
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encoding PNG: %w", err)
	}
	return f.Close()
}

// ImageSize returns the pixel size of an image
func ImageSize(img image.Image) Size {
	b := img.Bounds()
	return Size{Width: float64(b.Dx()), Height: float64(b.Dy())}
}
