package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	xdraw "golang.org/x/image/draw"
)

// MaxEdgePixels caps the longest edge of a page image before it is sent to
// the vision model. Larger renders cost tokens without improving extraction.
const MaxEdgePixels = 2048

// Preprocessor turns a rendered page into model-ready PNG bytes
type Preprocessor interface {
	Prepare(ctx context.Context, img image.Image) ([]byte, error)
}

// Enhancer downscales oversized renders and stretches grayscale contrast so
// faint scans stay legible to the model
type Enhancer struct{}

func NewEnhancer() *Enhancer {
	return &Enhancer{}
}

func (e *Enhancer) Prepare(ctx context.Context, img image.Image) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img = downscale(img, MaxEdgePixels)
	img = stretchContrast(img)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode page image: %w", err)
	}
	return buf.Bytes(), nil
}

// downscale resizes so the longest edge is at most maxEdge, preserving aspect
// ratio. Images already within bounds pass through untouched.
func downscale(img image.Image, maxEdge int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxEdge {
		return img
	}

	scale := float64(maxEdge) / float64(longest)
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)
	return dst
}

// stretchContrast converts to grayscale and linearly maps the observed
// luminance range onto the full 0..255 span
func stretchContrast(img image.Image) image.Image {
	bounds := img.Bounds()
	gray := image.NewGray(bounds)

	minL, maxL := uint8(255), uint8(0)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			l := color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
			gray.SetGray(x, y, color.Gray{Y: l})
			if l < minL {
				minL = l
			}
			if l > maxL {
				maxL = l
			}
		}
	}

	// Flat or near-flat images gain nothing from stretching
	if maxL <= minL || int(maxL)-int(minL) >= 250 {
		return gray
	}

	span := float64(maxL - minL)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			l := gray.GrayAt(x, y).Y
			stretched := uint8(float64(l-minL) / span * 255.0)
			gray.SetGray(x, y, color.Gray{Y: stretched})
		}
	}
	return gray
}
