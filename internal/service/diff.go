// Package service contains business logic for the Argos application.
//
// This file implements screenshot comparison: pixel-diffing a build's
// screenshot against its baseline and rendering a visual diff image.
package service

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/disintegration/imaging"
)

// colorTolerance is the per-channel difference (8-bit scale) below which two
// pixels count as equal. Sub-pixel anti-aliasing jitter stays under this.
const colorTolerance = 10

// ScreenshotDiff is the outcome of comparing a screenshot against its baseline.
type ScreenshotDiff struct {
	// Changed reports whether any pixel differs beyond the tolerance.
	Changed bool

	// Ratio is changed pixels over total pixels, in [0, 1]. A size
	// mismatch is reported as 1.
	Ratio float64

	// Image is the rendered diff as PNG: the new screenshot desaturated,
	// changed pixels painted red. Nil when nothing changed.
	Image []byte
}

// DiffProcessor compares screenshots and produces preview thumbnails.
type DiffProcessor interface {
	// Compare diffs a baseline screenshot against a new capture.
	Compare(base, head io.Reader) (*ScreenshotDiff, error)

	// Thumbnail renders a JPEG preview fitting within maxWidth x maxHeight,
	// preserving aspect ratio.
	Thumbnail(data io.Reader, maxWidth, maxHeight int) ([]byte, error)
}

// imagingProcessor implements DiffProcessor using the imaging library.
type imagingProcessor struct{}

// NewImagingProcessor creates a DiffProcessor backed by the imaging library.
func NewImagingProcessor() DiffProcessor {
	return &imagingProcessor{}
}

// Compare diffs two screenshots pixel by pixel.
//
// Differently-sized captures are a full change: layout shifted, no pixel
// mapping is meaningful.
func (p *imagingProcessor) Compare(base, head io.Reader) (*ScreenshotDiff, error) {
	baseImg, _, err := image.Decode(base)
	if err != nil {
		return nil, fmt.Errorf("failed to decode baseline image: %w", err)
	}
	headImg, _, err := image.Decode(head)
	if err != nil {
		return nil, fmt.Errorf("failed to decode head image: %w", err)
	}

	if baseImg.Bounds().Size() != headImg.Bounds().Size() {
		rendered, err := renderFullDiff(headImg)
		if err != nil {
			return nil, err
		}
		return &ScreenshotDiff{Changed: true, Ratio: 1, Image: rendered}, nil
	}

	baseRGBA := imaging.Clone(baseImg)
	headRGBA := imaging.Clone(headImg)
	bounds := headRGBA.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	// The diff canvas starts as a washed-out grayscale of the head image
	// so changed regions stand out.
	canvas := imaging.AdjustSaturation(headRGBA, -100)
	canvas = imaging.AdjustBrightness(canvas, 30)

	var changed int
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if !pixelsMatch(baseRGBA.NRGBAAt(x, y), headRGBA.NRGBAAt(x, y)) {
				changed++
				canvas.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
			}
		}
	}

	if changed == 0 {
		return &ScreenshotDiff{}, nil
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode diff image: %w", err)
	}
	return &ScreenshotDiff{
		Changed: true,
		Ratio:   float64(changed) / float64(width*height),
		Image:   buf.Bytes(),
	}, nil
}

// Thumbnail renders a JPEG preview of a screenshot.
func (p *imagingProcessor) Thumbnail(data io.Reader, maxWidth, maxHeight int) ([]byte, error) {
	img, _, err := image.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	thumbnail := imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumbnail, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func pixelsMatch(a, b color.NRGBA) bool {
	return delta(a.R, b.R) <= colorTolerance &&
		delta(a.G, b.G) <= colorTolerance &&
		delta(a.B, b.B) <= colorTolerance &&
		delta(a.A, b.A) <= colorTolerance
}

func delta(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

// renderFullDiff renders a size-mismatch diff: the whole head image tinted red.
func renderFullDiff(headImg image.Image) ([]byte, error) {
	canvas := imaging.AdjustSaturation(imaging.Clone(headImg), -100)
	bounds := canvas.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			px := canvas.NRGBAAt(x, y)
			px.R = 255
			canvas.SetNRGBA(x, y, px)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode diff image: %w", err)
	}
	return buf.Bytes(), nil
}
