package pipeline

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// CanonicalSize is the side length of the square crop the embedder expects.
const CanonicalSize = 128

// Normalizer produces canonical, eye-line-aligned crops from raw images.
type Normalizer struct {
	// Size of the output crop; defaults to CanonicalSize.
	Size int
	// MinAspect is the floor for min(w,h)/max(w,h) of a region.
	MinAspect float64
	// Pad expands the face box before cropping so the chin and forehead
	// survive alignment rotation. Fraction of the box side.
	Pad float64
}

// NewNormalizer returns a normalizer with the defaults the embedder was
// trained against.
func NewNormalizer() *Normalizer {
	return &Normalizer{Size: CanonicalSize, MinAspect: 0.25, Pad: 0.15}
}

// Normalize validates the region, rotates the face so the eye line is
// horizontal, and returns a Size×Size RGBA crop centered on the region.
func (n *Normalizer) Normalize(img image.Image, det Detection) (*image.RGBA, error) {
	size := n.Size
	if size <= 0 {
		size = CanonicalSize
	}
	r := det.Region
	if r.Width <= 0 || r.Height <= 0 {
		return nil, fmt.Errorf("%w: zero-area region", ErrNormalization)
	}
	b := img.Bounds()
	if r.X < b.Min.X || r.Y < b.Min.Y || r.X+r.Width > b.Max.X || r.Y+r.Height > b.Max.Y {
		return nil, fmt.Errorf("%w: region out of image bounds", ErrNormalization)
	}
	aspect := float64(min(r.Width, r.Height)) / float64(max(r.Width, r.Height))
	if aspect < n.MinAspect {
		return nil, fmt.Errorf("%w: extreme aspect ratio %.3f", ErrNormalization, aspect)
	}

	// Rotation that levels the eye line.
	dy := float64(det.Landmarks.RightEye.Y - det.Landmarks.LeftEye.Y)
	dx := float64(det.Landmarks.RightEye.X - det.Landmarks.LeftEye.X)
	angle := 0.0
	if dx != 0 || dy != 0 {
		angle = math.Atan2(dy, dx)
	}

	side := float64(max(r.Width, r.Height)) * (1 + 2*n.Pad)
	cx := float64(r.X) + float64(r.Width)/2
	cy := float64(r.Y) + float64(r.Height)/2
	scale := float64(size) / side

	cos, sin := math.Cos(-angle), math.Sin(-angle)
	half := float64(size) / 2

	// src -> dst affine: translate face center to origin, rotate the eye
	// line level, scale to the canonical square, recenter.
	m := f64.Aff3{
		scale * cos, -scale * sin, half - scale*(cos*cx-sin*cy),
		scale * sin, scale * cos, half - scale*(sin*cx+cos*cy),
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Transform(dst, m, img, b, draw.Src, nil)
	return dst, nil
}
