package pipeline

import (
	"image"
)

// Quality thresholds for crops entering the embedder. A crop that fails any
// of them is skipped rather than embedded, since low-quality crops produce
// unreliable similarity scores.
const (
	minSharpness  = 30.0 // Laplacian variance floor
	minBrightness = 40.0
	maxBrightness = 220.0
	minContrast   = 20.0
)

// QualityOK reports whether a canonical crop is sharp, lit, and contrasty
// enough to embed.
func QualityOK(img image.Image) bool {
	gray := grayValues(img)
	if len(gray) == 0 {
		return false
	}

	var sum float64
	for _, g := range gray {
		sum += g
	}
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	mean := sum / float64(len(gray))
	if mean < minBrightness || mean > maxBrightness {
		return false
	}

	var varSum float64
	for _, g := range gray {
		d := g - mean
		varSum += d * d
	}
	contrast := varSum / float64(len(gray))
	if contrast < minContrast*minContrast {
		return false
	}

	return laplacianVariance(gray, w, h) >= minSharpness
}

// grayValues flattens an image to row-major luma values.
func grayValues(img image.Image) []float64 {
	b := img.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out = append(out, (0.299*float64(r)+0.587*float64(g)+0.114*float64(bl))/257.0)
		}
	}
	return out
}

// laplacianVariance measures sharpness with a 4-neighbor Laplacian kernel.
// Blurry crops have near-uniform second derivatives and score low.
func laplacianVariance(gray []float64, w, h int) float64 {
	if w < 3 || h < 3 {
		return 0
	}
	lap := make([]float64, 0, (w-2)*(h-2))
	var sum float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			v := 4*gray[y*w+x] - gray[y*w+x-1] - gray[y*w+x+1] - gray[(y-1)*w+x] - gray[(y+1)*w+x]
			lap = append(lap, v)
			sum += v
		}
	}
	mean := sum / float64(len(lap))
	var varSum float64
	for _, v := range lap {
		d := v - mean
		varSum += d * d
	}
	return varSum / float64(len(lap))
}
