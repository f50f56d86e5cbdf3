package pipeline

import (
	"image"
	"image/color"
	"testing"
)

func uniformImage(v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, CanonicalSize, CanonicalSize))
	for y := 0; y < CanonicalSize; y++ {
		for x := 0; x < CanonicalSize; x++ {
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func checkerboard() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, CanonicalSize, CanonicalSize))
	for y := 0; y < CanonicalSize; y++ {
		for x := 0; x < CanonicalSize; x++ {
			v := uint8(0)
			if (x+y)%2 == 0 {
				v = 255
			}
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

// A horizontal ramp has plenty of contrast but zero second derivative, so it
// exercises the sharpness check in isolation.
func ramp() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, CanonicalSize, CanonicalSize))
	for y := 0; y < CanonicalSize; y++ {
		for x := 0; x < CanonicalSize; x++ {
			v := uint8(x * 2)
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func TestQualityOK(t *testing.T) {
	tests := []struct {
		name string
		img  image.Image
		want bool
	}{
		{"sharp high-contrast", checkerboard(), true},
		{"too dark", uniformImage(10), false},
		{"too bright", uniformImage(250), false},
		{"flat gray no contrast", uniformImage(128), false},
		{"blurry ramp", ramp(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QualityOK(tt.img); got != tt.want {
				t.Errorf("QualityOK() = %v, want %v", got, tt.want)
			}
		})
	}
}
