package pipeline

import (
	"errors"
	"testing"
)

func TestDecodeDataURLRoundTrip(t *testing.T) {
	src := testImage(64, 48)
	dataURL, err := EncodeJPEGDataURL(src)
	if err != nil {
		t.Fatalf("EncodeJPEGDataURL() error = %v", err)
	}
	img, err := DecodeDataURL(dataURL)
	if err != nil {
		t.Fatalf("DecodeDataURL() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("decoded bounds = %v, want 64x48", b)
	}

	// Bare base64 without the data: prefix must also decode.
	bare := dataURL[len("data:image/jpeg;base64,"):]
	if _, err := DecodeDataURL(bare); err != nil {
		t.Errorf("DecodeDataURL(bare) error = %v", err)
	}
}

func TestDecodeDataURLErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"not base64", "data:image/png;base64,!!!not-base64!!!"},
		{"base64 but not an image", "aGVsbG8gd29ybGQ="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDataURL(tt.data)
			if !errors.Is(err, ErrDetection) {
				t.Errorf("DecodeDataURL() error = %v, want ErrDetection", err)
			}
		})
	}
}

func TestCropClampsToBounds(t *testing.T) {
	img := testImage(100, 100)
	crop := Crop(img, Region{X: 80, Y: 80, Width: 50, Height: 50})
	if b := crop.Bounds(); b.Dx() != 20 || b.Dy() != 20 {
		t.Errorf("crop bounds = %v, want 20x20", b)
	}
}
