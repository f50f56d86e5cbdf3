package pipeline

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"
)

// DecodeDataURL decodes a base64 image, with or without a data-URL prefix.
func DecodeDataURL(data string) (image.Image, error) {
	if data == "" {
		return nil, fmt.Errorf("%w: empty image data", ErrDetection)
	}
	if idx := strings.Index(data, ";base64,"); idx >= 0 && strings.HasPrefix(data, "data:image/") {
		data = data[idx+len(";base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrDetection, err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable image: %v", ErrDetection, err)
	}
	return img, nil
}

// EncodeJPEGDataURL encodes an image as a JPEG data URL.
func EncodeJPEGDataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// EncodeJPEG returns plain JPEG bytes for transport to the face service.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Crop extracts a region from an image, clamped to the image bounds.
func Crop(img image.Image, r Region) image.Image {
	rect := image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height).Intersect(img.Bounds())
	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(rect)
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			dst.Set(x, y, img.At(rect.Min.X+x, rect.Min.Y+y))
		}
	}
	return dst
}
