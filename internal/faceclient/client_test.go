package faceclient

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"rollcall/internal/pipeline"
)

func canonicalCrop() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, pipeline.CanonicalSize, pipeline.CanonicalSize))
	for y := 0; y < pipeline.CanonicalSize; y++ {
		for x := 0; x < pipeline.CanonicalSize; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 100, 255})
		}
	}
	return img
}

func TestDetectParsesServiceResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if _, ok := req["image"]; !ok {
			t.Error("request missing image field")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"faces": []map[string]any{{
				"bbox":      []int{10, 20, 110, 140},
				"landmarks": [][]int{{40, 60}, {80, 60}, {60, 90}, {45, 110}, {75, 110}},
				"score":     0.92,
				"yaw":       -3.5,
				"pitch":     1.2,
				"roll":      0.4,
			}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, false, 0.3)
	dets, err := c.Detect(context.Background(), canonicalCrop())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1", len(dets))
	}
	d := dets[0]
	if d.Region.X != 10 || d.Region.Y != 20 || d.Region.Width != 100 || d.Region.Height != 120 {
		t.Errorf("region = %+v", d.Region)
	}
	if d.Landmarks.RightEye != image.Pt(80, 60) {
		t.Errorf("right eye = %v", d.Landmarks.RightEye)
	}
	if d.Yaw != -3.5 || d.Pitch != 1.2 {
		t.Errorf("angles = %v/%v", d.Yaw, d.Pitch)
	}
}

func TestDetectWrapsServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, false, 0.3)
	_, err := c.Detect(context.Background(), canonicalCrop())
	if !errors.Is(err, pipeline.ErrDetection) {
		t.Fatalf("Detect() error = %v, want ErrDetection", err)
	}
}

func TestEmbedRejectsWrongCropSize(t *testing.T) {
	c := New("http://unused", true, 0.3)
	_, err := c.Embed(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 64)))
	if !errors.Is(err, pipeline.ErrEmbedding) {
		t.Fatalf("Embed() error = %v, want ErrEmbedding", err)
	}
}

func TestEmbedNormalizesVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{3, 4}})
	}))
	defer srv.Close()

	c := New(srv.URL, false, 0.3)
	vec, err := c.Embed(context.Background(), canonicalCrop())
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-6 {
		t.Errorf("returned vector norm = %v, want 1", norm)
	}
}

func TestSkipModeIsDeterministic(t *testing.T) {
	c := New("http://unused", true, 0.3)
	crop := canonicalCrop()

	a, err := c.Embed(context.Background(), crop)
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	b, err := c.Embed(context.Background(), crop)
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if sim := pipeline.Cosine(a, b); sim < 0.999 {
		t.Errorf("identical crops similarity = %v, want ~1", sim)
	}

	dets, err := c.Detect(context.Background(), crop)
	if err != nil || len(dets) != 1 {
		t.Fatalf("skip Detect() = %v dets, err %v", len(dets), err)
	}
}
