// Package faceclient calls the face detection/recognition microservice. It is
// the HTTP-backed implementation of the pipeline's Locator and Embedder
// capabilities; the model internals stay on the other side of this boundary.
package faceclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"rollcall/internal/pipeline"
)

// Client calls the face recognition microservice.
type Client struct {
	BaseURL   string
	HTTP      *http.Client
	Skip      bool
	Threshold float64 // detector confidence floor
}

// New creates a client with configurable timeout. When skip is set the client
// returns canned results so the rest of the stack can run without the model
// service (dev mode).
func New(baseURL string, skip bool, threshold float64) *Client {
	return &Client{
		BaseURL:   baseURL,
		Skip:      skip,
		Threshold: threshold,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // face processing can take time
		},
	}
}

// Detect locates faces in an image. Implements pipeline.Locator.
func (c *Client) Detect(ctx context.Context, img image.Image) ([]pipeline.Detection, error) {
	if c.Skip {
		return c.skipDetections(img), nil
	}

	data, err := pipeline.EncodeJPEG(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrDetection, err)
	}

	payload := map[string]any{
		"image":     base64.StdEncoding.EncodeToString(data),
		"threshold": c.Threshold,
	}
	var out struct {
		Faces []struct {
			BBox      [4]int   `json:"bbox"` // x1, y1, x2, y2
			Landmarks [5][2]int `json:"landmarks"`
			Score     float64  `json:"score"`
			Yaw       float64  `json:"yaw"`
			Pitch     float64  `json:"pitch"`
			Roll      float64  `json:"roll"`
		} `json:"faces"`
	}
	if err := c.post(ctx, "/detect", payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrDetection, err)
	}

	detections := make([]pipeline.Detection, 0, len(out.Faces))
	for _, f := range out.Faces {
		detections = append(detections, pipeline.Detection{
			Region: pipeline.Region{
				X:      f.BBox[0],
				Y:      f.BBox[1],
				Width:  f.BBox[2] - f.BBox[0],
				Height: f.BBox[3] - f.BBox[1],
				Score:  f.Score,
			},
			Landmarks: pipeline.Landmarks{
				LeftEye:    image.Pt(f.Landmarks[0][0], f.Landmarks[0][1]),
				RightEye:   image.Pt(f.Landmarks[1][0], f.Landmarks[1][1]),
				Nose:       image.Pt(f.Landmarks[2][0], f.Landmarks[2][1]),
				LeftMouth:  image.Pt(f.Landmarks[3][0], f.Landmarks[3][1]),
				RightMouth: image.Pt(f.Landmarks[4][0], f.Landmarks[4][1]),
			},
			Yaw:   f.Yaw,
			Pitch: f.Pitch,
			Roll:  f.Roll,
		})
	}
	return detections, nil
}

// Embed extracts an embedding from a canonical crop. Implements
// pipeline.Embedder.
func (c *Client) Embed(ctx context.Context, crop image.Image) (pipeline.Vector, error) {
	b := crop.Bounds()
	if b.Dx() != pipeline.CanonicalSize || b.Dy() != pipeline.CanonicalSize {
		return nil, fmt.Errorf("%w: crop is %dx%d, want %dx%d",
			pipeline.ErrEmbedding, b.Dx(), b.Dy(), pipeline.CanonicalSize, pipeline.CanonicalSize)
	}
	if c.Skip {
		return skipEmbedding(crop), nil
	}

	data, err := pipeline.EncodeJPEG(crop)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrEmbedding, err)
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	payload := map[string]any{"image": base64.StdEncoding.EncodeToString(data)}
	if err := c.post(ctx, "/embed", payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrEmbedding, err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("%w: no face in crop", pipeline.ErrEmbedding)
	}

	vec := pipeline.Vector(out.Embedding).Normalized()
	if err := vec.Validate(); err != nil {
		return nil, err
	}
	return vec, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("face service error %s: %s", resp.Status, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// skipDetections fabricates a single centered frontal face.
func (c *Client) skipDetections(img image.Image) []pipeline.Detection {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	fw, fh := w/2, h/2
	x, y := b.Min.X+w/4, b.Min.Y+h/4
	return []pipeline.Detection{{
		Region: pipeline.Region{X: x, Y: y, Width: fw, Height: fh, Score: 0.95},
		Landmarks: pipeline.Landmarks{
			LeftEye:    image.Pt(x+fw/3, y+fh/3),
			RightEye:   image.Pt(x+2*fw/3, y+fh/3),
			Nose:       image.Pt(x+fw/2, y+fh/2),
			LeftMouth:  image.Pt(x+fw/3, y+3*fh/4),
			RightMouth: image.Pt(x+2*fw/3, y+3*fh/4),
		},
	}}
}

// skipEmbedding derives a stable vector from crop pixels so identical inputs
// still match each other in dev mode.
func skipEmbedding(crop image.Image) pipeline.Vector {
	b := crop.Bounds()
	vec := make(pipeline.Vector, 64)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := crop.At(x, y).RGBA()
			i := ((y-b.Min.Y)*b.Dx() + (x - b.Min.X)) % len(vec)
			vec[i] += float32(r+g+bl) / 65535.0
		}
	}
	return vec.Normalized()
}
