// Package pipeline holds the face processing primitives: region types,
// embedding math, crop normalization, and the matching engine. Detection and
// embedding extraction are capabilities consumed through the Locator and
// Embedder interfaces; the HTTP-backed implementation lives in faceclient.
package pipeline

import (
	"context"
	"errors"
	"image"
)

// Sentinel errors for the stages of the pipeline. Callers wrap them with
// context via fmt.Errorf("...: %w", err).
var (
	ErrDetection        = errors.New("face detection failed")
	ErrNormalization    = errors.New("face normalization failed")
	ErrEmbedding        = errors.New("embedding extraction failed")
	ErrInvalidEmbedding = errors.New("invalid embedding")
)

// Region is a face bounding box within a raw image.
type Region struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Score  float64 `json:"score"`
}

// Landmarks are the five standard facial keypoints.
type Landmarks struct {
	LeftEye    image.Point `json:"left_eye"`
	RightEye   image.Point `json:"right_eye"`
	Nose       image.Point `json:"nose"`
	LeftMouth  image.Point `json:"left_mouth"`
	RightMouth image.Point `json:"right_mouth"`
}

// Detection is one located face: bounding geometry plus the head pose angles
// the detector reports (degrees).
type Detection struct {
	Region    Region    `json:"region"`
	Landmarks Landmarks `json:"landmarks"`
	Yaw       float64   `json:"yaw"`
	Pitch     float64   `json:"pitch"`
	Roll      float64   `json:"roll"`
}

// Locator finds faces in a raw image. Implementations must be deterministic
// for identical input; no spatial ordering is guaranteed.
type Locator interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// Embedder turns a canonical crop into a fixed-length unit-norm vector.
type Embedder interface {
	Embed(ctx context.Context, crop image.Image) (Vector, error)
}

// Embedding is a stored enrollment vector tagged with the liveness pose it
// was captured under.
type Embedding struct {
	Pose   string `json:"pose"`
	Vector Vector `json:"vector"`
}

// EnrolledStudent is the matching engine's view of one student: identity plus
// the full enrollment embedding set.
type EnrolledStudent struct {
	ID              string
	FullName        string
	AdmissionNumber string
	Embeddings      []Embedding
}
