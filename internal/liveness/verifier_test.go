package liveness

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"rollcall/internal/pipeline"
)

// frameImage is sharp and mid-brightness so quality checks never interfere
// with the liveness logic under test.
func frameImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			v := uint8(0)
			if (x/8+y/8)%2 == 0 {
				v = 255
			}
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func frames(n int) []Frame {
	img := frameImage()
	out := make([]Frame, n)
	for i := range out {
		out[i] = Frame{Image: img, Timestamp: time.Now()}
	}
	return out
}

type angle struct{ yaw, pitch float64 }

// fakeLocator returns one detection per call with scripted head angles,
// consumed in call order.
type fakeLocator struct {
	angles []angle
	calls  int
	none   bool
}

func (f *fakeLocator) Detect(_ context.Context, _ image.Image) ([]pipeline.Detection, error) {
	if f.none {
		return nil, nil
	}
	a := f.angles[f.calls%len(f.angles)]
	f.calls++
	return []pipeline.Detection{{
		Region: pipeline.Region{X: 40, Y: 40, Width: 100, Height: 100, Score: 0.9},
		Landmarks: pipeline.Landmarks{
			LeftEye:  image.Pt(70, 80),
			RightEye: image.Pt(110, 80),
		},
		Yaw:   a.yaw,
		Pitch: a.pitch,
	}}, nil
}

type fakeEmbedder struct {
	vecs  []pipeline.Vector
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ image.Image) (pipeline.Vector, error) {
	v := f.vecs[f.calls%len(f.vecs)]
	f.calls++
	return v, nil
}

func verifyingAttempt(t *testing.T, cfg Config) *Attempt {
	t.Helper()
	a := NewAttempt(cfg)
	for _, pose := range cfg.RequiredPoses {
		if err := a.AddFrames(pose, frames(cfg.MinFramesPerPose)); err != nil {
			t.Fatalf("AddFrames(%s) error = %v", pose, err)
		}
	}
	return a
}

func TestVerifyAccepts(t *testing.T) {
	cfg := testConfig()
	a := verifyingAttempt(t, cfg)
	loc := &fakeLocator{angles: []angle{
		{0, 0}, {2, -3}, // center frames
		{30, 0}, {35, 5}, // turn_right frames
	}}
	emb := &fakeEmbedder{vecs: []pipeline.Vector{{1, 0, 0}}}

	got, err := NewVerifier(loc, emb, nil).Verify(context.Background(), a)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(got) != len(cfg.RequiredPoses) {
		t.Fatalf("got %d embeddings, want %d", len(got), len(cfg.RequiredPoses))
	}
	for i, pose := range cfg.RequiredPoses {
		if got[i].Pose != pose {
			t.Errorf("embedding %d pose = %q, want %q", i, got[i].Pose, pose)
		}
	}
	if a.State() != StateAccepted {
		t.Errorf("State() = %d, want StateAccepted", a.State())
	}
}

func TestVerifyRejectsStaticOrientation(t *testing.T) {
	cfg := testConfig()
	a := verifyingAttempt(t, cfg)
	// Head never leaves center: a replayed still photo.
	loc := &fakeLocator{angles: []angle{{0, 0}}}
	emb := &fakeEmbedder{vecs: []pipeline.Vector{{1, 0, 0}}}

	_, err := NewVerifier(loc, emb, nil).Verify(context.Background(), a)
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Verify() error = %v, want RejectionError", err)
	}
	if rej.Reason != PoseNotDiverse {
		t.Errorf("Reason = %q, want %q", rej.Reason, PoseNotDiverse)
	}
	if rej.Pose != "turn_right" {
		t.Errorf("Pose = %q, want turn_right", rej.Pose)
	}
	if a.State() != StateRejected {
		t.Errorf("State() = %d, want StateRejected", a.State())
	}
}

func TestVerifyRejectsNoFace(t *testing.T) {
	cfg := testConfig()
	a := verifyingAttempt(t, cfg)
	loc := &fakeLocator{none: true}
	emb := &fakeEmbedder{vecs: []pipeline.Vector{{1, 0, 0}}}

	_, err := NewVerifier(loc, emb, nil).Verify(context.Background(), a)
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Verify() error = %v, want RejectionError", err)
	}
	if rej.Reason != NoFaceDetected {
		t.Errorf("Reason = %q, want %q", rej.Reason, NoFaceDetected)
	}
}

func TestVerifyRejectsInconsistentIdentity(t *testing.T) {
	cfg := testConfig()
	a := verifyingAttempt(t, cfg)
	loc := &fakeLocator{angles: []angle{
		{0, 0}, {2, -3},
		{30, 0}, {35, 5},
	}}
	// Orthogonal embeddings across consecutive frames: different subjects.
	emb := &fakeEmbedder{vecs: []pipeline.Vector{{1, 0, 0}, {0, 1, 0}}}

	_, err := NewVerifier(loc, emb, nil).Verify(context.Background(), a)
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Verify() error = %v, want RejectionError", err)
	}
	if rej.Reason != IdentityInconsistent {
		t.Errorf("Reason = %q, want %q", rej.Reason, IdentityInconsistent)
	}
}

func TestVerifyRequiresVerifyingState(t *testing.T) {
	a := NewAttempt(testConfig())
	_, err := NewVerifier(&fakeLocator{}, &fakeEmbedder{vecs: []pipeline.Vector{{1}}}, nil).
		Verify(context.Background(), a)
	if err == nil {
		t.Fatal("Verify() on an awaiting attempt must error")
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		t.Fatal("state error must not be a liveness rejection")
	}
}
