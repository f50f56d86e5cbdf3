package liveness

import (
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		RequiredPoses:    []string{"center", "turn_right"},
		MinFramesPerPose: 2,
		ConsistencyFloor: 0.8,
		AttemptTTL:       time.Minute,
	}
}

func TestAttemptSequence(t *testing.T) {
	a := NewAttempt(testConfig())

	pose, ok := a.CurrentPose()
	if !ok || pose != "center" {
		t.Fatalf("CurrentPose() = %q, %v; want center", pose, ok)
	}
	if err := a.AddFrames("center", make([]Frame, 2)); err != nil {
		t.Fatalf("AddFrames(center) error = %v", err)
	}
	pose, _ = a.CurrentPose()
	if pose != "turn_right" {
		t.Fatalf("CurrentPose() after center = %q", pose)
	}
	if err := a.AddFrames("turn_right", make([]Frame, 2)); err != nil {
		t.Fatalf("AddFrames(turn_right) error = %v", err)
	}
	if a.State() != StateVerifying {
		t.Errorf("State() = %d, want StateVerifying", a.State())
	}
}

func TestAttemptRejectsOutOfOrderPose(t *testing.T) {
	a := NewAttempt(testConfig())
	if err := a.AddFrames("turn_right", make([]Frame, 2)); err == nil {
		t.Fatal("expected error for out-of-order pose")
	}
	if a.State() != StateAwaitingPose {
		t.Errorf("out-of-order submission must not advance the attempt")
	}
}

func TestAttemptInsufficientFrames(t *testing.T) {
	a := NewAttempt(testConfig())
	err := a.AddFrames("center", make([]Frame, 1))
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("AddFrames error = %v, want RejectionError", err)
	}
	if rej.Reason != InsufficientFrames {
		t.Errorf("Reason = %q, want %q", rej.Reason, InsufficientFrames)
	}
	if a.State() != StateRejected {
		t.Errorf("short batch must reject the attempt")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	cfg := testConfig()

	if got := r.Get("k"); got != nil {
		t.Fatal("Get on empty registry returned an attempt")
	}
	a := r.Begin("k", cfg)
	if got := r.Get("k"); got != a {
		t.Fatal("Get did not return the attempt just begun")
	}

	// Begin replaces.
	b := r.Begin("k", cfg)
	if got := r.Get("k"); got != b || got == a {
		t.Fatal("Begin did not replace the existing attempt")
	}

	r.Remove("k")
	if got := r.Get("k"); got != nil {
		t.Fatal("Get after Remove returned an attempt")
	}
}

func TestRegistryExpiry(t *testing.T) {
	r := NewRegistry()
	cfg := testConfig()
	cfg.AttemptTTL = time.Nanosecond
	r.Begin("k", cfg)
	time.Sleep(time.Millisecond)
	if got := r.Get("k"); got != nil {
		t.Fatal("expired attempt still returned")
	}
}

func TestRegistrySweep(t *testing.T) {
	r := NewRegistry()
	short := testConfig()
	short.AttemptTTL = time.Nanosecond
	r.Begin("old", short)
	live := r.Begin("live", testConfig())
	time.Sleep(time.Millisecond)

	r.Sweep()
	if got := r.Get("old"); got != nil {
		t.Error("Sweep kept an expired attempt")
	}
	if got := r.Get("live"); got != live {
		t.Error("Sweep dropped a live attempt")
	}
}
