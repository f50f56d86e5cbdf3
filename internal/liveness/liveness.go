// Package liveness gates enrollment behind a multi-pose challenge. An attempt
// walks a fixed pose sequence, collecting frame batches per pose, and is then
// verified as a whole: enough frames per pose, a detectable face, head angles
// that actually land in each pose's window, and a consistent identity across
// frames. Accepted attempts yield one pose-tagged embedding per pose.
package liveness

import (
	"fmt"
	"image"
	"sync"
	"time"
)

// Reason identifies which liveness check failed. Rejections always carry one
// so the caller can give actionable feedback instead of "liveness failed".
type Reason string

const (
	InsufficientFrames   Reason = "insufficient_frames"
	PoseNotDiverse       Reason = "pose_not_diverse"
	NoFaceDetected       Reason = "no_face_detected"
	IdentityInconsistent Reason = "identity_inconsistent"
)

// RejectionError is a terminal liveness verdict for one attempt. It rejects
// the attempt, not the registration flow; the caller may retry the full
// sequence.
type RejectionError struct {
	Reason Reason
	Pose   string
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Pose != "" {
		return fmt.Sprintf("liveness rejected (%s) at pose %q: %s", e.Reason, e.Pose, e.Detail)
	}
	return fmt.Sprintf("liveness rejected (%s): %s", e.Reason, e.Detail)
}

// PoseWindow is the head-angle range (degrees) a pose's frames must reach.
type PoseWindow struct {
	YawMin, YawMax     float64
	PitchMin, PitchMax float64
}

func (w PoseWindow) contains(yaw, pitch float64) bool {
	return yaw >= w.YawMin && yaw <= w.YawMax && pitch >= w.PitchMin && pitch <= w.PitchMax
}

// DefaultWindows are the angle ranges for the standard pose sequence.
var DefaultWindows = map[string]PoseWindow{
	"center":     {YawMin: -15, YawMax: 15, PitchMin: -15, PitchMax: 15},
	"tilt_down":  {YawMin: -15, YawMax: 15, PitchMin: 15, PitchMax: 45},
	"turn_right": {YawMin: 20, YawMax: 50, PitchMin: -15, PitchMax: 15},
	"turn_left":  {YawMin: -50, YawMax: -20, PitchMin: -15, PitchMax: 15},
}

// Config is the per-attempt liveness policy, passed in explicitly.
type Config struct {
	RequiredPoses    []string
	MinFramesPerPose int
	// ConsistencyFloor is the minimum cosine similarity between embeddings
	// of consecutive frames within one pose (same subject throughout).
	ConsistencyFloor float64
	// AttemptTTL bounds the whole attempt; abandoned attempts are discarded.
	AttemptTTL time.Duration
	// Windows overrides DefaultWindows per pose when set.
	Windows map[string]PoseWindow
}

func (c Config) window(pose string) (PoseWindow, bool) {
	if c.Windows != nil {
		if w, ok := c.Windows[pose]; ok {
			return w, true
		}
	}
	w, ok := DefaultWindows[pose]
	return w, ok
}

// Frame is one captured frame tagged with its submission time.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
}

// State of an attempt.
type State int

const (
	StateAwaitingPose State = iota
	StateVerifying
	StateAccepted
	StateRejected
)

// Attempt tracks one in-progress enrollment challenge. It is ephemeral:
// nothing is persisted until the verifier accepts.
type Attempt struct {
	mu        sync.Mutex
	cfg       Config
	createdAt time.Time
	poseIdx   int
	frames    map[string][]Frame
	state     State
}

// NewAttempt starts an attempt awaiting the first required pose.
func NewAttempt(cfg Config) *Attempt {
	return &Attempt{
		cfg:       cfg,
		createdAt: time.Now(),
		frames:    make(map[string][]Frame),
	}
}

// State returns the current lifecycle state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// CurrentPose returns the pose the attempt is waiting on.
func (a *Attempt) CurrentPose() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateAwaitingPose || a.poseIdx >= len(a.cfg.RequiredPoses) {
		return "", false
	}
	return a.cfg.RequiredPoses[a.poseIdx], true
}

// Expired reports whether the attempt ran past its overall timeout.
func (a *Attempt) Expired(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.AttemptTTL > 0 && now.Sub(a.createdAt) > a.cfg.AttemptTTL
}

// AddFrames appends a contiguous batch for the pose currently awaited and
// advances the sequence. A batch below the per-pose minimum rejects the
// attempt immediately with InsufficientFrames. After the last pose the
// attempt moves to verifying.
func (a *Attempt) AddFrames(pose string, frames []Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateAwaitingPose {
		return fmt.Errorf("attempt not awaiting frames (state %d)", a.state)
	}
	want := a.cfg.RequiredPoses[a.poseIdx]
	if pose != want {
		return fmt.Errorf("pose %q submitted, awaiting %q", pose, want)
	}
	if len(frames) < a.cfg.MinFramesPerPose {
		a.state = StateRejected
		return &RejectionError{
			Reason: InsufficientFrames,
			Pose:   pose,
			Detail: fmt.Sprintf("got %d frames, need %d", len(frames), a.cfg.MinFramesPerPose),
		}
	}

	a.frames[pose] = append(a.frames[pose], frames...)
	a.poseIdx++
	if a.poseIdx >= len(a.cfg.RequiredPoses) {
		a.state = StateVerifying
	}
	return nil
}

// poseFrames returns the collected batch for one pose.
func (a *Attempt) poseFrames(pose string) []Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames[pose]
}

func (a *Attempt) finish(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}
