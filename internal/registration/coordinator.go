// Package registration drives student self-enrollment: token verification,
// starting an attempt, the liveness challenge, and persisting the resulting
// embeddings.
package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/liveness"
	"rollcall/internal/metrics"
	"rollcall/internal/pipeline"
)

// StudentStore is the persistence surface the coordinator needs; implemented
// by attendance.Repository.
type StudentStore interface {
	UnitByToken(ctx context.Context, token string) (*attendance.Unit, error)
	UnitByID(ctx context.Context, id string) (*attendance.Unit, error)
	GetStudent(ctx context.Context, unitID, admissionNumber string) (*attendance.Student, error)
	CreateStudent(ctx context.Context, s attendance.Student) (attendance.Student, error)
	SaveEmbeddings(ctx context.Context, unitID, admissionNumber string, embeddings []pipeline.Embedding) error
}

// Validation errors surfaced to the API layer.
var (
	ErrInvalidToken   = errors.New("invalid or inactive registration link")
	ErrUnitNotFound   = errors.New("unit not found")
	ErrNoAttempt      = errors.New("no active registration attempt; start again")
	ErrNotRegistering = errors.New("registration not started for this student")
)

// FrameInput is one submitted liveness frame.
type FrameInput struct {
	PoseType  string    `json:"pose_type"`
	FrameData string    `json:"frame_data"`
	Timestamp time.Time `json:"timestamp"`
}

// Coordinator owns the enrollment flow. Liveness attempts are ephemeral and
// tracked in the registry; nothing reaches the database until the verifier
// accepts and the caller completes.
type Coordinator struct {
	store    StudentStore
	verifier *liveness.Verifier
	registry *liveness.Registry
	cfg      liveness.Config
}

// NewCoordinator builds the enrollment flow over the shared pipeline.
func NewCoordinator(store StudentStore, verifier *liveness.Verifier, registry *liveness.Registry, cfg liveness.Config) *Coordinator {
	return &Coordinator{store: store, verifier: verifier, registry: registry, cfg: cfg}
}

// Config exposes the liveness policy (for the instructions endpoint).
func (c *Coordinator) Config() liveness.Config { return c.cfg }

// VerifyToken resolves a registration token to its unit.
func (c *Coordinator) VerifyToken(ctx context.Context, token string) (*attendance.Unit, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	unit, err := c.store.UnitByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, ErrInvalidToken
	}
	return unit, nil
}

// Start creates (or reuses) the pending student record and opens a fresh
// liveness attempt. Re-registration is allowed: completing again replaces the
// previous embedding set.
func (c *Coordinator) Start(ctx context.Context, unitID, admissionNumber, fullName string) error {
	if unitID == "" || admissionNumber == "" || fullName == "" {
		return errors.New("full name, admission number, and unit required")
	}
	unit, err := c.store.UnitByID(ctx, unitID)
	if err != nil {
		return err
	}
	if unit == nil || !unit.IsActive {
		return ErrUnitNotFound
	}

	existing, err := c.store.GetStudent(ctx, unitID, admissionNumber)
	if err != nil {
		return err
	}
	if existing == nil {
		if _, err := c.store.CreateStudent(ctx, attendance.Student{
			UnitID:          unitID,
			AdmissionNumber: admissionNumber,
			FullName:        fullName,
		}); err != nil {
			return err
		}
	}

	c.registry.Begin(attemptKey(unitID, admissionNumber), c.cfg)
	return nil
}

// CheckLiveness feeds the submitted frames through the attempt state machine
// in the required pose order and verifies the whole sequence. On acceptance
// it returns the pose-tagged enrollment embeddings; the attempt is discarded
// either way.
func (c *Coordinator) CheckLiveness(ctx context.Context, unitID, admissionNumber string, frames []FrameInput) ([]pipeline.Embedding, error) {
	key := attemptKey(unitID, admissionNumber)
	attempt := c.registry.Get(key)
	if attempt == nil {
		return nil, ErrNoAttempt
	}
	defer c.registry.Remove(key)

	grouped := make(map[string][]liveness.Frame)
	for _, f := range frames {
		img, err := pipeline.DecodeDataURL(f.FrameData)
		if err != nil {
			continue // undecodable frames simply don't count toward the minimum
		}
		grouped[f.PoseType] = append(grouped[f.PoseType], liveness.Frame{Image: img, Timestamp: f.Timestamp})
	}

	for _, pose := range c.cfg.RequiredPoses {
		if err := attempt.AddFrames(pose, grouped[pose]); err != nil {
			var rej *liveness.RejectionError
			if errors.As(err, &rej) {
				metrics.LivenessVerdicts.WithLabelValues(string(rej.Reason)).Inc()
			}
			return nil, err
		}
	}

	embeddings, err := c.verifier.Verify(ctx, attempt)
	if err != nil {
		var rej *liveness.RejectionError
		if errors.As(err, &rej) {
			metrics.LivenessVerdicts.WithLabelValues(string(rej.Reason)).Inc()
		}
		return nil, err
	}
	metrics.LivenessVerdicts.WithLabelValues("accepted").Inc()
	return embeddings, nil
}

// Complete persists the enrollment set against the student record, replacing
// any previous set.
func (c *Coordinator) Complete(ctx context.Context, unitID, admissionNumber string, embeddings []pipeline.Embedding) error {
	if len(embeddings) == 0 {
		return errors.New("embeddings required")
	}
	for i, emb := range embeddings {
		if err := emb.Vector.Validate(); err != nil {
			return fmt.Errorf("embedding %d: %w", i, err)
		}
	}
	student, err := c.store.GetStudent(ctx, unitID, admissionNumber)
	if err != nil {
		return err
	}
	if student == nil {
		return ErrNotRegistering
	}
	return c.store.SaveEmbeddings(ctx, unitID, admissionNumber, embeddings)
}

func attemptKey(unitID, admissionNumber string) string {
	return unitID + "/" + admissionNumber
}
