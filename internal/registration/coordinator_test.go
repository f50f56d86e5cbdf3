package registration

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/liveness"
	"rollcall/internal/pipeline"
)

type fakeStudents struct {
	units    map[string]*attendance.Unit
	students map[string]*attendance.Student // keyed unit/admission
	saved    map[string][]pipeline.Embedding
	creates  int
}

func newFakeStudents() *fakeStudents {
	return &fakeStudents{
		units:    make(map[string]*attendance.Unit),
		students: make(map[string]*attendance.Student),
		saved:    make(map[string][]pipeline.Embedding),
	}
}

func (f *fakeStudents) UnitByToken(_ context.Context, token string) (*attendance.Unit, error) {
	for _, u := range f.units {
		if u.RegistrationToken == token && u.IsActive {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakeStudents) UnitByID(_ context.Context, id string) (*attendance.Unit, error) {
	return f.units[id], nil
}

func (f *fakeStudents) GetStudent(_ context.Context, unitID, adm string) (*attendance.Student, error) {
	return f.students[unitID+"/"+adm], nil
}

func (f *fakeStudents) CreateStudent(_ context.Context, s attendance.Student) (attendance.Student, error) {
	f.creates++
	s.ID = "stu-1"
	f.students[s.UnitID+"/"+s.AdmissionNumber] = &s
	return s, nil
}

func (f *fakeStudents) SaveEmbeddings(_ context.Context, unitID, adm string, embeddings []pipeline.Embedding) error {
	if f.students[unitID+"/"+adm] == nil {
		return attendance.ErrNotFound
	}
	f.saved[unitID+"/"+adm] = embeddings
	return nil
}

type scriptedLocator struct {
	angles []struct{ yaw, pitch float64 }
	calls  int
}

func (f *scriptedLocator) Detect(_ context.Context, _ image.Image) ([]pipeline.Detection, error) {
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

type constEmbedder struct{}

func (constEmbedder) Embed(_ context.Context, _ image.Image) (pipeline.Vector, error) {
	return pipeline.Vector{1, 0, 0}, nil
}

func testFrames(t *testing.T, poses []string, perPose int) []FrameInput {
	t.Helper()
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
	data, err := pipeline.EncodeJPEGDataURL(img)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	var out []FrameInput
	for _, pose := range poses {
		for i := 0; i < perPose; i++ {
			out = append(out, FrameInput{PoseType: pose, FrameData: data, Timestamp: time.Now()})
		}
	}
	return out
}

func newTestCoordinator(store StudentStore) *Coordinator {
	loc := &scriptedLocator{angles: []struct{ yaw, pitch float64 }{
		{0, 0}, {2, -3}, // center
		{30, 0}, {35, 5}, // turn_right
	}}
	cfg := liveness.Config{
		RequiredPoses:    []string{"center", "turn_right"},
		MinFramesPerPose: 2,
		ConsistencyFloor: 0.8,
		AttemptTTL:       time.Minute,
	}
	verifier := liveness.NewVerifier(loc, constEmbedder{}, nil)
	return NewCoordinator(store, verifier, liveness.NewRegistry(), cfg)
}

func activeUnit() *attendance.Unit {
	return &attendance.Unit{ID: "unit-1", RegistrationToken: "tok-1", IsActive: true, UnitName: "Distributed Systems"}
}

func TestVerifyToken(t *testing.T) {
	store := newFakeStudents()
	store.units["unit-1"] = activeUnit()
	c := newTestCoordinator(store)

	unit, err := c.VerifyToken(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if unit.ID != "unit-1" {
		t.Errorf("unit.ID = %q", unit.ID)
	}

	for _, token := range []string{"", "nope"} {
		if _, err := c.VerifyToken(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("VerifyToken(%q) error = %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestStartCreatesPendingStudent(t *testing.T) {
	store := newFakeStudents()
	store.units["unit-1"] = activeUnit()
	c := newTestCoordinator(store)

	if err := c.Start(context.Background(), "unit-1", "ADM-1", "Alice"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if store.students["unit-1/ADM-1"] == nil {
		t.Fatal("pending student not created")
	}

	// Re-registration reuses the record instead of duplicating it.
	if err := c.Start(context.Background(), "unit-1", "ADM-1", "Alice"); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if store.creates != 1 {
		t.Errorf("creates = %d, want 1", store.creates)
	}
}

func TestStartRejectsInactiveUnit(t *testing.T) {
	store := newFakeStudents()
	unit := activeUnit()
	unit.IsActive = false
	store.units["unit-1"] = unit
	c := newTestCoordinator(store)

	if err := c.Start(context.Background(), "unit-1", "ADM-1", "Alice"); !errors.Is(err, ErrUnitNotFound) {
		t.Fatalf("Start() error = %v, want ErrUnitNotFound", err)
	}
}

func TestCheckLivenessWithoutStart(t *testing.T) {
	store := newFakeStudents()
	store.units["unit-1"] = activeUnit()
	c := newTestCoordinator(store)

	_, err := c.CheckLiveness(context.Background(), "unit-1", "ADM-1", nil)
	if !errors.Is(err, ErrNoAttempt) {
		t.Fatalf("CheckLiveness() error = %v, want ErrNoAttempt", err)
	}
}

func TestEnrollmentFlow(t *testing.T) {
	store := newFakeStudents()
	store.units["unit-1"] = activeUnit()
	c := newTestCoordinator(store)
	ctx := context.Background()

	if err := c.Start(ctx, "unit-1", "ADM-1", "Alice"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	embeddings, err := c.CheckLiveness(ctx, "unit-1", "ADM-1",
		testFrames(t, []string{"center", "turn_right"}, 2))
	if err != nil {
		t.Fatalf("CheckLiveness() error = %v", err)
	}
	if len(embeddings) != 2 {
		t.Fatalf("got %d embeddings, want 2", len(embeddings))
	}

	if err := c.Complete(ctx, "unit-1", "ADM-1", embeddings); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got := store.saved["unit-1/ADM-1"]; len(got) != 2 {
		t.Errorf("saved %d embeddings, want 2", len(got))
	}

	// The attempt is single-use.
	if _, err := c.CheckLiveness(ctx, "unit-1", "ADM-1", nil); !errors.Is(err, ErrNoAttempt) {
		t.Errorf("reused attempt error = %v, want ErrNoAttempt", err)
	}
}

func TestCheckLivenessShortBatchRejects(t *testing.T) {
	store := newFakeStudents()
	store.units["unit-1"] = activeUnit()
	c := newTestCoordinator(store)
	ctx := context.Background()

	if err := c.Start(ctx, "unit-1", "ADM-1", "Alice"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_, err := c.CheckLiveness(ctx, "unit-1", "ADM-1",
		testFrames(t, []string{"center", "turn_right"}, 1))
	var rej *liveness.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("CheckLiveness() error = %v, want RejectionError", err)
	}
	if rej.Reason != liveness.InsufficientFrames {
		t.Errorf("Reason = %q, want %q", rej.Reason, liveness.InsufficientFrames)
	}
}

func TestCompleteValidation(t *testing.T) {
	store := newFakeStudents()
	store.units["unit-1"] = activeUnit()
	c := newTestCoordinator(store)
	ctx := context.Background()
	good := []pipeline.Embedding{{Pose: "center", Vector: pipeline.Vector{1, 0}}}

	if err := c.Complete(ctx, "unit-1", "ADM-1", nil); err == nil {
		t.Error("Complete() with no embeddings must error")
	}
	if err := c.Complete(ctx, "unit-1", "ADM-1", good); !errors.Is(err, ErrNotRegistering) {
		t.Errorf("Complete() without student error = %v, want ErrNotRegistering", err)
	}
	if _, err := c.store.CreateStudent(ctx, attendance.Student{UnitID: "unit-1", AdmissionNumber: "ADM-1"}); err != nil {
		t.Fatal(err)
	}
	bad := []pipeline.Embedding{{Pose: "center", Vector: pipeline.Vector{0, 0}}}
	if err := c.Complete(ctx, "unit-1", "ADM-1", bad); !errors.Is(err, pipeline.ErrInvalidEmbedding) {
		t.Errorf("Complete() with zero vector error = %v, want ErrInvalidEmbedding", err)
	}
	if err := c.Complete(ctx, "unit-1", "ADM-1", good); err != nil {
		t.Errorf("Complete() error = %v", err)
	}
}
