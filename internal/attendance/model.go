package attendance

import (
	"time"

	"rollcall/internal/pipeline"
)

// Session lifecycle states. A session is created processing and ends in
// exactly one terminal state; completed sessions are immutable.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Lecturer owns units.
type Lecturer struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"full_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// Unit is one class: it scopes students, sessions, and the registration token.
type Unit struct {
	ID                string    `json:"id"`
	LecturerID        string    `json:"lecturer_id"`
	UnitName          string    `json:"unit_name"`
	UnitCode          string    `json:"unit_code"`
	RegistrationToken string    `json:"registration_token"`
	IsActive          bool      `json:"is_active"`
	StudentCount      int       `json:"student_count"`
	SessionCount      int       `json:"session_count"`
	CreatedAt         time.Time `json:"created_at"`
}

// Student belongs to exactly one unit and owns its enrollment embeddings.
type Student struct {
	ID              string               `json:"id"`
	UnitID          string               `json:"unit_id"`
	AdmissionNumber string               `json:"admission_number"`
	FullName        string               `json:"full_name"`
	Embeddings      []pipeline.Embedding `json:"-"`
	Enrolled        bool                 `json:"enrolled"`
	CreatedAt       time.Time            `json:"created_at"`
}

// PresentEntry is a matched student with the best confidence observed.
type PresentEntry struct {
	ID              string  `json:"id"`
	FullName        string  `json:"full_name"`
	AdmissionNumber string  `json:"admission_number"`
	ConfidenceScore float64 `json:"confidence_score"`
}

// AbsentEntry is an enrolled student never matched in any photo.
type AbsentEntry struct {
	ID              string `json:"id"`
	FullName        string `json:"full_name"`
	AdmissionNumber string `json:"admission_number"`
}

// UnknownEntry is a detected face with no confident match. Diagnostic is set
// when the probe itself was malformed rather than merely unmatched.
type UnknownEntry struct {
	ID              string  `json:"id"`
	CroppedFaceURL  string  `json:"cropped_face_url"`
	ConfidenceScore float64 `json:"confidence_score"`
	Diagnostic      string  `json:"diagnostic,omitempty"`
}

// Totals is always derived from the three list lengths, never mutated
// independently.
type Totals struct {
	Present int `json:"present"`
	Absent  int `json:"absent"`
	Unknown int `json:"unknown"`
}

// Report is the aggregate result of one completed session. Present and absent
// partition the unit's students at submission time.
type Report struct {
	Totals  Totals         `json:"totals"`
	Present []PresentEntry `json:"present"`
	Absent  []AbsentEntry  `json:"absent"`
	Unknown []UnknownEntry `json:"unknown"`
}

// Session is one attendance run over a batch of classroom photos.
type Session struct {
	ID              string    `json:"id"`
	UnitID          string    `json:"unit_id"`
	SessionDate     time.Time `json:"session_date"`
	Status          Status    `json:"status"`
	ClassroomPhotos []string  `json:"classroom_photos"`
	Report          *Report   `json:"report,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
