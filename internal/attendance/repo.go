package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/pipeline"
)

// Repository persists lecturers, units, students, and sessions in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// --- lecturers ---

// CreateLecturer inserts a lecturer account.
func (r *Repository) CreateLecturer(ctx context.Context, l Lecturer) (Lecturer, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO lecturers (id, email, password_hash, full_name)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, l.ID, l.Email, l.PasswordHash, l.FullName)
	if err := row.Scan(&l.CreatedAt); err != nil {
		return Lecturer{}, err
	}
	return l, nil
}

// LecturerByEmail looks a lecturer up for login.
func (r *Repository) LecturerByEmail(ctx context.Context, email string) (*Lecturer, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, full_name, created_at
		FROM lecturers WHERE email = $1
	`, email)
	var l Lecturer
	if err := row.Scan(&l.ID, &l.Email, &l.PasswordHash, &l.FullName, &l.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

// GetLecturer returns a lecturer by id.
func (r *Repository) GetLecturer(ctx context.Context, id string) (*Lecturer, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, full_name, created_at
		FROM lecturers WHERE id = $1
	`, id)
	var l Lecturer
	if err := row.Scan(&l.ID, &l.Email, &l.PasswordHash, &l.FullName, &l.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

// --- units ---

// CreateUnit inserts a unit with its registration token.
func (r *Repository) CreateUnit(ctx context.Context, u Unit) (Unit, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.IsActive = true
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO units (id, lecturer_id, unit_name, unit_code, registration_token, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING created_at
	`, u.ID, u.LecturerID, u.UnitName, u.UnitCode, u.RegistrationToken)
	if err := row.Scan(&u.CreatedAt); err != nil {
		return Unit{}, err
	}
	return u, nil
}

const unitColumns = `id, lecturer_id, unit_name, unit_code, registration_token, is_active, created_at,
	(SELECT COUNT(*) FROM students s WHERE s.unit_id = units.id),
	(SELECT COUNT(*) FROM attendance_sessions a WHERE a.unit_id = units.id)`

func scanUnit(row interface{ Scan(...any) error }) (Unit, error) {
	var u Unit
	err := row.Scan(&u.ID, &u.LecturerID, &u.UnitName, &u.UnitCode, &u.RegistrationToken,
		&u.IsActive, &u.CreatedAt, &u.StudentCount, &u.SessionCount)
	return u, err
}

// ListUnits returns a lecturer's active units with student/session counts.
func (r *Repository) ListUnits(ctx context.Context, lecturerID string) ([]Unit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+unitColumns+` FROM units
		WHERE lecturer_id = $1 AND is_active
		ORDER BY created_at DESC
	`, lecturerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var units []Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// GetUnit returns one unit owned by the lecturer.
func (r *Repository) GetUnit(ctx context.Context, id, lecturerID string) (*Unit, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+unitColumns+` FROM units
		WHERE id = $1 AND lecturer_id = $2
	`, id, lecturerID)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUnit renames a unit.
func (r *Repository) UpdateUnit(ctx context.Context, id, lecturerID, name, code string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE units SET unit_name = $3, unit_code = $4
		WHERE id = $1 AND lecturer_id = $2
	`, id, lecturerID, name, code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateUnit soft-deletes a unit, revoking its registration token.
func (r *Repository) DeactivateUnit(ctx context.Context, id, lecturerID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE units SET is_active = FALSE
		WHERE id = $1 AND lecturer_id = $2
	`, id, lecturerID)
	return err
}

// UnitByToken resolves an active unit from its registration token.
func (r *Repository) UnitByToken(ctx context.Context, token string) (*Unit, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+unitColumns+` FROM units
		WHERE registration_token = $1 AND is_active
	`, token)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UnitByID resolves a unit regardless of owner (internal use).
func (r *Repository) UnitByID(ctx context.Context, id string) (*Unit, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id = $1`, id)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- students ---

// CreateStudent inserts a pending (not yet enrolled) student record.
func (r *Repository) CreateStudent(ctx context.Context, s Student) (Student, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO students (id, unit_id, admission_number, full_name, embeddings, enrolled)
		VALUES ($1, $2, $3, $4, '[]', FALSE)
		RETURNING created_at
	`, s.ID, s.UnitID, s.AdmissionNumber, s.FullName)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return Student{}, err
	}
	return s, nil
}

// GetStudent returns a student by unit and admission number.
func (r *Repository) GetStudent(ctx context.Context, unitID, admissionNumber string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, unit_id, admission_number, full_name, embeddings, enrolled, created_at
		FROM students WHERE unit_id = $1 AND admission_number = $2
	`, unitID, admissionNumber)
	var s Student
	var embJSON []byte
	if err := row.Scan(&s.ID, &s.UnitID, &s.AdmissionNumber, &s.FullName, &embJSON, &s.Enrolled, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(embJSON, &s.Embeddings); err != nil {
		return nil, fmt.Errorf("decode embeddings for %s: %w", s.ID, err)
	}
	return &s, nil
}

// ListStudents returns a unit's students without embedding payloads.
func (r *Repository) ListStudents(ctx context.Context, unitID string) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, unit_id, admission_number, full_name, enrolled, created_at
		FROM students WHERE unit_id = $1
		ORDER BY admission_number
	`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var students []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.UnitID, &s.AdmissionNumber, &s.FullName, &s.Enrolled, &s.CreatedAt); err != nil {
			return nil, err
		}
		students = append(students, s)
	}
	return students, rows.Err()
}

// SaveEmbeddings replaces a student's enrollment set and marks them enrolled.
// Re-registration overwrites rather than appends so duplicate templates never
// skew matching.
func (r *Repository) SaveEmbeddings(ctx context.Context, unitID, admissionNumber string, embeddings []pipeline.Embedding) error {
	payload, err := json.Marshal(embeddings)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE students SET embeddings = $3, enrolled = TRUE
		WHERE unit_id = $1 AND admission_number = $2
	`, unitID, admissionNumber, payload)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnrolledStudents loads the matching engine's view of a unit: every enrolled
// student with their full embedding set.
func (r *Repository) EnrolledStudents(ctx context.Context, unitID string) ([]pipeline.EnrolledStudent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, full_name, admission_number, embeddings
		FROM students WHERE unit_id = $1 AND enrolled
	`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pipeline.EnrolledStudent
	for rows.Next() {
		var s pipeline.EnrolledStudent
		var embJSON []byte
		if err := rows.Scan(&s.ID, &s.FullName, &s.AdmissionNumber, &embJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(embJSON, &s.Embeddings); err != nil {
			return nil, fmt.Errorf("decode embeddings for %s: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- sessions ---

// CreateSession inserts a session in the processing state.
func (r *Repository) CreateSession(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.SessionDate.IsZero() {
		s.SessionDate = time.Now().UTC()
	}
	s.Status = StatusProcessing
	photos, err := json.Marshal(s.ClassroomPhotos)
	if err != nil {
		return Session{}, err
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_sessions (id, unit_id, session_date, status, classroom_photos)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, s.ID, s.UnitID, s.SessionDate, s.Status, photos)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return Session{}, err
	}
	return s, nil
}

// GetSession returns one session with its report, if finalized.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, unit_id, session_date, status, classroom_photos,
		       totals, present, absent, unknown, failure_reason, created_at
		FROM attendance_sessions WHERE id = $1
	`, id)
	var (
		s                       Session
		photosJSON              []byte
		totalsJSON, presentJSON []byte
		absentJSON, unknownJSON []byte
		failureReason           sql.NullString
	)
	err := row.Scan(&s.ID, &s.UnitID, &s.SessionDate, &s.Status, &photosJSON,
		&totalsJSON, &presentJSON, &absentJSON, &unknownJSON, &failureReason, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(photosJSON, &s.ClassroomPhotos); err != nil {
		return nil, err
	}
	s.FailureReason = failureReason.String
	if s.Status == StatusCompleted {
		var rep Report
		for _, pair := range []struct {
			raw []byte
			dst any
		}{
			{totalsJSON, &rep.Totals},
			{presentJSON, &rep.Present},
			{absentJSON, &rep.Absent},
			{unknownJSON, &rep.Unknown},
		} {
			if pair.raw == nil {
				continue
			}
			if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
				return nil, err
			}
		}
		s.Report = &rep
	}
	return &s, nil
}

// SessionStatus returns just the lifecycle status for polling.
func (r *Repository) SessionStatus(ctx context.Context, id string) (Status, error) {
	row := r.db.QueryRowContext(ctx, `SELECT status FROM attendance_sessions WHERE id = $1`, id)
	var status Status
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return status, nil
}

// ListSessions returns a unit's sessions, newest first, without result lists.
func (r *Repository) ListSessions(ctx context.Context, unitID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, unit_id, session_date, status, totals, failure_reason, created_at
		FROM attendance_sessions
		WHERE unit_id = $1
		ORDER BY session_date DESC
		LIMIT $2
	`, unitID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		var s Session
		var totalsJSON []byte
		var failureReason sql.NullString
		if err := rows.Scan(&s.ID, &s.UnitID, &s.SessionDate, &s.Status, &totalsJSON, &failureReason, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.FailureReason = failureReason.String
		if s.Status == StatusCompleted && totalsJSON != nil {
			var rep Report
			if err := json.Unmarshal(totalsJSON, &rep.Totals); err == nil {
				s.Report = &rep
			}
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// CompleteSession writes the report and flips the session to completed in one
// statement, guarded on the processing state so exactly one finalization wins
// and pollers never observe torn lists.
func (r *Repository) CompleteSession(ctx context.Context, id string, rep Report, photoURLs []string) (bool, error) {
	totals, err := json.Marshal(rep.Totals)
	if err != nil {
		return false, err
	}
	present, err := json.Marshal(rep.Present)
	if err != nil {
		return false, err
	}
	absent, err := json.Marshal(rep.Absent)
	if err != nil {
		return false, err
	}
	unknown, err := json.Marshal(rep.Unknown)
	if err != nil {
		return false, err
	}
	photos, err := json.Marshal(photoURLs)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET status = $2, totals = $3, present = $4, absent = $5, unknown = $6, classroom_photos = $7
		WHERE id = $1 AND status = $8
	`, id, StatusCompleted, totals, present, absent, unknown, photos, StatusProcessing)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FailSession flips a processing session to failed with a reason, guarded the
// same way as CompleteSession.
func (r *Repository) FailSession(ctx context.Context, id, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET status = $2, failure_reason = $3
		WHERE id = $1 AND status = $4
	`, id, StatusFailed, reason, StatusProcessing)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
