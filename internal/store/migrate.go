package store

import (
	"context"
	"fmt"
)

// migrations are applied in order; each statement must be idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS lecturers (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		full_name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS units (
		id UUID PRIMARY KEY,
		lecturer_id UUID NOT NULL REFERENCES lecturers(id),
		unit_name TEXT NOT NULL,
		unit_code TEXT NOT NULL,
		registration_token TEXT NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_units_lecturer ON units (lecturer_id)`,
	`CREATE TABLE IF NOT EXISTS students (
		id UUID PRIMARY KEY,
		unit_id UUID NOT NULL REFERENCES units(id),
		admission_number TEXT NOT NULL,
		full_name TEXT NOT NULL,
		embeddings JSONB NOT NULL DEFAULT '[]',
		enrolled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (unit_id, admission_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_students_unit ON students (unit_id)`,
	`CREATE INDEX IF NOT EXISTS idx_students_admission ON students (admission_number)`,
	`CREATE TABLE IF NOT EXISTS attendance_sessions (
		id UUID PRIMARY KEY,
		unit_id UUID NOT NULL REFERENCES units(id),
		session_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		status TEXT NOT NULL DEFAULT 'processing',
		classroom_photos JSONB NOT NULL DEFAULT '[]',
		totals JSONB,
		present JSONB,
		absent JSONB,
		unknown JSONB,
		failure_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_unit ON attendance_sessions (unit_id)`,
}

// Migrate creates the schema if it does not exist yet.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
