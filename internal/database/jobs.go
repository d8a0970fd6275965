package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/snarg/conjunx/internal/render"
)

// ErrNotFound is returned when a ledger row does not exist.
var ErrNotFound = errors.New("not found")

// JobRow is the ledger representation of a render job.
type JobRow struct {
	ID         string
	Status     string
	Dictate    string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      *string
	ErrorCode  *string
	OutputKey  *string
	Lines      json.RawMessage
}

// JobRowFromSnapshot converts a pool snapshot for storage.
func JobRowFromSnapshot(s render.Snapshot) JobRow {
	row := JobRow{
		ID:         s.ID,
		Status:     string(s.Status),
		Dictate:    s.Dictate,
		CreatedAt:  s.CreatedAt,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
	if s.Error != "" {
		row.Error = &s.Error
		row.ErrorCode = &s.ErrorCode
	}
	if s.Result != nil {
		key := s.Result.OutputKey
		row.OutputKey = &key
		if lines, err := json.Marshal(s.Result.Lines); err == nil {
			row.Lines = lines
		}
	}
	return row
}

// Snapshot converts a ledger row back into the API representation.
func (r JobRow) Snapshot() render.Snapshot {
	s := render.Snapshot{
		ID:         r.ID,
		Status:     render.Status(r.Status),
		Dictate:    r.Dictate,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if r.Error != nil {
		s.Error = *r.Error
	}
	if r.ErrorCode != nil {
		s.ErrorCode = *r.ErrorCode
	}
	if r.OutputKey != nil {
		res := &render.Result{JobID: r.ID, OutputKey: *r.OutputKey}
		if len(r.Lines) > 0 {
			_ = json.Unmarshal(r.Lines, &res.Lines)
		}
		s.Result = res
	}
	return s
}

// RecordJob upserts the current state of a job.
func (db *DB) RecordJob(ctx context.Context, row JobRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO render_jobs (
			id, status, dictate, created_at, started_at, finished_at,
			error, error_code, output_key, lines, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (id) DO UPDATE SET
			status      = EXCLUDED.status,
			started_at  = COALESCE(EXCLUDED.started_at, render_jobs.started_at),
			finished_at = EXCLUDED.finished_at,
			error       = EXCLUDED.error,
			error_code  = EXCLUDED.error_code,
			output_key  = EXCLUDED.output_key,
			lines       = EXCLUDED.lines,
			updated_at  = now()
	`,
		row.ID, row.Status, row.Dictate, row.CreatedAt, row.StartedAt, row.FinishedAt,
		row.Error, row.ErrorCode, row.OutputKey, row.Lines,
	)
	if err != nil {
		return fmt.Errorf("upsert render job %s: %w", row.ID, err)
	}
	return nil
}

// GetJob loads one job from the ledger.
func (db *DB) GetJob(ctx context.Context, id string) (JobRow, error) {
	var r JobRow
	err := db.Pool.QueryRow(ctx, `
		SELECT id, status, dictate, created_at, started_at, finished_at,
			error, error_code, output_key, lines
		FROM render_jobs WHERE id = $1
	`, id).Scan(
		&r.ID, &r.Status, &r.Dictate, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
		&r.Error, &r.ErrorCode, &r.OutputKey, &r.Lines,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("get render job %s: %w", id, err)
	}
	return r, nil
}

// MarkInterrupted fails jobs left queued or running by a previous process.
func (db *DB) MarkInterrupted(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE render_jobs SET
			status = 'failed',
			error = 'interrupted by restart',
			error_code = $1,
			finished_at = now(),
			updated_at = now()
		WHERE status IN ('queued', 'running')
	`, render.CodeCanceled)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeJobsOlderThan deletes finished ledger rows created before now-retention.
func (db *DB) PurgeJobsOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM render_jobs
		WHERE created_at < $1 AND status NOT IN ('queued', 'running')
	`, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge render jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
