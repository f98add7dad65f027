package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"filevault/internal/apperr"
	"filevault/internal/models"
)

const jobColumns = `id, file_id, type, status, priority, attempts, max_attempts, result, error_message,
	blocked_by, created_at, updated_at, started_at, completed_at`

func scanJob(row pgx.Row) (*models.ProcessingJob, error) {
	var j models.ProcessingJob
	if err := row.Scan(&j.ID, &j.FileID, &j.Type, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&j.Result, &j.ErrorMessage, &j.BlockedBy, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.ProcessingJob, error) {
	defer rows.Close()
	var out []*models.ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Storage) CreateJob(ctx context.Context, j *models.ProcessingJob) error {
	const op = "storage.CreateJob"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processing_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.ID, j.FileID, j.Type, j.Status, j.Priority, j.Attempts, j.MaxAttempts, j.Result, j.ErrorMessage,
		j.BlockedBy, j.CreatedAt, j.UpdatedAt, j.StartedAt, j.CompletedAt)
	return mapErr(op, err)
}

func (s *Storage) GetJob(ctx context.Context, id string) (*models.ProcessingJob, error) {
	const op = "storage.GetJob"
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(op, err)
	}
	return j, nil
}

func (s *Storage) UpdateJob(ctx context.Context, j *models.ProcessingJob) error {
	const op = "storage.UpdateJob"
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_jobs SET status = $2, priority = $3, attempts = $4, max_attempts = $5, result = $6,
		 error_message = $7, blocked_by = $8, updated_at = $9, started_at = $10, completed_at = $11
		 WHERE id = $1`,
		j.ID, j.Status, j.Priority, j.Attempts, j.MaxAttempts, j.Result,
		j.ErrorMessage, j.BlockedBy, j.UpdatedAt, j.StartedAt, j.CompletedAt)
	return expectOne(op, tag, err)
}

func (s *Storage) SettleJob(ctx context.Context, j *models.ProcessingJob) error {
	const op = "storage.SettleJob"
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_jobs SET status = $2, result = $3, error_message = $4, updated_at = $5, completed_at = $6
		 WHERE id = $1 AND status = 'processing' AND attempts = $7`,
		j.ID, j.Status, j.Result, j.ErrorMessage, j.UpdatedAt, j.CompletedAt, j.Attempts)
	if err != nil {
		return mapErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, j.ID); getErr != nil {
			return getErr
		}
		return apperr.Newf(apperr.KindInvalidState, op, "job %s attempt %d no longer holds its claim", j.ID, j.Attempts)
	}
	return nil
}

func (s *Storage) ClaimJob(ctx context.Context, id string, now time.Time) (*models.ProcessingJob, error) {
	const op = "storage.ClaimJob"
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE processing_jobs SET status = 'processing', attempts = attempts + 1, started_at = $2, updated_at = $2
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+jobColumns, id, now))
	if err == nil {
		return j, nil
	}
	if err != pgx.ErrNoRows {
		return nil, mapErr(op, err)
	}
	// Distinguish an unknown id from a job in another state.
	if _, getErr := s.GetJob(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, apperr.Newf(apperr.KindInvalidState, op, "job %s is not pending", id)
}

func (s *Storage) ListJobs(ctx context.Context, fileID string) ([]*models.ProcessingJob, error) {
	const op = "storage.ListJobs"
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE file_id = $1 ORDER BY priority, created_at`, fileID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	out, err := collectJobs(rows)
	return out, mapErr(op, err)
}

func (s *Storage) ListBlockedJobs(ctx context.Context, blockerID string) ([]*models.ProcessingJob, error) {
	const op = "storage.ListBlockedJobs"
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE blocked_by = $1 ORDER BY priority, created_at`, blockerID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	out, err := collectJobs(rows)
	return out, mapErr(op, err)
}

func (s *Storage) ListStaleJobs(ctx context.Context, startedBefore time.Time, limit int) ([]*models.ProcessingJob, error) {
	const op = "storage.ListStaleJobs"
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE status = 'processing' AND started_at < $1
		 ORDER BY started_at LIMIT $2`, startedBefore, limit)
	if err != nil {
		return nil, mapErr(op, err)
	}
	out, err := collectJobs(rows)
	return out, mapErr(op, err)
}

func (s *Storage) CancelPendingJobs(ctx context.Context, fileID string, now time.Time) (int, error) {
	const op = "storage.CancelPendingJobs"
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_jobs SET status = 'cancelled', updated_at = $2 WHERE file_id = $1 AND status = 'pending'`,
		fileID, now)
	if err != nil {
		return 0, mapErr(op, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Storage) JobStats(ctx context.Context) (models.JobStats, error) {
	const op = "storage.JobStats"
	var st models.JobStats
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM processing_jobs GROUP BY status`)
	if err != nil {
		return st, mapErr(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, mapErr(op, err)
		}
		st.Add(status, n)
	}
	return st, mapErr(op, rows.Err())
}

func (s *Storage) GetSweepState(ctx context.Context, name string) (time.Time, error) {
	const op = "storage.GetSweepState"
	var at time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_run_at FROM sweep_state WHERE name = $1`, name).Scan(&at)
	if err == pgx.ErrNoRows {
		return time.Time{}, nil
	}
	return at, mapErr(op, err)
}

func (s *Storage) SetSweepState(ctx context.Context, name string, at time.Time) error {
	const op = "storage.SetSweepState"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sweep_state (name, last_run_at) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET last_run_at = EXCLUDED.last_run_at`, name, at)
	return mapErr(op, err)
}
