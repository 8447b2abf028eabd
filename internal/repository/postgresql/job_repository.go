package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vivektripaathi/remote-job-executor/internal/entity"
)

// JobRepository persists jobs in postgres. Claim and finalize updates
// carry status guards in the WHERE clause so concurrent writers resolve
// through row-level atomicity: the first one wins, the rest affect zero
// rows.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const jobColumns = `
id, command, priority, timeout_seconds, status,
stdout, stderr, exit_code, reason, remote_process_id,
termination_unconfirmed, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job    entity.Job
		reason *string
	)
	if err := row.Scan(
		&job.ID,
		&job.Command,
		&job.Priority,
		&job.TimeoutSeconds,
		&job.Status,
		&job.Stdout,
		&job.Stderr,
		&job.ExitCode,
		&reason,
		&job.RemoteProcessID,
		&job.TerminationUnconfirmed,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entity.ErrJobNotFound
		}
		return nil, err
	}
	if reason != nil {
		job.Reason = entity.FailureReason(*reason)
	}
	return &job, nil
}

func (r *JobRepository) Create(ctx context.Context, job *entity.Job) error {
	const q = `
INSERT INTO jobs (id, command, priority, timeout_seconds, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6);
`
	_, err := r.pool.Exec(ctx, q,
		job.ID, job.Command, job.Priority, job.TimeoutSeconds, job.Status, job.CreatedAt)
	return err
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	return scanJob(r.pool.QueryRow(ctx, q, id))
}

func (r *JobRepository) List(ctx context.Context, f entity.ListFilter) ([]entity.Job, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if f.Status != nil {
		args = append(args, *f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Priority != nil {
		args = append(args, *f.Priority)
		where += fmt.Sprintf(" AND priority = $%d", len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT count(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := " ORDER BY created_at"
	if f.SortBy == entity.SortByPriority {
		// Priority has no natural text ordering; map it to its rank.
		order = ` ORDER BY CASE priority
			WHEN 'High' THEN 2
			WHEN 'Medium' THEN 1
			ELSE 0 END`
	}
	if f.SortDesc {
		order += " DESC"
	}

	q := `SELECT ` + jobColumns + ` FROM jobs` + where + order
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return jobs, total, nil
}

// ClaimRunning atomically moves a Queued job to Running and stamps
// started_at. A false return means another worker claimed it first or
// the job was cancelled while queued.
func (r *JobRepository) ClaimRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	const q = `
UPDATE jobs SET status = $2, started_at = $3
WHERE id = $1 AND status = $4;
`
	tag, err := r.pool.Exec(ctx, q, id, entity.StatusRunning, startedAt, entity.StatusQueued)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CancelQueued atomically moves a Queued job straight to Cancelled.
func (r *JobRepository) CancelQueued(ctx context.Context, id uuid.UUID, completedAt time.Time) (bool, error) {
	const q = `
UPDATE jobs SET status = $2, completed_at = $3
WHERE id = $1 AND status = $4;
`
	tag, err := r.pool.Exec(ctx, q, id, entity.StatusCancelled, completedAt, entity.StatusQueued)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *JobRepository) SetRemoteProcessID(ctx context.Context, id uuid.UUID, pid string) error {
	const q = `UPDATE jobs SET remote_process_id = $2 WHERE id = $1;`

	tag, err := r.pool.Exec(ctx, q, id, pid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrJobNotFound
	}
	return nil
}

// Finalize writes the terminal outcome, guarded on the transition being
// legal for the job's current status. A false return means someone else
// finalized it first.
func (r *JobRepository) Finalize(ctx context.Context, id uuid.UUID, fin entity.Finalization) (bool, error) {
	if err := entity.StatusRunning.ValidateTransition(fin.Status); err != nil {
		return false, err
	}

	const q = `
UPDATE jobs SET
	status = $2,
	stdout = $3,
	stderr = $4,
	exit_code = $5,
	reason = NULLIF($6, ''),
	termination_unconfirmed = $7,
	completed_at = $8
WHERE id = $1 AND (status = $9 OR (status = $10 AND $2 = $11));
`
	tag, err := r.pool.Exec(ctx, q, id,
		fin.Status, fin.Stdout, fin.Stderr, fin.ExitCode, string(fin.Reason),
		fin.TerminationUnconfirmed, fin.CompletedAt,
		entity.StatusRunning, entity.StatusQueued, entity.StatusCancelled)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *JobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM jobs WHERE id = $1;`

	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrJobNotFound
	}
	return nil
}
