package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-queue-service/internal/entity"
)

const jobColumns = `id, type, priority, status, attempts, payload, result, error, created_at, updated_at`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// JobRepository is the durable source of truth for job state. Every status
// change is a conditional UPDATE so illegal transitions never touch a row.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *JobRepository) Create(ctx context.Context, typ string, priority entity.Priority, payload json.RawMessage) (uuid.UUID, error) {
	if !priority.Valid() {
		return uuid.Nil, entity.Validationf(`priority must be "default" or "high", got %q`, priority)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	const q = `
INSERT INTO jobs (type, priority, status, attempts, payload)
VALUES ($1, $2, 'pending', 0, $3)
RETURNING id;
`
	var id uuid.UUID
	if err := r.pool.QueryRow(ctx, q, typ, string(priority), payload).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`

	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// BeginProcessing moves a pending job to processing and bumps attempts in one
// statement. It returns the new attempt count.
func (r *JobRepository) BeginProcessing(ctx context.Context, id uuid.UUID) (int, error) {
	const q = `
UPDATE jobs
SET attempts = attempts + 1, status = 'processing', updated_at = NOW()
WHERE id = $1 AND status = 'pending'
RETURNING attempts;
`
	var attempts int
	if err := r.pool.QueryRow(ctx, q, id).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, r.transitionErr(ctx, id, "begin processing")
		}
		return 0, fmt.Errorf("begin processing %s: %w", id, err)
	}
	return attempts, nil
}

func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	const q = `
UPDATE jobs
SET status = 'completed', result = $2, error = NULL, updated_at = NOW()
WHERE id = $1 AND status = 'processing';
`
	return r.execTransition(ctx, id, "complete", q, id, result)
}

func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, errText string) error {
	const q = `
UPDATE jobs
SET status = 'failed', error = $2, updated_at = NOW()
WHERE id = $1 AND status = 'processing';
`
	return r.execTransition(ctx, id, "fail", q, id, errText)
}

// Requeue returns a processing job to pending for another automatic attempt.
func (r *JobRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE jobs
SET status = 'pending', updated_at = NOW()
WHERE id = $1 AND status = 'processing';
`
	return r.execTransition(ctx, id, "requeue", q, id)
}

// Retry is the administrative reset of a failed job. It returns the stored
// priority so the caller can push onto the matching lane.
func (r *JobRepository) Retry(ctx context.Context, id uuid.UUID) (entity.Priority, error) {
	const q = `
UPDATE jobs
SET status = 'pending', attempts = 0, error = NULL, updated_at = NOW()
WHERE id = $1 AND status = 'failed'
RETURNING priority;
`
	var priority string
	if err := r.pool.QueryRow(ctx, q, id).Scan(&priority); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", r.transitionErr(ctx, id, "retry")
		}
		return "", fmt.Errorf("retry %s: %w", id, err)
	}
	return entity.Priority(priority), nil
}

// MoveToDeadLetter marks the job failed with the DLQ sentinel from any status.
// attempts is left untouched.
func (r *JobRepository) MoveToDeadLetter(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE jobs
SET status = 'failed', error = $2, updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, q, id, entity.DeadLetterError)
	if err != nil {
		return fmt.Errorf("move to dlq %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrNotFound
	}
	return nil
}

// listQuery builds the SELECT for List. f must already be normalized.
func listQuery(f entity.ListFilter) (string, []any, error) {
	order := "created_at DESC"
	if f.OrderByUpdated {
		order = "updated_at DESC"
	}

	sb := psql.
		Select(jobColumns).
		From("jobs").
		OrderBy(order).
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset))

	if f.Status != "" {
		sb = sb.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Type != "" {
		sb = sb.Where(sq.Eq{"type": f.Type})
	}
	if f.Priority != "" {
		sb = sb.Where(sq.Eq{"priority": string(f.Priority)})
	}
	return sb.ToSql()
}

func (r *JobRepository) List(ctx context.Context, f entity.ListFilter) ([]*entity.Job, error) {
	f = f.Normalize()

	q, args, err := listQuery(f)
	if err != nil {
		return nil, fmt.Errorf("list jobs: build query: %w", err)
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*entity.Job, 0, f.Limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (r *JobRepository) execTransition(ctx context.Context, id uuid.UUID, op, q string, args ...any) error {
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionErr(ctx, id, op)
	}
	return nil
}

// transitionErr explains why a conditional UPDATE matched no row.
func (r *JobRepository) transitionErr(ctx context.Context, id uuid.UUID, op string) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1;`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entity.ErrNotFound
		}
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return fmt.Errorf("%w: cannot %s job in status %s", entity.ErrInvalidState, op, status)
}

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job          entity.Job
		priorityText string
		statusText   string
		payloadBytes []byte
		resultBytes  []byte
		errText      *string
		createdAt    time.Time
		updatedAt    time.Time
	)

	if err := row.Scan(
		&job.ID,
		&job.Type,
		&priorityText,
		&statusText,
		&job.Attempts,
		&payloadBytes,
		&resultBytes, // NULL => nil
		&errText,     // NULL => nil
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	job.Priority = entity.Priority(priorityText)
	job.Status = entity.JobStatus(statusText)
	job.Payload = json.RawMessage(payloadBytes)
	if resultBytes != nil {
		job.Result = json.RawMessage(resultBytes)
	}
	job.Error = errText
	job.CreatedAt = createdAt
	job.UpdatedAt = updatedAt

	return &job, nil
}
