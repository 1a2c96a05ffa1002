package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"job-queue-service/internal/entity"
)

// DefaultMaxAttempts is the attempt count at which a failing job stops
// being re-enqueued.
const DefaultMaxAttempts = 3

// ControllerRepo is the slice of the job store the controller mutates.
type ControllerRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	Fail(ctx context.Context, id uuid.UUID, errText string) error
	Requeue(ctx context.Context, id uuid.UUID) error
	Retry(ctx context.Context, id uuid.UUID) (entity.Priority, error)
	MoveToDeadLetter(ctx context.Context, id uuid.UUID) error
}

// DispatchQueue is the slice of the queue the controller writes to.
type DispatchQueue interface {
	Push(ctx context.Context, priority entity.Priority, jobID string) error
	PushDeadLetter(ctx context.Context, jobID string) error
	DeadLetters(ctx context.Context, offset, limit int64) ([]string, error)
}

// Outcome is what OnFailure decided.
type Outcome string

const (
	OutcomeRetried Outcome = "retried"
	OutcomeFailed  Outcome = "failed"
)

// Controller owns the retry / dead-letter policy: automatic decisions after
// a failed attempt, and the administrative retry and DLQ actions.
type Controller struct {
	repo        ControllerRepo
	queue       DispatchQueue
	maxAttempts int
	log         *slog.Logger
}

func NewController(repo ControllerRepo, queue DispatchQueue, maxAttempts int, log *slog.Logger) *Controller {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{repo: repo, queue: queue, maxAttempts: maxAttempts, log: log}
}

func (c *Controller) MaxAttempts() int { return c.maxAttempts }

// OnFailure records a failed attempt. Exhausted jobs become failed with msg;
// others go back to pending and onto the lane of their original priority.
//
// It is safe to call again after a partial failure: if the job is already
// pending only the push is repeated.
func (c *Controller) OnFailure(ctx context.Context, id uuid.UUID, attempts int, msg string, priority entity.Priority) (Outcome, error) {
	if attempts >= c.maxAttempts {
		if err := c.repo.Fail(ctx, id, msg); err != nil {
			return "", fmt.Errorf("fail job: %w", err)
		}
		c.log.Warn("job failed permanently",
			"job_id", id.String(), "attempts", attempts, "error", msg)
		return OutcomeFailed, nil
	}

	if err := c.repo.Requeue(ctx, id); err != nil {
		if !errors.Is(err, entity.ErrInvalidState) {
			return "", fmt.Errorf("requeue job: %w", err)
		}
		job, getErr := c.repo.GetByID(ctx, id)
		if getErr != nil {
			return "", fmt.Errorf("requeue job: %w", getErr)
		}
		if job.Status != entity.StatusPending {
			// someone else resolved it (e.g. moved to the DLQ) in between
			return "", err
		}
	}

	if err := c.queue.Push(ctx, priority, id.String()); err != nil {
		return "", fmt.Errorf("re-enqueue job: %w", err)
	}
	c.log.Info("job re-enqueued for retry",
		"job_id", id.String(), "attempts", attempts, "priority", string(priority), "error", msg)
	return OutcomeRetried, nil
}

// Retry resets a failed job and pushes it onto the lane of its stored
// priority. ErrInvalidState when the job is not failed.
func (c *Controller) Retry(ctx context.Context, id uuid.UUID) error {
	priority, err := c.repo.Retry(ctx, id)
	if err != nil {
		return err
	}
	if err := c.queue.Push(ctx, priority, id.String()); err != nil {
		return fmt.Errorf("enqueue retried job: %w", err)
	}
	c.log.Info("job retried by admin", "job_id", id.String(), "priority", string(priority))
	return nil
}

// MoveToDeadLetter fails the job with the DLQ sentinel from any status and
// records its id on the inspection list.
func (c *Controller) MoveToDeadLetter(ctx context.Context, id uuid.UUID) error {
	if err := c.repo.MoveToDeadLetter(ctx, id); err != nil {
		return err
	}
	if err := c.queue.PushDeadLetter(ctx, id.String()); err != nil {
		return fmt.Errorf("record dlq entry: %w", err)
	}
	c.log.Info("job moved to dlq", "job_id", id.String())
	return nil
}

func (c *Controller) DeadLetters(ctx context.Context, offset, limit int64) ([]string, error) {
	return c.queue.DeadLetters(ctx, offset, limit)
}
