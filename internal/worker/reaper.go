package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"job-queue-service/internal/entity"
	"job-queue-service/internal/service"
)

// LeaseExpiredError is the failure message recorded for a job whose
// processor never acked it.
const LeaseExpiredError = "lease expired"

type LeaseQueue interface {
	ExpiredLeases(ctx context.Context, now time.Time, limit int64) ([]service.Delivery, error)
	Push(ctx context.Context, priority entity.Priority, jobID string) error
}

type JobLoader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
}

// Reaper recovers deliveries whose lease ran out, i.e. the processor holding
// them died between pop and ack. Only meaningful in lease mode.
type Reaper struct {
	repo     JobLoader
	queue    LeaseQueue
	failures FailureHandler
	interval time.Duration
	batch    int64
	log      *slog.Logger
	now      func() time.Time
}

func NewReaper(repo JobLoader, queue LeaseQueue, failures FailureHandler, interval time.Duration, batch int64, log *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		repo:     repo,
		queue:    queue,
		failures: failures,
		interval: interval,
		batch:    batch,
		log:      log.With("component", "reaper"),
		now:      time.Now,
	}
}

func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.log.Error("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.log.Info("recovered expired leases", "count", n)
			}
		}
	}
}

// Sweep takes one batch of expired leases and resolves each against the
// store. It returns how many jobs went back to a lane or to the failure
// path.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, err := r.queue.ExpiredLeases(ctx, r.now(), r.batch)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, d := range expired {
		ok, err := r.recover(ctx, d)
		if err != nil {
			// lease already dropped; the job is orphaned like a crash without leases
			r.log.Error("could not recover job", "job_id", d.JobID, "error", err)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

func (r *Reaper) recover(ctx context.Context, d service.Delivery) (bool, error) {
	id, err := uuid.Parse(d.JobID)
	if err != nil {
		return false, nil
	}
	job, err := r.repo.GetByID(ctx, id)
	if errors.Is(err, entity.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch job.Status {
	case entity.StatusPending:
		// popped but never begun
		if err := r.queue.Push(ctx, job.Priority, d.JobID); err != nil {
			return false, err
		}
		r.log.Info("re-enqueued unstarted job", "job_id", d.JobID, "priority", string(job.Priority))
		return true, nil
	case entity.StatusProcessing:
		_, err := r.failures.OnFailure(ctx, id, job.Attempts, LeaseExpiredError, job.Priority)
		if errors.Is(err, entity.ErrInvalidState) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}
