// Package memory is an in-process job store with the same transition rules
// as the PostgreSQL repository. It backs unit tests and local experiments;
// state is lost when the process exits.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"job-queue-service/internal/entity"
)

type JobRepository struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*entity.Job
	now  func() time.Time
}

func NewJobRepository() *JobRepository {
	return &JobRepository{
		jobs: make(map[uuid.UUID]*entity.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *JobRepository) Ping(context.Context) error { return nil }

func (r *JobRepository) Create(_ context.Context, typ string, priority entity.Priority, payload json.RawMessage) (uuid.UUID, error) {
	if !priority.Valid() {
		return uuid.Nil, entity.Validationf(`priority must be "default" or "high", got %q`, priority)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	j := &entity.Job{
		ID:        uuid.New(),
		Type:      typ,
		Priority:  priority,
		Status:    entity.StatusPending,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.jobs[j.ID] = j
	return j.ID, nil
}

// GetByID returns a copy so callers cannot mutate stored state.
func (r *JobRepository) GetByID(_ context.Context, id uuid.UUID) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return clone(j), nil
}

func (r *JobRepository) BeginProcessing(_ context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, err := r.expect(id, "begin processing", entity.StatusPending)
	if err != nil {
		return 0, err
	}
	j.Attempts++
	j.Status = entity.StatusProcessing
	j.UpdatedAt = r.now()
	return j.Attempts, nil
}

func (r *JobRepository) Complete(_ context.Context, id uuid.UUID, result json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, err := r.expect(id, "complete", entity.StatusProcessing)
	if err != nil {
		return err
	}
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	j.Status = entity.StatusCompleted
	j.Result = append(json.RawMessage(nil), result...)
	j.Error = nil
	j.UpdatedAt = r.now()
	return nil
}

func (r *JobRepository) Fail(_ context.Context, id uuid.UUID, errText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, err := r.expect(id, "fail", entity.StatusProcessing)
	if err != nil {
		return err
	}
	j.Status = entity.StatusFailed
	j.Error = &errText
	j.UpdatedAt = r.now()
	return nil
}

func (r *JobRepository) Requeue(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, err := r.expect(id, "requeue", entity.StatusProcessing)
	if err != nil {
		return err
	}
	j.Status = entity.StatusPending
	j.UpdatedAt = r.now()
	return nil
}

func (r *JobRepository) Retry(_ context.Context, id uuid.UUID) (entity.Priority, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, err := r.expect(id, "retry", entity.StatusFailed)
	if err != nil {
		return "", err
	}
	j.Status = entity.StatusPending
	j.Attempts = 0
	j.Error = nil
	j.UpdatedAt = r.now()
	return j.Priority, nil
}

func (r *JobRepository) MoveToDeadLetter(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return entity.ErrNotFound
	}
	msg := entity.DeadLetterError
	j.Status = entity.StatusFailed
	j.Error = &msg
	j.UpdatedAt = r.now()
	return nil
}

func (r *JobRepository) List(_ context.Context, f entity.ListFilter) ([]*entity.Job, error) {
	f = f.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*entity.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.Priority != "" && j.Priority != f.Priority {
			continue
		}
		out = append(out, clone(j))
	}

	sort.Slice(out, func(a, b int) bool {
		if f.OrderByUpdated {
			return out[a].UpdatedAt.After(out[b].UpdatedAt)
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})

	if f.Offset >= len(out) {
		return []*entity.Job{}, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// expect must be called with r.mu held.
func (r *JobRepository) expect(id uuid.UUID, op string, want entity.JobStatus) (*entity.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	if j.Status != want {
		return nil, fmt.Errorf("%w: cannot %s job in status %s", entity.ErrInvalidState, op, j.Status)
	}
	return j, nil
}

func clone(j *entity.Job) *entity.Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}
