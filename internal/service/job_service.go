package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"job-queue-service/internal/entity"
)

// JobRepository is the producer/query port of the job store
// (implementation: postgresql.JobRepository).
type JobRepository interface {
	Create(ctx context.Context, typ string, priority entity.Priority, payload json.RawMessage) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	List(ctx context.Context, f entity.ListFilter) ([]*entity.Job, error)
}

// JobQueue only adds ids to the dispatch queue.
type JobQueue interface {
	Push(ctx context.Context, priority entity.Priority, jobID string) error
}

type JobService struct {
	repo  JobRepository
	queue JobQueue
}

func NewJobService(repo JobRepository, queue JobQueue) *JobService {
	return &JobService{repo: repo, queue: queue}
}

type CreateJobRequest struct {
	Type     string
	Priority string
	Payload  json.RawMessage
}

// CreateJob validates the request, stores the job as pending and pushes its
// id onto the lane of its priority.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (uuid.UUID, error) {
	if req.Type == "" {
		return uuid.Nil, entity.Validationf("type is required")
	}
	payload := bytes.TrimSpace(req.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return uuid.Nil, entity.Validationf("payload is required")
	}
	priority, err := entity.ParsePriority(req.Priority)
	if err != nil {
		return uuid.Nil, err
	}

	id, err := s.repo.Create(ctx, req.Type, priority, payload)
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.queue.Push(ctx, priority, id.String()); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job %s: %w", id, err)
	}

	return id, nil
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *JobService) ListJobs(ctx context.Context, f entity.ListFilter) ([]*entity.Job, error) {
	return s.repo.List(ctx, f)
}
