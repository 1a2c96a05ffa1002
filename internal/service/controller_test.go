package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"job-queue-service/internal/entity"
	"job-queue-service/internal/repository/memory"
	"job-queue-service/internal/service"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// processingJob creates a job and runs BeginProcessing n times, requeueing in
// between, so it ends in processing with attempts == n.
func processingJob(t *testing.T, repo *memory.JobRepository, priority entity.Priority, n int) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id, err := repo.Create(ctx, "CSV_EXPORT", priority, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 1; i <= n; i++ {
		if _, err := repo.BeginProcessing(ctx, id); err != nil {
			t.Fatalf("begin: %v", err)
		}
		if i < n {
			if err := repo.Requeue(ctx, id); err != nil {
				t.Fatalf("requeue: %v", err)
			}
		}
	}
	return id
}

func TestController_OnFailure_RequeuesWithSamePriority(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	queue := &fakeQueue{}
	c := service.NewController(repo, queue, 3, quietLogger())

	id := processingJob(t, repo, entity.PriorityHigh, 1)

	out, err := c.OnFailure(ctx, id, 1, "boom", entity.PriorityHigh)
	if err != nil {
		t.Fatalf("on failure: %v", err)
	}
	if out != service.OutcomeRetried {
		t.Fatalf("expected retried, got %q", out)
	}

	j, _ := repo.GetByID(ctx, id)
	if j.Status != entity.StatusPending {
		t.Fatalf("expected pending, got %s", j.Status)
	}
	if j.Error != nil {
		t.Fatalf("error must stay empty while retrying, got %q", *j.Error)
	}
	if len(queue.pushedIDs) != 1 || queue.pushedIDs[0] != id.String() || queue.pushedPriorities[0] != entity.PriorityHigh {
		t.Fatalf("expected one high push of %s, got %#v %#v", id, queue.pushedIDs, queue.pushedPriorities)
	}
}

func TestController_OnFailure_ExhaustedFailsWithoutPush(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	queue := &fakeQueue{}
	c := service.NewController(repo, queue, 3, quietLogger())

	id := processingJob(t, repo, entity.PriorityDefault, 3)

	out, err := c.OnFailure(ctx, id, 3, "payload.data must be an array", entity.PriorityDefault)
	if err != nil {
		t.Fatalf("on failure: %v", err)
	}
	if out != service.OutcomeFailed {
		t.Fatalf("expected failed, got %q", out)
	}

	j, _ := repo.GetByID(ctx, id)
	if j.Status != entity.StatusFailed || j.Attempts != 3 {
		t.Fatalf("unexpected job: status=%s attempts=%d", j.Status, j.Attempts)
	}
	if j.Error == nil || *j.Error != "payload.data must be an array" {
		t.Fatalf("unexpected error text: %v", j.Error)
	}
	if len(queue.pushedIDs) != 0 {
		t.Fatalf("exhausted job must not be pushed, got %#v", queue.pushedIDs)
	}
}

func TestController_OnFailure_RepeatAfterPushFailureOnlyPushes(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	queue := &fakeQueue{pushErr: errors.New("redis down")}
	c := service.NewController(repo, queue, 3, quietLogger())

	id := processingJob(t, repo, entity.PriorityDefault, 1)

	if _, err := c.OnFailure(ctx, id, 1, "boom", entity.PriorityDefault); err == nil {
		t.Fatalf("expected push error")
	}

	queue.pushErr = nil
	out, err := c.OnFailure(ctx, id, 1, "boom", entity.PriorityDefault)
	if err != nil {
		t.Fatalf("second on failure: %v", err)
	}
	if out != service.OutcomeRetried || len(queue.pushedIDs) != 1 {
		t.Fatalf("expected a single push on repeat, got %q %#v", out, queue.pushedIDs)
	}
}

func TestController_OnFailure_DoesNotResurrectDeadLetteredJob(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	queue := &fakeQueue{}
	c := service.NewController(repo, queue, 3, quietLogger())

	id := processingJob(t, repo, entity.PriorityDefault, 1)
	if err := repo.MoveToDeadLetter(ctx, id); err != nil {
		t.Fatalf("dlq: %v", err)
	}

	if _, err := c.OnFailure(ctx, id, 1, "boom", entity.PriorityDefault); !errors.Is(err, entity.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if len(queue.pushedIDs) != 0 {
		t.Fatalf("dead-lettered job must not be pushed")
	}
	j, _ := repo.GetByID(ctx, id)
	if j.Status != entity.StatusFailed {
		t.Fatalf("expected failed, got %s", j.Status)
	}
}

func TestController_Retry(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	queue := &fakeQueue{}
	c := service.NewController(repo, queue, 3, quietLogger())

	id := processingJob(t, repo, entity.PriorityHigh, 3)
	if _, err := c.OnFailure(ctx, id, 3, "boom", entity.PriorityHigh); err != nil {
		t.Fatalf("on failure: %v", err)
	}

	if err := c.Retry(ctx, id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	j, _ := repo.GetByID(ctx, id)
	if j.Status != entity.StatusPending || j.Attempts != 0 || j.Error != nil {
		t.Fatalf("unexpected job after retry: %+v", j)
	}
	if len(queue.pushedIDs) != 1 || queue.pushedPriorities[0] != entity.PriorityHigh {
		t.Fatalf("expected push onto high lane, got %#v", queue.pushedPriorities)
	}

	// a second retry on a pending job is rejected and pushes nothing
	if err := c.Retry(ctx, id); !errors.Is(err, entity.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if len(queue.pushedIDs) != 1 {
		t.Fatalf("invalid retry must not push")
	}
}

func TestController_MoveToDeadLetter(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepository()
	queue := &fakeQueue{}
	c := service.NewController(repo, queue, 3, quietLogger())

	id := processingJob(t, repo, entity.PriorityDefault, 2)

	if err := c.MoveToDeadLetter(ctx, id); err != nil {
		t.Fatalf("dlq: %v", err)
	}
	j, _ := repo.GetByID(ctx, id)
	if j.Status != entity.StatusFailed || j.Error == nil || *j.Error != entity.DeadLetterError {
		t.Fatalf("unexpected job after dlq: %+v", j)
	}
	if j.Attempts != 2 {
		t.Fatalf("attempts must be unchanged, got %d", j.Attempts)
	}

	ids, _ := c.DeadLetters(ctx, 0, 10)
	if len(ids) != 1 || ids[0] != id.String() {
		t.Fatalf("expected id on inspection list, got %#v", ids)
	}
	if len(queue.pushedIDs) != 0 {
		t.Fatalf("dlq must not touch the dispatch lanes")
	}

	if err := c.MoveToDeadLetter(ctx, uuid.New()); !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewController_DefaultsMaxAttempts(t *testing.T) {
	c := service.NewController(memory.NewJobRepository(), &fakeQueue{}, 0, nil)
	if c.MaxAttempts() != service.DefaultMaxAttempts {
		t.Fatalf("expected %d, got %d", service.DefaultMaxAttempts, c.MaxAttempts())
	}
}
