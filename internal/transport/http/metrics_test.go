package httptransport_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"job-queue-service/internal/entity"
	httptransport "job-queue-service/internal/transport/http"
)

type statsStub struct {
	lanes  map[entity.Priority]int64
	dlq    int64
	dlqErr error
}

func (s *statsStub) Len(ctx context.Context, priority entity.Priority) (int64, error) {
	return s.lanes[priority], nil
}

func (s *statsStub) DeadLetterLen(ctx context.Context) (int64, error) {
	return s.dlq, s.dlqErr
}

func TestHTTP_Metrics_QueueGauges(t *testing.T) {
	stats := &statsStub{
		lanes: map[entity.Priority]int64{entity.PriorityHigh: 2, entity.PriorityDefault: 7},
		dlq:   1,
	}
	router := newTestRouter(&repoWithJobs{}, &queueStub{}, &adminStub{}, httptransport.RouteOptions{Stats: stats})

	rr := do(t, router, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`job_queue_depth{lane="high"} 2`,
		`job_queue_depth{lane="default"} 7`,
		`job_queue_dead_letters 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestHTTP_Metrics_SkipsUnavailableGauge(t *testing.T) {
	stats := &statsStub{lanes: map[entity.Priority]int64{}, dlqErr: errors.New("redis down")}
	router := newTestRouter(&repoWithJobs{}, &queueStub{}, &adminStub{}, httptransport.RouteOptions{Stats: stats})

	rr := do(t, router, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "\njob_queue_dead_letters ") {
		t.Fatalf("dead-letter gauge should be omitted on error")
	}
}

func TestHTTP_Metrics_DisabledWithoutStats(t *testing.T) {
	router := newTestRouter(&repoWithJobs{}, &queueStub{}, &adminStub{}, httptransport.RouteOptions{})
	if rr := do(t, router, http.MethodGet, "/metrics", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
