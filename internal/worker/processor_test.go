package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/wneessen/go-mail"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"job-queue-service/internal/entity"
	"job-queue-service/internal/handler"
	"job-queue-service/internal/repository/memory"
	"job-queue-service/internal/service"
	"job-queue-service/internal/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopSender struct {
	mu   sync.Mutex
	sent int
}

func (s *nopSender) Send(context.Context, *mail.Msg) error {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

type harness struct {
	repo     *memory.JobRepository
	queue    *service.RedisPriorityQueue
	ctrl     *service.Controller
	registry *handler.Registry
	jobs     *service.JobService
	proc     *worker.Processor
	reader   *sdkmetric.ManualReader
	outDir   string
}

func newHarness(t *testing.T, opts service.QueueOptions) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if opts.PopTimeout == 0 {
		opts.PopTimeout = time.Second
	}
	h := &harness{
		repo:     memory.NewJobRepository(),
		queue:    service.NewRedisPriorityQueue(rdb, opts),
		registry: handler.NewRegistry(),
		reader:   sdkmetric.NewManualReader(),
		outDir:   t.TempDir(),
	}
	h.ctrl = service.NewController(h.repo, h.queue, 3, quietLogger())
	h.jobs = service.NewJobService(h.repo, h.queue)
	h.registry.Register(handler.TypeCSVExport, handler.NewCSVExport(h.outDir))
	h.registry.Register(handler.TypeEmailSend, handler.NewEmailSend("noreply@example.com", &nopSender{}))

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))
	h.proc = worker.NewProcessor(h.repo, h.queue, h.registry, h.ctrl, worker.ProcessorConfig{
		Backoff: 10 * time.Millisecond,
		Logger:  quietLogger(),
		Metrics: worker.NewMetrics(mp),
	})
	return h
}

func (h *harness) submit(t *testing.T, typ, priority, payload string) uuid.UUID {
	t.Helper()
	id, err := h.jobs.CreateJob(context.Background(), service.CreateJobRequest{
		Type:     typ,
		Priority: priority,
		Payload:  json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return id
}

func (h *harness) pop(t *testing.T) service.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := h.queue.Pop(ctx)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	return d
}

func (h *harness) step(t *testing.T) (service.Delivery, worker.Outcome) {
	t.Helper()
	d := h.pop(t)
	return d, h.proc.Process(context.Background(), d)
}

func (h *harness) job(t *testing.T, id uuid.UUID) *entity.Job {
	t.Helper()
	j, err := h.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return j
}

func (h *harness) queued(t *testing.T) int64 {
	t.Helper()
	var total int64
	for _, p := range []entity.Priority{entity.PriorityHigh, entity.PriorityDefault} {
		n, err := h.queue.Len(context.Background(), p)
		if err != nil {
			t.Fatalf("len: %v", err)
		}
		total += n
	}
	return total
}

func TestProcessor_CSVExportCompletes(t *testing.T) {
	h := newHarness(t, service.QueueOptions{})
	id := h.submit(t, "CSV_EXPORT", "", `{"data":[{"id":1,"name":"Alice"}]}`)

	if _, out := h.step(t); out != worker.OutcomeCompleted {
		t.Fatalf("expected completed, got %q", out)
	}

	j := h.job(t, id)
	if j.Status != entity.StatusCompleted || j.Attempts != 1 || j.Error != nil {
		t.Fatalf("unexpected job: status=%s attempts=%d error=%v", j.Status, j.Attempts, j.Error)
	}

	var res struct {
		FilePath string `json:"filePath"`
	}
	if err := json.Unmarshal(j.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.FilePath != filepath.Join(h.outDir, id.String()+".csv") {
		t.Fatalf("unexpected filePath %q", res.FilePath)
	}
	b, err := os.ReadFile(res.FilePath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if string(b) != "id,name\n1,Alice\n" {
		t.Fatalf("unexpected csv %q", b)
	}
}

func TestProcessor_EmailSendHighPriorityCompletes(t *testing.T) {
	h := newHarness(t, service.QueueOptions{})
	id := h.submit(t, "EMAIL_SEND", "high", `{"to":"a@b.c","subject":"hi","body":"hello"}`)

	d, out := h.step(t)
	if out != worker.OutcomeCompleted {
		t.Fatalf("expected completed, got %q", out)
	}
	if d.Priority != entity.PriorityHigh {
		t.Fatalf("expected delivery from the high lane, got %q", d.Priority)
	}

	j := h.job(t, id)
	var res struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(j.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.MessageID == "" {
		t.Fatalf("expected a messageId in %s", j.Result)
	}
}

func TestProcessor_BadPayloadExhaustsAttempts(t *testing.T) {
	h := newHarness(t, service.QueueOptions{})
	id := h.submit(t, "CSV_EXPORT", "", `{"data":"not-an-array"}`)

	want := []worker.Outcome{worker.OutcomeRetried, worker.OutcomeRetried, worker.OutcomeFailed}
	for i, w := range want {
		if _, out := h.step(t); out != w {
			t.Fatalf("attempt %d: expected %q, got %q", i+1, w, out)
		}
		if j := h.job(t, id); j.Attempts != i+1 {
			t.Fatalf("attempt %d: attempts=%d", i+1, j.Attempts)
		}
	}

	j := h.job(t, id)
	if j.Status != entity.StatusFailed || j.Attempts != 3 {
		t.Fatalf("unexpected job: status=%s attempts=%d", j.Status, j.Attempts)
	}
	if j.Error == nil || *j.Error != "payload.data must be an array" {
		t.Fatalf("unexpected error text %v", j.Error)
	}
	if n := h.queued(t); n != 0 {
		t.Fatalf("no further entries expected, %d queued", n)
	}
}

func TestProcessor_HighBeatsEarlierDefault(t *testing.T) {
	h := newHarness(t, service.QueueOptions{})

	var mu sync.Mutex
	var order []string
	h.registry.Register("RECORD", handler.HandlerFunc(func(_ context.Context, task handler.Task) handler.Result {
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(task.Payload, &p)
		mu.Lock()
		order = append(order, p.Name)
		mu.Unlock()
		return handler.OK(map[string]bool{"ok": true})
	}))

	h.submit(t, "RECORD", "", `{"name":"J1"}`)
	h.submit(t, "RECORD", "high", `{"name":"J2"}`)

	h.step(t)
	h.step(t)

	if len(order) != 2 || order[0] != "J2" || order[1] != "J1" {
		t.Fatalf("expected [J2 J1], got %v", order)
	}
}

func TestProcessor_DuplicateDeliveryIsDiscarded(t *testing.T) {
	h := newHarness(t, service.QueueOptions{})

	runs := 0
	h.registry.Register("COUNT", handler.HandlerFunc(func(context.Context, handler.Task) handler.Result {
		runs++
		return handler.OK(map[string]int{"runs": runs})
	}))

	id := h.submit(t, "COUNT", "", `{}`)
	if err := h.queue.Push(context.Background(), entity.PriorityDefault, id.String()); err != nil {
		t.Fatalf("push duplicate: %v", err)
	}

	if _, out := h.step(t); out != worker.OutcomeCompleted {
		t.Fatalf("expected completed, got %q", out)
	}
	if _, out := h.step(t); out != worker.OutcomeDiscarded {
		t.Fatalf("expected discarded, got %q", out)
	}

	j := h.job(t, id)
	if runs != 1 || j.Attempts != 1 || j.Status != entity.StatusCompleted {
		t.Fatalf("handler must run once: runs=%d attempts=%d status=%s", runs, j.Attempts, j.Status)
	}
}

func TestProcessor_UnknownTypeTakesRetryPath(t *testing.T) {
	h := newHarness(t, service.QueueOptions{})
	id := h.submit(t, "NOPE", "", `{}`)

	for i := 0; i < 3; i++ {
		h.step(t)
	}

	j := h.job(t, id)
	if j.Status != entity.StatusFailed || j.Attempts != 3 {
		t.Fatalf("unexpected job: status=%s attempts=%d", j.Status, j.Attempts)
	}
	if j.Error == nil || *j.Error != "unknown job type: NOPE" {
		t.Fatalf("unexpected error text %v", j.Error)
	}
}

func TestProcessor_PanickingHandlerIsRetried(t *testing.T) {
	h := newHarness(t, service.QueueOptions{})
	h.registry.Register("BOOM", handler.HandlerFunc(func(context.Context, handler.Task) handler.Result {
		panic("boom")
	}))
	id := h.submit(t, "BOOM", "high", `{}`)

	d, out := h.step(t)
	if out != worker.OutcomeRetried {
		t.Fatalf("expected retried, got %q", out)
	}
	if d.Priority != entity.PriorityHigh {
		t.Fatalf("expected high delivery")
	}

	j := h.job(t, id)
	if j.Status != entity.StatusPending || j.Attempts != 1 {
		t.Fatalf("unexpected job: status=%s attempts=%d", j.Status, j.Attempts)
	}
	if n, _ := h.queue.Len(context.Background(), entity.PriorityHigh); n != 1 {
		t.Fatalf("expected re-enqueue onto the high lane, got %d", n)
	}
}

func TestProcessor_MissingJobIsDiscarded(t *testing.T) {
	h := newHarness(t, service.QueueOptions{})
	ctx := context.Background()

	for _, id := range []string{uuid.NewString(), "not-a-uuid"} {
		if err := h.queue.Push(ctx, entity.PriorityDefault, id); err != nil {
			t.Fatalf("push: %v", err)
		}
		if _, out := h.step(t); out != worker.OutcomeDiscarded {
			t.Fatalf("%s: expected discarded, got %q", id, out)
		}
	}
}

// flakyRepo fails the first n Complete calls with a transient error.
type flakyRepo struct {
	*memory.JobRepository
	mu       sync.Mutex
	failures int
}

func (r *flakyRepo) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return errors.New("connection reset")
	}
	r.mu.Unlock()
	return r.JobRepository.Complete(ctx, id, result)
}

func TestProcessor_RetriesTransientStoreErrors(t *testing.T) {
	h := newHarness(t, service.QueueOptions{})
	repo := &flakyRepo{JobRepository: h.repo, failures: 2}
	proc := worker.NewProcessor(repo, h.queue, h.registry, h.ctrl, worker.ProcessorConfig{
		Backoff: time.Millisecond,
		Logger:  quietLogger(),
	})

	id := h.submit(t, "CSV_EXPORT", "", `{"data":[]}`)
	if out := proc.Process(context.Background(), h.pop(t)); out != worker.OutcomeCompleted {
		t.Fatalf("expected completed, got %q", out)
	}
	if j := h.job(t, id); j.Status != entity.StatusCompleted || j.Attempts != 1 {
		t.Fatalf("unexpected job: status=%s attempts=%d", j.Status, j.Attempts)
	}
}

func TestProcessor_ShutdownAbandonsStuckStep(t *testing.T) {
	h := newHarness(t, service.QueueOptions{})
	repo := &flakyRepo{JobRepository: h.repo, failures: 1 << 30}
	proc := worker.NewProcessor(repo, h.queue, h.registry, h.ctrl, worker.ProcessorConfig{
		Backoff: 5 * time.Millisecond,
		Logger:  quietLogger(),
	})

	id := h.submit(t, "CSV_EXPORT", "", `{"data":[]}`)
	d := h.pop(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if out := proc.Process(ctx, d); out != worker.OutcomeAbandoned {
		t.Fatalf("expected abandoned, got %q", out)
	}
	if j := h.job(t, id); j.Status != entity.StatusProcessing {
		t.Fatalf("expected job left processing, got %s", j.Status)
	}
}

func TestProcessor_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, service.QueueOptions{})
	id := h.submit(t, "CSV_EXPORT", "", `{"data":[{"a":1}]}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.proc.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.job(t, id).Status != entity.StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("job was not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestProcessor_RecordsMetrics(t *testing.T) {
	h := newHarness(t, service.QueueOptions{})
	h.submit(t, "CSV_EXPORT", "", `{"data":[]}`)
	h.submit(t, "CSV_EXPORT", "", `{"data":1}`)
	h.step(t)
	h.step(t)

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	counts := map[string]int64{}
	var histCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "jobs.processed":
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("expected Sum[int64], got %T", m.Data)
				}
				for _, dp := range sum.DataPoints {
					outcome, _ := dp.Attributes.Value("outcome")
					counts[outcome.AsString()] += dp.Value
				}
			case "jobs.duration":
				hist, ok := m.Data.(metricdata.Histogram[float64])
				if !ok {
					t.Fatalf("expected Histogram[float64], got %T", m.Data)
				}
				for _, dp := range hist.DataPoints {
					histCount += dp.Count
				}
			}
		}
	}

	if counts["completed"] != 1 || counts["retried"] != 1 {
		t.Fatalf("unexpected outcome counts %v", counts)
	}
	if histCount != 2 {
		t.Fatalf("expected 2 duration samples, got %d", histCount)
	}
}
