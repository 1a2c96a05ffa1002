package worker_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"job-queue-service/internal/service"
	"job-queue-service/internal/telemetry"
	"job-queue-service/internal/worker"
)

func TestProcessor_MetricsReachPrometheusExposition(t *testing.T) {
	h := newHarness(t, service.QueueOptions{})
	tel, err := telemetry.New(context.Background(), telemetry.Config{ServiceName: "worker-test"})
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	proc := worker.NewProcessor(h.repo, h.queue, h.registry, h.ctrl, worker.ProcessorConfig{
		Logger:  quietLogger(),
		Metrics: worker.NewMetrics(tel.MeterProvider),
		Tracer:  tel.TracerProvider.Tracer(worker.InstrumentationName),
	})
	h.submit(t, "CSV_EXPORT", "", `{"data":[]}`)
	if out := proc.Process(context.Background(), h.pop(t)); out != worker.OutcomeCompleted {
		t.Fatalf("expected completed, got %q", out)
	}

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	var line string
	for _, l := range strings.Split(body, "\n") {
		if strings.HasPrefix(l, "jobs_processed_total{") {
			line = l
			break
		}
	}
	if line == "" {
		t.Fatalf("jobs_processed_total missing:\n%s", body)
	}
	if !strings.Contains(line, `outcome="completed"`) || !strings.Contains(line, `type="CSV_EXPORT"`) || !strings.HasSuffix(line, " 1") {
		t.Fatalf("unexpected sample %q", line)
	}
	if !strings.Contains(body, "jobs_duration_seconds_count") {
		t.Fatalf("duration histogram missing:\n%s", body)
	}
}
