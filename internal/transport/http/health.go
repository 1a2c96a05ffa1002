package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is a dependency the API needs to serve traffic
// (postgresql.JobRepository, service.RedisPriorityQueue).
type Pinger interface {
	Ping(ctx context.Context) error
}

type readyResp struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ReadyHandler answers 200 when every dependency answers Ping and 503
// otherwise. Failure details go to the log, not the response.
func ReadyHandler(checks map[string]Pinger, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := readyResp{Status: "ok", Checks: make(map[string]string, len(checks))}
		for name, p := range checks {
			if err := p.Ping(ctx); err != nil {
				log.Warn("readiness check failed", "check", name, "error", err)
				resp.Checks[name] = "unavailable"
				resp.Status = "unavailable"
				continue
			}
			resp.Checks[name] = "ok"
		}

		code := http.StatusOK
		if resp.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}
