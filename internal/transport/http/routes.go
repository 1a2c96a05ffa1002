package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/time/rate"
)

type RouteOptions struct {
	// Admin routes require basic auth only when both are set.
	AdminUser string
	AdminPass string
	Logger    *slog.Logger
	// Stats enables GET /metrics when set.
	Stats QueueStats
	// SubmitLimiter throttles POST /jobs when set.
	SubmitLimiter *rate.Limiter
	// Ready enables GET /ready over these dependencies when non-empty.
	Ready map[string]Pinger
}

func Routes(h *Handler, opts RouteOptions) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// after RequestID so the id is in the context
	r.Use(RequestLogger(log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	if len(opts.Ready) > 0 {
		r.Get("/ready", ReadyHandler(opts.Ready, log))
	}

	if opts.Stats != nil {
		r.Handle("/metrics", MetricsHandler(opts.Stats, log))
	}

	r.Route("/jobs", func(r chi.Router) {
		if opts.SubmitLimiter != nil {
			r.With(SubmitRateLimit(opts.SubmitLimiter)).Post("/", h.CreateJob)
		} else {
			r.Post("/", h.CreateJob)
		}
		r.Get("/{id}", h.GetJob)
	})

	r.Route("/admin", func(r chi.Router) {
		if opts.AdminUser != "" && opts.AdminPass != "" {
			r.Use(middleware.BasicAuth("admin", map[string]string{opts.AdminUser: opts.AdminPass}))
		}
		r.Get("/jobs", h.ListJobs)
		r.Get("/failed", h.ListFailed)
		r.Post("/jobs/{id}/retry", h.RetryJob)
		r.Post("/jobs/{id}/dlq", h.DeadLetterJob)
		r.Get("/dlq", h.ListDeadLetters)
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
