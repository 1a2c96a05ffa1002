// cmd/api/main.go
//
// @title Job Queue Service API
// @version 1.0
// @description Priority job queue with retry and dead-letter routing.
// @BasePath /
// @securityDefinitions.basic BasicAuth
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"golang.org/x/time/rate"

	_ "job-queue-service/docs"
	"job-queue-service/internal/app"
	"job-queue-service/internal/config"
	"job-queue-service/internal/logging"
	"job-queue-service/internal/service"
	httptransport "job-queue-service/internal/transport/http"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer deps.Close()

	jobSvc := service.NewJobService(deps.Repo, deps.Queue)
	h := httptransport.NewHandler(jobSvc, deps.Controller, logger)

	var limiter *rate.Limiter
	if cfg.SubmitRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst)
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httptransport.Routes(h, httptransport.RouteOptions{
			AdminUser:     cfg.AdminUser,
			AdminPass:     cfg.AdminPass,
			Logger:        logger,
			Stats:         deps.Queue,
			SubmitLimiter: limiter,
			Ready: map[string]httptransport.Pinger{
				"postgres": deps.Repo,
				"redis":    deps.Queue,
			},
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("api listening", append([]any{"addr", cfg.ListenAddr, "admin_auth", cfg.AdminAuthEnabled()}, cfg.Redacted()...)...)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http: %v", err)
	}
	logger.Info("api stopped")
}
