// cmd/worker/main.go
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

	"job-queue-service/internal/app"
	"job-queue-service/internal/config"
	"job-queue-service/internal/handler"
	"job-queue-service/internal/logging"
	"job-queue-service/internal/telemetry"
	"job-queue-service/internal/worker"
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

	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		TracesEndpoint: cfg.TracesEndpoint,
	})
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener", "error", err)
			}
		}()
		defer srv.Close()
	}

	registry := handler.NewRegistry()
	registry.Register(handler.TypeCSVExport, handler.NewCSVExport(cfg.OutputDir))
	registry.Register(handler.TypeEmailSend, handler.NewEmailSend(cfg.MailFrom, handler.NewSMTPSender(handler.SMTPConfig{
		Host:     cfg.MailHost,
		Port:     cfg.MailPort,
		Username: cfg.MailUsername,
		Password: cfg.MailPassword,
		TLS:      cfg.MailTLS,
	})))

	processor := worker.NewProcessor(deps.Repo, deps.Queue, registry, deps.Controller, worker.ProcessorConfig{
		Backoff: cfg.LoopBackoff,
		Logger:  logger,
		Metrics: worker.NewMetrics(tel.MeterProvider),
		Tracer:  tel.TracerProvider.Tracer(worker.InstrumentationName),
	})

	// Reaper: only with leases; without them an id popped by a crashed
	// worker has nothing to recover it.
	var reaper *worker.Reaper
	if deps.Queue.LeaseEnabled() {
		reaper = worker.NewReaper(deps.Repo, deps.Queue, deps.Controller, cfg.SweepInterval, cfg.SweepBatch, logger)
	}

	logger.Info("worker starting", append(cfg.Redacted(), "handlers", registry.Types())...)

	pool := worker.NewPool(processor, cfg.Workers, reaper, logger)
	if err := pool.Run(ctx); err != nil {
		logger.Error("worker pool", "error", err)
	}

	logger.Info("worker stopped")
}
