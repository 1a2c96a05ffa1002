package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"job-queue-service/internal/entity"
	"job-queue-service/internal/handler"
	"job-queue-service/internal/service"
)

const DefaultBackoff = time.Second

type JobRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	BeginProcessing(ctx context.Context, id uuid.UUID) (int, error)
	Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error
}

type Queue interface {
	Pop(ctx context.Context) (service.Delivery, error)
	Ack(ctx context.Context, d service.Delivery) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, task handler.Task) handler.Result
}

// FailureHandler decides what happens to a job after a failed attempt.
type FailureHandler interface {
	OnFailure(ctx context.Context, id uuid.UUID, attempts int, msg string, priority entity.Priority) (service.Outcome, error)
}

type ProcessorConfig struct {
	// Backoff is the wait between retries of a failing store or queue step.
	Backoff time.Duration
	Logger  *slog.Logger
	Metrics *Metrics
	// Tracer defaults to the global TracerProvider (noop until installed).
	Tracer trace.Tracer
}

// Processor takes one delivery at a time off the queue and drives the job
// through the store: pending -> processing -> completed, or hands it to the
// FailureHandler.
type Processor struct {
	repo       JobRepo
	queue      Queue
	dispatcher Dispatcher
	failures   FailureHandler

	backoff time.Duration
	log     *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

func NewProcessor(repo JobRepo, queue Queue, dispatcher Dispatcher, failures FailureHandler, cfg ProcessorConfig) *Processor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(InstrumentationName)
	}
	return &Processor{
		repo:       repo,
		queue:      queue,
		dispatcher: dispatcher,
		failures:   failures,
		backoff:    cfg.Backoff,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
	}
}

func (p *Processor) withLogger(log *slog.Logger) *Processor {
	cp := *p
	cp.log = log
	return &cp
}

// Run pops and processes until ctx is canceled. A job already popped when
// ctx is canceled is still carried to its outcome.
func (p *Processor) Run(ctx context.Context) error {
	for {
		d, err := p.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Error("pop failed", "error", err)
			if !p.wait(ctx) {
				return nil
			}
			continue
		}
		p.Process(ctx, d)
	}
}

// Process handles a single delivery. Store and queue calls run on a context
// detached from ctx; ctx only cuts short the backoff between retries of a
// failing step.
func (p *Processor) Process(ctx context.Context, d service.Delivery) Outcome {
	work := context.WithoutCancel(ctx)
	log := p.log.With("job_id", d.JobID)

	outcome, typ := p.process(ctx, work, log, d)

	if outcome != OutcomeAbandoned {
		if err := p.step(ctx, log, "ack", func() error { return p.queue.Ack(work, d) }); err != nil {
			log.Warn("ack abandoned", "error", err)
		}
	}
	p.metrics.recordOutcome(work, typ, outcome)
	return outcome
}

func (p *Processor) process(ctx, work context.Context, log *slog.Logger, d service.Delivery) (Outcome, string) {
	id, err := uuid.Parse(d.JobID)
	if err != nil {
		log.Warn("discarding malformed job id", "error", err)
		return OutcomeDiscarded, ""
	}

	var job *entity.Job
	err = p.step(ctx, log, "load job", func() (err error) {
		job, err = p.repo.GetByID(work, id)
		return err
	})
	switch {
	case errors.Is(err, entity.ErrNotFound):
		log.Warn("discarding delivery for missing job")
		return OutcomeDiscarded, ""
	case err != nil:
		return OutcomeAbandoned, ""
	}

	log = log.With("type", job.Type, "priority", string(job.Priority))
	if job.Status != entity.StatusPending {
		log.Info("discarding duplicate delivery", "status", string(job.Status))
		return OutcomeDiscarded, job.Type
	}

	var attempts int
	err = p.step(ctx, log, "begin processing", func() (err error) {
		attempts, err = p.repo.BeginProcessing(work, id)
		return err
	})
	switch {
	case errors.Is(err, entity.ErrInvalidState), errors.Is(err, entity.ErrNotFound):
		log.Info("discarding delivery, job claimed elsewhere")
		return OutcomeDiscarded, job.Type
	case err != nil:
		return OutcomeAbandoned, job.Type
	}
	log = log.With("attempts", attempts)
	log.Info("job started")

	res, elapsed := p.execute(work, job, attempts)

	if res.OK() {
		err = p.step(ctx, log, "complete", func() error {
			return p.repo.Complete(work, id, res.Output)
		})
		switch {
		case errors.Is(err, entity.ErrInvalidState), errors.Is(err, entity.ErrNotFound):
			log.Warn("job resolved elsewhere while running", "error", err)
			return OutcomeDiscarded, job.Type
		case err != nil:
			return OutcomeAbandoned, job.Type
		}
		log.Info("job completed", "duration_ms", elapsed.Milliseconds())
		return OutcomeCompleted, job.Type
	}

	msg := res.Message()
	log.Warn("job attempt failed", "error", msg, "duration_ms", elapsed.Milliseconds())

	var decided service.Outcome
	err = p.step(ctx, log, "record failure", func() (err error) {
		decided, err = p.failures.OnFailure(work, id, attempts, msg, job.Priority)
		return err
	})
	switch {
	case errors.Is(err, entity.ErrInvalidState), errors.Is(err, entity.ErrNotFound):
		log.Warn("job resolved elsewhere while running", "error", err)
		return OutcomeDiscarded, job.Type
	case err != nil:
		return OutcomeAbandoned, job.Type
	}
	if decided == service.OutcomeFailed {
		return OutcomeFailed, job.Type
	}
	return OutcomeRetried, job.Type
}

// execute runs the handler inside a span and records its duration.
func (p *Processor) execute(ctx context.Context, job *entity.Job, attempts int) (handler.Result, time.Duration) {
	ctx, span := p.tracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.type", job.Type),
			attribute.String("job.priority", string(job.Priority)),
			attribute.Int("job.attempt", attempts),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	start := time.Now()
	res := p.dispatcher.Dispatch(ctx, handler.Task{JobID: job.ID, Type: job.Type, Payload: job.Payload})
	elapsed := time.Since(start)
	p.metrics.recordDuration(ctx, job.Type, elapsed)

	if res.OK() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Message())
	}
	return res, elapsed
}

// step runs fn until it succeeds, reports a state error, or ctx is done
// while waiting out the backoff.
func (p *Processor) step(ctx context.Context, log *slog.Logger, name string, fn func() error) error {
	for {
		err := fn()
		if err == nil || errors.Is(err, entity.ErrNotFound) || errors.Is(err, entity.ErrInvalidState) {
			return err
		}
		log.Error("step failed, retrying", "step", name, "error", err, "backoff", p.backoff.String())
		if !p.wait(ctx) {
			log.Warn("step abandoned on shutdown", "step", name)
			return err
		}
	}
}

func (p *Processor) wait(ctx context.Context) bool {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
