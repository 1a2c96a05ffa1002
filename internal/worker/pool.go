package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 4

// Pool runs independent serial processor loops over a shared queue, plus the
// lease reaper when one is given.
type Pool struct {
	processor *Processor
	reaper    *Reaper
	workers   int
	log       *slog.Logger
}

func NewPool(processor *Processor, workers int, reaper *Reaper, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		processor: processor,
		reaper:    reaper,
		workers:   workers,
		log:       log,
	}
}

func (p *Pool) Workers() int { return p.workers }

// Run blocks until ctx is canceled and every loop has finished its
// in-flight job.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool started", "workers", p.workers, "reaper", p.reaper != nil)

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.workers; i++ {
		proc := p.processor.withLogger(p.processor.log.With("worker", i))
		g.Go(func() error {
			return proc.Run(gctx)
		})
	}
	if p.reaper != nil {
		g.Go(func() error {
			return p.reaper.Run(gctx)
		})
	}

	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}
