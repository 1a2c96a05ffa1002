package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"job-queue-service/internal/entity"
)

// QueueStats is read on every scrape (implementation:
// service.RedisPriorityQueue).
type QueueStats interface {
	Len(ctx context.Context, priority entity.Priority) (int64, error)
	DeadLetterLen(ctx context.Context) (int64, error)
}

var (
	queueDepthDesc = prometheus.NewDesc(
		"job_queue_depth",
		"Job ids waiting on a dispatch lane.",
		[]string{"lane"}, nil,
	)
	deadLettersDesc = prometheus.NewDesc(
		"job_queue_dead_letters",
		"Job ids recorded on the dead-letter list.",
		nil, nil,
	)
)

type queueCollector struct {
	stats QueueStats
	log   *slog.Logger
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
	ch <- deadLettersDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, p := range []entity.Priority{entity.PriorityHigh, entity.PriorityDefault} {
		n, err := c.stats.Len(ctx, p)
		if err != nil {
			c.log.Warn("queue depth unavailable", "lane", string(p), "error", err)
			continue
		}
		ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(n), string(p))
	}

	n, err := c.stats.DeadLetterLen(ctx)
	if err != nil {
		c.log.Warn("dead-letter count unavailable", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(deadLettersDesc, prometheus.GaugeValue, float64(n))
}

// MetricsHandler serves queue gauges plus the Go runtime collectors.
func MetricsHandler(stats QueueStats, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		&queueCollector{stats: stats, log: log},
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
