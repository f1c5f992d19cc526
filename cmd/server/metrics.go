package main

import (
	"context"
	"time"

	"github.com/nadmax/genwatch/internal/metrics"
	"github.com/nadmax/genwatch/internal/queue"
	"github.com/sirupsen/logrus"
)

const metricsInterval = 10 * time.Second

func runMetricsCollector(ctx context.Context, q *queue.Queue, logger logrus.FieldLogger) error {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		updateQueueMetrics(ctx, q, logger)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func updateQueueMetrics(ctx context.Context, q *queue.Queue, logger logrus.FieldLogger) {
	jobs, err := q.GetAllJobs(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to get jobs for metrics")
		return
	}

	counts := make(map[string]map[string]int)
	for _, job := range jobs {
		status := string(job.Status)
		if counts[status] == nil {
			counts[status] = make(map[string]int)
		}
		counts[status][job.Kind.String()]++
	}
	metrics.UpdateJobGauges(counts)

	depth, err := q.PendingCount(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to read queue depth")
		return
	}
	metrics.UpdateQueueDepth(depth)
}
