// Package worker provides the background job processor that consumes and
// executes generation jobs from the queue.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/genwatch/internal/logging"
	"github.com/nadmax/genwatch/internal/metrics"
	"github.com/nadmax/genwatch/internal/queue"
	"github.com/nadmax/genwatch/internal/repository"
	"github.com/nadmax/genwatch/internal/task"
	"github.com/sirupsen/logrus"
)

const defaultPollInterval = 500 * time.Millisecond

// ProgressFunc reports how far a job has come, from 0 to 100.
type ProgressFunc func(progress int)

// Handler runs one job and returns its result payload.
type Handler func(ctx context.Context, job *queue.Job, progress ProgressFunc) (map[string]any, error)

type Worker struct {
	id           string
	queue        *queue.Queue
	history      repository.JobRepository
	handlers     map[task.TaskKind]Handler
	pollInterval time.Duration
	logger       logrus.FieldLogger
	now          func() time.Time
}

// NewWorker creates a worker. history may be nil, in which case finished
// jobs are only kept in the queue.
func NewWorker(id string, q *queue.Queue, history repository.JobRepository, logger logrus.FieldLogger) *Worker {
	return &Worker{
		id:           id,
		queue:        q,
		history:      history,
		handlers:     make(map[task.TaskKind]Handler),
		pollInterval: defaultPollInterval,
		logger:       logging.Component(logger, "worker").WithField("worker_id", id),
		now:          time.Now,
	}
}

func (w *Worker) RegisterHandler(kind task.TaskKind, handler Handler) {
	w.handlers[kind] = handler
}

func (w *Worker) SetPollInterval(d time.Duration) {
	w.pollInterval = d
}

// Start processes jobs until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return nil
		default:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil || job == nil {
			if err != nil && ctx.Err() == nil {
				w.logger.WithError(err).Warn("Failed to dequeue job")
			}
			select {
			case <-ctx.Done():
			case <-time.After(w.pollInterval):
			}
			continue
		}

		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	log := w.logger.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind})
	log.Info("Processing job")

	startedAt := w.now()
	job.Status = task.StatusProcessing
	job.StartedAt = &startedAt
	job.WorkerID = w.id
	w.update(ctx, job, log)

	handler, exists := w.handlers[job.Kind]
	if !exists {
		w.finish(ctx, job, nil, fmt.Errorf("no handler for job kind: %s", job.Kind), log)
		return
	}

	var mu sync.Mutex
	progress := func(p int) {
		mu.Lock()
		defer mu.Unlock()

		if p <= job.Progress || p >= 100 {
			return
		}
		job.Progress = p
		w.update(ctx, job, log)
	}

	result, err := handler(ctx, job, progress)

	mu.Lock()
	defer mu.Unlock()
	w.finish(ctx, job, result, err, log)
}

func (w *Worker) finish(ctx context.Context, job *queue.Job, result map[string]any, err error, log logrus.FieldLogger) {
	completedAt := w.now()
	job.CompletedAt = &completedAt

	if err != nil {
		job.Status = task.StatusFailed
		job.Error = err.Error()
		log.WithError(err).Warn("Job failed")
	} else {
		job.Status = task.StatusCompleted
		job.Progress = 100
		job.Result = result
		log.Info("Job completed")
	}

	// The terminal write must land even when shutdown has begun.
	ctx = context.WithoutCancel(ctx)
	w.update(ctx, job, log)
	metrics.RecordJobFinished(job.Kind.String(), string(job.Status), completedAt.Sub(*job.StartedAt))

	if w.history != nil {
		if err := w.history.SaveJob(ctx, job); err != nil {
			log.WithError(err).Warn("Failed to record job history")
		}
	}
}

func (w *Worker) update(ctx context.Context, job *queue.Job, log logrus.FieldLogger) {
	if err := w.queue.UpdateJob(ctx, job); err != nil {
		log.WithError(err).Warn("Failed to update job")
	}
}
