// Package queue stores generation jobs in Redis: a hash holds every job by
// id and a sorted set orders the jobs waiting to be picked up.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/genwatch/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	jobsKey    = "jobs"
	pendingKey = "job_queue"
)

var ErrJobNotFound = errors.New("job not found")

type Queue struct {
	client *redis.Client
}

func NewQueue(redisAddr string) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Queue{client: client}, nil
}

// Enqueue stores job and puts it at the back of the pending queue.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	jobJSON, err := job.ToJSON()
	if err != nil {
		return err
	}

	if err := q.client.HSet(ctx, jobsKey, job.ID, jobJSON).Err(); err != nil {
		return err
	}

	score := float64(job.CreatedAt.UnixMilli())
	if err := q.client.ZAdd(ctx, pendingKey, redis.Z{Score: score, Member: job.ID}).Err(); err != nil {
		return err
	}

	metrics.RecordJobEnqueued(job.Kind.String())
	return nil
}

// Dequeue pops the oldest pending job. It returns nil, nil when nothing is
// waiting.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	popped, err := q.client.ZPopMin(ctx, pendingKey, 1).Result()
	if err != nil {
		return nil, err
	}
	if len(popped) == 0 {
		return nil, nil
	}

	jobID, ok := popped[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected queue member %v", popped[0].Member)
	}
	return q.GetJob(ctx, jobID)
}

func (q *Queue) UpdateJob(ctx context.Context, job *Job) error {
	jobJSON, err := job.ToJSON()
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, jobsKey, job.ID, jobJSON).Err()
}

func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobJSON, err := q.client.HGet(ctx, jobsKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	return JobFromJSON(jobJSON)
}

func (q *Queue) GetAllJobs(ctx context.Context) ([]*Job, error) {
	jobMap, err := q.client.HGetAll(ctx, jobsKey).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(jobMap))
	for _, jobJSON := range jobMap {
		job, err := JobFromJSON(jobJSON)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, pendingKey).Result()
}

func (q *Queue) Close() error {
	return q.client.Close()
}
