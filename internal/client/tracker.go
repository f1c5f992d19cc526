package client

import (
	"context"
	"fmt"

	"github.com/nadmax/genwatch/internal/registry"
	"github.com/nadmax/genwatch/internal/task"
)

// Tracker submits jobs and hands them to the registry for polling.
type Tracker struct {
	client   *Client
	registry *registry.Registry
}

func NewTracker(c *Client, r *registry.Registry) *Tracker {
	return &Tracker{client: c, registry: r}
}

// SubmitAndTrack submits a job and starts tracking it. Nothing is tracked
// when the submission fails.
func (t *Tracker) SubmitAndTrack(ctx context.Context, kind task.TaskKind, params map[string]any) (task.Record, error) {
	id, err := t.client.SubmitJob(ctx, kind, params)
	if err != nil {
		return task.Record{}, fmt.Errorf("failed to submit %s job: %w", kind, err)
	}
	return t.registry.Submit(id, kind)
}
