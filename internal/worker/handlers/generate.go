// Package handlers provides the job handlers registered with the worker.
// Generation is simulated: each handler walks through a fixed number of
// steps, reporting progress, and returns a placeholder result.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/genwatch/internal/queue"
	"github.com/nadmax/genwatch/internal/task"
	"github.com/nadmax/genwatch/internal/worker"
)

type ContentParams struct {
	Topic string `json:"topic"`
	Tone  string `json:"tone"`
}

type ImageParams struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
}

type ScheduleParams struct {
	Content   string `json:"content"`
	Platform  string `json:"platform"`
	PublishAt string `json:"publish_at"`
}

type Generator struct {
	// StepDelay is the simulated time spent on each step.
	StepDelay time.Duration
	Steps     int
	now       func() time.Time
}

func NewGenerator(stepDelay time.Duration, steps int) *Generator {
	if steps <= 0 {
		steps = 4
	}
	return &Generator{StepDelay: stepDelay, Steps: steps, now: time.Now}
}

// Register wires one handler per job kind into w.
func (g *Generator) Register(w *worker.Worker) {
	w.RegisterHandler(task.KindContent, g.Content)
	w.RegisterHandler(task.KindImage, g.Image)
	w.RegisterHandler(task.KindSchedule, g.Schedule)
}

func (g *Generator) Content(ctx context.Context, job *queue.Job, progress worker.ProgressFunc) (map[string]any, error) {
	var p ContentParams
	if err := parseParams(job.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Topic == "" {
		return nil, errors.New("missing required field: topic")
	}
	if p.Tone == "" {
		p.Tone = "neutral"
	}

	if err := g.run(ctx, progress); err != nil {
		return nil, err
	}

	return map[string]any{
		"title": fmt.Sprintf("Notes on %s", p.Topic),
		"text":  fmt.Sprintf("A %s draft about %s.", p.Tone, p.Topic),
	}, nil
}

func (g *Generator) Image(ctx context.Context, job *queue.Job, progress worker.ProgressFunc) (map[string]any, error) {
	var p ImageParams
	if err := parseParams(job.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Prompt == "" {
		return nil, errors.New("missing required field: prompt")
	}
	if p.Size == "" {
		p.Size = "1024x1024"
	}

	if err := g.run(ctx, progress); err != nil {
		return nil, err
	}

	return map[string]any{
		"image_url": fmt.Sprintf("media/images/%s.png", job.ID),
		"prompt":    p.Prompt,
		"size":      p.Size,
	}, nil
}

func (g *Generator) Schedule(ctx context.Context, job *queue.Job, progress worker.ProgressFunc) (map[string]any, error) {
	var p ScheduleParams
	if err := parseParams(job.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Content == "" {
		return nil, errors.New("missing required field: content")
	}
	if p.Platform == "" {
		p.Platform = "default"
	}

	publishAt := g.now()
	if p.PublishAt != "" {
		t, err := time.Parse(time.RFC3339, p.PublishAt)
		if err != nil {
			return nil, fmt.Errorf("invalid publish_at format: %w", err)
		}
		publishAt = t
	}

	if err := g.run(ctx, progress); err != nil {
		return nil, err
	}

	return map[string]any{
		"platform":      p.Platform,
		"scheduled_for": publishAt.UTC().Format(time.RFC3339),
	}, nil
}

func (g *Generator) run(ctx context.Context, progress worker.ProgressFunc) error {
	for step := 1; step <= g.Steps; step++ {
		select {
		case <-time.After(g.StepDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		progress(step * 100 / (g.Steps + 1))
	}
	return nil
}

func parseParams(params map[string]any, out any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
