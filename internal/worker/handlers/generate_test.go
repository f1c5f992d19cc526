package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/nadmax/genwatch/internal/queue"
	"github.com/nadmax/genwatch/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect() (func(int), *[]int) {
	var seen []int
	return func(p int) { seen = append(seen, p) }, &seen
}

func TestContent(t *testing.T) {
	g := NewGenerator(0, 3)
	progress, seen := collect()

	result, err := g.Content(context.Background(), queue.NewJob(task.KindContent, map[string]any{"topic": "gophers"}), progress)

	require.NoError(t, err)
	assert.Equal(t, "A neutral draft about gophers.", result["text"])
	assert.Equal(t, []int{25, 50, 75}, *seen)
}

func TestImage(t *testing.T) {
	g := NewGenerator(0, 2)
	progress, _ := collect()
	job := queue.NewJob(task.KindImage, map[string]any{"prompt": "a lighthouse"})

	result, err := g.Image(context.Background(), job, progress)

	require.NoError(t, err)
	assert.Equal(t, "media/images/"+job.ID+".png", result["image_url"])
	assert.Equal(t, "1024x1024", result["size"])
}

func TestSchedule(t *testing.T) {
	g := NewGenerator(0, 1)
	progress, _ := collect()

	result, err := g.Schedule(context.Background(), queue.NewJob(task.KindSchedule, map[string]any{
		"content":    "launch post",
		"platform":   "blog",
		"publish_at": "2026-03-01T09:00:00+01:00",
	}), progress)

	require.NoError(t, err)
	assert.Equal(t, "blog", result["platform"])
	assert.Equal(t, "2026-03-01T08:00:00Z", result["scheduled_for"])
}

func TestMissingRequiredFields(t *testing.T) {
	g := NewGenerator(0, 1)
	progress, seen := collect()
	ctx := context.Background()

	_, err := g.Content(ctx, queue.NewJob(task.KindContent, nil), progress)
	assert.ErrorContains(t, err, "topic")

	_, err = g.Image(ctx, queue.NewJob(task.KindImage, map[string]any{}), progress)
	assert.ErrorContains(t, err, "prompt")

	_, err = g.Schedule(ctx, queue.NewJob(task.KindSchedule, map[string]any{"content": "x", "publish_at": "tomorrow"}), progress)
	assert.ErrorContains(t, err, "publish_at")

	_, err = g.Image(ctx, queue.NewJob(task.KindImage, map[string]any{"prompt": 42}), progress)
	assert.ErrorContains(t, err, "invalid params")

	assert.Empty(t, *seen)
}

func TestCancelled(t *testing.T) {
	g := NewGenerator(time.Hour, 2)
	progress, _ := collect()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Content(ctx, queue.NewJob(task.KindContent, map[string]any{"topic": "x"}), progress)

	assert.ErrorIs(t, err, context.Canceled)
}
