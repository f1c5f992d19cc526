// Package notify delivers user-facing notices about task outcomes: in-app
// toasts, optional platform notifications, and the deduplication that keeps
// each terminal transition to a single notice.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nadmax/genwatch/internal/events"
	"github.com/nadmax/genwatch/internal/task"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

type Notification struct {
	TaskID string        `json:"task_id"`
	Kind   task.TaskKind `json:"kind"`
	Level  Level         `json:"level"`
	Title  string        `json:"title"`
	Body   string        `json:"body"`
	At     time.Time     `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Toasts is the in-app notification feed. Every notice is published to the
// current subscribers; nothing is buffered for late subscribers.
type Toasts struct {
	bus *events.Bus[Notification]
}

func NewToasts() *Toasts {
	return &Toasts{bus: events.NewBus[Notification]()}
}

func (t *Toasts) Notify(_ context.Context, n Notification) error {
	t.bus.Publish(n)
	return nil
}

func (t *Toasts) Subscribe(h func(Notification)) func() {
	return t.bus.Subscribe(h)
}

// Started builds the informational notice shown when a task is submitted.
func Started(r task.Record, at time.Time) Notification {
	return Notification{
		TaskID: r.ID,
		Kind:   r.Kind,
		Level:  LevelInfo,
		Title:  fmt.Sprintf("%s generation started", kindLabel(r.Kind)),
		Body:   "You can keep working, we'll let you know when it's done.",
		At:     at,
	}
}

// Outcome builds the notice for a task that reached a terminal status.
func Outcome(r task.Record, at time.Time) Notification {
	n := Notification{
		TaskID: r.ID,
		Kind:   r.Kind,
		At:     at,
	}

	switch r.Status {
	case task.StatusCompleted:
		n.Level = LevelSuccess
		n.Title = fmt.Sprintf("%s generation completed", kindLabel(r.Kind))
		n.Body = "Your result is ready."
		if r.DurationSeconds != nil {
			n.Body = fmt.Sprintf("Your result is ready (took %.1fs).", *r.DurationSeconds)
		}
	default:
		n.Level = LevelError
		n.Title = fmt.Sprintf("%s generation failed", kindLabel(r.Kind))
		n.Body = r.ErrorMessage
	}

	return n
}

func kindLabel(k task.TaskKind) string {
	switch k {
	case task.KindContent:
		return "Content"
	case task.KindImage:
		return "Image"
	case task.KindSchedule:
		return "Schedule"
	}
	return "Task"
}
