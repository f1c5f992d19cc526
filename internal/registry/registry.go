// Package registry owns the set of task records the client is tracking and
// the pollers that keep them current until they reach a terminal status.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadmax/genwatch/internal/events"
	"github.com/nadmax/genwatch/internal/logging"
	"github.com/nadmax/genwatch/internal/metrics"
	"github.com/nadmax/genwatch/internal/notify"
	"github.com/nadmax/genwatch/internal/scheduler"
	"github.com/nadmax/genwatch/internal/task"
	"github.com/sirupsen/logrus"
)

const DefaultPollInterval = 3 * time.Second

var (
	ErrEmptyTaskID   = errors.New("task id is required")
	ErrDuplicateTask = errors.New("task is already tracked")
	ErrUnknownKind   = errors.New("unknown task kind")
	ErrTaskNotFound  = errors.New("task not found")
	ErrClosed        = errors.New("registry is closed")
)

type StatusClient interface {
	TaskStatus(ctx context.Context, taskID string) (task.StatusResponse, error)
}

type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

type Event struct {
	Type   EventType
	Record task.Record
}

type Options struct {
	PollInterval time.Duration
	// PollTimeout bounds a single status request. Zero means no extra bound.
	PollTimeout time.Duration
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

type records = map[string]task.Record

// Registry is the owned store of task records. Writers serialize on mu and
// publish a fresh copy of the whole map; readers load the current map
// without locking and therefore only ever see complete records. Events are
// queued under mu and delivered in commit order.
type Registry struct {
	mu         sync.Mutex
	current    atomic.Pointer[records]
	closed     bool
	pending    []Event
	delivering bool

	client   StatusClient
	dedup    *notify.Deduplicator
	notifier notify.Notifier
	sched    *scheduler.Scheduler
	bus      *events.Bus[Event]
	logger   logrus.FieldLogger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// New creates a registry. notifier receives the informational "started"
// notices and may be nil.
func New(client StatusClient, dedup *notify.Deduplicator, notifier notify.Notifier, opts Options) *Registry {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		client:   client,
		dedup:    dedup,
		notifier: notifier,
		sched:    scheduler.New(),
		bus:      events.NewBus[Event](),
		logger:   logging.Component(opts.Logger, "registry"),
		interval: opts.PollInterval,
		timeout:  opts.PollTimeout,
		now:      opts.Now,
	}
	empty := records{}
	r.current.Store(&empty)

	return r
}

// Submit registers a freshly submitted task and starts polling it right away.
func (r *Registry) Submit(taskID string, kind task.TaskKind) (task.Record, error) {
	if taskID == "" {
		return task.Record{}, ErrEmptyTaskID
	}
	if !kind.Valid() {
		return task.Record{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	rec := task.NewRecord(taskID, kind, r.now())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return task.Record{}, ErrClosed
	}
	if _, exists := (*r.current.Load())[taskID]; exists {
		r.mu.Unlock()
		return task.Record{}, fmt.Errorf("%w: %s", ErrDuplicateTask, taskID)
	}
	r.store(func(m records) { m[taskID] = rec })
	r.queueLocked(Event{Type: EventAdded, Record: rec})
	r.mu.Unlock()

	metrics.RecordTaskSubmitted(kind.String())
	r.logger.WithFields(logrus.Fields{"task_id": taskID, "kind": kind}).Info("Task submitted")
	r.deliver()

	if r.notifier != nil {
		if err := r.notifier.Notify(context.Background(), notify.Started(rec, r.now())); err != nil {
			r.logger.WithField("task_id", taskID).WithError(err).Warn("Failed to deliver started notice")
		}
	}

	// A subscriber or the started notice may already have removed the task.
	r.mu.Lock()
	if _, exists := (*r.current.Load())[taskID]; exists && !r.closed {
		r.startPollingLocked(taskID)
	}
	r.mu.Unlock()

	return rec, nil
}

// startPollingLocked schedules the poller for taskID. Callers must hold mu,
// which keeps a concurrent Remove from slipping in between.
func (r *Registry) startPollingLocked(taskID string) {
	started := r.sched.Schedule(taskID, r.interval, func(ctx context.Context) {
		// Other failures are already logged by Poll; the next tick retries.
		if err := r.Poll(ctx, taskID); errors.Is(err, ErrTaskNotFound) {
			r.sched.Stop(taskID)
			metrics.UpdateActivePollers(r.sched.Len())
		}
	})
	if started {
		metrics.UpdateActivePollers(r.sched.Len())
	}
}

// Poll fetches the current status of taskID once and folds it into the
// record. A transport failure leaves the record untouched and is returned;
// it never marks the task failed.
func (r *Registry) Poll(ctx context.Context, taskID string) error {
	rec, ok := r.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if rec.IsTerminal() {
		return nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	resp, err := r.client.TaskStatus(ctx, taskID)
	if err != nil {
		metrics.RecordPoll(rec.Kind.String(), "transport_error")
		r.logger.WithField("task_id", taskID).WithError(err).Warn("Failed to poll task status")
		return fmt.Errorf("failed to poll task %s: %w", taskID, err)
	}

	updated, terminal, applied := r.apply(taskID, resp)
	if !applied {
		metrics.RecordPoll(rec.Kind.String(), "discarded")
		return nil
	}
	metrics.RecordPoll(rec.Kind.String(), "ok")

	if terminal {
		r.sched.Stop(taskID)
		metrics.UpdateActivePollers(r.sched.Len())
		metrics.RecordTaskFinished(updated.Kind.String(), string(updated.Status))
		r.logger.WithFields(logrus.Fields{
			"task_id": taskID,
			"status":  updated.Status,
		}).Info("Task finished")
		if r.dedup != nil {
			// The poller's context was just cancelled by Stop.
			r.dedup.NotifyOnce(context.WithoutCancel(ctx), updated)
		}
	}

	return nil
}

// apply commits resp to the stored record. It reports the committed record,
// whether this call made it terminal, and whether the record still exists.
func (r *Registry) apply(taskID string, resp task.StatusResponse) (task.Record, bool, bool) {
	r.mu.Lock()
	cur, exists := (*r.current.Load())[taskID]
	if !exists {
		r.mu.Unlock()
		return task.Record{}, false, false
	}

	next, changed := cur.Apply(resp)
	terminal := !cur.IsTerminal() && next.IsTerminal()
	if terminal {
		next = next.WithPolling(false)
	}
	if changed {
		r.store(func(m records) { m[taskID] = next })
		r.queueLocked(Event{Type: EventUpdated, Record: next})
	}
	r.mu.Unlock()

	r.deliver()
	return next, terminal, true
}

// Remove stops polling taskID and forgets its record.
func (r *Registry) Remove(taskID string) bool {
	r.mu.Lock()
	r.sched.Stop(taskID)
	rec, exists := (*r.current.Load())[taskID]
	if exists {
		r.store(func(m records) { delete(m, taskID) })
		r.queueLocked(Event{Type: EventRemoved, Record: rec.WithPolling(false)})
	}
	r.mu.Unlock()
	metrics.UpdateActivePollers(r.sched.Len())

	if !exists {
		return false
	}

	if r.dedup != nil {
		r.dedup.Forget(taskID)
	}
	r.deliver()
	return true
}

// ClearTerminal removes every completed or failed record and returns how many
// were removed.
func (r *Registry) ClearTerminal() int {
	var removed []task.Record

	r.mu.Lock()
	for id, rec := range *r.current.Load() {
		if rec.IsTerminal() {
			removed = append(removed, rec)
			r.sched.Stop(id)
		}
	}
	if len(removed) > 0 {
		r.store(func(m records) {
			for _, rec := range removed {
				delete(m, rec.ID)
			}
		})
		for _, rec := range removed {
			r.queueLocked(Event{Type: EventRemoved, Record: rec.WithPolling(false)})
		}
	}
	r.mu.Unlock()

	metrics.UpdateActivePollers(r.sched.Len())
	if r.dedup != nil {
		for _, rec := range removed {
			r.dedup.Forget(rec.ID)
		}
	}
	r.deliver()

	return len(removed)
}

func (r *Registry) Get(taskID string) (task.Record, bool) {
	rec, ok := (*r.current.Load())[taskID]
	return rec, ok
}

// List returns every record ordered by creation time, then id.
func (r *Registry) List() []task.Record {
	m := *r.current.Load()
	list := make([]task.Record, 0, len(m))
	for _, rec := range m {
		list = append(list, rec)
	}

	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})

	return list
}

func (r *Registry) Len() int {
	return len(*r.current.Load())
}

// Polling reports whether taskID currently has an active poller.
func (r *Registry) Polling(taskID string) bool {
	return r.sched.Active(taskID)
}

// Subscribe registers h for lifecycle events. Handlers see events in commit
// order, possibly on a goroutine other than the one that made the change.
func (r *Registry) Subscribe(h func(Event)) func() {
	return r.bus.Subscribe(h)
}

// Close stops every poller and waits for in-flight polls to return.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.sched.Close()
	metrics.UpdateActivePollers(0)

	r.mu.Lock()
	r.store(func(m records) {
		for id, rec := range m {
			m[id] = rec.WithPolling(false)
		}
	})
	r.mu.Unlock()

	r.logger.Info("Registry closed")
}

// queueLocked appends ev to the delivery queue. Callers must hold mu.
func (r *Registry) queueLocked(ev Event) {
	r.pending = append(r.pending, ev)
}

// deliver publishes queued events in the order they were committed. Only one
// goroutine delivers at a time; a caller that finds delivery in progress
// leaves its events to that goroutine, which also covers subscribers that
// call back into the registry.
func (r *Registry) deliver() {
	r.mu.Lock()
	if r.delivering {
		r.mu.Unlock()
		return
	}
	r.delivering = true

	for len(r.pending) > 0 {
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()

		for _, ev := range batch {
			r.bus.Publish(ev)
		}

		r.mu.Lock()
	}
	r.delivering = false
	r.mu.Unlock()
}

// store copies the current map, applies mutate and publishes the copy.
// Callers must hold mu.
func (r *Registry) store(mutate func(records)) {
	old := *r.current.Load()
	next := make(records, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	mutate(next)
	r.current.Store(&next)
	metrics.UpdateTasksTracked(len(next))
}
