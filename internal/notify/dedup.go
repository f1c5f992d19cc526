package notify

import (
	"context"
	"sync"
	"time"

	"github.com/nadmax/genwatch/internal/logging"
	"github.com/nadmax/genwatch/internal/metrics"
	"github.com/nadmax/genwatch/internal/task"
	"github.com/sirupsen/logrus"
)

type permitter interface {
	Permitted() bool
}

// Deduplicator guarantees one outcome notice per task id. The id is claimed
// in the notified set under the lock before any notifier runs, so two polls
// racing to report the same terminal status cannot both get through.
type Deduplicator struct {
	mu       sync.Mutex
	notified map[string]struct{}
	toast    Notifier
	platform Notifier
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewDeduplicator wires the in-app toast channel and an optional platform
// channel. platform may be nil; if it reports Permitted() == false it is skipped.
func NewDeduplicator(toast, platform Notifier, logger logrus.FieldLogger) *Deduplicator {
	return &Deduplicator{
		notified: make(map[string]struct{}),
		toast:    toast,
		platform: platform,
		logger:   logging.Component(logger, "notify"),
		now:      time.Now,
	}
}

// NotifyOnce emits the outcome notice for r the first time it is called for
// r.ID and reports whether it did. Non-terminal records are ignored.
func (d *Deduplicator) NotifyOnce(ctx context.Context, r task.Record) bool {
	if !r.IsTerminal() {
		return false
	}
	if !d.claim(r.ID) {
		metrics.RecordNotificationSuppressed()
		return false
	}

	n := Outcome(r, d.now())
	d.deliver(ctx, "toast", d.toast, n)
	if d.platformPermitted() {
		d.deliver(ctx, "email", d.platform, n)
	}

	return true
}

func (d *Deduplicator) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.notified[id]; seen {
		return false
	}
	d.notified[id] = struct{}{}
	return true
}

func (d *Deduplicator) platformPermitted() bool {
	if d.platform == nil {
		return false
	}
	if p, ok := d.platform.(permitter); ok {
		return p.Permitted()
	}
	return true
}

func (d *Deduplicator) deliver(ctx context.Context, channel string, n Notifier, msg Notification) {
	if n == nil {
		return
	}

	err := n.Notify(ctx, msg)
	metrics.RecordNotification(channel, err)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"task_id": msg.TaskID,
			"channel": channel,
		}).WithError(err).Warn("Failed to deliver notification")
	}
}

func (d *Deduplicator) Notified(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, seen := d.notified[id]
	return seen
}

// Forget drops id from the notified set.
func (d *Deduplicator) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.notified, id)
}
