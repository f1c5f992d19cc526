package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/nadmax/genwatch/internal/logging"
	"github.com/nadmax/genwatch/internal/metrics"
	"github.com/nadmax/genwatch/internal/transcript"
	"github.com/sirupsen/logrus"
)

const DefaultTTL = 24 * time.Hour

type Options struct {
	TTL    time.Duration
	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Reconciler owns the cached transcript of one conversation. The cache is
// stored under two keys: "<prefix>:messages" and "<prefix>:expires_at".
type Reconciler struct {
	store  Store
	prefix string
	ttl    time.Duration
	now    func() time.Time
	logger logrus.FieldLogger
}

func NewReconciler(store Store, prefix string, opts Options) *Reconciler {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Reconciler{
		store:  store,
		prefix: prefix,
		ttl:    opts.TTL,
		now:    opts.Now,
		logger: logging.Component(opts.Logger, "cache").WithField("prefix", prefix),
	}
}

func (r *Reconciler) messagesKey() string  { return r.prefix + ":messages" }
func (r *Reconciler) expiresAtKey() string { return r.prefix + ":expires_at" }

// Load returns the cached transcript. Absent, unparsable and expired entries
// are all reported as a miss, as are store failures.
func (r *Reconciler) Load(ctx context.Context) ([]transcript.Message, bool) {
	rawExpiry, ok, err := r.store.Get(ctx, r.expiresAtKey())
	if err != nil {
		r.logger.WithError(err).Warn("Failed to read cache expiry")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, rawExpiry)
	if err != nil {
		r.logger.WithError(err).Warn("Ignoring cache with unparsable expiry")
		return nil, false
	}
	if r.now().After(expiresAt) {
		r.logger.Debug("Cache expired")
		if err := r.Clear(ctx); err != nil {
			r.logger.WithError(err).Warn("Failed to drop expired cache")
		}
		return nil, false
	}

	raw, ok, err := r.store.Get(ctx, r.messagesKey())
	if err != nil {
		r.logger.WithError(err).Warn("Failed to read cached messages")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	msgs, err := transcript.Unmarshal(raw)
	if err != nil {
		r.logger.WithError(err).Warn("Ignoring corrupt cached messages")
		return nil, false
	}
	if msgs == nil {
		msgs = []transcript.Message{}
	}
	return msgs, true
}

// Save overwrites the cached transcript and pushes the expiry out by the TTL.
func (r *Reconciler) Save(ctx context.Context, msgs []transcript.Message) error {
	raw, err := transcript.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to encode messages: %w", err)
	}

	if err := r.store.Set(ctx, r.messagesKey(), raw); err != nil {
		return fmt.Errorf("failed to store messages: %w", err)
	}

	expiresAt := r.now().Add(r.ttl).UTC().Format(time.RFC3339Nano)
	if err := r.store.Set(ctx, r.expiresAtKey(), expiresAt); err != nil {
		return fmt.Errorf("failed to store cache expiry: %w", err)
	}
	return nil
}

func (r *Reconciler) Clear(ctx context.Context) error {
	return r.store.Delete(ctx, r.messagesKey(), r.expiresAtKey())
}

// Reconcile merges the server history with the cached transcript. Token
// usage only exists on the cached side, so it is carried over onto server
// messages with the same id. The merged server list is adopted only when it
// is at least as long as the cache; otherwise the cache is returned as is
// and adopted is false.
func Reconcile(server, cached []transcript.Message) ([]transcript.Message, bool) {
	if len(server) < len(cached) {
		return transcript.CloneAll(cached), false
	}

	usage := make(map[int64]*transcript.TokenUsage, len(cached))
	for _, m := range cached {
		if m.TokenUsage != nil {
			usage[m.ID] = m.TokenUsage
		}
	}

	merged := make([]transcript.Message, len(server))
	for i, m := range server {
		merged[i] = m.Clone()
		if merged[i].TokenUsage == nil {
			if u, ok := usage[m.ID]; ok {
				merged[i].TokenUsage = transcript.Message{TokenUsage: u}.Clone().TokenUsage
			}
		}
	}
	return merged, true
}

// Sync reconciles server against the cache, persists the result when the
// server list was adopted, and returns the list that should be shown.
func (r *Reconciler) Sync(ctx context.Context, server []transcript.Message) []transcript.Message {
	cached, _ := r.Load(ctx)

	merged, adopted := Reconcile(server, cached)
	if !adopted {
		metrics.RecordReconcile("kept_cache")
		r.logger.WithFields(logrus.Fields{
			"server": len(server),
			"cached": len(cached),
		}).Info("Server history is behind the cache, keeping cached transcript")
		return merged
	}

	metrics.RecordReconcile("adopted_server")
	if err := r.Save(ctx, merged); err != nil {
		r.logger.WithError(err).Warn("Failed to persist reconciled transcript")
	}
	return merged
}
