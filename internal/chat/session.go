// Package chat drives one conversation: it restores the transcript from the
// local cache and the server, sends turns and folds their event streams
// into the transcript.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nadmax/genwatch/internal/cache"
	"github.com/nadmax/genwatch/internal/client"
	"github.com/nadmax/genwatch/internal/events"
	"github.com/nadmax/genwatch/internal/logging"
	"github.com/nadmax/genwatch/internal/stream"
	"github.com/nadmax/genwatch/internal/transcript"
	"github.com/sirupsen/logrus"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrTurnInProgress = errors.New("a turn is already in progress")
)

// Backend is the part of the job service a session needs.
type Backend interface {
	History(ctx context.Context, conversationID string) ([]transcript.Message, error)
	Chat(ctx context.Context, req client.ChatRequest) (io.ReadCloser, error)
}

type Options struct {
	Logger logrus.FieldLogger
	Now    func() time.Time
}

type Session struct {
	mu       sync.Mutex
	messages []transcript.Message
	inFlight bool

	conversationID string
	backend        Backend
	cache          *cache.Reconciler
	state          *events.Bus[stream.State]
	transcript     *events.Bus[[]transcript.Message]
	logger         logrus.FieldLogger
	now            func() time.Time
}

func NewSession(conversationID string, backend Backend, reconciler *cache.Reconciler, opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Session{
		messages:       []transcript.Message{},
		conversationID: conversationID,
		backend:        backend,
		cache:          reconciler,
		state:          events.NewBus[stream.State](),
		transcript:     events.NewBus[[]transcript.Message](),
		logger:         logging.Component(opts.Logger, "chat").WithField("conversation_id", conversationID),
		now:            opts.Now,
	}
}

// Restore shows the cached transcript right away and then reconciles it
// with the server history. If the history cannot be fetched the cached
// transcript stays in place and the error is returned.
func (s *Session) Restore(ctx context.Context) ([]transcript.Message, error) {
	if cached, ok := s.cache.Load(ctx); ok {
		s.replace(cached)
	}

	server, err := s.backend.History(ctx, s.conversationID)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to fetch history, showing cached transcript")
		return s.Messages(), fmt.Errorf("failed to fetch history: %w", err)
	}

	s.replace(s.cache.Sync(ctx, server))
	return s.Messages(), nil
}

// Send runs one turn. The user's message is shown optimistically before the
// request is made; every outcome ends with exactly one agent or system
// message appended after it.
func (s *Session) Send(ctx context.Context, text string, attachments []string) (stream.Result, error) {
	if text == "" && len(attachments) == 0 {
		return stream.Result{}, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return stream.Result{}, ErrTurnInProgress
	}
	s.inFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	user := transcript.NewUserMessage(text, attachments, s.now())
	s.append(ctx, user)

	body, err := s.backend.Chat(ctx, client.ChatRequest{
		ConversationID: s.conversationID,
		Message:        text,
		Attachments:    attachments,
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to open chat stream")
		failure := transcript.NewSystemMessage(fmt.Sprintf("Failed to send message: %v", err), s.now())
		s.append(ctx, failure)
		return stream.Result{Message: failure, Failed: true}, fmt.Errorf("failed to open chat stream: %w", err)
	}
	defer func() {
		if err := body.Close(); err != nil {
			s.logger.WithError(err).Debug("Failed to close chat stream")
		}
	}()

	consumer := stream.NewConsumer(s.logger)
	unsubscribe := consumer.Subscribe(s.state.Publish)
	res, err := consumer.Consume(ctx, body)
	unsubscribe()

	s.mu.Lock()
	if res.UserMessageID != 0 {
		for i := range s.messages {
			if s.messages[i].ID == user.ID {
				s.messages[i].ID = res.UserMessageID
				break
			}
		}
	}
	s.messages = append(s.messages, res.Message.Clone())
	snapshot := transcript.CloneAll(s.messages)
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.transcript.Publish(snapshot)

	if err != nil {
		s.logger.WithError(err).Warn("Turn ended without a response")
		return res, err
	}
	return res, nil
}

func (s *Session) Messages() []transcript.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transcript.CloneAll(s.messages)
}

// Subscribe receives the live progress of the turn in flight.
func (s *Session) Subscribe(h func(stream.State)) func() {
	return s.state.Subscribe(h)
}

// SubscribeMessages receives the whole transcript after every change.
func (s *Session) SubscribeMessages(h func([]transcript.Message)) func() {
	return s.transcript.Subscribe(h)
}

func (s *Session) append(ctx context.Context, m transcript.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	snapshot := transcript.CloneAll(s.messages)
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.transcript.Publish(snapshot)
}

func (s *Session) replace(msgs []transcript.Message) {
	if msgs == nil {
		msgs = []transcript.Message{}
	}

	s.mu.Lock()
	s.messages = transcript.CloneAll(msgs)
	snapshot := transcript.CloneAll(s.messages)
	s.mu.Unlock()

	s.transcript.Publish(snapshot)
}

func (s *Session) persist(ctx context.Context, msgs []transcript.Message) {
	if err := s.cache.Save(context.WithoutCancel(ctx), msgs); err != nil {
		s.logger.WithError(err).Warn("Failed to persist transcript")
	}
}
