package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nadmax/genwatch/internal/events"
	"github.com/nadmax/genwatch/internal/logging"
	"github.com/nadmax/genwatch/internal/metrics"
	"github.com/nadmax/genwatch/internal/transcript"
	"github.com/sirupsen/logrus"
)

const incompleteStreamMessage = "The connection closed before a response was received."

var ErrIncompleteStream = errors.New("stream ended without a terminal frame")

type StepStatus string

const (
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
)

type Step struct {
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name,omitempty"`
	Status      StepStatus `json:"status"`
}

// State is the live, transient view of a turn while it is in flight.
type State struct {
	Phase    string `json:"phase"`
	Steps    []Step `json:"steps"`
	Loading  bool   `json:"loading"`
	Finished bool   `json:"finished"`
}

// Result describes how a turn ended.
type Result struct {
	Message        transcript.Message
	ConversationID string
	UserMessageID  int64
	// Failed is set when the turn ended with an error frame or without any
	// terminal frame; Message is then a system message.
	Failed    bool
	Malformed int
}

// Consumer folds the frames of one turn, strictly in arrival order. Once a
// done or error frame has been applied every later frame is ignored.
type Consumer struct {
	mu        sync.Mutex
	state     State
	calls     []transcript.FunctionCall
	result    *Result
	malformed int

	bus    *events.Bus[State]
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewConsumer(logger logrus.FieldLogger) *Consumer {
	return &Consumer{
		state:  State{Loading: true, Steps: []Step{}},
		bus:    events.NewBus[State](),
		logger: logging.Component(logger, "stream"),
		now:    time.Now,
	}
}

// Handle applies one frame and reports whether it changed anything.
func (c *Consumer) Handle(f Frame) bool {
	c.mu.Lock()
	if c.result != nil {
		c.mu.Unlock()
		c.logger.WithField("type", f.Type).Debug("Ignoring frame after end of turn")
		return false
	}

	switch f.Type {
	case TypeProgress:
		c.onProgress(f)
	case TypeFunctionCall:
		c.onFunctionCall(f)
	case TypeFunctionResult:
		if !c.onFunctionResult(f) {
			c.mu.Unlock()
			c.logger.WithField("name", f.Name).Warn("Dropping result for unknown step")
			return false
		}
	case TypeDone:
		c.onDone(f)
	case TypeError:
		c.onError(f)
	default:
		c.mu.Unlock()
		return false
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	metrics.RecordStreamFrame(string(f.Type))
	c.bus.Publish(snapshot)
	return true
}

func (c *Consumer) onProgress(f Frame) {
	c.state.Phase = f.Message
}

func (c *Consumer) onFunctionCall(f Frame) {
	display := f.DisplayName
	if display == "" {
		display = f.Name
	}

	found := false
	for i := range c.state.Steps {
		if c.state.Steps[i].Name == f.Name {
			c.state.Steps[i].Status = StepRunning
			c.state.Steps[i].DisplayName = display
			found = true
			break
		}
	}
	if !found {
		c.state.Steps = append(c.state.Steps, Step{Name: f.Name, DisplayName: display, Status: StepRunning})
	}

	// Like the steps, the call list keeps one entry per name in first-call
	// order, and a re-sent call overwrites the earlier args.
	call := transcript.FunctionCall{Name: f.Name, DisplayName: f.DisplayName, Args: argsSummary(f.Args)}
	for i := range c.calls {
		if c.calls[i].Name == f.Name {
			c.calls[i] = call
			return
		}
	}
	c.calls = append(c.calls, call)
}

func (c *Consumer) onFunctionResult(f Frame) bool {
	for i := range c.state.Steps {
		if c.state.Steps[i].Name == f.Name {
			if f.Success {
				c.state.Steps[i].Status = StepSuccess
			} else {
				c.state.Steps[i].Status = StepError
			}
			return true
		}
	}
	return false
}

func (c *Consumer) onDone(f Frame) {
	calls := f.FunctionCalls
	if len(calls) == 0 {
		calls = c.calls
	}

	now := c.now()
	id := f.MessageID
	if id == 0 {
		id = transcript.NewOptimisticID(now)
	}

	msg := transcript.Message{
		ID:            id,
		Role:          transcript.RoleAgent,
		Content:       f.Response,
		FunctionCalls: append([]transcript.FunctionCall{}, calls...),
		TokenUsage:    f.TokenUsage,
		CreatedAt:     now,
	}

	c.result = &Result{
		Message:        msg.Clone(),
		ConversationID: f.ConversationID,
		UserMessageID:  f.UserMessageID,
	}
	c.state = State{Steps: []Step{}, Finished: true}
}

// onError ends the turn. Steps stay as they are so the user can see how far
// the turn got.
func (c *Consumer) onError(f Frame) {
	text := f.Message
	if text == "" {
		text = "The request failed."
	}

	c.result = &Result{
		Message:        transcript.NewSystemMessage(text, c.now()),
		ConversationID: f.ConversationID,
		Failed:         true,
	}
	c.state.Phase = ""
	c.state.Loading = false
	c.state.Finished = true
}

// Consume reads frames from r until a terminal frame is applied or the
// stream ends. Malformed frames are skipped. If the stream ends first, the
// turn is closed with a system message and ErrIncompleteStream is returned.
func (c *Consumer) Consume(ctx context.Context, r io.Reader) (Result, error) {
	reader := NewReader(r)

	var readErr error
	for {
		if err := ctx.Err(); err != nil {
			readErr = err
			break
		}

		payload, err := reader.Next()
		if errors.Is(err, ErrFrameTooLong) {
			c.skipMalformed(err)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}

		frame, err := Decode(payload)
		if err != nil {
			c.skipMalformed(err)
			continue
		}

		c.Handle(frame)
		if c.Done() {
			break
		}
	}

	c.mu.Lock()
	if c.result != nil {
		res := *c.result
		res.Malformed = c.malformed
		c.mu.Unlock()
		return res, nil
	}

	c.result = &Result{
		Message:   transcript.NewSystemMessage(incompleteStreamMessage, c.now()),
		Failed:    true,
		Malformed: c.malformed,
	}
	c.state.Phase = ""
	c.state.Loading = false
	c.state.Finished = true
	res := *c.result
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.bus.Publish(snapshot)
	if readErr != nil {
		return res, fmt.Errorf("%w: %w", ErrIncompleteStream, readErr)
	}
	return res, ErrIncompleteStream
}

func (c *Consumer) skipMalformed(err error) {
	c.mu.Lock()
	c.malformed++
	c.mu.Unlock()
	metrics.RecordMalformedFrame()
	c.logger.WithError(err).Warn("Skipping malformed frame")
}

func (c *Consumer) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result != nil
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Consumer) Subscribe(h func(State)) func() {
	return c.bus.Subscribe(h)
}

func (c *Consumer) snapshotLocked() State {
	s := c.state
	s.Steps = append([]Step{}, c.state.Steps...)
	return s
}
