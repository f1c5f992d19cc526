package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nadmax/genwatch/internal/stream"
	"github.com/nadmax/genwatch/internal/transcript"
)

// EmitFunc writes one frame to the client.
type EmitFunc func(stream.Frame) error

// Reply is the final answer of a turn.
type Reply struct {
	Response      string
	FunctionCalls []transcript.FunctionCall
	TokenUsage    *transcript.TokenUsage
}

// Responder produces the answer to one chat message. Intermediate progress,
// function_call and function_result frames go through emit; the terminal
// frame is written by the API once the reply is stored.
type Responder interface {
	Respond(ctx context.Context, conversationID string, history []transcript.Message, message string, emit EmitFunc) (Reply, error)
}

// EchoResponder answers every message by echoing it back after a fake
// history lookup. It exists so the streaming path can be exercised without a
// model behind it.
type EchoResponder struct {
	StepDelay time.Duration
}

func (e EchoResponder) Respond(ctx context.Context, _ string, history []transcript.Message, message string, emit EmitFunc) (Reply, error) {
	args, err := json.Marshal(map[string]int{"messages": len(history)})
	if err != nil {
		return Reply{}, err
	}

	steps := []stream.Frame{
		{Type: stream.TypeProgress, Message: "Reading conversation"},
		{Type: stream.TypeFunctionCall, Name: "lookup_history", DisplayName: "Looking up history", Args: args},
		{Type: stream.TypeFunctionResult, Name: "lookup_history", Success: true},
		{Type: stream.TypeProgress, Message: "Writing response"},
	}
	for _, f := range steps {
		if err := e.wait(ctx); err != nil {
			return Reply{}, err
		}
		if err := emit(f); err != nil {
			return Reply{}, err
		}
	}

	response := fmt.Sprintf("You said: %s", message)
	input := countTokens(message)
	for _, m := range history {
		input += countTokens(m.Content)
	}
	output := countTokens(response)

	return Reply{
		Response: response,
		FunctionCalls: []transcript.FunctionCall{
			{Name: "lookup_history", DisplayName: "Looking up history", Args: string(args)},
		},
		TokenUsage: &transcript.TokenUsage{
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  input + output,
			PerCall: []transcript.CallUsage{
				{Name: "lookup_history", InputTokens: input},
			},
		},
	}, nil
}

func (e EchoResponder) wait(ctx context.Context) error {
	if e.StepDelay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(e.StepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// countTokens approximates tokens by whitespace separated words.
func countTokens(s string) int {
	return len(strings.Fields(s))
}
