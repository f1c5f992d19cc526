// Package stream consumes the event stream of a single conversational turn
// and folds it into live progress state and one terminal transcript message.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nadmax/genwatch/internal/transcript"
)

type FrameType string

const (
	TypeProgress       FrameType = "progress"
	TypeFunctionCall   FrameType = "function_call"
	TypeFunctionResult FrameType = "function_result"
	TypeDone           FrameType = "done"
	TypeError          FrameType = "error"
)

var ErrMalformedFrame = errors.New("malformed stream frame")

// Frame is one discriminated record of the stream. Which fields are set
// depends on Type.
type Frame struct {
	Type           FrameType                 `json:"type"`
	Message        string                    `json:"message,omitempty"`
	Name           string                    `json:"name,omitempty"`
	DisplayName    string                    `json:"display_name,omitempty"`
	Args           json.RawMessage           `json:"args,omitempty"`
	Success        bool                      `json:"success,omitempty"`
	Response       string                    `json:"response,omitempty"`
	FunctionCalls  []transcript.FunctionCall `json:"function_calls,omitempty"`
	TokenUsage     *transcript.TokenUsage    `json:"token_usage,omitempty"`
	ConversationID string                    `json:"conversation_id,omitempty"`
	MessageID      int64                     `json:"message_id,omitempty"`
	UserMessageID  int64                     `json:"user_message_id,omitempty"`
}

func (t FrameType) Terminal() bool {
	return t == TypeDone || t == TypeError
}

// Decode parses and validates a single frame payload.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case TypeProgress, TypeDone, TypeError:
	case TypeFunctionCall, TypeFunctionResult:
		if f.Name == "" {
			return Frame{}, fmt.Errorf("%w: %s frame without name", ErrMalformedFrame, f.Type)
		}
	case "":
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}

	return f, nil
}

// Encode renders f as one newline-terminated record.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// argsSummary flattens the raw args into a compact single-line string.
func argsSummary(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
