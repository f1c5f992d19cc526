// Package transcript defines the messages that make up a conversation
// transcript as shown to the user and persisted in the local cache.
package transcript

import (
	"encoding/json"
	"sync"
	"time"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

type FunctionCall struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Args        string `json:"args,omitempty"`
}

type CallUsage struct {
	Name         string `json:"name"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// TokenUsage is only ever delivered on the streaming path; the plain
// history endpoint omits it.
type TokenUsage struct {
	InputTokens    int         `json:"input_tokens"`
	OutputTokens   int         `json:"output_tokens"`
	CachedTokens   int         `json:"cached_tokens,omitempty"`
	ThinkingTokens int         `json:"thinking_tokens,omitempty"`
	TotalTokens    int         `json:"total_tokens"`
	PerCall        []CallUsage `json:"per_call,omitempty"`
}

type Message struct {
	ID            int64          `json:"id"`
	Role          Role           `json:"role"`
	Content       string         `json:"content"`
	Attachments   []string       `json:"attachments,omitempty"`
	FunctionCalls []FunctionCall `json:"function_calls"`
	TokenUsage    *TokenUsage    `json:"token_usage,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

var (
	idMu   sync.Mutex
	lastID int64
)

// NewOptimisticID mints a surrogate id for a locally created message from the
// current time in milliseconds. Ids are strictly increasing within a process
// even when two messages are minted in the same millisecond.
func NewOptimisticID(now time.Time) int64 {
	idMu.Lock()
	defer idMu.Unlock()

	id := now.UnixMilli()
	if id <= lastID {
		id = lastID + 1
	}
	lastID = id
	return id
}

func NewUserMessage(content string, attachments []string, now time.Time) Message {
	return Message{
		ID:            NewOptimisticID(now),
		Role:          RoleUser,
		Content:       content,
		Attachments:   attachments,
		FunctionCalls: []FunctionCall{},
		CreatedAt:     now,
	}
}

func NewSystemMessage(content string, now time.Time) Message {
	return Message{
		ID:            NewOptimisticID(now),
		Role:          RoleSystem,
		Content:       content,
		FunctionCalls: []FunctionCall{},
		CreatedAt:     now,
	}
}

// Clone returns a deep copy so callers can hand out snapshots safely.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]string(nil), m.Attachments...)
	}
	if m.FunctionCalls != nil {
		out.FunctionCalls = append([]FunctionCall{}, m.FunctionCalls...)
	}
	if m.TokenUsage != nil {
		usage := *m.TokenUsage
		if usage.PerCall != nil {
			usage.PerCall = append([]CallUsage(nil), usage.PerCall...)
		}
		out.TokenUsage = &usage
	}
	return out
}

func CloneAll(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func Marshal(msgs []Message) (string, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func Unmarshal(data string) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal([]byte(data), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
