// Package repository provides PostgreSQL persistence for conversation
// messages and the history of finished jobs.
package repository

import (
	"context"

	"github.com/nadmax/genwatch/internal/queue"
	"github.com/nadmax/genwatch/internal/transcript"
)

type MessageRepository interface {
	// AppendMessage stores m and returns it with the id and timestamp
	// assigned by the database.
	AppendMessage(ctx context.Context, conversationID string, m transcript.Message) (transcript.Message, error)
	// ListMessages returns a conversation in insertion order. Token usage is
	// never included.
	ListMessages(ctx context.Context, conversationID string) ([]transcript.Message, error)
}

type JobRepository interface {
	SaveJob(ctx context.Context, job *queue.Job) error
	GetJobStats(ctx context.Context, hours int) ([]JobStats, error)
}

type JobStats struct {
	Kind          string  `json:"kind"`
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int     `json:"max_duration_ms"`
}
