package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/genwatch/internal/queue"
	"github.com/nadmax/genwatch/internal/transcript"
)

// MemoryRepository keeps messages and job history in process memory. It
// backs the job service when no database is configured and doubles as a test
// fake through its error fields.
type MemoryRepository struct {
	mu                 sync.Mutex
	nextID             int64
	Conversations      map[string][]transcript.Message
	Jobs               map[string]queue.Job
	SaveJobCalls       []string
	Stats              []JobStats
	AppendMessageError error
	ListMessagesError  error
	SaveJobError       error
	GetJobStatsError   error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		Conversations: make(map[string][]transcript.Message),
		Jobs:          make(map[string]queue.Job),
	}
}

func (m *MemoryRepository) AppendMessage(_ context.Context, conversationID string, msg transcript.Message) (transcript.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendMessageError != nil {
		return transcript.Message{}, m.AppendMessageError
	}

	m.nextID++
	stored := msg.Clone()
	stored.ID = m.nextID
	stored.CreatedAt = time.Now()
	if stored.FunctionCalls == nil {
		stored.FunctionCalls = []transcript.FunctionCall{}
	}
	m.Conversations[conversationID] = append(m.Conversations[conversationID], stored)
	return stored.Clone(), nil
}

func (m *MemoryRepository) ListMessages(_ context.Context, conversationID string) ([]transcript.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListMessagesError != nil {
		return nil, m.ListMessagesError
	}

	msgs := make([]transcript.Message, 0, len(m.Conversations[conversationID]))
	for _, msg := range m.Conversations[conversationID] {
		c := msg.Clone()
		c.TokenUsage = nil
		msgs = append(msgs, c)
	}
	return msgs, nil
}

func (m *MemoryRepository) SaveJob(_ context.Context, job *queue.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveJobCalls = append(m.SaveJobCalls, job.ID)
	if m.SaveJobError != nil {
		return m.SaveJobError
	}

	m.Jobs[job.ID] = *job
	return nil
}

// GetJobStats returns Stats when it has been set, otherwise it aggregates the
// saved jobs that finished within the window.
func (m *MemoryRepository) GetJobStats(_ context.Context, hours int) ([]JobStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetJobStatsError != nil {
		return nil, m.GetJobStatsError
	}
	if m.Stats != nil {
		return append([]JobStats(nil), m.Stats...), nil
	}

	type group struct {
		stats JobStats
		total float64
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	groups := make(map[string]*group)
	var order []string

	for _, job := range m.Jobs {
		if job.CompletedAt == nil || job.CompletedAt.Before(cutoff) {
			continue
		}
		key := string(job.Kind) + "/" + string(job.Status)
		g, ok := groups[key]
		if !ok {
			g = &group{stats: JobStats{Kind: string(job.Kind), Status: string(job.Status)}}
			groups[key] = g
			order = append(order, key)
		}

		g.stats.Count++
		if d := job.Duration(); d != nil {
			ms := *d * 1000
			g.total += ms
			g.stats.MaxDurationMs = max(g.stats.MaxDurationMs, int(ms))
		}
	}

	sort.Strings(order)
	stats := make([]JobStats, 0, len(order))
	for _, key := range order {
		g := groups[key]
		g.stats.AvgDurationMs = g.total / float64(g.stats.Count)
		stats = append(stats, g.stats)
	}
	return stats, nil
}

func (m *MemoryRepository) SavedJob(id string) (queue.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.Jobs[id]
	return job, ok
}
