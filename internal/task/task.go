// Package task defines the client-side record of a backend generation job.
// It contains kind and status definitions, the monotonic transition rules
// applied to poll responses, and serialization helpers.
package task

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	TaskKind   string
	TaskStatus string

	// Record is a value: every mutation returns a new Record so that readers
	// holding an older copy never observe a partial update.
	Record struct {
		ID              string         `json:"id"`
		Kind            TaskKind       `json:"kind"`
		Status          TaskStatus     `json:"status"`
		Progress        int            `json:"progress"`
		CreatedAt       time.Time      `json:"created_at"`
		DurationSeconds *float64       `json:"duration_seconds,omitempty"`
		Result          map[string]any `json:"result,omitempty"`
		ErrorMessage    string         `json:"error_message,omitempty"`
		IsPolling       bool           `json:"is_polling"`
	}

	// StatusResponse is the body returned by the poll status endpoint.
	StatusResponse struct {
		TaskID          string         `json:"task_id"`
		TaskType        TaskKind       `json:"task_type"`
		Status          TaskStatus     `json:"status"`
		Progress        int            `json:"progress"`
		DurationSeconds *float64       `json:"duration_seconds,omitempty"`
		Result          map[string]any `json:"result,omitempty"`
		ErrorMessage    string         `json:"error_message,omitempty"`
	}
)

const (
	KindContent  TaskKind = "content"
	KindImage    TaskKind = "image"
	KindSchedule TaskKind = "schedule"
)

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

func (k TaskKind) Valid() bool {
	switch k {
	case KindContent, KindImage, KindSchedule:
		return true
	}
	return false
}

func (k TaskKind) String() string {
	return string(k)
}

func ParseKind(s string) (TaskKind, error) {
	k := TaskKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown task kind %q (available: content, image, schedule)", s)
	}
	return k, nil
}

func (s TaskStatus) Valid() bool {
	return s.rank() >= 0
}

func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses along pending -> processing -> terminal.
// Both terminal statuses share a rank so neither can follow the other.
func (s TaskStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

func NewRecord(id string, kind TaskKind, createdAt time.Time) Record {
	return Record{
		ID:        id,
		Kind:      kind,
		Status:    StatusPending,
		Progress:  0,
		CreatedAt: createdAt,
		IsPolling: true,
	}
}

func (r Record) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Apply folds a poll response into the record and reports whether anything
// changed. Terminal records are frozen, statuses never move backwards and
// progress never decreases.
func (r Record) Apply(resp StatusResponse) (Record, bool) {
	if r.IsTerminal() || !resp.Status.Valid() {
		return r, false
	}

	next := r
	if resp.Status.rank() > r.Status.rank() {
		next.Status = resp.Status
	}

	progress := clampProgress(resp.Progress)
	if progress > next.Progress {
		next.Progress = progress
	}

	if next.Status.IsTerminal() {
		if next.Status == StatusCompleted {
			next.Progress = 100
			next.Result = copyResult(resp.Result)
			next.ErrorMessage = ""
		} else {
			next.Result = nil
			next.ErrorMessage = resp.ErrorMessage
			if next.ErrorMessage == "" {
				next.ErrorMessage = "task failed"
			}
		}
		if resp.DurationSeconds != nil {
			d := *resp.DurationSeconds
			next.DurationSeconds = &d
		} else {
			d := 0.0
			next.DurationSeconds = &d
		}
	}

	return next, !next.equalState(r)
}

// WithPolling returns a copy with the polling flag set.
func (r Record) WithPolling(polling bool) Record {
	r.IsPolling = polling
	return r
}

func (r Record) equalState(o Record) bool {
	return r.Status == o.Status &&
		r.Progress == o.Progress &&
		r.ErrorMessage == o.ErrorMessage &&
		(r.DurationSeconds == nil) == (o.DurationSeconds == nil) &&
		(r.Result == nil) == (o.Result == nil)
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func copyResult(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (r Record) ToJSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func RecordFromJSON(data string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return Record{}, err
	}

	return r, nil
}
