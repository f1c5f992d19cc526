package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/genwatch/internal/task"
)

// Job is the server-side state of one generation request.
type Job struct {
	ID          string          `json:"id"`
	Kind        task.TaskKind   `json:"kind"`
	Params      map[string]any  `json:"params,omitempty"`
	Status      task.TaskStatus `json:"status"`
	Progress    int             `json:"progress"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func NewJob(kind task.TaskKind, params map[string]any) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Params:    params,
		Status:    task.StatusPending,
		CreatedAt: time.Now(),
	}
}

// Duration is measured from pickup to completion, or from creation when the
// job was never picked up. It is nil until the job is terminal.
func (j *Job) Duration() *float64 {
	if j.CompletedAt == nil {
		return nil
	}

	start := j.CreatedAt
	if j.StartedAt != nil {
		start = *j.StartedAt
	}
	d := j.CompletedAt.Sub(start).Seconds()
	return &d
}

// StatusResponse renders the job the way the poll endpoint reports it.
func (j *Job) StatusResponse() task.StatusResponse {
	resp := task.StatusResponse{
		TaskID:   j.ID,
		TaskType: j.Kind,
		Status:   j.Status,
		Progress: j.Progress,
	}
	if j.Status.IsTerminal() {
		resp.DurationSeconds = j.Duration()
		if j.Status == task.StatusCompleted {
			resp.Result = j.Result
		} else {
			resp.ErrorMessage = j.Error
		}
	}
	return resp
}

func (j *Job) ToJSON() (string, error) {
	data, err := json.Marshal(j)
	return string(data), err
}

func JobFromJSON(data string) (*Job, error) {
	var job Job
	err := json.Unmarshal([]byte(data), &job)
	return &job, err
}
