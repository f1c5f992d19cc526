// Package dashboard serves job queue statistics for the job service.
package dashboard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nadmax/genwatch/internal/httputil"
	"github.com/nadmax/genwatch/internal/queue"
	"github.com/nadmax/genwatch/internal/repository"
	"github.com/nadmax/genwatch/internal/task"
)

const defaultStatsWindowHours = 24

type Dashboard struct {
	queue   *queue.Queue
	history repository.JobRepository
	now     func() time.Time
}

type Stats struct {
	TotalJobs       int                   `json:"total_jobs"`
	PendingJobs     int                   `json:"pending_jobs"`
	ProcessingJobs  int                   `json:"processing_jobs"`
	CompletedJobs   int                   `json:"completed_jobs"`
	FailedJobs      int                   `json:"failed_jobs"`
	JobsByKind      map[task.TaskKind]int `json:"jobs_by_kind"`
	AverageWaitTime string                `json:"average_wait_time"`
	LastUpdated     time.Time             `json:"last_updated"`
}

type JobHistory struct {
	JobID       string          `json:"job_id"`
	Kind        task.TaskKind   `json:"kind"`
	Status      task.TaskStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	Duration    string          `json:"duration"`
}

// NewDashboard builds a dashboard over q. history may be nil, in which case
// the persisted job statistics endpoint reports 503.
func NewDashboard(q *queue.Queue, history repository.JobRepository) *Dashboard {
	return &Dashboard{queue: q, history: history, now: time.Now}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	jobs, err := d.queue.GetAllJobs(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := Stats{
		TotalJobs:   len(jobs),
		JobsByKind:  make(map[task.TaskKind]int),
		LastUpdated: d.now(),
	}

	var totalWait time.Duration
	waitCount := 0

	for _, job := range jobs {
		switch job.Status {
		case task.StatusPending:
			stats.PendingJobs++
		case task.StatusProcessing:
			stats.ProcessingJobs++
		case task.StatusCompleted:
			stats.CompletedJobs++
		case task.StatusFailed:
			stats.FailedJobs++
		}

		stats.JobsByKind[job.Kind]++

		if job.StartedAt != nil {
			totalWait += job.StartedAt.Sub(job.CreatedAt)
			waitCount++
		}
	}

	if waitCount > 0 {
		stats.AverageWaitTime = (totalWait / time.Duration(waitCount)).Round(time.Millisecond).String()
	} else {
		stats.AverageWaitTime = "N/A"
	}

	writeJSON(w, stats)
}

// GetRecentJobs lists jobs that finished within the last day.
func (d *Dashboard) GetRecentJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := d.queue.GetAllJobs(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cutoff := d.now().Add(-24 * time.Hour)
	history := []JobHistory{}

	for _, job := range jobs {
		if job.CompletedAt == nil || job.CompletedAt.Before(cutoff) {
			continue
		}

		var duration string
		if job.StartedAt != nil {
			duration = job.CompletedAt.Sub(*job.StartedAt).Round(time.Millisecond).String()
		}

		history = append(history, JobHistory{
			JobID:       job.ID,
			Kind:        job.Kind,
			Status:      job.Status,
			CreatedAt:   job.CreatedAt,
			CompletedAt: job.CompletedAt,
			Duration:    duration,
		})
	}

	writeJSON(w, history)
}

// GetJobStats reports persisted job statistics over the last ?hours=N hours.
func (d *Dashboard) GetJobStats(w http.ResponseWriter, r *http.Request) {
	if d.history == nil {
		httputil.WriteJSONError(w, "Job history is not configured", http.StatusServiceUnavailable)
		return
	}

	hours := defaultStatsWindowHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httputil.WriteJSONError(w, "hours must be a positive integer", http.StatusBadRequest)
			return
		}
		hours = parsed
	}

	stats, err := d.history.GetJobStats(r.Context(), hours)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats = []repository.JobStats{}
	}

	writeJSON(w, stats)
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = httputil.WriteJSON(w, http.StatusOK, v)
}
