// Package api exposes the job service over HTTP: job submission and status,
// conversation history and the streaming chat endpoint.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/nadmax/genwatch/internal/dashboard"
	"github.com/nadmax/genwatch/internal/httputil"
	"github.com/nadmax/genwatch/internal/logging"
	"github.com/nadmax/genwatch/internal/middleware"
	"github.com/nadmax/genwatch/internal/queue"
	"github.com/nadmax/genwatch/internal/repository"
	"github.com/nadmax/genwatch/internal/stream"
	"github.com/nadmax/genwatch/internal/task"
	"github.com/nadmax/genwatch/internal/transcript"
	"github.com/sirupsen/logrus"
)

const chatFailedMessage = "Failed to generate a response."

type API struct {
	queue     *queue.Queue
	messages  repository.MessageRepository
	responder Responder
	logger    logrus.FieldLogger
	router    chi.Router
}

type JobRequest struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params"`
}

type JobResponse struct {
	TaskID string `json:"task_id"`
}

type ChatRequest struct {
	Message     string   `json:"message"`
	Attachments []string `json:"attachments"`
}

// NewAPI wires the routes. history may be nil when job history is not
// persisted.
func NewAPI(q *queue.Queue, messages repository.MessageRepository, history repository.JobRepository, responder Responder, logger logrus.FieldLogger) *API {
	a := &API{
		queue:     q,
		messages:  messages,
		responder: responder,
		logger:    logging.Component(logger, "api"),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.MetricsMiddleware)

	r.Get("/health", a.health)

	dash := dashboard.NewDashboard(q, history)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequireBearer)

		r.Post("/jobs", a.createJob)
		r.Get("/jobs", a.listJobs)
		r.Get("/jobs/{id}", a.getJob)

		r.Get("/conversations/{id}/messages", a.listMessages)
		r.Post("/conversations/{id}/chat", a.chat)

		r.Get("/dashboard/stats", dash.GetStats)
		r.Get("/dashboard/history", dash.GetRecentJobs)
		r.Get("/dashboard/job-stats", dash.GetJobStats)
	})

	a.router = r
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	kind, err := task.ParseKind(req.Kind)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := queue.NewJob(kind, req.Params)
	if err := a.queue.Enqueue(r.Context(), job); err != nil {
		a.logger.WithError(err).WithField("kind", kind).Error("Failed to enqueue job")
		httputil.WriteJSONError(w, "Failed to enqueue job", http.StatusInternalServerError)
		return
	}

	a.logger.WithFields(logrus.Fields{"task_id": job.ID, "kind": kind}).Info("Job enqueued")
	writeJSON(w, http.StatusCreated, JobResponse{TaskID: job.ID})
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.queue.GetAllJobs(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := make([]task.StatusResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, job.StatusResponse())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.queue.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		httputil.WriteJSONError(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, job.StatusResponse())
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.messages.ListMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.logger.WithError(err).Error("Failed to list messages")
		httputil.WriteJSONError(w, "Failed to list messages", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []transcript.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// chat stores the user message, then streams the responder's frames as
// newline-delimited JSON and finishes with exactly one done or error frame.
func (a *API) chat(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	logger := a.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"request_id":      chimw.GetReqID(r.Context()),
	})

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		httputil.WriteJSONError(w, "Message is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	history, err := a.messages.ListMessages(ctx, conversationID)
	if err != nil {
		logger.WithError(err).Error("Failed to load conversation")
		httputil.WriteJSONError(w, "Failed to load conversation", http.StatusInternalServerError)
		return
	}

	user, err := a.messages.AppendMessage(ctx, conversationID, transcript.Message{
		Role:        transcript.RoleUser,
		Content:     req.Message,
		Attachments: req.Attachments,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to store user message")
		httputil.WriteJSONError(w, "Failed to store message", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	emit := func(f stream.Frame) error {
		data, err := stream.Encode(f)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}

	fail := func(err error) {
		logger.WithError(err).Error("Chat turn failed")
		_ = emit(stream.Frame{Type: stream.TypeError, Message: chatFailedMessage, ConversationID: conversationID})
	}

	reply, err := a.responder.Respond(ctx, conversationID, history, req.Message, emit)
	if err != nil {
		fail(err)
		return
	}

	agent, err := a.messages.AppendMessage(ctx, conversationID, transcript.Message{
		Role:          transcript.RoleAgent,
		Content:       reply.Response,
		FunctionCalls: reply.FunctionCalls,
		TokenUsage:    reply.TokenUsage,
	})
	if err != nil {
		fail(err)
		return
	}

	if err := emit(stream.Frame{
		Type:           stream.TypeDone,
		Response:       reply.Response,
		FunctionCalls:  reply.FunctionCalls,
		TokenUsage:     reply.TokenUsage,
		ConversationID: conversationID,
		MessageID:      agent.ID,
		UserMessageID:  user.ID,
	}); err != nil {
		logger.WithError(err).Warn("Failed to write final frame")
		return
	}

	logger.WithField("message_id", agent.ID).Info("Chat turn completed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if err := httputil.WriteJSON(w, status, v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}
