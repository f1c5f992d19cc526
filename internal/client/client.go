// Package client talks to the job service: job submission, status polling,
// conversation history and the streaming chat endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/genwatch/internal/auth"
	"github.com/nadmax/genwatch/internal/logging"
	"github.com/nadmax/genwatch/internal/task"
	"github.com/nadmax/genwatch/internal/transcript"
	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 30 * time.Second

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

type SubmitRequest struct {
	Kind   task.TaskKind  `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

type ChatRequest struct {
	ConversationID string   `json:"-"`
	Message        string   `json:"message"`
	Attachments    []string `json:"attachments,omitempty"`
}

type Options struct {
	Timeout time.Duration
	// Transport is shared by the regular and the streaming HTTP client.
	Transport http.RoundTripper
	Logger    logrus.FieldLogger
}

type Client struct {
	baseURL string
	creds   auth.Source
	http    *http.Client
	// stream has no overall timeout; chat responses are bounded by ctx only.
	stream *http.Client
	logger logrus.FieldLogger
}

func New(baseURL string, creds auth.Source, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
		stream:  &http.Client{Transport: opts.Transport},
		logger:  logging.Component(opts.Logger, "client"),
	}
}

// SubmitJob creates a job and returns the id assigned by the server.
func (c *Client) SubmitJob(ctx context.Context, kind task.TaskKind, params map[string]any) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("cannot submit job: unknown kind %q", kind)
	}

	var resp SubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs", SubmitRequest{Kind: kind, Params: params}, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("server returned an empty task id")
	}

	c.logger.WithFields(logrus.Fields{"task_id": resp.TaskID, "kind": kind}).Info("Job submitted")
	return resp.TaskID, nil
}

func (c *Client) TaskStatus(ctx context.Context, taskID string) (task.StatusResponse, error) {
	var resp task.StatusResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// History fetches the server's view of a conversation. It never carries
// token usage.
func (c *Client) History(ctx context.Context, conversationID string) ([]transcript.Message, error) {
	var msgs []transcript.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []transcript.Message{}
	}
	return msgs, nil
}

// Chat opens the event stream for one conversational turn. The caller owns
// the returned body and must close it.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	path := "/api/conversations/" + url.PathEscape(req.ConversationID) + "/chat"

	httpReq, err := c.newRequest(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/x-ndjson, text/event-stream")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat stream: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// newRequest builds an authenticated request. No request is built when the
// credential is missing or expired.
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}
