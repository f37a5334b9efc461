package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ErrUnreachable indicates the queue gateway rejected or never received
// a request. Submission failures with this cause are retryable.
var ErrUnreachable = errors.New("queue gateway unreachable")

// Queue abstracts the task broker.
type Queue interface {
	Submit(ctx context.Context, task Task) (string, error)
	Cancel(ctx context.Context, handle string) error
}

// HTTPQueue submits tasks to an HTTP queue gateway.
type HTTPQueue struct {
	base   *url.URL
	client *http.Client
	token  string
}

// NewHTTPQueue builds a queue client from a finalized Config.
func NewHTTPQueue(cfg *Config) (*HTTPQueue, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("queue gateway url: %w", err)
	}

	return &HTTPQueue{
		base:   base,
		client: &http.Client{Timeout: cfg.Timeout.Std()},
		token:  cfg.Token,
	}, nil
}

type submitResponse struct {
	Handle string `json:"handle"`
}

// Submit posts a task and returns the broker's task handle.
func (q *HTTPQueue) Submit(ctx context.Context, task Task) (string, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}

	endpoint := q.base.JoinPath("tasks")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	q.authorize(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrUnreachable, resp.StatusCode, detail)
	}

	var payload submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode: %w", ErrUnreachable, err)
	}
	if payload.Handle == "" {
		payload.Handle = task.TaskKey
	}

	return payload.Handle, nil
}

// Cancel asks the broker to revoke an in-flight task. Best effort: the
// worker may already be running.
func (q *HTTPQueue) Cancel(ctx context.Context, handle string) error {
	endpoint := q.base.JoinPath("tasks", handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	q.authorize(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

func (q *HTTPQueue) authorize(req *http.Request) {
	if q.token != "" {
		req.Header.Set("Authorization", "Bearer "+q.token)
	}
}
