// Package workerrun implements the worker runtime client described in
// spec.md §4.8: a daemon that registers with the server, heartbeats,
// polls for pending tasks, claims and executes them, and reports
// progress/success/failure back over the worker protocol.
package workerrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coretask/boardqueue/internal/store"
)

// Client is a thin HTTP client over the gateway's worker protocol
// endpoints (spec.md §6).
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewClient builds a Client against the given server base URL.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Register registers this worker with the server and returns its identity.
func (c *Client) Register(ctx context.Context, hostname, version string, caps []string, maxConcurrent int) (store.Worker, error) {
	var worker store.Worker
	err := c.do(ctx, http.MethodPost, "/workers/register", map[string]any{
		"hostname":             hostname,
		"version":              version,
		"capabilities":         caps,
		"max_concurrent_tasks": maxConcurrent,
	}, &worker)
	return worker, err
}

// HeartbeatResult mirrors registry.HeartbeatResult on the wire.
type HeartbeatResult struct {
	Worker        store.Worker `json:"worker"`
	CancelTaskIDs []string     `json:"cancel_task_ids"`
}

// Heartbeat reports liveness and the currently running task IDs, and
// receives back any task IDs the server wants cancelled.
func (c *Client) Heartbeat(ctx context.Context, workerID string, runningTaskIDs []string) (HeartbeatResult, error) {
	var result HeartbeatResult
	err := c.do(ctx, http.MethodPost, "/workers/heartbeat", map[string]any{
		"worker_id":        workerID,
		"running_task_ids": runningTaskIDs,
	}, &result)
	return result, err
}

// Poll fetches up to limit pending tasks assigned to this worker's user.
func (c *Client) Poll(ctx context.Context, workerID string, limit int) ([]store.Task, error) {
	q := url.Values{}
	q.Set("worker_id", workerID)
	q.Set("limit", strconv.Itoa(limit))
	var tasks []store.Task
	err := c.do(ctx, http.MethodGet, "/workers/tasks/poll?"+q.Encode(), nil, &tasks)
	return tasks, err
}

func (c *Client) workerHeader(req *http.Request, workerID string) {
	req.Header.Set("X-Worker-Id", workerID)
}

// Claim atomically claims a task for workerID.
func (c *Client) Claim(ctx context.Context, taskID, workerID string) (store.Task, error) {
	var task store.Task
	err := c.doWithWorker(ctx, http.MethodPost, "/workers/tasks/"+taskID+"/claim", workerID, nil, &task)
	return task, err
}

// Progress reports an intermediate progress line for a claimed task.
func (c *Client) Progress(ctx context.Context, taskID, workerID, text string) error {
	return c.doWithWorker(ctx, http.MethodPost, "/workers/tasks/"+taskID+"/progress", workerID, map[string]any{"text": text}, nil)
}

// Complete reports a task's successful completion.
func (c *Client) Complete(ctx context.Context, taskID, workerID, outputText string) error {
	return c.doWithWorker(ctx, http.MethodPost, "/workers/tasks/"+taskID+"/complete", workerID, map[string]any{"output_text": outputText}, nil)
}

// Fail reports a task's failure.
func (c *Client) Fail(ctx context.Context, taskID, workerID, errorSummary, outputText string) error {
	return c.doWithWorker(ctx, http.MethodPost, "/workers/tasks/"+taskID+"/fail", workerID, map[string]any{
		"error_summary": errorSummary,
		"output_text":   outputText,
	}, nil)
}

func (c *Client) doWithWorker(ctx context.Context, method, path, workerID string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	c.workerHeader(req, workerID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
