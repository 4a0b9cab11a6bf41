// Package cofoundersdk is a minimal client for the Cofounder HTTP API.
package cofoundersdk

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
)

// Client is a minimal Cofounder HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Step is one unit of task work.
type Step struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Ordinal     int     `json:"ordinal"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	Result      *string `json:"result,omitempty"`
	ErrorDetail *string `json:"error_detail,omitempty"`
	Attempts    int     `json:"attempts"`
}

// Task represents the API task model.
type Task struct {
	ID        string `json:"id"`
	Objective string `json:"objective"`
	Category  string `json:"category"`
	Status    string `json:"status"`
	Iteration int    `json:"iteration"`
	Steps     []Step `json:"steps,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Response is the routed outcome of one request: a chat reply or a task.
type Response struct {
	Mode     string `json:"mode"`
	Category string `json:"category"`
	Reply    string `json:"reply,omitempty"`
	Task     *Task  `json:"task,omitempty"`
}

// Checkpoint represents a saved task snapshot.
type Checkpoint struct {
	Version   int    `json:"version"`
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Objective string `json:"objective"`
	Category  string `json:"category"`
	Iteration int    `json:"iteration"`
	Steps     []Step `json:"steps"`
	CreatedAt string `json:"created_at"`
}

// ContextEntry is one record in the bounded context store.
type ContextEntry struct {
	ID       int64   `json:"id"`
	Category string  `json:"category"`
	TS       string  `json:"ts"`
	Content  string  `json:"content"`
	Metadata *string `json:"metadata,omitempty"`
}

// Snapshot is a bounded view of the context store.
type Snapshot struct {
	Entries []ContextEntry `json:"entries"`
	Tokens  int            `json:"tokens"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Ask routes one request. Set run to execute a created task synchronously.
func (c *Client) Ask(ctx context.Context, text string, run bool) (Response, error) {
	var resp Response
	err := c.do(ctx, http.MethodPost, "v0/requests", map[string]any{"text": text, "run": run}, &resp)
	return resp, err
}

// ListTasks lists tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]Task, error) {
	endpoint := fmt.Sprintf("v0/tasks?limit=%d", limit)
	if status != "" {
		endpoint += "&status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetTask fetches one task with its steps.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RunTask runs a pending or paused task to a terminal state.
func (c *Client) RunTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/run", nil, &resp)
	return resp, err
}

// PauseTask asks a running task to pause at the next step boundary.
func (c *Client) PauseTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/pause", nil, nil)
}

// CancelTask cancels a running task; it ends up paused with a
// checkpoint and can be resumed later.
func (c *Client) CancelTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// ListCheckpoints lists checkpoints, newest first.
func (c *Client) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	var resp struct {
		Items []Checkpoint `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/checkpoints", nil, &resp)
	return resp.Items, err
}

// ResumeCheckpoint rebuilds a task from a checkpoint and runs it.
func (c *Client) ResumeCheckpoint(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/checkpoints/"+url.PathEscape(id)+"/resume", nil, &resp)
	return resp, err
}

// DeleteCheckpoint removes a checkpoint.
func (c *Client) DeleteCheckpoint(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/checkpoints/"+url.PathEscape(id), nil, nil)
}

// GetContext fetches a bounded context snapshot.
func (c *Client) GetContext(ctx context.Context, maxTokens int) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/context?max_tokens=%d", maxTokens), nil, &resp)
	return resp, err
}

// AppendContext appends an entry to a context category.
func (c *Client) AppendContext(ctx context.Context, category, content string, metadata map[string]any) error {
	body := map[string]any{"content": content}
	if metadata != nil {
		body["metadata"] = metadata
	}
	return c.do(ctx, http.MethodPost, "v0/context/"+url.PathEscape(category), body, nil)
}

// Events reads the progress event log after a cursor.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/events?after=%d&limit=%d", after, limit), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
