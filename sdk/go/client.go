package taskpilotsdk

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

// Client is a minimal taskpilot HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	Goal         string         `json:"goal"`
	Priority     string         `json:"priority"`
	Status       string         `json:"status"`
	Dependencies []string       `json:"dependencies"`
	Corrections  []string       `json:"corrections"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// NewTask is the payload for CreateTask. Empty fields take server defaults.
type NewTask struct {
	ID           string         `json:"id,omitempty"`
	Description  string         `json:"description"`
	Goal         string         `json:"goal,omitempty"`
	Priority     string         `json:"priority,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Change is a recorded side effect of a task.
type Change struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	Seq           int64     `json:"seq"`
	Kind          string    `json:"kind"`
	Path          string    `json:"path,omitempty"`
	BeforeContent *string   `json:"before_content,omitempty"`
	AfterContent  *string   `json:"after_content,omitempty"`
	Command       string    `json:"command,omitempty"`
	WorkingDir    string    `json:"working_dir,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Reverted      bool      `json:"reverted"`
}

// Event represents a timeline entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Topic   string         `json:"topic"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id"`
	Payload map[string]any `json:"payload"`
}

// Tool describes a tool the server can dispatch to.
type Tool struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Required    []string `json:"required"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTask enqueues a task.
func (c *Client) CreateTask(ctx context.Context, task NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.path("tasks"), task, &resp)
	return resp, err
}

// Task fetches one task.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.path("tasks/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Tasks lists tasks, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := c.path("tasks")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelTask cancels a queued or running task.
func (c *Client) CancelTask(ctx context.Context, id, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("tasks/%s/cancel", url.PathEscape(id))), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// RevertTask undoes a task's recorded changes and returns the reverted ids.
func (c *Client) RevertTask(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Reverted []string `json:"reverted"`
	}
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("tasks/%s/revert", url.PathEscape(id))), nil, &resp)
	return resp.Reverted, err
}

// TaskChanges lists the changes a task has not reverted yet.
func (c *Client) TaskChanges(ctx context.Context, id string) ([]Change, error) {
	var resp []Change
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("tasks/%s/changes", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// Tools lists registered tools.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var resp []Tool
	err := c.do(ctx, http.MethodGet, c.path("tools"), nil, &resp)
	return resp, err
}

// Events returns events for a task, or all events when taskID is empty.
func (c *Client) Events(ctx context.Context, taskID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, taskID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, taskID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.path("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
