package server

import (
	"encoding/json"
	"time"

	"taskpilot/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	ID           *string        `json:"id,omitempty"`
	Description  string         `json:"description"`
	Goal         *string        `json:"goal,omitempty"`
	Priority     *string        `json:"priority,omitempty" enum:"low,normal,high,critical"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	Goal         string         `json:"goal"`
	Priority     string         `json:"priority" enum:"low,normal,high,critical"`
	Status       string         `json:"status" enum:"queued,running,completed,failed,cancelled"`
	Dependencies []string       `json:"dependencies"`
	Corrections  []string       `json:"corrections"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at" format:"date-time"`
	StartedAt    *time.Time     `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty" format:"date-time"`
}

type TaskCountsResponse struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

type ChangeResponse struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	Seq           int64     `json:"seq"`
	Kind          string    `json:"kind"`
	Path          string    `json:"path,omitempty"`
	BeforeContent *string   `json:"before_content,omitempty"`
	AfterContent  *string   `json:"after_content,omitempty"`
	Command       string    `json:"command,omitempty"`
	WorkingDir    string    `json:"working_dir,omitempty"`
	CreatedAt     time.Time `json:"created_at" format:"date-time"`
	Reverted      bool      `json:"reverted"`
}

type RevertResponse struct {
	TaskID   string   `json:"task_id"`
	Reverted []string `json:"reverted"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Topic   string         `json:"topic"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id,omitempty"`
	Payload map[string]any `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type ToolResponse struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Required    []string `json:"required"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		Description:  t.Description,
		Goal:         t.Goal,
		Priority:     t.Priority.String(),
		Status:       string(t.Status),
		Dependencies: nonNilSlice(t.Dependencies),
		Corrections:  nonNilSlice(t.Corrections),
		Metadata:     t.Metadata,
		Result:       t.Result,
		Error:        t.Error,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
	}
}

func changeResponse(c domain.Change) ChangeResponse {
	return ChangeResponse{
		ID:            c.ID,
		TaskID:        c.TaskID,
		Seq:           c.Seq,
		Kind:          string(c.Kind),
		Path:          c.Path,
		BeforeContent: c.BeforeContent,
		AfterContent:  c.AfterContent,
		Command:       c.Command,
		WorkingDir:    c.WorkingDir,
		CreatedAt:     c.CreatedAt,
		Reverted:      c.Reverted,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Topic:   e.Topic,
		Type:    e.Type,
		TaskID:  e.TaskID,
		Payload: decodeJSONMap(e.Payload),
	}
}

func toolResponse(info domain.ToolInfo) ToolResponse {
	return ToolResponse{
		ID:          info.ID,
		Description: info.Description,
		Tags:        nonNilSlice(info.Tags),
		Required:    nonNilSlice(info.Required),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
