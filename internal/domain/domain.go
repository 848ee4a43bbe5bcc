package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts the lower-case names used in config files and the API.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, &ValidationError{Field: "priority", Msg: fmt.Sprintf("unknown priority %q", s)}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p Priority) MarshalYAML() (any, error) {
	return p.String(), nil
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether a task in this status has left the queue for good.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is a unit of orchestrated work.
//
// Lifecycle: queued -> running -> completed | failed
//
//	queued/running -> cancelled
type Task struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	Goal         string         `json:"goal"`
	Priority     Priority       `json:"priority"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Status       Status         `json:"status" enum:"queued,running,completed,failed,cancelled"`
	CreatedAt    time.Time      `json:"created_at" format:"date-time"`
	StartedAt    *time.Time     `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty" format:"date-time"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Corrections  []string       `json:"corrections,omitempty"`
}

// NewTask returns a queued task with a fresh id.
func NewTask(description, goal string, priority Priority) Task {
	return Task{
		ID:          uuid.NewString(),
		Description: description,
		Goal:        goal,
		Priority:    priority,
		Status:      StatusQueued,
		CreatedAt:   time.Now().UTC(),
		Metadata:    map[string]any{},
	}
}

// WithDependencies returns t depending on ids. Dependencies are fixed once the
// task is enqueued.
func (t Task) WithDependencies(ids ...string) Task {
	t.Dependencies = append([]string(nil), ids...)
	return t
}

// Clone returns a copy that shares no mutable slices or maps with t.
func (t Task) Clone() Task {
	c := t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Corrections = append([]string(nil), t.Corrections...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return c
}

type ChangeKind string

const (
	ChangeFileCreated      ChangeKind = "file_created"
	ChangeFileModified     ChangeKind = "file_modified"
	ChangeFileDeleted      ChangeKind = "file_deleted"
	ChangeFileRenamed      ChangeKind = "file_renamed"
	ChangeCommandExecuted  ChangeKind = "command_executed"
	ChangeDirectoryCreated ChangeKind = "directory_created"
	ChangeDirectoryDeleted ChangeKind = "directory_deleted"
)

// Change is a recorded side effect attributed to a task.
type Change struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	Seq           int64      `json:"seq"`
	Kind          ChangeKind `json:"kind"`
	Path          string     `json:"path,omitempty"`
	BeforeContent *string    `json:"before_content,omitempty"`
	AfterContent  *string    `json:"after_content,omitempty"`
	Command       string     `json:"command,omitempty"`
	WorkingDir    string     `json:"working_dir,omitempty"`
	CreatedAt     time.Time  `json:"created_at" format:"date-time"`
	Reverted      bool       `json:"reverted"`
}

// Snapshot captures the git state of a working root before a task runs.
type Snapshot struct {
	TaskID       string    `json:"task_id"`
	CreatedAt    time.Time `json:"created_at" format:"date-time"`
	CommitHash   string    `json:"commit_hash,omitempty"`
	Branch       string    `json:"branch"`
	WorkingDir   string    `json:"working_dir"`
	ChangedFiles []string  `json:"changed_files,omitempty"`
}

// Event is a persisted timeline entry.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	Payload string `json:"payload_json"`
}

// ToolInfo describes a registered tool.
type ToolInfo struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Required    []string `json:"required,omitempty"`
}
