package domain

import "encoding/json"

// TimelineTopic is the topic every lifecycle event is published under.
const TimelineTopic = "agent.timeline"

// TimelineEvent is the closed set of lifecycle records published per task.
// Only types in this package implement it.
type TimelineEvent interface {
	EventType() string
	EventTaskID() string
	timelineEvent()
}

type TaskQueued struct {
	TaskID      string   `json:"task_id"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
}

type TaskStarted struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
}

type StepStarted struct {
	TaskID          string `json:"task_id"`
	StepIndex       int    `json:"step_index"`
	StepDescription string `json:"step_description"`
}

type StepCompleted struct {
	TaskID    string `json:"task_id"`
	StepIndex int    `json:"step_index"`
	Result    any    `json:"result"`
}

type StepFailed struct {
	TaskID    string `json:"task_id"`
	StepIndex int    `json:"step_index"`
	Error     string `json:"error"`
}

type ToolCalled struct {
	TaskID    string         `json:"task_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

type ToolResult struct {
	TaskID   string `json:"task_id"`
	ToolName string `json:"tool_name"`
	Success  bool   `json:"success"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

type TaskCompleted struct {
	TaskID string `json:"task_id"`
	Result any    `json:"result"`
}

type TaskFailed struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

type TaskCancelled struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

type Reasoning struct {
	TaskID     string `json:"task_id"`
	Thought    string `json:"thought"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
}

// Todo is one entry of a TodoUpdated list.
type Todo struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

type TodoUpdated struct {
	TaskID string `json:"task_id"`
	Todos  []Todo `json:"todos"`
}

// RevertCompleted reports the outcome of a revert pass, full or partial.
type RevertCompleted struct {
	TaskID   string `json:"task_id"`
	Reverted int    `json:"reverted"`
	Total    int    `json:"total"`
	Error    string `json:"error,omitempty"`
}

func (TaskQueued) EventType() string      { return "task_queued" }
func (TaskStarted) EventType() string     { return "task_started" }
func (StepStarted) EventType() string     { return "step_started" }
func (StepCompleted) EventType() string   { return "step_completed" }
func (StepFailed) EventType() string      { return "step_failed" }
func (ToolCalled) EventType() string      { return "tool_called" }
func (ToolResult) EventType() string      { return "tool_result" }
func (TaskCompleted) EventType() string   { return "task_completed" }
func (TaskFailed) EventType() string      { return "task_failed" }
func (TaskCancelled) EventType() string   { return "task_cancelled" }
func (Reasoning) EventType() string       { return "reasoning" }
func (TodoUpdated) EventType() string     { return "todo_updated" }
func (RevertCompleted) EventType() string { return "revert_completed" }

func (e TaskQueued) EventTaskID() string      { return e.TaskID }
func (e TaskStarted) EventTaskID() string     { return e.TaskID }
func (e StepStarted) EventTaskID() string     { return e.TaskID }
func (e StepCompleted) EventTaskID() string   { return e.TaskID }
func (e StepFailed) EventTaskID() string      { return e.TaskID }
func (e ToolCalled) EventTaskID() string      { return e.TaskID }
func (e ToolResult) EventTaskID() string      { return e.TaskID }
func (e TaskCompleted) EventTaskID() string   { return e.TaskID }
func (e TaskFailed) EventTaskID() string      { return e.TaskID }
func (e TaskCancelled) EventTaskID() string   { return e.TaskID }
func (e Reasoning) EventTaskID() string       { return e.TaskID }
func (e TodoUpdated) EventTaskID() string     { return e.TaskID }
func (e RevertCompleted) EventTaskID() string { return e.TaskID }

func (TaskQueued) timelineEvent()      {}
func (TaskStarted) timelineEvent()     {}
func (StepStarted) timelineEvent()     {}
func (StepCompleted) timelineEvent()   {}
func (StepFailed) timelineEvent()      {}
func (ToolCalled) timelineEvent()      {}
func (ToolResult) timelineEvent()      {}
func (TaskCompleted) timelineEvent()   {}
func (TaskFailed) timelineEvent()      {}
func (TaskCancelled) timelineEvent()   {}
func (Reasoning) timelineEvent()       {}
func (TodoUpdated) timelineEvent()     {}
func (RevertCompleted) timelineEvent() {}

// MarshalTimelineEvent encodes ev as a flat object tagged with its type.
func MarshalTimelineEvent(ev TimelineEvent) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(ev.EventType())
	fields["type"] = tag
	return json.Marshal(fields)
}
