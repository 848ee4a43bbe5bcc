package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskpilot/internal/domain"
	"taskpilot/internal/logging"
)

// Goal is what the engine hands an external planner.
type Goal struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	Corrections []string       `json:"corrections,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type ToolOutcome struct {
	ToolID          string `json:"tool_id"`
	Success         bool   `json:"success"`
	Result          any    `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

type GoalStatus struct {
	ToolResults []ToolOutcome `json:"tool_results"`
	Completed   bool          `json:"completed"`
}

// Planner accepts whole goals and executes them out of band. GoalStatus
// reports false while the planner has nothing to say about id yet.
type Planner interface {
	SubmitGoal(ctx context.Context, goal Goal) (string, error)
	GoalStatus(ctx context.Context, id string) (GoalStatus, bool, error)
}

func goalText(task domain.Task, corrections []string) string {
	var sb strings.Builder
	sb.WriteString(task.Goal)
	if task.Description != "" && task.Description != task.Goal {
		sb.WriteString("\n\nTask: ")
		sb.WriteString(task.Description)
	}
	if len(corrections) > 0 {
		sb.WriteString("\n\nCorrections from previous attempts:")
		for _, c := range corrections {
			sb.WriteString("\n- ")
			sb.WriteString(c)
		}
	}
	return sb.String()
}

// submit hands the task to the planner and returns at once. Progress is
// reported by a background watcher.
func (e *Engine) submit(ctx context.Context, task domain.Task, corrections []string) (any, error) {
	goalID, err := e.Planner.SubmitGoal(ctx, Goal{
		TaskID:      task.ID,
		Description: goalText(task, corrections),
		Priority:    task.Priority.String(),
		Corrections: append([]string(nil), corrections...),
		Metadata:    task.Metadata,
	})
	if err != nil {
		return nil, &domain.InvocationError{Tool: "planner", Err: err}
	}
	e.publish(ctx, domain.Reasoning{TaskID: task.ID, Thought: "Submitted goal " + goalID + " to the planner"})
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		e.watchGoal(context.WithoutCancel(ctx), task.ID, goalID)
	}()
	return map[string]any{
		"status":  "submitted",
		"goal_id": goalID,
		"task_id": task.ID,
		"message": "Goal submitted for execution",
	}, nil
}

// watchGoal polls the planner until the goal completes or the planner timeout
// elapses, publishing each new tool result once.
func (e *Engine) watchGoal(ctx context.Context, taskID, goalID string) {
	timeout := e.Opts.PlannerTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	poll := e.Opts.PlannerPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	seen := 0
	for {
		status, ok, err := e.Planner.GoalStatus(ctx, goalID)
		switch {
		case err != nil:
			logging.Log("planner status failed", slog.LevelWarn, "task_id", taskID, "goal_id", goalID, "error", err)
		case ok:
			for _, r := range status.ToolResults[min(seen, len(status.ToolResults)):] {
				e.publish(ctx, domain.ToolResult{TaskID: taskID, ToolName: r.ToolID, Success: r.Success, Result: r.Result, Error: r.Error})
			}
			seen = max(seen, len(status.ToolResults))
			if status.Completed {
				return
			}
		}
		select {
		case <-ctx.Done():
			e.publish(ctx, domain.Reasoning{TaskID: taskID, Thought: fmt.Sprintf("Planner goal %s did not complete within %s", goalID, timeout)})
			return
		case <-ticker.C:
		}
	}
}
