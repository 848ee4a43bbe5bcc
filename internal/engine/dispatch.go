package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"taskpilot/internal/domain"
)

const maxCandidates = 3

var codeKeywords = []string{
	"create", "write", "implement", "add", "generate", "refactor",
	"fix", "update", "code", "function", "component", "file",
}

// Classify labels a task description as code work or general work.
func Classify(description string) string {
	lower := strings.ToLower(description)
	for _, k := range codeKeywords {
		if strings.Contains(lower, k) {
			return "code"
		}
	}
	return "general"
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// SelectTools ranks tools by keyword overlap with description and returns at
// most limit of them. Name matches weigh more than tag matches, which weigh
// more than description matches; ties keep id order.
func SelectTools(description string, available []domain.ToolInfo, limit int) []domain.ToolInfo {
	terms := map[string]bool{}
	for _, w := range words(description) {
		if len(w) >= 3 {
			terms[w] = true
		}
	}
	type scored struct {
		info  domain.ToolInfo
		score int
	}
	var ranked []scored
	for _, t := range available {
		score := 0
		for _, w := range words(t.ID) {
			if terms[w] {
				score += 3
			}
		}
		for _, tag := range t.Tags {
			if terms[strings.ToLower(tag)] {
				score += 2
			}
		}
		seen := map[string]bool{}
		for _, w := range words(t.Description) {
			if terms[w] && !seen[w] {
				seen[w] = true
				score++
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{t, score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].info.ID < ranked[j].info.ID
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]domain.ToolInfo, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.info)
	}
	return out
}

func (e *Engine) dispatch(ctx context.Context, task domain.Task, corrections []string) (any, error) {
	if e.Planner != nil {
		return e.submit(ctx, task, corrections)
	}
	return e.runLocal(ctx, task, corrections)
}

func (e *Engine) runLocal(ctx context.Context, task domain.Task, corrections []string) (any, error) {
	kind := Classify(task.Description)
	var available []domain.ToolInfo
	if e.Tools != nil {
		available = e.Tools.ListTools()
	}

	var candidates []domain.ToolInfo
	if pin, _ := task.Metadata["tool"].(string); pin != "" {
		for _, t := range available {
			if t.ID == pin {
				candidates = []domain.ToolInfo{t}
				break
			}
		}
		if candidates == nil {
			return nil, &domain.ValidationError{Field: "metadata.tool", Msg: fmt.Sprintf("tool %q is not registered", pin)}
		}
	} else {
		candidates = SelectTools(task.Description, available, maxCandidates)
	}

	if len(candidates) == 0 {
		e.publish(ctx, domain.Reasoning{TaskID: task.ID, Thought: "No matching tools found. Using general execution approach."})
		return map[string]any{
			"status":     "success",
			"message":    fmt.Sprintf("Task '%s' executed (general mode)", task.Description),
			"task_id":    task.ID,
			"type":       kind,
			"candidates": []string{},
		}, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	e.publish(ctx, domain.Reasoning{TaskID: task.ID, Thought: fmt.Sprintf("Detected %s task. Selected %d tool(s): %s", kind, len(ids), strings.Join(ids, ", "))})

	tool := candidates[0]
	args := toolArgs(task, corrections)
	e.publish(ctx, domain.ToolCalled{TaskID: task.ID, ToolName: tool.ID, Arguments: args})
	out, err := e.Tools.Execute(ctx, tool.ID, args)
	if err != nil {
		e.publish(ctx, domain.ToolResult{TaskID: task.ID, ToolName: tool.ID, Success: false, Error: err.Error()})
		return nil, &domain.InvocationError{Tool: tool.ID, Err: err}
	}
	e.publish(ctx, domain.ToolResult{TaskID: task.ID, ToolName: tool.ID, Success: true, Result: out})
	return map[string]any{
		"status":     "success",
		"message":    fmt.Sprintf("Task executed using tool: %s", tool.ID),
		"task_id":    task.ID,
		"tool":       tool.ID,
		"output":     out,
		"candidates": ids,
		"type":       kind,
	}, nil
}

// toolArgs merges metadata.args with the task context every tool receives.
// Explicit args win over the context keys.
func toolArgs(task domain.Task, corrections []string) map[string]any {
	args := map[string]any{
		"task": task.Description,
		"goal": task.Goal,
	}
	if len(corrections) > 0 {
		args["corrections"] = append([]string(nil), corrections...)
	}
	if extra, ok := task.Metadata["args"].(map[string]any); ok {
		for k, v := range extra {
			args[k] = v
		}
	}
	return args
}
