package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"taskpilot/internal/domain"
)

// Handler runs one tool invocation.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool pairs a handler with the description the engine ranks it by.
type Tool struct {
	Info    domain.ToolInfo
	Handler Handler
}

// Registry is a handler map keyed by tool id. Tools are validated when they
// are registered; an unknown id at execution time is a NotFoundError.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

func (r *Registry) Register(t Tool) error {
	if t.Info.ID == "" {
		return &domain.ValidationError{Field: "id", Msg: "tool id is required"}
	}
	if t.Handler == nil {
		return &domain.ValidationError{Field: "handler", Msg: "tool " + t.Info.ID + " has no handler"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Info.ID]; ok {
		return &domain.ValidationError{Field: "id", Msg: "tool " + t.Info.ID + " already registered"}
	}
	t.Info.Tags = append([]string(nil), t.Info.Tags...)
	t.Info.Required = append([]string(nil), t.Info.Required...)
	r.tools[t.Info.ID] = t
	return nil
}

// Execute validates required parameters and runs the tool.
func (r *Registry) Execute(ctx context.Context, id string, args map[string]any) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &domain.NotFoundError{Kind: "tool", ID: id}
	}
	for _, name := range t.Info.Required {
		if v, ok := args[name]; !ok || v == nil {
			return nil, &domain.ValidationError{Field: name, Msg: fmt.Sprintf("required by %s", id)}
		}
	}
	return t.Handler(ctx, args)
}

// ListTools returns the registered tools ordered by id.
func (r *Registry) ListTools() []domain.ToolInfo {
	r.mu.RLock()
	out := make([]domain.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[id]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

type taskIDKey struct{}

// WithTaskID attaches the id of the task a tool call belongs to.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

func TaskIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}
