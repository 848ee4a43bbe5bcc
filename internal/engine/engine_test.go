package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"taskpilot/internal/domain"
	"taskpilot/internal/engine"
	"taskpilot/internal/events"
	"taskpilot/internal/queue"
	"taskpilot/internal/tools"
)

type scriptedInvoker struct {
	mu    sync.Mutex
	tools []domain.ToolInfo
	calls []map[string]any
	fn    func(ctx context.Context, n int, args map[string]any) (any, error)
}

func (s *scriptedInvoker) Execute(ctx context.Context, toolID string, args map[string]any) (any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, args)
	n := len(s.calls)
	s.mu.Unlock()
	return s.fn(ctx, n, args)
}

func (s *scriptedInvoker) ListTools() []domain.ToolInfo { return s.tools }

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func echoTool() []domain.ToolInfo {
	return []domain.ToolInfo{{ID: "echo", Description: "echo the input", Tags: []string{"echo"}}}
}

func testOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.RetryBackoff = time.Millisecond
	opts.PlannerPoll = 5 * time.Millisecond
	return opts
}

type testEnv struct {
	Engine *engine.Engine
	Store  *queue.Store
	Events *events.Recorder
	Ctx    context.Context
}

func newTestEnv(t *testing.T, inv engine.Invoker, opts engine.Options) testEnv {
	t.Helper()
	rec := &events.Recorder{}
	store := queue.New(rec)
	eng := engine.New(store, inv, rec, opts)
	return testEnv{Engine: eng, Store: store, Events: rec, Ctx: context.Background()}
}

func pinned(description string) domain.Task {
	task := domain.NewTask(description, "make it work", domain.PriorityNormal)
	task.Metadata["tool"] = "echo"
	return task
}

func countType(types []string, want string) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

func TestAlwaysFailingTaskUsesAllAttempts(t *testing.T) {
	inv := &scriptedInvoker{tools: echoTool(), fn: func(_ context.Context, n int, _ map[string]any) (any, error) {
		return nil, fmt.Errorf("boom %d", n)
	}}
	env := newTestEnv(t, inv, testOptions())
	task := pinned("always fails")
	env.Store.Enqueue(env.Ctx, task)
	next, _ := env.Store.DequeueNext()

	_, err := env.Engine.Execute(env.Ctx, next)
	var invErr *domain.InvocationError
	if !errors.As(err, &invErr) || invErr.Attempts != 4 {
		t.Fatalf("expected invocation error after 4 attempts, got %v", err)
	}
	if inv.callCount() != 4 {
		t.Fatalf("expected 4 tool calls, got %d", inv.callCount())
	}
	got, _ := env.Store.StatusOf(task.ID)
	if got.Status != domain.StatusFailed || got.CompletedAt == nil {
		t.Fatalf("expected failed task, got %+v", got)
	}
	if got.Error != "echo: boom 4" || err.Error() != got.Error {
		t.Fatalf("error should be the last attempt's message, got %q / %q", got.Error, err.Error())
	}
	if len(got.Corrections) != 3 {
		t.Fatalf("expected 3 corrections, got %v", got.Corrections)
	}
	types := env.Events.Types(task.ID)
	if countType(types, "step_started") != 4 || countType(types, "step_failed") != 4 || countType(types, "task_failed") != 1 {
		t.Fatalf("unexpected timeline %v", types)
	}
	if types[0] != "task_queued" || types[1] != "task_started" || types[len(types)-1] != "task_failed" {
		t.Fatalf("unexpected timeline order %v", types)
	}
}

func TestRetryCarriesCorrectionsAndKeepsGoal(t *testing.T) {
	inv := &scriptedInvoker{tools: echoTool(), fn: func(_ context.Context, n int, args map[string]any) (any, error) {
		if n == 1 {
			return nil, errors.New("open out.txt: no such file or directory")
		}
		return args["goal"], nil
	}}
	env := newTestEnv(t, inv, testOptions())
	task := pinned("write the report")
	env.Store.Enqueue(env.Ctx, task)
	next, _ := env.Store.DequeueNext()

	res, err := env.Engine.Execute(env.Ctx, next)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.(map[string]any)
	if out["status"] != "success" || out["tool"] != "echo" || out["output"] != "make it work" {
		t.Fatalf("unexpected result %v", out)
	}
	got, _ := env.Store.StatusOf(task.ID)
	if got.Status != domain.StatusCompleted || got.Goal != "make it work" || got.Description != "write the report" {
		t.Fatalf("unexpected task %+v", got)
	}
	if len(got.Corrections) != 1 || !strings.Contains(got.Corrections[0], "not found") {
		t.Fatalf("expected path correction, got %v", got.Corrections)
	}
	second := inv.calls[1]
	if cs, ok := second["corrections"].([]string); !ok || len(cs) != 1 {
		t.Fatalf("second attempt should see corrections, got %v", second)
	}
	if _, ok := inv.calls[0]["corrections"]; ok {
		t.Fatalf("first attempt should not carry corrections")
	}
	types := env.Events.Types(task.ID)
	if countType(types, "reasoning") < 2 || types[len(types)-1] != "task_completed" {
		t.Fatalf("unexpected timeline %v", types)
	}
}

func TestValidationErrorsRetriedByDefault(t *testing.T) {
	reg := tools.NewRegistry()
	calls := 0
	reg.Register(tools.Tool{
		Info:    domain.ToolInfo{ID: "echo", Required: []string{"text"}},
		Handler: func(context.Context, map[string]any) (any, error) { calls++; return nil, nil },
	})
	env := newTestEnv(t, reg, testOptions())
	task := pinned("missing args")
	env.Store.Enqueue(env.Ctx, task)
	next, _ := env.Store.DequeueNext()
	_, err := env.Engine.Execute(env.Ctx, next)
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("handler should never run")
	}
	if n := countType(env.Events.Types(task.ID), "step_started"); n != 4 {
		t.Fatalf("expected 4 attempts, got %d", n)
	}
}

func TestFailFastOnValidation(t *testing.T) {
	inv := &scriptedInvoker{tools: echoTool(), fn: func(context.Context, int, map[string]any) (any, error) {
		return nil, &domain.ValidationError{Field: "path", Msg: "required"}
	}}
	opts := testOptions()
	opts.FailFastOnValidation = true
	env := newTestEnv(t, inv, opts)
	task := pinned("bad input")
	env.Store.Enqueue(env.Ctx, task)
	next, _ := env.Store.DequeueNext()
	if _, err := env.Engine.Execute(env.Ctx, next); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if inv.callCount() != 1 {
		t.Fatalf("expected a single attempt, got %d", inv.callCount())
	}
}

func TestUnknownPinnedTool(t *testing.T) {
	env := newTestEnv(t, &scriptedInvoker{tools: echoTool()}, testOptions())
	task := domain.NewTask("x", "y", domain.PriorityNormal)
	task.Metadata["tool"] = "nope"
	env.Store.Enqueue(env.Ctx, task)
	next, _ := env.Store.DequeueNext()
	if _, err := env.Engine.Execute(env.Ctx, next); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGeneralModeWithoutMatchingTools(t *testing.T) {
	env := newTestEnv(t, tools.NewRegistry(), testOptions())
	task := domain.NewTask("ponder the weather", "think", domain.PriorityNormal)
	env.Store.Enqueue(env.Ctx, task)
	next, _ := env.Store.DequeueNext()
	res, err := env.Engine.Execute(env.Ctx, next)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.(map[string]any)
	if out["type"] != "general" || !strings.Contains(out["message"].(string), "general mode") {
		t.Fatalf("unexpected result %v", out)
	}
}

func TestCancelRunningTaskInterruptsTool(t *testing.T) {
	entered := make(chan struct{})
	inv := &scriptedInvoker{tools: echoTool(), fn: func(ctx context.Context, _ int, _ map[string]any) (any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	env := newTestEnv(t, inv, testOptions())
	task := pinned("long running")
	env.Store.Enqueue(env.Ctx, task)
	next, _ := env.Store.DequeueNext()

	done := make(chan error, 1)
	go func() {
		_, err := env.Engine.Execute(env.Ctx, next)
		done <- err
	}()
	<-entered
	if err := env.Engine.Cancel(env.Ctx, task.ID, "user stopped it"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, engine.ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("execute did not return after cancel")
	}
	if inv.callCount() != 1 {
		t.Fatalf("cancelled task must not retry, got %d calls", inv.callCount())
	}
	got, _ := env.Store.StatusOf(task.ID)
	if got.Status != domain.StatusCancelled || got.Error != "user stopped it" {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestLateResultAfterCancelIsDiscarded(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	inv := &scriptedInvoker{tools: echoTool(), fn: func(context.Context, int, map[string]any) (any, error) {
		close(entered)
		<-release
		return "finished anyway", nil
	}}
	env := newTestEnv(t, inv, testOptions())
	task := pinned("ignores cancellation")
	env.Store.Enqueue(env.Ctx, task)
	next, _ := env.Store.DequeueNext()

	done := make(chan error, 1)
	go func() {
		_, err := env.Engine.Execute(env.Ctx, next)
		done <- err
	}()
	<-entered
	env.Engine.Cancel(env.Ctx, task.ID, "")
	close(release)
	if err := <-done; !errors.Is(err, engine.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	got, _ := env.Store.StatusOf(task.ID)
	if got.Status != domain.StatusCancelled || got.Result != nil {
		t.Fatalf("late result overwrote cancellation: %+v", got)
	}
	if countType(env.Events.Types(task.ID), "task_completed") != 0 {
		t.Fatalf("no completion event expected")
	}
}

type fakeSnapshotter struct {
	mu    sync.Mutex
	roots []string
}

func (f *fakeSnapshotter) CreateSnapshot(_ context.Context, taskID, dir string) (domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roots = append(f.roots, dir)
	return domain.Snapshot{TaskID: taskID, WorkingDir: dir}, errors.New("not a git repository")
}

func TestSnapshotFailureDoesNotFailTask(t *testing.T) {
	inv := &scriptedInvoker{tools: echoTool(), fn: func(context.Context, int, map[string]any) (any, error) { return "ok", nil }}
	opts := testOptions()
	opts.WorkingRoot = "/work"
	env := newTestEnv(t, inv, opts)
	snap := &fakeSnapshotter{}
	env.Engine.Snapshots = snap
	task := pinned("snapshot me")
	env.Store.Enqueue(env.Ctx, task)
	next, _ := env.Store.DequeueNext()
	if _, err := env.Engine.Execute(env.Ctx, next); err != nil {
		t.Fatalf("execute: %v", err)
	}
	env.Engine.Wait()
	if len(snap.roots) != 1 || snap.roots[0] != "/work" {
		t.Fatalf("expected one snapshot of /work, got %v", snap.roots)
	}
}

type fakePlanner struct {
	mu       sync.Mutex
	goals    []engine.Goal
	polls    int
	complete int
}

func (p *fakePlanner) SubmitGoal(_ context.Context, g engine.Goal) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.goals = append(p.goals, g)
	return "goal-1", nil
}

func (p *fakePlanner) GoalStatus(context.Context, string) (engine.GoalStatus, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.complete == 0 {
		return engine.GoalStatus{}, false, nil
	}
	results := []engine.ToolOutcome{{ToolID: "fs.read_file", Success: true}}
	if p.polls >= 2 {
		results = append(results, engine.ToolOutcome{ToolID: "fs.write_file", Success: false, Error: "denied"})
	}
	return engine.GoalStatus{ToolResults: results, Completed: p.polls >= p.complete}, true, nil
}

func TestPlannerSubmissionAndWatcher(t *testing.T) {
	planner := &fakePlanner{complete: 3}
	env := newTestEnv(t, nil, testOptions())
	env.Engine.Planner = planner
	task := domain.NewTask("refactor module", "clean code", domain.PriorityHigh)
	env.Store.Enqueue(env.Ctx, task)
	next, _ := env.Store.DequeueNext()

	res, err := env.Engine.Execute(env.Ctx, next)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.(map[string]any)
	if out["status"] != "submitted" || out["goal_id"] != "goal-1" {
		t.Fatalf("unexpected result %v", out)
	}
	env.Engine.Wait()
	if len(planner.goals) != 1 || !strings.Contains(planner.goals[0].Description, "clean code") {
		t.Fatalf("unexpected goals %+v", planner.goals)
	}
	if n := countType(env.Events.Types(task.ID), "tool_result"); n != 2 {
		t.Fatalf("each tool result should be published once, got %d", n)
	}
}

func TestPlannerWatcherTimesOut(t *testing.T) {
	planner := &fakePlanner{}
	opts := testOptions()
	opts.PlannerTimeout = 30 * time.Millisecond
	env := newTestEnv(t, nil, opts)
	env.Engine.Planner = planner
	task := domain.NewTask("slow goal", "g", domain.PriorityNormal)
	env.Store.Enqueue(env.Ctx, task)
	next, _ := env.Store.DequeueNext()
	if _, err := env.Engine.Execute(env.Ctx, next); err != nil {
		t.Fatalf("execute: %v", err)
	}
	env.Engine.Wait()
	evs := env.Events.ForTask(task.ID)
	last, ok := evs[len(evs)-1].(domain.Reasoning)
	if !ok || !strings.Contains(last.Thought, "did not complete") {
		t.Fatalf("expected timeout reasoning, got %#v", evs[len(evs)-1])
	}
}

func TestEmitTodos(t *testing.T) {
	env := newTestEnv(t, nil, testOptions())
	env.Engine.EmitTodos(env.Ctx, "t1", []domain.Todo{{ID: "1", Content: "plan", Status: "done"}})
	evs := env.Events.ForTask("t1")
	if len(evs) != 1 {
		t.Fatalf("expected one event, got %d", len(evs))
	}
	if ev, ok := evs[0].(domain.TodoUpdated); !ok || len(ev.Todos) != 1 {
		t.Fatalf("unexpected event %#v", evs[0])
	}
}

func TestClassifyAndSelectTools(t *testing.T) {
	if engine.Classify("Implement the parser") != "code" || engine.Classify("Summarize the meeting") != "general" {
		t.Fatalf("unexpected classification")
	}
	available := []domain.ToolInfo{
		{ID: "fs.read_file", Description: "Read a text file", Tags: []string{"file", "read"}},
		{ID: "fs.write_file", Description: "Write a file", Tags: []string{"file", "write"}},
		{ID: "shell.run", Description: "Run a shell command", Tags: []string{"shell"}},
		{ID: "fs.delete_file", Description: "Delete a file", Tags: []string{"file", "delete"}},
		{ID: "browser.open", Description: "Open a page"},
	}
	got := engine.SelectTools("read the config file", available, 3)
	if len(got) != 3 || got[0].ID != "fs.read_file" {
		t.Fatalf("unexpected selection %v", got)
	}
	if got := engine.SelectTools("sing a song", available, 3); len(got) != 0 {
		t.Fatalf("expected no candidates, got %v", got)
	}
}
