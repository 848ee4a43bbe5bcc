package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"taskpilot/internal/config"
	"taskpilot/internal/diagnosis"
	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/logging"
	"taskpilot/internal/queue"
	"taskpilot/internal/tools"
)

// ErrCancelled is returned by Execute when the task was cancelled before it
// could be finalized. Its recorded status stays Cancelled.
var ErrCancelled = errors.New("task cancelled")

// Invoker executes named tools.
type Invoker interface {
	Execute(ctx context.Context, toolID string, args map[string]any) (any, error)
	ListTools() []domain.ToolInfo
}

// Snapshotter captures repository state before a task runs.
type Snapshotter interface {
	CreateSnapshot(ctx context.Context, taskID, workingDir string) (domain.Snapshot, error)
}

type Options struct {
	MaxRetries           int
	RetryBackoff         time.Duration
	WorkingRoot          string
	FailFastOnValidation bool
	PlannerTimeout       time.Duration
	PlannerPoll          time.Duration
	SnapshotTimeout      time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:      3,
		RetryBackoff:    time.Second,
		WorkingRoot:     ".",
		PlannerTimeout:  5 * time.Minute,
		PlannerPoll:     2 * time.Second,
		SnapshotTimeout: 30 * time.Second,
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	o := DefaultOptions()
	if cfg == nil {
		return o
	}
	o.MaxRetries = cfg.Runtime.MaxRetries
	o.RetryBackoff = cfg.Runtime.RetryBackoff
	o.WorkingRoot = cfg.Runtime.WorkingRoot
	o.FailFastOnValidation = cfg.Runtime.FailFastOnValidation
	o.PlannerTimeout = cfg.Planner.Timeout
	o.PlannerPoll = cfg.Planner.PollInterval
	return o
}

type Engine struct {
	Store     *queue.Store
	Tools     Invoker
	Diagnoser diagnosis.Diagnoser
	Events    events.Sink
	Snapshots Snapshotter
	Planner   Planner
	Opts      Options

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	bg      sync.WaitGroup
}

func New(store *queue.Store, invoker Invoker, sink events.Sink, opts Options) *Engine {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Engine{
		Store:     store,
		Tools:     invoker,
		Diagnoser: diagnosis.Heuristic{},
		Events:    sink,
		Opts:      opts,
		cancels:   map[string]context.CancelFunc{},
	}
}

func (e *Engine) publish(ctx context.Context, ev domain.TimelineEvent) {
	if e.Events == nil {
		return
	}
	e.Events.Publish(context.WithoutCancel(ctx), domain.TimelineTopic, ev)
}

// track registers the cancel func of an execution. It reports false when id
// already has one.
func (e *Engine) track(id string, cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancels == nil {
		e.cancels = map[string]context.CancelFunc{}
	}
	if _, ok := e.cancels[id]; ok {
		return false
	}
	e.cancels[id] = cancel
	return true
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()
}

// Wait blocks until background snapshot and planner-watch goroutines return.
func (e *Engine) Wait() {
	e.bg.Wait()
}

// Execute drives task through the attempt loop until it completes, fails
// after MaxRetries+1 attempts, or is cancelled.
func (e *Engine) Execute(ctx context.Context, task domain.Task) (any, error) {
	return e.execute(ctx, task, e.Store.Start)
}

// RunStarted is Execute for a task the store already marked running, as
// returned by Store.StartNext. A task cancelled in between is not run.
func (e *Engine) RunStarted(ctx context.Context, running domain.Task) (any, error) {
	return e.execute(ctx, running, func(t domain.Task) (domain.Task, error) {
		if !e.Store.IsActive(t.ID) {
			return t, fmt.Errorf("%w: %s", ErrCancelled, t.ID)
		}
		return t, nil
	})
}

// execute registers the cancel func before start runs, so a cancel that
// lands at any point after start reaches the attempt loop.
func (e *Engine) execute(ctx context.Context, task domain.Task, start func(domain.Task) (domain.Task, error)) (any, error) {
	id := task.ID
	ctx, span := logging.StartSpan(ctx, "task.execute",
		attribute.String("task.id", id),
		attribute.String("task.priority", task.Priority.String()))
	defer span.End()

	runCtx, cancel := context.WithCancel(tools.WithTaskID(ctx, id))
	defer cancel()
	if !e.track(id, cancel) {
		return nil, &domain.ValidationError{Field: "id", Msg: "task " + id + " is already running"}
	}
	defer e.untrack(id)

	running, err := start(task)
	if err != nil {
		return nil, err
	}

	logging.Add(ctx, logging.TasksStarted, 1)
	e.publish(ctx, domain.TaskStarted{TaskID: id, Description: running.Description})
	e.snapshot(ctx, id)

	var (
		corrections []string
		lastErr     error
		attempt     int
	)
	for {
		if attempt > 0 {
			e.reflect(runCtx, running, attempt, lastErr, &corrections)
		}
		e.publish(ctx, domain.StepStarted{TaskID: id, StepIndex: attempt, StepDescription: stepDescription(running.Description, attempt)})
		logging.Add(ctx, logging.Attempts, 1, attribute.Int("attempt", attempt))

		result, err := e.dispatch(runCtx, running, corrections)
		if err == nil {
			if _, ferr := e.Store.Finish(id, domain.StatusCompleted, result, ""); ferr != nil {
				return nil, e.discard(ctx, id, ferr)
			}
			logging.Add(ctx, logging.TasksCompleted, 1)
			e.publish(ctx, domain.StepCompleted{TaskID: id, StepIndex: attempt, Result: result})
			e.publish(ctx, domain.TaskCompleted{TaskID: id, Result: result})
			return result, nil
		}

		lastErr = err
		e.publish(ctx, domain.StepFailed{TaskID: id, StepIndex: attempt, Error: err.Error()})
		attempt++
		if runCtx.Err() != nil {
			return nil, e.interrupted(ctx, id)
		}
		if attempt > e.Opts.MaxRetries || (e.Opts.FailFastOnValidation && domain.IsValidation(err)) {
			break
		}
		logging.Log("attempt failed, retrying", slog.LevelInfo, "task_id", id, "attempt", attempt, "error", err)
		if !sleep(runCtx, e.Opts.RetryBackoff) {
			return nil, e.interrupted(ctx, id)
		}
	}

	msg := lastErr.Error()
	if _, ferr := e.Store.Finish(id, domain.StatusFailed, nil, msg); ferr != nil {
		return nil, e.discard(ctx, id, ferr)
	}
	logging.Add(ctx, logging.TasksFailed, 1)
	span.SetStatus(codes.Error, msg)
	e.publish(ctx, domain.TaskFailed{TaskID: id, Error: msg})
	logging.Log("task failed", slog.LevelWarn, "task_id", id, "attempts", attempt, "error", msg)
	return nil, &domain.InvocationError{Attempts: attempt, Err: lastErr}
}

// reflect emits the prior error and asks the diagnoser for a correction,
// which is appended to the task's correction log.
func (e *Engine) reflect(ctx context.Context, task domain.Task, attempt int, lastErr error, corrections *[]string) {
	e.publish(ctx, domain.Reasoning{
		TaskID:  task.ID,
		Thought: fmt.Sprintf("Attempt %d failed: %s. Analyzing the error before retrying.", attempt, lastErr),
	})
	if e.Diagnoser == nil {
		return
	}
	start := time.Now()
	hint, ok := e.Diagnoser.SuggestFix(ctx, task.Goal, task.Description, lastErr.Error())
	if !ok || hint == "" {
		return
	}
	took := time.Since(start).Milliseconds()
	e.publish(ctx, domain.Reasoning{TaskID: task.ID, Thought: "Correction plan: " + hint, DurationMs: &took})
	*corrections = append(*corrections, hint)
	if err := e.Store.AddCorrection(task.ID, hint); err != nil && !errors.Is(err, domain.ErrNotActive) {
		logging.Log("record correction failed", slog.LevelWarn, "task_id", task.ID, "error", err)
	}
}

func stepDescription(description string, attempt int) string {
	if attempt == 0 {
		return description
	}
	return fmt.Sprintf("%s (retry %d)", description, attempt)
}

// sleep waits d or until ctx is done. It reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// discard handles a result that arrived after the task stopped being active.
func (e *Engine) discard(ctx context.Context, id string, err error) error {
	if errors.Is(err, domain.ErrNotActive) {
		logging.Log("result discarded for cancelled task", slog.LevelInfo, "task_id", id)
		return fmt.Errorf("%w: %s", ErrCancelled, id)
	}
	return err
}

// interrupted finalizes a task whose context ended mid-loop. When the caller's
// context was cancelled rather than Engine.Cancel, the task is still active
// and is recorded as cancelled here.
func (e *Engine) interrupted(ctx context.Context, id string) error {
	reason := "execution interrupted"
	if cause := context.Cause(ctx); cause != nil {
		reason += ": " + cause.Error()
	}
	if err := e.Store.Cancel(context.WithoutCancel(ctx), id, reason); err == nil {
		logging.Add(ctx, logging.TasksCancelled, 1)
	}
	return fmt.Errorf("%w: %s", ErrCancelled, id)
}

func (e *Engine) snapshot(ctx context.Context, id string) {
	if e.Snapshots == nil {
		return
	}
	root := e.Opts.WorkingRoot
	timeout := e.Opts.SnapshotTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if _, err := e.Snapshots.CreateSnapshot(sctx, id, root); err != nil {
			logging.Log("snapshot failed", slog.LevelWarn, "task_id", id, "root", root, "error", err)
		}
	}()
}

// Cancel marks the task cancelled in the store and signals its attempt loop.
// A tool call already in flight observes the cancelled context; one that
// ignores it may still finish, but its result is discarded.
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	if err := e.Store.Cancel(ctx, id, reason); err != nil {
		return err
	}
	e.mu.Lock()
	cancel := e.cancels[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	logging.Add(ctx, logging.TasksCancelled, 1)
	return nil
}

// EmitTodos publishes a task's current todo list.
func (e *Engine) EmitTodos(ctx context.Context, taskID string, todos []domain.Todo) {
	e.publish(ctx, domain.TodoUpdated{TaskID: taskID, Todos: append([]domain.Todo(nil), todos...)})
}
