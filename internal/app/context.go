package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"taskpilot/internal/changes"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/diagnosis"
	"taskpilot/internal/domain"
	"taskpilot/internal/engine"
	"taskpilot/internal/events"
	"taskpilot/internal/logging"
	"taskpilot/internal/migrate"
	"taskpilot/internal/queue"
	"taskpilot/internal/repo"
	"taskpilot/internal/revert"
	"taskpilot/internal/tools"
)

// Runtime is the assembled engine for one workspace, shared by the CLI and
// the HTTP server.
type Runtime struct {
	Workspace string
	Root      string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Changes   *changes.Tracker
	Tools     *tools.Registry
	Store     *queue.Store
	Engine    *engine.Engine
	Scheduler *engine.Scheduler
	Revert    *revert.Service
	Events    events.Sink

	mcp []*tools.MCPInvoker
}

// ResolveRoot returns the absolute working root for cfg. A relative
// working_root is taken relative to the workspace.
func ResolveRoot(workspace string, cfg *config.Config) (string, error) {
	root := cfg.Runtime.WorkingRoot
	if root == "" {
		root = "."
	}
	if !filepath.IsAbs(root) {
		if workspace == "" {
			workspace = "."
		}
		root = filepath.Join(workspace, root)
	}
	return filepath.Abs(root)
}

// Open loads config (unless cfg is given), opens and migrates the workspace
// database and wires every component.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		loaded, err := config.Load(workspace)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	root, err := ResolveRoot(workspace, cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve working root: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rt := &Runtime{Workspace: workspace, Root: root, Config: cfg, DB: conn, Repo: repo.Repo{DB: conn}}
	rt.Changes = changes.New(rt.Repo)
	rt.Events = events.Fanout{events.Writer{Repo: rt.Repo}, events.LogSink{}}

	rt.Store = queue.New(rt.Events)
	rt.Store.OnChange = rt.mirror

	rt.Tools = tools.NewRegistry()
	err = tools.RegisterBuiltins(rt.Tools, tools.BuiltinOptions{
		Root:         root,
		AllowedRoots: cfg.Tools.AllowedRoots,
		ShellEnabled: cfg.Tools.ShellEnabled,
		Recorder:     rt.Changes,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}
	rt.connectMCP(ctx)

	opts := engine.OptionsFromConfig(cfg)
	opts.WorkingRoot = root
	rt.Engine = engine.New(rt.Store, rt.Tools, rt.Events, opts)
	rt.Engine.Diagnoser = newDiagnoser(cfg)
	rt.Engine.Snapshots = rt.Changes
	rt.Scheduler = engine.NewScheduler(rt.Engine, cfg.Runtime.Workers, cfg.Runtime.PollInterval)
	rt.Revert = revert.New(rt.Changes, rt.Events)
	return rt, nil
}

// connectMCP registers the tools of every configured server. A server that
// fails to start is logged and skipped.
func (rt *Runtime) connectMCP(ctx context.Context) {
	for _, srv := range rt.Config.Tools.MCP {
		inv, err := tools.ConnectMCP(ctx, srv.Name, srv.Command, srv.Args...)
		if err != nil {
			logging.Log("mcp server unavailable", slog.LevelWarn, "server", srv.Name, "error", err)
			continue
		}
		n, err := inv.RegisterInto(ctx, rt.Tools)
		if err != nil {
			logging.Log("mcp tool registration failed", slog.LevelWarn, "server", srv.Name, "error", err)
		}
		logging.Log("mcp server connected", slog.LevelInfo, "server", srv.Name, "tools", n)
		rt.mcp = append(rt.mcp, inv)
	}
}

func newDiagnoser(cfg *config.Config) diagnosis.Diagnoser {
	if cfg.Diagnosis.Provider != "ollama" {
		return diagnosis.Heuristic{}
	}
	d, err := diagnosis.NewOllama(cfg.Diagnosis.Model)
	if err != nil {
		logging.Log("ollama diagnoser unavailable, using heuristic", slog.LevelWarn, "error", err)
		return diagnosis.Heuristic{}
	}
	return d
}

// Submit enqueues task. An explicit id must be new to both the live store
// and task_history, so an earlier run's record is never overwritten.
func (rt *Runtime) Submit(ctx context.Context, task domain.Task) (string, error) {
	if task.ID != "" {
		_, err := rt.Repo.GetTask(ctx, task.ID)
		switch {
		case err == nil:
			return "", &domain.ValidationError{Field: "id", Msg: "task " + task.ID + " already exists"}
		case !errors.Is(err, domain.ErrNotFound):
			return "", fmt.Errorf("check task history: %w", err)
		}
	}
	return rt.Store.Enqueue(ctx, task)
}

// mirror persists every task transition into task_history.
func (rt *Runtime) mirror(t domain.Task) {
	if err := rt.Repo.UpsertTask(context.Background(), t); err != nil {
		logging.Log("task history write failed", slog.LevelError, "task_id", t.ID, "error", err)
	}
}

// Close waits for background work, stops MCP servers and closes the database.
func (rt *Runtime) Close() error {
	if rt.Engine != nil {
		rt.Engine.Wait()
	}
	var errs []error
	for _, inv := range rt.mcp {
		errs = append(errs, inv.Close())
	}
	if rt.DB != nil {
		errs = append(errs, rt.DB.Close())
	}
	return errors.Join(errs...)
}
