package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"taskpilot/internal/app"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/domain"
	"taskpilot/internal/logging"
	"taskpilot/internal/migrate"
	"taskpilot/internal/server"
)

var shutdownTelemetry = func(context.Context) error { return nil }

var rootCmd = &cobra.Command{
	Use:   "tp",
	Short: "taskpilot CLI",
	Long: `taskpilot runs agent tasks from a priority queue, retries failures with
corrective hints, records every side effect and can revert them.
- Workspace: the .taskpilot directory holding the sqlite database; taskpilot.yml sits next to it.
- Tasks: queued -> running -> completed | failed, or cancelled from either of the first two.
- Changes: file writes, deletes and commands a task made, newest undone first by 'tp revert'.
- Timeline: every task event, view with 'tp log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var out io.Writer = io.Discard
		if viper.GetBool("verbose") {
			out = os.Stderr
		}
		shutdown, err := logging.SetupOTelSDK(cmd.Context(), logging.Options{
			Writer:  out,
			Traces:  viper.GetBool("verbose"),
			Metrics: viper.GetBool("verbose"),
		})
		if err != nil {
			return err
		}
		shutdownTelemetry = shutdown
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdownTelemetry(context.Background())
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	envFile := filepath.Join(viper.GetString("workspace"), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: %s not loaded: %v\n", envFile, err)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "export logs, traces and metrics to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(changesCmd())
	rootCmd.AddCommand(revertCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default taskpilot.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("Workspace ready at %s (kept existing %s)\n", db.Path(workspace), path)
				return nil
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Workspace ready at %s, config written to %s\n", db.Path(workspace), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing taskpilot.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config with environment overrides applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	return cfgCmd
}

func runCmd() *cobra.Command {
	var file string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enqueue a YAML batch of tasks and run until nothing more can start",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := loadBatch(file)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				for _, t := range tasks {
					if _, err := rt.Submit(ctx, t); err != nil {
						return err
					}
				}
				runCtx := ctx
				if timeout > 0 {
					var cancel context.CancelFunc
					runCtx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				runErr := rt.Scheduler.RunUntilIdle(runCtx)
				rt.Engine.Wait()

				results := make([]domain.Task, 0, len(tasks))
				for _, t := range tasks {
					if got, ok := rt.Store.StatusOf(t.ID); ok {
						results = append(results, got)
					}
				}
				if viper.GetBool("json") {
					if err := printJSON(results); err != nil {
						return err
					}
				} else {
					renderTasks(results)
				}
				if runErr != nil {
					return fmt.Errorf("run interrupted: %w", runErr)
				}
				if c := rt.Store.Counts(); c.Pending > 0 {
					fmt.Fprintf(os.Stderr, "%d task(s) left waiting on dependencies that did not complete\n", c.Pending)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "tasks.yml", "task batch file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop the run after this long (0 = no limit)")
	cmd.Flags().Int("workers", 0, "override runtime.workers")
	cmd.Flags().Int("max-retries", -1, "override runtime.max_retries")
	_ = viper.BindPFlag("workers", cmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("max-retries", cmd.Flags().Lookup("max-retries"))
	return cmd
}

func toolsCmd() *cobra.Command {
	tools := &cobra.Command{Use: "tools", Short: "Registered tools"}
	tools.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List built-in and MCP tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				infos := rt.Tools.ListTools()
				if viper.GetBool("json") {
					return printJSON(infos)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Description", "Tags", "Required"})
				for _, info := range infos {
					tw.AppendRow(table.Row{info.ID, info.Description, strings.Join(info.Tags, ","), strings.Join(info.Required, ",")})
				}
				tw.Render()
				return nil
			})
		},
	})
	return tools
}

func changesCmd() *cobra.Command {
	chg := &cobra.Command{Use: "changes", Short: "Recorded side effects"}
	var taskID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List changes, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var (
					items []domain.Change
					err   error
				)
				if taskID != "" {
					items, err = rt.Changes.History(ctx, taskID)
				} else {
					items, err = rt.Changes.AllChanges(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Task", "Kind", "Target", "When", "Reverted"})
				for _, c := range items {
					target := c.Path
					if c.Kind == domain.ChangeCommandExecuted {
						target = c.Command
					}
					tw.AppendRow(table.Row{c.ID, c.TaskID, c.Kind, target, humanize.Time(c.CreatedAt), c.Reverted})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&taskID, "task", "", "only changes of this task")
	chg.AddCommand(list)
	return chg
}

func revertCmd() *cobra.Command {
	var changeID string
	cmd := &cobra.Command{
		Use:   "revert [task-id]",
		Short: "Undo a task's changes newest first, or a single change with --change",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if changeID == "" && len(args) == 0 {
				return fmt.Errorf("task id or --change required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if changeID != "" {
					ok, err := rt.Revert.RevertChange(ctx, changeID)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(map[string]any{"change_id": changeID, "reverted": ok})
					}
					if ok {
						fmt.Printf("Reverted change %s\n", changeID)
					} else {
						fmt.Printf("Change %s was already reverted or cannot be undone\n", changeID)
					}
					return nil
				}
				ids, err := rt.Revert.RevertTask(ctx, args[0])
				if viper.GetBool("json") {
					out := map[string]any{"task_id": args[0], "reverted": ids}
					if err != nil {
						out["error"] = err.Error()
					}
					if perr := printJSON(out); perr != nil {
						return perr
					}
					return err
				}
				fmt.Printf("Reverted %d change(s) of task %s\n", len(ids), args[0])
				return err
			})
		},
	}
	cmd.Flags().StringVar(&changeID, "change", "", "revert only this change")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Timeline",
		Long:  "Every event the engine published: queueing, steps, tool calls, reasoning, reverts.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Repo.TailEvents(ctx, taskID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Task", "Payload"})
				for _, e := range events {
					when := e.TS
					if ts, err := time.Parse(time.RFC3339Nano, e.TS); err == nil {
						when = humanize.Time(ts)
					}
					tw.AppendRow(table.Row{e.ID, when, e.Type, e.TaskID, truncate(e.Payload, 80)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&taskID, "task", "", "only events of this task")
	return cmd
}

func historyCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Tasks from every run, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tasks, err := rt.Repo.ListTaskHistory(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				renderTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = rt.Config.Server.JWTSecret
				}
				handler, err := server.New(server.Config{Runtime: rt, BasePath: basePath, Auth: server.AuthConfig{JWTSecret: secret}})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, rt.Repo, rt.Config.Webhooks)
				schedDone := make(chan error, 1)
				go func() { schedDone <- rt.Scheduler.Run(ctx) }()

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				if secret == "" {
					fmt.Fprintln(os.Stderr, "warning: no jwt secret configured, the API is unauthenticated")
				}
				fmt.Printf("Serving taskpilot API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				if err := <-schedDone; err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env TASKPILOT_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// loadConfig reads taskpilot.yml and applies flag and TASKPILOT_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if n := viper.GetInt("workers"); n > 0 {
		cfg.Runtime.Workers = n
	}
	if viper.IsSet("max-retries") {
		if n := viper.GetInt("max-retries"); n >= 0 {
			cfg.Runtime.MaxRetries = n
		}
	}
	if v := viper.GetString("diagnosis-provider"); v != "" {
		cfg.Diagnosis.Provider = v
	}
	if v := viper.GetString("diagnosis-model"); v != "" {
		cfg.Diagnosis.Model = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func renderTasks(tasks []domain.Task) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Description", "Priority", "Status", "Retries", "Created", "Error"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{
			t.ID,
			truncate(t.Description, 48),
			t.Priority,
			t.Status,
			len(t.Corrections),
			humanize.Time(t.CreatedAt),
			truncate(t.Error, 60),
		})
	}
	tw.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
