package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"taskpilot/internal/domain"
)

// ChangeRecorder receives the side effects built-in tools produce.
type ChangeRecorder interface {
	RecordFileCreated(ctx context.Context, taskID, path, content string) (domain.Change, error)
	RecordFileModified(ctx context.Context, taskID, path, before, after string) (domain.Change, error)
	RecordFileDeleted(ctx context.Context, taskID, path, before string) (domain.Change, error)
	RecordCommand(ctx context.Context, taskID, command, workingDir string) (domain.Change, error)
}

type BuiltinOptions struct {
	// Root resolves relative paths and is always writable.
	Root string
	// AllowedRoots extends the set of directories tools may touch.
	AllowedRoots []string
	ShellEnabled bool
	ShellTimeout time.Duration
	Recorder     ChangeRecorder
}

type builtins struct {
	opts  BuiltinOptions
	roots []string
}

// RegisterBuiltins adds the file and shell tools to r.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) error {
	root := opts.Root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve tool root: %w", err)
	}
	opts.Root = abs
	b := &builtins{opts: opts, roots: []string{abs}}
	for _, extra := range opts.AllowedRoots {
		p, err := filepath.Abs(extra)
		if err != nil {
			return fmt.Errorf("resolve allowed root %q: %w", extra, err)
		}
		b.roots = append(b.roots, p)
	}

	set := []Tool{
		{Info: domain.ToolInfo{ID: "fs.read_file", Description: "Read a text file and return its content", Tags: []string{"file", "read", "code"}, Required: []string{"path"}}, Handler: b.readFile},
		{Info: domain.ToolInfo{ID: "fs.write_file", Description: "Create or overwrite a file with the given content", Tags: []string{"file", "write", "create", "code", "generate"}, Required: []string{"path", "content"}}, Handler: b.writeFile},
		{Info: domain.ToolInfo{ID: "fs.delete_file", Description: "Delete a file", Tags: []string{"file", "delete", "remove"}, Required: []string{"path"}}, Handler: b.deleteFile},
	}
	if opts.ShellEnabled {
		set = append(set, Tool{Info: domain.ToolInfo{ID: "shell.run", Description: "Run a shell command in the working directory", Tags: []string{"shell", "command", "run", "build", "test"}, Required: []string{"command"}}, Handler: b.runShell})
	}
	for _, t := range set {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return "", &domain.ValidationError{Field: name, Msg: "required"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &domain.ValidationError{Field: name, Msg: fmt.Sprintf("must be a string, got %T", v)}
	}
	return s, nil
}

func (b *builtins) resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", &domain.ValidationError{Field: "path", Msg: "must not be empty"}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(b.opts.Root, p)
	}
	p = filepath.Clean(p)
	for _, root := range b.roots {
		rel, err := filepath.Rel(root, p)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("access denied: %s is outside the allowed roots", p)
}

func (b *builtins) record(ctx context.Context, fn func(taskID string) (domain.Change, error)) error {
	taskID := TaskIDFrom(ctx)
	if b.opts.Recorder == nil || taskID == "" {
		return nil
	}
	if _, err := fn(taskID); err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	return nil
}

func (b *builtins) readFile(_ context.Context, args map[string]any) (any, error) {
	raw, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	path, err := b.resolve(raw)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "content": string(data)}, nil
}

func (b *builtins) writeFile(ctx context.Context, args map[string]any) (any, error) {
	raw, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return nil, err
	}
	path, err := b.resolve(raw)
	if err != nil {
		return nil, err
	}
	before, readErr := os.ReadFile(path)
	existed := readErr == nil
	if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
		return nil, readErr
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	err = b.record(ctx, func(taskID string) (domain.Change, error) {
		if existed {
			return b.opts.Recorder.RecordFileModified(ctx, taskID, path, string(before), content)
		}
		return b.opts.Recorder.RecordFileCreated(ctx, taskID, path, content)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "bytes": len(content), "created": !existed}, nil
}

func (b *builtins) deleteFile(ctx context.Context, args map[string]any) (any, error) {
	raw, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	path, err := b.resolve(raw)
	if err != nil {
		return nil, err
	}
	before, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		return nil, err
	}
	err = b.record(ctx, func(taskID string) (domain.Change, error) {
		return b.opts.Recorder.RecordFileDeleted(ctx, taskID, path, string(before))
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "deleted": true}, nil
}

func (b *builtins) runShell(ctx context.Context, args map[string]any) (any, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return nil, err
	}
	dir := b.opts.Root
	if v, ok := args["working_dir"].(string); ok && v != "" {
		if dir, err = b.resolve(v); err != nil {
			return nil, err
		}
	}
	if b.opts.ShellTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.ShellTimeout)
		defer cancel()
	}
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	// The command ran, so it is recorded even when it exited non-zero.
	if err := b.record(ctx, func(taskID string) (domain.Change, error) {
		return b.opts.Recorder.RecordCommand(context.WithoutCancel(ctx), taskID, command, dir)
	}); err != nil {
		return nil, err
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("command failed: %w", runErr)
		}
		return nil, fmt.Errorf("command failed: %s: %w", msg, runErr)
	}
	return map[string]any{"stdout": stdout.String(), "stderr": stderr.String(), "exit_code": 0}, nil
}
