package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"taskpilot/internal/domain"
)

type recorded struct {
	kind   domain.ChangeKind
	taskID string
	path   string
	before string
}

type memRecorder struct {
	mu    sync.Mutex
	items []recorded
}

func (m *memRecorder) add(r recorded) (domain.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, r)
	return domain.Change{TaskID: r.taskID, Kind: r.kind, Path: r.path}, nil
}

func (m *memRecorder) RecordFileCreated(_ context.Context, taskID, path, _ string) (domain.Change, error) {
	return m.add(recorded{kind: domain.ChangeFileCreated, taskID: taskID, path: path})
}

func (m *memRecorder) RecordFileModified(_ context.Context, taskID, path, before, _ string) (domain.Change, error) {
	return m.add(recorded{kind: domain.ChangeFileModified, taskID: taskID, path: path, before: before})
}

func (m *memRecorder) RecordFileDeleted(_ context.Context, taskID, path, before string) (domain.Change, error) {
	return m.add(recorded{kind: domain.ChangeFileDeleted, taskID: taskID, path: path, before: before})
}

func (m *memRecorder) RecordCommand(_ context.Context, taskID, command, _ string) (domain.Change, error) {
	return m.add(recorded{kind: domain.ChangeCommandExecuted, taskID: taskID, path: command})
}

func TestRegisterValidates(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, map[string]any) (any, error) { return nil, nil }
	if err := r.Register(Tool{Handler: noop}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for empty id, got %v", err)
	}
	if err := r.Register(Tool{Info: domain.ToolInfo{ID: "x"}}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for nil handler, got %v", err)
	}
	if err := r.Register(Tool{Info: domain.ToolInfo{ID: "x"}, Handler: noop}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(Tool{Info: domain.ToolInfo{ID: "x"}, Handler: noop}); !domain.IsValidation(err) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestExecuteChecksRequiredAndUnknown(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register(Tool{
		Info: domain.ToolInfo{ID: "echo", Required: []string{"text"}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			called = true
			return args["text"], nil
		},
	})
	if _, err := r.Execute(context.Background(), "echo", map[string]any{}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if called {
		t.Fatalf("handler ran despite missing parameter")
	}
	out, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
	if err != nil || out != "hi" {
		t.Fatalf("unexpected result %v %v", out, err)
	}
	if _, err := r.Execute(context.Background(), "missing", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWriteFileRecordsCreateThenModify(t *testing.T) {
	root := t.TempDir()
	rec := &memRecorder{}
	r := NewRegistry()
	if err := RegisterBuiltins(r, BuiltinOptions{Root: root, Recorder: rec}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	if r.Has("shell.run") {
		t.Fatalf("shell tool registered while disabled")
	}
	ctx := WithTaskID(context.Background(), "t1")
	if _, err := r.Execute(ctx, "fs.write_file", map[string]any{"path": "sub/a.txt", "content": "one"}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := r.Execute(ctx, "fs.write_file", map[string]any{"path": "sub/a.txt", "content": "two"}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	out, err := r.Execute(ctx, "fs.read_file", map[string]any{"path": "sub/a.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.(map[string]any)["content"] != "two" {
		t.Fatalf("unexpected content %v", out)
	}
	if _, err := r.Execute(ctx, "fs.delete_file", map[string]any{"path": "sub/a.txt"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "sub", "a.txt")); !os.IsNotExist(err) {
		t.Fatalf("file should be gone, stat err %v", err)
	}

	want := []domain.ChangeKind{domain.ChangeFileCreated, domain.ChangeFileModified, domain.ChangeFileDeleted}
	if len(rec.items) != len(want) {
		t.Fatalf("expected %d recorded changes, got %+v", len(want), rec.items)
	}
	for i, k := range want {
		if rec.items[i].kind != k || rec.items[i].taskID != "t1" {
			t.Fatalf("change %d: unexpected %+v", i, rec.items[i])
		}
	}
	if rec.items[1].before != "one" || rec.items[2].before != "two" {
		t.Fatalf("before content not captured: %+v", rec.items)
	}
}

func TestPathsOutsideRootsRejected(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	r := NewRegistry()
	RegisterBuiltins(r, BuiltinOptions{Root: root})
	_, err := r.Execute(context.Background(), "fs.write_file", map[string]any{"path": filepath.Join(other, "x.txt"), "content": "x"})
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("expected access denied, got %v", err)
	}
	_, err = r.Execute(context.Background(), "fs.read_file", map[string]any{"path": "../escape.txt"})
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("expected access denied for traversal, got %v", err)
	}

	r2 := NewRegistry()
	RegisterBuiltins(r2, BuiltinOptions{Root: root, AllowedRoots: []string{other}})
	if _, err := r2.Execute(context.Background(), "fs.write_file", map[string]any{"path": filepath.Join(other, "x.txt"), "content": "x"}); err != nil {
		t.Fatalf("allowed root rejected: %v", err)
	}
}

func TestShellRecordsCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	rec := &memRecorder{}
	r := NewRegistry()
	RegisterBuiltins(r, BuiltinOptions{Root: t.TempDir(), ShellEnabled: true, Recorder: rec})
	ctx := WithTaskID(context.Background(), "t1")
	out, err := r.Execute(ctx, "shell.run", map[string]any{"command": "echo hello"})
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	if !strings.Contains(out.(map[string]any)["stdout"].(string), "hello") {
		t.Fatalf("unexpected output %v", out)
	}
	if _, err := r.Execute(ctx, "shell.run", map[string]any{"command": "exit 3"}); err == nil {
		t.Fatalf("expected failure for non-zero exit")
	}
	if len(rec.items) != 2 || rec.items[0].kind != domain.ChangeCommandExecuted {
		t.Fatalf("expected both commands recorded, got %+v", rec.items)
	}
}

func TestRequiredParams(t *testing.T) {
	schema := map[string]any{"type": "object", "required": []string{"path", "mode"}}
	got := requiredParams(schema)
	if len(got) != 2 || got[0] != "path" || got[1] != "mode" {
		t.Fatalf("unexpected required %v", got)
	}
	if requiredParams(nil) != nil {
		t.Fatalf("nil schema should have no required params")
	}
}

func TestTaskIDContext(t *testing.T) {
	if TaskIDFrom(context.Background()) != "" {
		t.Fatalf("expected empty task id")
	}
	if TaskIDFrom(WithTaskID(context.Background(), "abc")) != "abc" {
		t.Fatalf("task id not carried")
	}
}
