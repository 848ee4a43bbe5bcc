package revert_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"taskpilot/internal/changes"
	"taskpilot/internal/db"
	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/migrate"
	"taskpilot/internal/repo"
	"taskpilot/internal/revert"
)

type testEnv struct {
	Tracker *changes.Tracker
	Service *revert.Service
	Events  *events.Recorder
	Dir     string
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	tr := changes.New(repo.Repo{DB: conn})
	rec := &events.Recorder{}
	return testEnv{Tracker: tr, Service: revert.New(tr, rec), Events: rec, Dir: dir, Ctx: context.Background()}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestRevertCreatedFileIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.Dir, "new.txt")
	writeFile(t, path, "hello")
	if _, err := env.Tracker.RecordFileCreated(env.Ctx, "t1", path, "hello"); err != nil {
		t.Fatalf("record: %v", err)
	}

	ids, err := env.Service.RevertTask(env.Ctx, "t1")
	if err != nil || len(ids) != 1 {
		t.Fatalf("first revert: %v %v", ids, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file should be removed, stat err %v", err)
	}
	ids, err = env.Service.RevertTask(env.Ctx, "t1")
	if err != nil || len(ids) != 0 {
		t.Fatalf("second revert should do nothing: %v %v", ids, err)
	}
	evs := env.Events.ForTask("t1")
	if len(evs) != 2 {
		t.Fatalf("expected a completion event per pass, got %d", len(evs))
	}
	if ev := evs[1].(domain.RevertCompleted); ev.Reverted != 0 || ev.Total != 0 {
		t.Fatalf("unexpected second event %+v", ev)
	}
}

func TestRevertWalksNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.Dir, "a.txt")
	writeFile(t, path, "v1")
	env.Tracker.RecordFileCreated(env.Ctx, "t1", path, "v1")
	writeFile(t, path, "v2")
	env.Tracker.RecordFileModified(env.Ctx, "t1", path, "v1", "v2")

	ids, err := env.Service.RevertTask(env.Ctx, "t1")
	if err != nil || len(ids) != 2 {
		t.Fatalf("revert: %v %v", ids, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("creation must be undone last, leaving no file; stat err %v", err)
	}
}

func TestRevertRestoresDeletedAndModified(t *testing.T) {
	env := newTestEnv(t)
	modified := filepath.Join(env.Dir, "keep.txt")
	writeFile(t, modified, "changed")
	env.Tracker.RecordFileModified(env.Ctx, "t1", modified, "original", "changed")
	deleted := filepath.Join(env.Dir, "gone", "deep", "file.txt")
	env.Tracker.RecordFileDeleted(env.Ctx, "t1", deleted, "restored")
	env.Tracker.RecordCommand(env.Ctx, "t1", "rm -rf gone", env.Dir)

	ids, err := env.Service.RevertTask(env.Ctx, "t1")
	if err != nil || len(ids) != 2 {
		t.Fatalf("revert: %v %v", ids, err)
	}
	if data, _ := os.ReadFile(modified); string(data) != "original" {
		t.Fatalf("modification not undone: %q", data)
	}
	if data, _ := os.ReadFile(deleted); string(data) != "restored" {
		t.Fatalf("deletion not undone: %q", data)
	}
	left, _ := env.Tracker.TaskChanges(env.Ctx, "t1")
	if len(left) != 1 || left[0].Kind != domain.ChangeCommandExecuted {
		t.Fatalf("command change should stay unreverted, got %+v", left)
	}
}

func TestRevertStopsAtFirstFailure(t *testing.T) {
	env := newTestEnv(t)
	first := filepath.Join(env.Dir, "first.txt")
	writeFile(t, first, "x")
	env.Tracker.RecordFileCreated(env.Ctx, "t1", first, "x")
	bad, _ := env.Tracker.RecordFileModified(env.Ctx, "t1", filepath.Join(env.Dir, "missing-dir", "f.txt"), "before", "after")
	last := filepath.Join(env.Dir, "last.txt")
	writeFile(t, last, "z")
	lastChange, _ := env.Tracker.RecordFileCreated(env.Ctx, "t1", last, "z")

	ids, err := env.Service.RevertTask(env.Ctx, "t1")
	var revErr *domain.RevertError
	if !errors.As(err, &revErr) || revErr.ChangeID != bad.ID {
		t.Fatalf("expected revert error naming %s, got %v", bad.ID, err)
	}
	if len(ids) != 1 || ids[0] != lastChange.ID {
		t.Fatalf("expected only the newest change reverted, got %v", ids)
	}
	if _, err := os.Stat(last); !os.IsNotExist(err) {
		t.Fatalf("newest change should stay reverted")
	}
	if _, err := os.Stat(first); err != nil {
		t.Fatalf("older change must be untouched: %v", err)
	}
	ev := env.Events.ForTask("t1")[0].(domain.RevertCompleted)
	if ev.Reverted != 1 || ev.Total != 3 || ev.Error == "" {
		t.Fatalf("unexpected completion event %+v", ev)
	}
}

func TestRevertSingleChange(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.Dir, "one.txt")
	writeFile(t, path, "1")
	c, _ := env.Tracker.RecordFileCreated(env.Ctx, "t1", path, "1")
	ok, err := env.Service.RevertChange(env.Ctx, c.ID)
	if err != nil || !ok {
		t.Fatalf("revert change: %v %v", ok, err)
	}
	ok, err = env.Service.RevertChange(env.Ctx, c.ID)
	if err != nil || ok {
		t.Fatalf("second revert should be a no-op: %v %v", ok, err)
	}
	if _, err := env.Service.RevertChange(env.Ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
