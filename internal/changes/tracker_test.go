package changes_test

import (
	"context"
	"errors"
	"testing"

	"taskpilot/internal/changes"
	"taskpilot/internal/db"
	"taskpilot/internal/domain"
	"taskpilot/internal/migrate"
	"taskpilot/internal/repo"
)

func newTracker(t *testing.T) *changes.Tracker {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return changes.New(repo.Repo{DB: conn})
}

type fakeGit struct {
	branch string
	head   string
	files  []string
	err    error
}

func (g fakeGit) Branch(context.Context, string) (string, error) { return g.branch, g.err }
func (g fakeGit) Head(context.Context, string) (string, error)   { return g.head, nil }
func (g fakeGit) ChangedFiles(context.Context, string) ([]string, error) {
	return g.files, nil
}

func TestTaskChangesOrderedAndFiltered(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	first, err := tr.RecordFileCreated(ctx, "t1", "/tmp/a.txt", "hello")
	if err != nil {
		t.Fatalf("record created: %v", err)
	}
	if _, err := tr.RecordFileModified(ctx, "t1", "/tmp/b.txt", "old", "new"); err != nil {
		t.Fatalf("record modified: %v", err)
	}
	if _, err := tr.RecordCommand(ctx, "t1", "make build", "/tmp"); err != nil {
		t.Fatalf("record command: %v", err)
	}
	if _, err := tr.RecordFileDeleted(ctx, "t2", "/tmp/c.txt", "gone"); err != nil {
		t.Fatalf("record deleted: %v", err)
	}

	list, err := tr.TaskChanges(ctx, "t1")
	if err != nil {
		t.Fatalf("task changes: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].Seq <= list[i-1].Seq {
			t.Fatalf("changes not ordered by seq: %+v", list)
		}
	}
	if list[0].Kind != domain.ChangeFileCreated || list[0].AfterContent == nil || *list[0].AfterContent != "hello" {
		t.Fatalf("unexpected first change %+v", list[0])
	}
	if list[1].BeforeContent == nil || *list[1].BeforeContent != "old" {
		t.Fatalf("expected before content on modification, got %+v", list[1])
	}

	flipped, err := tr.MarkReverted(ctx, first.ID)
	if err != nil || !flipped {
		t.Fatalf("mark reverted: %v %v", flipped, err)
	}
	flipped, err = tr.MarkReverted(ctx, first.ID)
	if err != nil || flipped {
		t.Fatalf("second mark should be a no-op: %v %v", flipped, err)
	}
	list, _ = tr.TaskChanges(ctx, "t1")
	if len(list) != 2 {
		t.Fatalf("reverted change should be filtered, got %d", len(list))
	}
	hist, _ := tr.History(ctx, "t1")
	if len(hist) != 3 || !hist[0].Reverted {
		t.Fatalf("history should keep reverted change: %+v", hist)
	}
	all, _ := tr.AllChanges(ctx)
	if len(all) != 4 {
		t.Fatalf("expected 4 changes overall, got %d", len(all))
	}
}

func TestRecordRequiresTask(t *testing.T) {
	tr := newTracker(t)
	_, err := tr.RecordCommand(context.Background(), "", "ls", ".")
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateSnapshot(t *testing.T) {
	tr := newTracker(t)
	tr.Git = fakeGit{branch: "main", head: "abc123", files: []string{"README.md"}}
	ctx := context.Background()
	if _, err := tr.CreateSnapshot(ctx, "t1", "/work"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	s, err := tr.Snapshot(ctx, "t1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if s.Branch != "main" || s.CommitHash != "abc123" || len(s.ChangedFiles) != 1 || s.WorkingDir != "/work" {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestSnapshotOutsideRepository(t *testing.T) {
	tr := newTracker(t)
	tr.Git = fakeGit{err: changes.ErrNotRepository}
	s, err := tr.CreateSnapshot(context.Background(), "t1", t.TempDir())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if s.CommitHash != "" || s.Branch != "" {
		t.Fatalf("expected empty git state, got %+v", s)
	}
	if _, err := tr.Snapshot(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
