package changes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/domain"
	"taskpilot/internal/repo"
)

// Tracker records the side effects tools produce, per task, in the changes
// table. Sequence numbers come from the table so a task's log is totally
// ordered even when several tools record concurrently.
type Tracker struct {
	Repo repo.Repo
	Now  func() time.Time
	Git  Git
}

func New(r repo.Repo) *Tracker {
	return &Tracker{Repo: r, Now: time.Now, Git: ExecGit{}}
}

func (t *Tracker) now() time.Time {
	if t.Now == nil {
		return time.Now().UTC()
	}
	return t.Now().UTC()
}

func (t *Tracker) record(ctx context.Context, c domain.Change) (domain.Change, error) {
	if c.TaskID == "" {
		return c, &domain.ValidationError{Field: "task_id", Msg: "required"}
	}
	c.ID = uuid.NewString()
	c.CreatedAt = t.now()
	return t.Repo.InsertChange(ctx, c)
}

func (t *Tracker) RecordFileCreated(ctx context.Context, taskID, path, content string) (domain.Change, error) {
	return t.record(ctx, domain.Change{TaskID: taskID, Kind: domain.ChangeFileCreated, Path: path, AfterContent: &content})
}

func (t *Tracker) RecordFileModified(ctx context.Context, taskID, path, before, after string) (domain.Change, error) {
	return t.record(ctx, domain.Change{TaskID: taskID, Kind: domain.ChangeFileModified, Path: path, BeforeContent: &before, AfterContent: &after})
}

func (t *Tracker) RecordFileDeleted(ctx context.Context, taskID, path, before string) (domain.Change, error) {
	return t.record(ctx, domain.Change{TaskID: taskID, Kind: domain.ChangeFileDeleted, Path: path, BeforeContent: &before})
}

func (t *Tracker) RecordCommand(ctx context.Context, taskID, command, workingDir string) (domain.Change, error) {
	return t.record(ctx, domain.Change{TaskID: taskID, Kind: domain.ChangeCommandExecuted, Command: command, WorkingDir: workingDir})
}

// TaskChanges returns the task's changes that have not been reverted, oldest
// first.
func (t *Tracker) TaskChanges(ctx context.Context, taskID string) ([]domain.Change, error) {
	all, err := t.Repo.TaskChanges(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("task changes: %w", err)
	}
	out := all[:0]
	for _, c := range all {
		if !c.Reverted {
			out = append(out, c)
		}
	}
	return out, nil
}

// History returns every change of the task, reverted ones included.
func (t *Tracker) History(ctx context.Context, taskID string) ([]domain.Change, error) {
	return t.Repo.TaskChanges(ctx, taskID)
}

func (t *Tracker) AllChanges(ctx context.Context) ([]domain.Change, error) {
	return t.Repo.AllChanges(ctx)
}

func (t *Tracker) Change(ctx context.Context, id string) (domain.Change, error) {
	return t.Repo.GetChange(ctx, id)
}

// MarkReverted flips the change's reverted flag. Marking twice is a no-op;
// the returned bool reports whether this call did the flip.
func (t *Tracker) MarkReverted(ctx context.Context, id string) (bool, error) {
	return t.Repo.MarkChangeReverted(ctx, id)
}

// CreateSnapshot captures the repository state of workingDir before a task
// runs. A directory outside any git repository still gets a snapshot with an
// empty commit hash.
func (t *Tracker) CreateSnapshot(ctx context.Context, taskID, workingDir string) (domain.Snapshot, error) {
	s := domain.Snapshot{TaskID: taskID, CreatedAt: t.now(), WorkingDir: workingDir, ChangedFiles: []string{}}
	git := t.Git
	if git == nil {
		git = ExecGit{}
	}
	branch, err := git.Branch(ctx, workingDir)
	switch {
	case errors.Is(err, ErrNotRepository):
		s.Branch = ""
	case err != nil:
		return s, fmt.Errorf("snapshot branch: %w", err)
	default:
		s.Branch = branch
		if hash, err := git.Head(ctx, workingDir); err == nil {
			s.CommitHash = hash
		}
		if files, err := git.ChangedFiles(ctx, workingDir); err == nil {
			s.ChangedFiles = files
		}
	}
	if err := t.Repo.UpsertSnapshot(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

func (t *Tracker) Snapshot(ctx context.Context, taskID string) (domain.Snapshot, error) {
	return t.Repo.GetSnapshot(ctx, taskID)
}
