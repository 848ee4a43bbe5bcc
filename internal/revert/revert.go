package revert

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/logging"
)

// ChangeLog is the part of the change tracker reverting needs. TaskChanges
// returns only changes that are not reverted yet, oldest first.
type ChangeLog interface {
	TaskChanges(ctx context.Context, taskID string) ([]domain.Change, error)
	Change(ctx context.Context, id string) (domain.Change, error)
	MarkReverted(ctx context.Context, id string) (bool, error)
}

type Service struct {
	Changes ChangeLog
	Events  events.Sink
}

func New(changes ChangeLog, sink events.Sink) *Service {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Service{Changes: changes, Events: sink}
}

var errNoBefore = errors.New("no prior content recorded")

// RevertTask undoes a task's changes newest first and returns the ids it
// reverted. The first failed undo stops the walk; changes reverted before it
// stay reverted and the error names the change that failed.
func (s *Service) RevertTask(ctx context.Context, taskID string) ([]string, error) {
	list, err := s.Changes.TaskChanges(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load changes for %s: %w", taskID, err)
	}
	reverted := []string{}
	var failure error
	for i := len(list) - 1; i >= 0; i-- {
		c := list[i]
		if c.Reverted {
			continue
		}
		ok, err := s.apply(ctx, c)
		if err != nil {
			failure = err
			break
		}
		if ok {
			reverted = append(reverted, c.ID)
		}
	}
	s.report(ctx, taskID, len(reverted), len(list), failure)
	return reverted, failure
}

// RevertChange undoes a single change. It reports false when the change was
// already reverted or its kind cannot be undone.
func (s *Service) RevertChange(ctx context.Context, changeID string) (bool, error) {
	c, err := s.Changes.Change(ctx, changeID)
	if err != nil {
		return false, err
	}
	if c.Reverted {
		return false, nil
	}
	ok, err := s.apply(ctx, c)
	n := 0
	if ok {
		n = 1
	}
	s.report(ctx, c.TaskID, n, 1, err)
	return ok, err
}

func (s *Service) report(ctx context.Context, taskID string, reverted, total int, failure error) {
	ev := domain.RevertCompleted{TaskID: taskID, Reverted: reverted, Total: total}
	if failure != nil {
		ev.Error = failure.Error()
		logging.Log("revert stopped", slog.LevelWarn, "task_id", taskID, "reverted", reverted, "total", total, "error", failure)
	} else {
		logging.Log("revert finished", slog.LevelInfo, "task_id", taskID, "reverted", reverted, "total", total)
	}
	s.Events.Publish(ctx, domain.TimelineTopic, ev)
}

func (s *Service) apply(ctx context.Context, c domain.Change) (bool, error) {
	applied, err := undo(c)
	if err != nil {
		return false, &domain.RevertError{ChangeID: c.ID, Path: c.Path, Err: err}
	}
	if !applied {
		return false, nil
	}
	flipped, err := s.Changes.MarkReverted(ctx, c.ID)
	if err != nil {
		return false, &domain.RevertError{ChangeID: c.ID, Path: c.Path, Err: err}
	}
	if flipped {
		logging.Add(ctx, logging.Reverted, 1)
	}
	return flipped, nil
}

// undo reverses one change on disk. Kinds that cannot be undone are logged
// and reported as not applied.
func undo(c domain.Change) (bool, error) {
	switch c.Kind {
	case domain.ChangeFileCreated:
		if err := os.Remove(c.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		return true, nil
	case domain.ChangeFileModified:
		if c.BeforeContent == nil {
			return false, errNoBefore
		}
		return true, os.WriteFile(c.Path, []byte(*c.BeforeContent), 0o644)
	case domain.ChangeFileDeleted:
		if c.BeforeContent == nil {
			return false, errNoBefore
		}
		if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
			return false, err
		}
		return true, os.WriteFile(c.Path, []byte(*c.BeforeContent), 0o644)
	case domain.ChangeCommandExecuted:
		logging.Log("command changes cannot be reverted", slog.LevelWarn, "change_id", c.ID, "command", c.Command)
		return false, nil
	default:
		logging.Log("change kind cannot be reverted", slog.LevelWarn, "change_id", c.ID, "kind", string(c.Kind))
		return false, nil
	}
}
