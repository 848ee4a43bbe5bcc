package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskpilot/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

const tsLayout = time.RFC3339Nano

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseOptionalTS(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTS(ns.String)
	return &t
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func optionalTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTS(*t)
}

// Changes

const changeColumns = `seq,id,task_id,kind,COALESCE(path,''),before_content,after_content,COALESCE(command,''),COALESCE(working_dir,''),created_at,reverted`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (domain.Change, error) {
	var (
		c             domain.Change
		kind, created string
		before, after sql.NullString
		reverted      int
	)
	if err := row.Scan(&c.Seq, &c.ID, &c.TaskID, &kind, &c.Path, &before, &after, &c.Command, &c.WorkingDir, &created, &reverted); err != nil {
		return c, err
	}
	c.Kind = domain.ChangeKind(kind)
	c.CreatedAt = parseTS(created)
	c.Reverted = reverted != 0
	if before.Valid {
		s := before.String
		c.BeforeContent = &s
	}
	if after.Valid {
		s := after.String
		c.AfterContent = &s
	}
	return c, nil
}

// InsertChange stores c and returns it with its assigned sequence number.
func (r Repo) InsertChange(ctx context.Context, c domain.Change) (domain.Change, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO changes(id,task_id,kind,path,before_content,after_content,command,working_dir,created_at,reverted) VALUES (?,?,?,?,?,?,?,?,?,0)`,
		c.ID, c.TaskID, string(c.Kind), nullable(c.Path), nullablePtr(c.BeforeContent), nullablePtr(c.AfterContent), nullable(c.Command), nullable(c.WorkingDir), formatTS(c.CreatedAt))
	if err != nil {
		return c, fmt.Errorf("insert change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return c, err
	}
	c.Seq = seq
	c.Reverted = false
	return c, nil
}

func (r Repo) GetChange(ctx context.Context, id string) (domain.Change, error) {
	c, err := scanChange(r.DB.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM changes WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, &domain.NotFoundError{Kind: "change", ID: id}
	}
	return c, err
}

// TaskChanges returns a task's changes in recording order.
func (r Repo) TaskChanges(ctx context.Context, taskID string) ([]domain.Change, error) {
	return r.queryChanges(ctx, `SELECT `+changeColumns+` FROM changes WHERE task_id=? ORDER BY seq ASC`, taskID)
}

// AllChanges returns every recorded change in recording order.
func (r Repo) AllChanges(ctx context.Context) ([]domain.Change, error) {
	return r.queryChanges(ctx, `SELECT `+changeColumns+` FROM changes ORDER BY seq ASC`)
}

func (r Repo) queryChanges(ctx context.Context, query string, args ...any) ([]domain.Change, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// MarkChangeReverted flips reverted on. It reports false when the change was
// already reverted.
func (r Repo) MarkChangeReverted(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE changes SET reverted=1 WHERE id=? AND reverted=0`, id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := r.GetChange(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Snapshots

func (r Repo) UpsertSnapshot(ctx context.Context, s domain.Snapshot) error {
	files := s.ChangedFiles
	if files == nil {
		files = []string{}
	}
	data, err := json.Marshal(files)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO snapshots(task_id,created_at,commit_hash,branch,working_dir,changed_files_json) VALUES (?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET created_at=excluded.created_at, commit_hash=excluded.commit_hash, branch=excluded.branch, working_dir=excluded.working_dir, changed_files_json=excluded.changed_files_json`,
		s.TaskID, formatTS(s.CreatedAt), nullable(s.CommitHash), s.Branch, s.WorkingDir, string(data))
	return err
}

func (r Repo) GetSnapshot(ctx context.Context, taskID string) (domain.Snapshot, error) {
	var (
		s       domain.Snapshot
		created string
		commit  sql.NullString
		files   string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT task_id,created_at,commit_hash,branch,working_dir,changed_files_json FROM snapshots WHERE task_id=?`, taskID).
		Scan(&s.TaskID, &created, &commit, &s.Branch, &s.WorkingDir, &files)
	if errors.Is(err, sql.ErrNoRows) {
		return s, &domain.NotFoundError{Kind: "snapshot", ID: taskID}
	}
	if err != nil {
		return s, err
	}
	s.CreatedAt = parseTS(created)
	s.CommitHash = commit.String
	if err := json.Unmarshal([]byte(files), &s.ChangedFiles); err != nil {
		return s, fmt.Errorf("decode snapshot files: %w", err)
	}
	return s, nil
}

// Events

func (r Repo) AppendEvent(ctx context.Context, ts time.Time, topic, evtType, taskID, payload string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,topic,type,task_id,payload_json) VALUES (?,?,?,?,?)`,
		formatTS(ts), topic, evtType, nullable(taskID), payload)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	TaskID  string
	Type    string
	AfterID int64
	Limit   int
}

// ListEvents returns events in id order, oldest first.
func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	query := `SELECT id,ts,topic,type,COALESCE(task_id,''),payload_json FROM events WHERE id > ?`
	args := []any{f.AfterID}
	if f.TaskID != "" {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Topic, &e.Type, &e.TaskID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// TailEvents returns the newest limit events, oldest first.
func (r Repo) TailEvents(ctx context.Context, taskID string, limit int) ([]domain.Event, error) {
	latest, err := r.LatestEventID(ctx)
	if err != nil {
		return nil, err
	}
	var after int64
	if limit > 0 && taskID == "" && latest > int64(limit) {
		after = latest - int64(limit)
	}
	events, err := r.ListEvents(ctx, EventFilter{TaskID: taskID, AfterID: after})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// Task history

// UpsertTask mirrors a task's latest state.
func (r Repo) UpsertTask(ctx context.Context, t domain.Task) error {
	deps, err := json.Marshal(nonNil(t.Dependencies))
	if err != nil {
		return err
	}
	corrections, err := json.Marshal(nonNil(t.Corrections))
	if err != nil {
		return err
	}
	var result any
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("encode task result: %w", err)
		}
		result = string(b)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO task_history(id,description,goal,priority,status,dependencies_json,corrections_json,result_json,error,created_at,started_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, corrections_json=excluded.corrections_json, result_json=excluded.result_json,
  error=excluded.error, started_at=excluded.started_at, completed_at=excluded.completed_at`,
		t.ID, t.Description, t.Goal, t.Priority.String(), string(t.Status), string(deps), string(corrections), result,
		nullable(t.Error), formatTS(t.CreatedAt), optionalTS(t.StartedAt), optionalTS(t.CompletedAt))
	return err
}

// ListTaskHistory returns mirrored tasks, newest first.
func (r Repo) ListTaskHistory(ctx context.Context, status string, limit int) ([]domain.Task, error) {
	query := taskColumns
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// GetTask returns the mirrored state of one task.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, taskColumns+` WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, &domain.NotFoundError{Kind: "task", ID: id}
	}
	return t, err
}

const taskColumns = `SELECT id,description,goal,priority,status,dependencies_json,corrections_json,result_json,COALESCE(error,''),created_at,started_at,completed_at FROM task_history`

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                         domain.Task
		priority, status, created string
		deps, corrections         string
		result, started, done     sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Description, &t.Goal, &priority, &status, &deps, &corrections, &result, &t.Error, &created, &started, &done); err != nil {
		return t, err
	}
	t.Priority, _ = domain.ParsePriority(priority)
	t.Status = domain.Status(status)
	t.CreatedAt = parseTS(created)
	t.StartedAt = parseOptionalTS(started)
	t.CompletedAt = parseOptionalTS(done)
	_ = json.Unmarshal([]byte(deps), &t.Dependencies)
	_ = json.Unmarshal([]byte(corrections), &t.Corrections)
	if result.Valid {
		_ = json.Unmarshal([]byte(result.String), &t.Result)
	}
	return t, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
