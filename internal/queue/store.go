package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/domain"
	"taskpilot/internal/events"
)

const defaultCancelReason = "cancelled by user"

// Store owns the pending queue, the active table and the log of finished
// tasks. All three are guarded by mu; no I/O happens while it is held and
// events are published after it is released.
type Store struct {
	mu      sync.RWMutex
	pending []domain.Task
	active  map[string]domain.Task
	done    []domain.Task
	doneIdx map[string]int

	sink   events.Sink
	now    func() time.Time
	notify chan struct{}

	// OnChange, when set, receives a copy of a task after every transition,
	// in transition order. It runs outside mu.
	OnChange func(domain.Task)

	obsMu  sync.Mutex
	outbox []domain.Task
}

func New(sink events.Sink) *Store {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Store{
		active:  map[string]domain.Task{},
		doneIdx: map[string]int{},
		sink:    sink,
		now:     func() time.Time { return time.Now().UTC() },
		notify:  make(chan struct{}, 1),
	}
}

// Notify is signalled whenever a task is enqueued, finished or cancelled.
// Signals coalesce: one pending wake-up covers any number of changes.
func (s *Store) Notify() <-chan struct{} {
	return s.notify
}

func (s *Store) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// changedLocked queues t for OnChange. Callers hold mu and call flush once
// they have released it.
func (s *Store) changedLocked(t domain.Task) {
	if s.OnChange != nil {
		s.outbox = append(s.outbox, t.Clone())
	}
}

// flush delivers queued transitions. Whoever holds obsMu drains the whole
// outbox, so deliveries never overtake each other.
func (s *Store) flush() {
	if s.OnChange == nil {
		return
	}
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	for {
		s.mu.Lock()
		batch := s.outbox
		s.outbox = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, t := range batch {
			s.OnChange(t)
		}
	}
}

func (s *Store) knownLocked(id string) bool {
	if _, ok := s.active[id]; ok {
		return true
	}
	if _, ok := s.doneIdx[id]; ok {
		return true
	}
	for _, p := range s.pending {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Enqueue inserts task before the first pending entry of strictly lower
// priority, so equal priorities keep submission order.
func (s *Store) Enqueue(ctx context.Context, task domain.Task) (string, error) {
	t := task.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.Status = domain.StatusQueued
	t.StartedAt = nil
	t.CompletedAt = nil

	s.mu.Lock()
	if s.knownLocked(t.ID) {
		s.mu.Unlock()
		return "", &domain.ValidationError{Field: "id", Msg: "task " + t.ID + " already exists"}
	}
	pos := len(s.pending)
	for i, p := range s.pending {
		if p.Priority < t.Priority {
			pos = i
			break
		}
	}
	s.pending = append(s.pending, domain.Task{})
	copy(s.pending[pos+1:], s.pending[pos:])
	s.pending[pos] = t
	s.changedLocked(t)
	s.mu.Unlock()

	s.sink.Publish(ctx, domain.TimelineTopic, domain.TaskQueued{TaskID: t.ID, Description: t.Description, Priority: t.Priority})
	s.flush()
	s.wake()
	return t.ID, nil
}

func (s *Store) readyLocked(t domain.Task) bool {
	for _, dep := range t.Dependencies {
		i, ok := s.doneIdx[dep]
		if !ok || s.done[i].Status != domain.StatusCompleted {
			return false
		}
	}
	return true
}

// DequeueNext removes and returns the first pending task, in stored order,
// whose dependencies have all completed. A blocked task does not hold back
// ready tasks queued behind it.
func (s *Store) DequeueNext() (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.pending {
		if !s.readyLocked(t) {
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		return t.Clone(), true
	}
	return domain.Task{}, false
}

// StartNext picks the task DequeueNext would and marks it running in the
// same critical section, so it never leaves the store's view.
func (s *Store) StartNext() (domain.Task, bool) {
	now := s.now()
	s.mu.Lock()
	var (
		t     domain.Task
		found bool
	)
	for i, p := range s.pending {
		if s.readyLocked(p) {
			t, found = p, true
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return domain.Task{}, false
	}
	t.Status = domain.StatusRunning
	t.StartedAt = &now
	s.active[t.ID] = t
	s.changedLocked(t)
	s.mu.Unlock()

	s.flush()
	return t.Clone(), true
}

// IsActive reports whether id is in the active table.
func (s *Store) IsActive(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.active[id]
	return ok
}

// Start marks task running and places it in the active table. A task still
// pending is taken out of the queue.
func (s *Store) Start(task domain.Task) (domain.Task, error) {
	t := task.Clone()
	now := s.now()
	s.mu.Lock()
	if _, ok := s.active[t.ID]; ok {
		s.mu.Unlock()
		return t, &domain.ValidationError{Field: "id", Msg: "task " + t.ID + " is already running"}
	}
	if _, ok := s.doneIdx[t.ID]; ok {
		s.mu.Unlock()
		return t, &domain.ValidationError{Field: "id", Msg: "task " + t.ID + " already finished"}
	}
	for i, p := range s.pending {
		if p.ID == t.ID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.Status = domain.StatusRunning
	t.StartedAt = &now
	s.active[t.ID] = t
	s.changedLocked(t)
	s.mu.Unlock()

	s.flush()
	return t.Clone(), nil
}

// Finish moves an active task into the log with a terminal status. It
// returns ErrNotActive when the task is no longer running, for instance
// because it was cancelled while its last attempt was in flight.
func (s *Store) Finish(id string, status domain.Status, result any, errMsg string) (domain.Task, error) {
	if !status.IsTerminal() {
		return domain.Task{}, &domain.ValidationError{Field: "status", Msg: "not terminal: " + string(status)}
	}
	now := s.now()
	s.mu.Lock()
	t, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return domain.Task{}, domain.ErrNotActive
	}
	delete(s.active, id)
	t.Status = status
	t.CompletedAt = &now
	t.Result = result
	t.Error = errMsg
	s.appendDoneLocked(t)
	s.changedLocked(t)
	s.mu.Unlock()

	s.flush()
	s.wake()
	return t.Clone(), nil
}

func (s *Store) appendDoneLocked(t domain.Task) {
	s.doneIdx[t.ID] = len(s.done)
	s.done = append(s.done, t)
}

// AddCorrection appends a hint to a running task's correction log.
func (s *Store) AddCorrection(id, text string) error {
	s.mu.Lock()
	t, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotActive
	}
	t.Corrections = append(append([]string(nil), t.Corrections...), text)
	s.active[id] = t
	s.changedLocked(t)
	s.mu.Unlock()

	s.flush()
	return nil
}

// Cancel removes a pending or running task and records it as cancelled.
func (s *Store) Cancel(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = defaultCancelReason
	}
	now := s.now()
	s.mu.Lock()
	var (
		t     domain.Task
		found bool
	)
	for i, p := range s.pending {
		if p.ID == id {
			t, found = p, true
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	if !found {
		t, found = s.active[id]
		delete(s.active, id)
	}
	if !found {
		s.mu.Unlock()
		return &domain.NotFoundError{Kind: "task", ID: id}
	}
	t.Status = domain.StatusCancelled
	t.CompletedAt = &now
	t.Error = reason
	s.appendDoneLocked(t)
	s.changedLocked(t)
	s.mu.Unlock()

	s.sink.Publish(ctx, domain.TimelineTopic, domain.TaskCancelled{TaskID: id, Reason: reason})
	s.flush()
	s.wake()
	return nil
}

// StatusOf looks a task up in the active table, then the queue, then the log.
func (s *Store) StatusOf(id string) (domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.active[id]; ok {
		return t.Clone(), true
	}
	for _, p := range s.pending {
		if p.ID == id {
			return p.Clone(), true
		}
	}
	if i, ok := s.doneIdx[id]; ok {
		return s.done[i].Clone(), true
	}
	return domain.Task{}, false
}

// ListAll returns every known task, newest first.
func (s *Store) ListAll() []domain.Task {
	s.mu.RLock()
	out := make([]domain.Task, 0, len(s.pending)+len(s.active)+len(s.done))
	for _, t := range s.active {
		out = append(out, t.Clone())
	}
	for _, t := range s.pending {
		out = append(out, t.Clone())
	}
	for _, t := range s.done {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Pending returns the queue in dequeue-scan order.
func (s *Store) Pending() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Task, 0, len(s.pending))
	for _, t := range s.pending {
		out = append(out, t.Clone())
	}
	return out
}

type Counts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := Counts{Pending: len(s.pending), Running: len(s.active)}
	for _, t := range s.done {
		switch t.Status {
		case domain.StatusCompleted:
			c.Completed++
		case domain.StatusFailed:
			c.Failed++
		case domain.StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}
