package events

import (
	"context"
	"sync"

	"taskpilot/internal/domain"
)

// Recorder keeps published events in memory, in publish order.
type Recorder struct {
	mu     sync.Mutex
	events []domain.TimelineEvent
}

func (r *Recorder) Publish(_ context.Context, _ string, ev domain.TimelineEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []domain.TimelineEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TimelineEvent(nil), r.events...)
}

// ForTask returns the events recorded for taskID.
func (r *Recorder) ForTask(taskID string) []domain.TimelineEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TimelineEvent
	for _, ev := range r.events {
		if ev.EventTaskID() == taskID {
			out = append(out, ev)
		}
	}
	return out
}

// Types returns the event type tags recorded for taskID.
func (r *Recorder) Types(taskID string) []string {
	var out []string
	for _, ev := range r.ForTask(taskID) {
		out = append(out, ev.EventType())
	}
	return out
}
