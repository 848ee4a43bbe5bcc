package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"taskpilot/internal/domain"
	"taskpilot/internal/logging"
	"taskpilot/internal/repo"
)

// Sink receives timeline events. Publishing is best-effort: implementations
// log delivery failures and never return them.
type Sink interface {
	Publish(ctx context.Context, topic string, ev domain.TimelineEvent)
}

// Writer persists events into the events table.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (w Writer) Publish(ctx context.Context, topic string, ev domain.TimelineEvent) {
	if err := w.Append(ctx, topic, ev); err != nil {
		logging.Log("event write failed", slog.LevelError, "type", ev.EventType(), "task_id", ev.EventTaskID(), "error", err)
	}
}

func (w Writer) Append(ctx context.Context, topic string, ev domain.TimelineEvent) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	data, err := domain.MarshalTimelineEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.Repo.AppendEvent(ctx, w.Now(), topic, ev.EventType(), ev.EventTaskID(), string(data))
	return err
}

// LogSink mirrors events to the structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, topic string, ev domain.TimelineEvent) {
	logger := s.Logger
	if logger == nil {
		logger = logging.Logger
	}
	level := slog.LevelInfo
	switch ev.(type) {
	case domain.TaskFailed, domain.StepFailed:
		level = slog.LevelWarn
	case domain.Reasoning, domain.ToolCalled, domain.ToolResult, domain.TodoUpdated:
		level = slog.LevelDebug
	}
	logger.Log(ctx, level, "timeline", "topic", topic, "type", ev.EventType(), "task_id", ev.EventTaskID())
}

// Fanout publishes to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, topic string, ev domain.TimelineEvent) {
	for _, s := range f {
		if s == nil {
			continue
		}
		s.Publish(ctx, topic, ev)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, string, domain.TimelineEvent) {}
