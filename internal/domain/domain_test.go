package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestPriorityOrderingAndNames(t *testing.T) {
	if !(PriorityLow < PriorityNormal && PriorityNormal < PriorityHigh && PriorityHigh < PriorityCritical) {
		t.Fatalf("priorities must be totally ordered low < normal < high < critical")
	}
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		got, err := ParsePriority(p.String())
		if err != nil || got != p {
			t.Fatalf("round trip of %s gave %v %v", p, got, err)
		}
	}
	if p, err := ParsePriority(" HIGH "); err != nil || p != PriorityHigh {
		t.Fatalf("parse should trim and ignore case, got %v %v", p, err)
	}
	if p, _ := ParsePriority(""); p != PriorityNormal {
		t.Fatalf("empty priority should default to normal, got %v", p)
	}
	if _, err := ParsePriority("urgent"); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPriorityJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		P Priority `json:"p"`
	}{PriorityCritical})
	if err != nil || string(b) != `{"p":"critical"}` {
		t.Fatalf("unexpected encoding %s %v", b, err)
	}
	var out struct {
		P Priority `json:"p"`
	}
	if err := json.Unmarshal([]byte(`{"p":"low"}`), &out); err != nil || out.P != PriorityLow {
		t.Fatalf("unexpected decoding %v %v", out.P, err)
	}
	if err := json.Unmarshal([]byte(`{"p":"later"}`), &out); err == nil {
		t.Fatalf("unknown priority should fail to decode")
	}
}

func TestCloneSharesNothingMutable(t *testing.T) {
	task := NewTask("d", "g", PriorityNormal).WithDependencies("a")
	task.Metadata["k"] = "v"
	task.Corrections = []string{"c1"}
	c := task.Clone()
	c.Dependencies[0] = "changed"
	c.Metadata["k"] = "changed"
	c.Corrections[0] = "changed"
	if task.Dependencies[0] != "a" || task.Metadata["k"] != "v" || task.Corrections[0] != "c1" {
		t.Fatalf("clone mutated the original: %+v", task)
	}
	if task.Status != StatusQueued || task.ID == "" {
		t.Fatalf("new task should be queued with an id: %+v", task)
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if StatusQueued.IsTerminal() || StatusRunning.IsTerminal() {
		t.Fatalf("queued and running are not terminal")
	}
	if !StatusCompleted.IsTerminal() || !StatusFailed.IsTerminal() || !StatusCancelled.IsTerminal() {
		t.Fatalf("completed, failed and cancelled are terminal")
	}
}

func TestMarshalTimelineEventTagsType(t *testing.T) {
	ms := int64(12)
	b, err := MarshalTimelineEvent(Reasoning{TaskID: "t1", Thought: "retry", DurationMs: &ms})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["type"] != "reasoning" || fields["task_id"] != "t1" || fields["duration_ms"] != float64(12) {
		t.Fatalf("unexpected payload %s", b)
	}
	b, _ = MarshalTimelineEvent(TaskQueued{TaskID: "t2", Priority: PriorityHigh})
	if err := json.Unmarshal(b, &fields); err != nil || fields["priority"] != "high" || fields["type"] != "task_queued" {
		t.Fatalf("unexpected payload %s", b)
	}
}

func TestErrorWrapping(t *testing.T) {
	var err error = &NotFoundError{Kind: "task", ID: "x"}
	if !errors.Is(fmt.Errorf("lookup: %w", err), ErrNotFound) || err.Error() != "task x not found" {
		t.Fatalf("not found error should unwrap to ErrNotFound: %v", err)
	}
	inv := &InvocationError{Tool: "echo", Err: errors.New("boom")}
	if inv.Error() != "echo: boom" {
		t.Fatalf("unexpected invocation message %q", inv.Error())
	}
	final := &InvocationError{Attempts: 4, Err: inv}
	if final.Error() != "echo: boom" || !errors.Is(final, inv.Err) {
		t.Fatalf("final error should read as the last attempt: %q", final.Error())
	}
	re := &RevertError{ChangeID: "c1", Path: "/tmp/a", Err: errors.New("denied")}
	if re.Error() != "revert change c1 (/tmp/a): denied" {
		t.Fatalf("unexpected revert message %q", re.Error())
	}
}
