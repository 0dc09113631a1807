package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestTransitionLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	task := NewTask(TaskSpec{ID: "t1"}, now)
	if task.Status != TaskStatusPending || len(task.Log) != 1 || task.Log[0].Event != LogEventCreated {
		t.Fatalf("unexpected new task: %+v", task)
	}

	steps := []struct {
		to    TaskStatus
		event LogEvent
	}{
		{TaskStatusAssigned, LogEventAssigned},
		{TaskStatusRunning, LogEventStarted},
		{TaskStatusPending, LogEventRetryScheduled},
		{TaskStatusAssigned, LogEventAssigned},
		{TaskStatusRunning, LogEventStarted},
		{TaskStatusCompleted, LogEventCompleted},
	}
	for i, step := range steps {
		at := now.Add(time.Duration(i+1) * time.Second)
		if err := task.Transition(step.to, LogEntry{At: at, Event: step.event, AgentID: "a1"}); err != nil {
			t.Fatalf("step %d -> %s: %v", i, step.to, err)
		}
	}
	if task.Attempts() != 2 {
		t.Fatalf("attempts=%d want 2", task.Attempts())
	}
	if !task.UpdatedAt.Equal(now.Add(6 * time.Second)) {
		t.Fatalf("updated_at=%s", task.UpdatedAt)
	}

	err := task.Transition(TaskStatusPending, LogEntry{Event: LogEventRetryScheduled})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal task must not move, got %v", err)
	}
	if len(task.Log) != 7 {
		t.Fatalf("rejected transition must not log, len=%d", len(task.Log))
	}
}

func TestCanTransitionRejectsSkips(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusPending, TaskStatusRunning, false},
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusAssigned, TaskStatusCompleted, false},
		{TaskStatusRunning, TaskStatusAssigned, false},
		{TaskStatusCancelled, TaskStatusPending, false},
		{TaskStatusFailed, TaskStatusRunning, false},
		{TaskStatusPending, TaskStatusCancelled, true},
		{TaskStatusRunning, TaskStatusFailed, true},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestWindowUsesFinalAttempt(t *testing.T) {
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	task := NewTask(TaskSpec{ID: "t1"}, now)
	mustMove := func(to TaskStatus, event LogEvent, at time.Time) {
		t.Helper()
		if err := task.Transition(to, LogEntry{At: at, Event: event}); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	mustMove(TaskStatusAssigned, LogEventAssigned, now)
	mustMove(TaskStatusRunning, LogEventStarted, now.Add(time.Second))

	if _, _, ok := task.Window(); ok {
		t.Fatalf("running task has no window")
	}

	mustMove(TaskStatusPending, LogEventRetryScheduled, now.Add(2*time.Second))
	mustMove(TaskStatusAssigned, LogEventAssigned, now.Add(3*time.Second))
	mustMove(TaskStatusRunning, LogEventStarted, now.Add(4*time.Second))
	mustMove(TaskStatusFailed, LogEventFailed, now.Add(7*time.Second))

	start, end, ok := task.Window()
	if !ok {
		t.Fatalf("expected window")
	}
	if !start.Equal(now.Add(4*time.Second)) || !end.Equal(now.Add(7*time.Second)) {
		t.Fatalf("window=[%s,%s]", start, end)
	}
}

func TestCloneIsDeep(t *testing.T) {
	task := NewTask(TaskSpec{
		ID:           "t1",
		Payload:      Payload{Operation: "op", Parameters: map[string]any{"k": "v"}},
		Requirements: Requirements{Capabilities: []Capability{CapabilityAnalysis}},
		Constraints:  Constraints{Dependencies: []string{"d1"}},
	}, time.Now())
	task.Result = &Result{Type: "x", Counts: map[string]int64{"n": 1}}

	clone := task.Clone()
	clone.Payload.Parameters["k"] = "changed"
	clone.Requirements.Capabilities[0] = CapabilityReview
	clone.Constraints.Dependencies[0] = "d2"
	clone.Result.Counts["n"] = 9
	clone.Log[0].Detail = "changed"

	if task.Payload.Parameters["k"] != "v" || task.Requirements.Capabilities[0] != CapabilityAnalysis {
		t.Fatalf("clone shares payload or requirements")
	}
	if task.Constraints.Dependencies[0] != "d1" || task.Result.Counts["n"] != 1 || task.Log[0].Detail != "" {
		t.Fatalf("clone shares dependencies, result or log")
	}
}

func TestPriorityText(t *testing.T) {
	if p, err := ParsePriority(""); err != nil || p != PriorityNormal {
		t.Fatalf("empty priority: %v %v", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatalf("expected error for unknown priority")
	}

	var spec TaskSpec
	if err := json.Unmarshal([]byte(`{"priority":"Critical"}`), &spec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if spec.Priority != PriorityCritical {
		t.Fatalf("priority=%s", spec.Priority)
	}
	raw, err := json.Marshal(TaskSpec{Priority: PriorityLow})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["priority"] != "low" {
		t.Fatalf("priority encoded as %v", decoded["priority"])
	}
}

func TestAgentAccepting(t *testing.T) {
	a := Agent{Status: AgentStatusBusy, MaxConcurrentTasks: 2, CurrentLoad: 1}
	if !a.Accepting() {
		t.Fatalf("busy agent under budget should accept")
	}
	a.Reserved = true
	if a.Accepting() {
		t.Fatalf("reserved agent should not accept")
	}
	a = Agent{Status: AgentStatusErrored, MaxConcurrentTasks: 2}
	if a.Accepting() {
		t.Fatalf("errored agent should not accept")
	}
}
