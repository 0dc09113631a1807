package domain

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid task status transition")

// IsTerminal reports whether no further transition is allowed from s.
func IsTerminal(s TaskStatus) bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition encodes the task lifecycle. Status only moves forward, except
// the retry loop back to pending.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusPending:
		return to == TaskStatusAssigned || to == TaskStatusCancelled
	case TaskStatusAssigned:
		return to == TaskStatusRunning || to == TaskStatusPending || to == TaskStatusCancelled
	case TaskStatusRunning:
		return to == TaskStatusCompleted || to == TaskStatusFailed || to == TaskStatusPending || to == TaskStatusCancelled
	default:
		return false
	}
}

// Transition moves the task to status to and appends a log entry for it.
func (t *Task) Transition(to TaskStatus, entry LogEntry) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, to)
	}
	t.Status = to
	t.appendLog(entry)
	return nil
}

func (t *Task) appendLog(entry LogEntry) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	t.Log = append(t.Log, entry)
	t.UpdatedAt = entry.At
}

// Attempts counts the "started" entries in the execution log.
func (t Task) Attempts() int {
	n := 0
	for _, entry := range t.Log {
		if entry.Event == LogEventStarted {
			n++
		}
	}
	return n
}

// LastEvent returns the most recent log entry of the given kind.
func (t Task) LastEvent(event LogEvent) (LogEntry, bool) {
	for i := len(t.Log) - 1; i >= 0; i-- {
		if t.Log[i].Event == event {
			return t.Log[i], true
		}
	}
	return LogEntry{}, false
}

// Window returns the [start,end] interval of the final attempt of a terminal task.
func (t Task) Window() (time.Time, time.Time, bool) {
	if !IsTerminal(t.Status) {
		return time.Time{}, time.Time{}, false
	}
	start, ok := t.LastEvent(LogEventStarted)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	var end LogEntry
	switch t.Status {
	case TaskStatusCompleted:
		end, ok = t.LastEvent(LogEventCompleted)
	case TaskStatusFailed:
		end, ok = t.LastEvent(LogEventFailed)
	default:
		end, ok = t.LastEvent(LogEventCancelled)
	}
	if !ok || end.At.Before(start.At) {
		return time.Time{}, time.Time{}, false
	}
	return start.At, end.At, true
}

func (t Task) Clone() Task {
	t.Payload.Input = append([]byte(nil), t.Payload.Input...)
	if t.Payload.Parameters != nil {
		params := make(map[string]any, len(t.Payload.Parameters))
		for k, v := range t.Payload.Parameters {
			params[k] = v
		}
		t.Payload.Parameters = params
	}
	t.Requirements.Specializations = append([]string(nil), t.Requirements.Specializations...)
	t.Requirements.Capabilities = append([]Capability(nil), t.Requirements.Capabilities...)
	if t.Requirements.Resources != nil {
		res := make(map[string]string, len(t.Requirements.Resources))
		for k, v := range t.Requirements.Resources {
			res[k] = v
		}
		t.Requirements.Resources = res
	}
	t.Constraints.Dependencies = append([]string(nil), t.Constraints.Dependencies...)
	t.Log = append([]LogEntry(nil), t.Log...)
	if t.Result != nil {
		r := t.Result.Clone()
		t.Result = &r
	}
	return t
}

// NewTask builds the pending record for spec. The caller assigns the ID.
func NewTask(spec TaskSpec, now time.Time) Task {
	t := Task{
		TaskSpec:  spec,
		Status:    TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.appendLog(LogEntry{At: now, Event: LogEventCreated})
	return t
}
