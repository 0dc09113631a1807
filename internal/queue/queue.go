// Package queue is the pending-task queue: one FIFO band per priority level.
package queue

import (
	"time"

	"taskdelegate/internal/domain"
)

type entry struct {
	taskID   string
	priority domain.Priority
	readyAt  time.Time
}

// Queue orders task IDs by band (critical first) and FIFO within a band.
// Retries are pushed to the front of their own band. Not safe for concurrent use.
type Queue struct {
	bands map[domain.Priority][]entry
	index map[string]domain.Priority
}

func New() *Queue {
	return &Queue{
		bands: make(map[domain.Priority][]entry, len(domain.PriorityLevels)),
		index: make(map[string]domain.Priority),
	}
}

// Push appends a fresh task to the back of its band.
func (q *Queue) Push(taskID string, p domain.Priority) {
	if _, ok := q.index[taskID]; ok {
		return
	}
	q.bands[p] = append(q.bands[p], entry{taskID: taskID, priority: p})
	q.index[taskID] = p
}

// PushFront puts a retried task ahead of every task in its band. It is not
// eligible before readyAt.
func (q *Queue) PushFront(taskID string, p domain.Priority, readyAt time.Time) {
	if _, ok := q.index[taskID]; ok {
		q.Remove(taskID)
	}
	band := q.bands[p]
	band = append(band, entry{})
	copy(band[1:], band)
	band[0] = entry{taskID: taskID, priority: p, readyAt: readyAt}
	q.bands[p] = band
	q.index[taskID] = p
}

func (q *Queue) Remove(taskID string) bool {
	p, ok := q.index[taskID]
	if !ok {
		return false
	}
	band := q.bands[p]
	for i, e := range band {
		if e.taskID == taskID {
			q.bands[p] = append(band[:i], band[i+1:]...)
			break
		}
	}
	delete(q.index, taskID)
	return true
}

func (q *Queue) Contains(taskID string) bool {
	_, ok := q.index[taskID]
	return ok
}

func (q *Queue) Len() int {
	return len(q.index)
}

// Ready returns queued task IDs eligible at now, highest band first. eligible
// filters out tasks whose dependencies are not satisfied; nil accepts all.
func (q *Queue) Ready(now time.Time, eligible func(taskID string) bool) []string {
	out := make([]string, 0, len(q.index))
	for _, p := range domain.PriorityLevels {
		for _, e := range q.bands[p] {
			if !e.readyAt.IsZero() && now.Before(e.readyAt) {
				continue
			}
			if eligible != nil && !eligible(e.taskID) {
				continue
			}
			out = append(out, e.taskID)
		}
	}
	return out
}

// Slot is one queued task as seen by a dispatch cycle. Gated is set while a
// retry is still inside its backoff window.
type Slot struct {
	TaskID string
	Gated  bool
}

// Scan is Ready that also reports gated retries in their dispatch position.
func (q *Queue) Scan(now time.Time, eligible func(taskID string) bool) []Slot {
	out := make([]Slot, 0, len(q.index))
	for _, p := range domain.PriorityLevels {
		for _, e := range q.bands[p] {
			if eligible != nil && !eligible(e.taskID) {
				continue
			}
			gated := !e.readyAt.IsZero() && now.Before(e.readyAt)
			out = append(out, Slot{TaskID: e.taskID, Gated: gated})
		}
	}
	return out
}

// NextReadyAt returns the earliest backoff deadline still in the future.
func (q *Queue) NextReadyAt(now time.Time) (time.Time, bool) {
	var next time.Time
	for _, band := range q.bands {
		for _, e := range band {
			if e.readyAt.IsZero() || !now.Before(e.readyAt) {
				continue
			}
			if next.IsZero() || e.readyAt.Before(next) {
				next = e.readyAt
			}
		}
	}
	return next, !next.IsZero()
}

// IDs lists every queued task in dispatch order, ignoring backoff.
func (q *Queue) IDs() []string {
	out := make([]string, 0, len(q.index))
	for _, p := range domain.PriorityLevels {
		for _, e := range q.bands[p] {
			out = append(out, e.taskID)
		}
	}
	return out
}
