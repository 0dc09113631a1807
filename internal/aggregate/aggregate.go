// Package aggregate reduces the terminal members of a task group into one
// AggregationResult. Every function here is pure.
package aggregate

import (
	"sort"
	"time"

	"taskdelegate/internal/domain"
)

// DefaultResultType keys results whose executor left Type empty.
const DefaultResultType = "generic"

type Interval struct {
	Start time.Time
	End   time.Time
}

// Ready reports whether every member is completed or failed. A cancelled
// member means the group was reset and never aggregates.
func Ready(tasks []domain.Task) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if t.Status != domain.TaskStatusCompleted && t.Status != domain.TaskStatusFailed {
			return false
		}
	}
	return true
}

// MergeResults folds completed results by type tag: counts are summed,
// insights de-duplicated in first-seen order, metrics kept as sum/count/average.
func MergeResults(tasks []domain.Task) map[string]domain.MergedResult {
	out := make(map[string]domain.MergedResult)
	seen := make(map[string]map[string]struct{})
	for _, t := range tasks {
		if t.Status != domain.TaskStatusCompleted || t.Result == nil {
			continue
		}
		r := t.Result
		key := r.Type
		if key == "" {
			key = DefaultResultType
		}
		merged, ok := out[key]
		if !ok {
			merged = domain.MergedResult{Type: key}
			seen[key] = make(map[string]struct{})
		}
		merged.Tasks++
		if len(r.Counts) > 0 && merged.Counts == nil {
			merged.Counts = make(map[string]int64, len(r.Counts))
		}
		for k, v := range r.Counts {
			merged.Counts[k] += v
		}
		for _, insight := range r.Insights {
			if _, dup := seen[key][insight]; dup {
				continue
			}
			seen[key][insight] = struct{}{}
			merged.Insights = append(merged.Insights, insight)
		}
		if len(r.Metrics) > 0 && merged.Metrics == nil {
			merged.Metrics = make(map[string]domain.MetricSummary, len(r.Metrics))
		}
		for k, v := range r.Metrics {
			m := merged.Metrics[k]
			m.Sum += v
			m.Count++
			m.Average = m.Sum / float64(m.Count)
			merged.Metrics[k] = m
		}
		out[key] = merged
	}
	return out
}

// Contributions attributes each terminal task to the agent that ran its final
// attempt. TotalTime sums the started->completed delta of completed tasks.
func Contributions(tasks []domain.Task) map[string]domain.Contribution {
	out := make(map[string]domain.Contribution)
	for _, t := range tasks {
		agentID := finalAgent(t)
		if agentID == "" {
			continue
		}
		c := out[agentID]
		switch t.Status {
		case domain.TaskStatusCompleted:
			c.TasksCompleted++
			if start, end, ok := t.Window(); ok {
				c.TotalTime += end.Sub(start)
			}
		case domain.TaskStatusFailed:
			c.TasksFailed++
		default:
			continue
		}
		c.SuccessRate = float64(c.TasksCompleted) / float64(c.TasksCompleted+c.TasksFailed)
		out[agentID] = c
	}
	return out
}

func finalAgent(t domain.Task) string {
	if t.AssignedAgent != "" {
		return t.AssignedAgent
	}
	if entry, ok := t.LastEvent(domain.LogEventStarted); ok {
		return entry.AgentID
	}
	return ""
}

// UnionDuration sums the union of the intervals so overlapping work is counted
// once. Empty or inverted intervals are ignored.
func UnionDuration(intervals []Interval) time.Duration {
	valid := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.End.After(iv.Start) {
			valid = append(valid, iv)
		}
	}
	if len(valid) == 0 {
		return 0
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Start.Before(valid[j].Start) })

	var total time.Duration
	cur := valid[0]
	for _, iv := range valid[1:] {
		if !iv.Start.After(cur.End) {
			if iv.End.After(cur.End) {
				cur.End = iv.End
			}
			continue
		}
		total += cur.End.Sub(cur.Start)
		cur = iv
	}
	return total + cur.End.Sub(cur.Start)
}

// Build produces the aggregation for a group whose members are all terminal.
func Build(group domain.Group, tasks []domain.Task, now time.Time) domain.AggregationResult {
	res := domain.AggregationResult{
		GroupID:       group.ID,
		Total:         len(tasks),
		Results:       MergeResults(tasks),
		Contributions: Contributions(tasks),
		AggregatedAt:  now,
	}
	intervals := make([]Interval, 0, len(tasks))
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskStatusCompleted:
			res.Completed++
		case domain.TaskStatusFailed:
			res.Failed++
		}
		start, end, ok := t.Window()
		if !ok {
			continue
		}
		intervals = append(intervals, Interval{Start: start, End: end})
		if res.StartedAt.IsZero() || start.Before(res.StartedAt) {
			res.StartedAt = start
		}
		if end.After(res.CompletedAt) {
			res.CompletedAt = end
		}
	}
	res.ExecutionTime = UnionDuration(intervals)
	return res
}
