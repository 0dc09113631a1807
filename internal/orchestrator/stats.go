package orchestrator

import (
	"context"
	"time"

	"taskdelegate/internal/domain"
	"taskdelegate/internal/registry"
)

func (s *Service) Statistics(ctx context.Context) (domain.Statistics, error) {
	var out domain.Statistics
	err := s.do(ctx, func() {
		out = s.statistics(s.now())
	})
	return out, err
}

func (s *Service) statistics(now time.Time) domain.Statistics {
	agents := s.registry.List(registry.Filter{})
	stats := domain.Statistics{
		Agents:      agentStats(agents),
		Tasks:       s.taskStats(now),
		Groups:      s.groupStats(),
		Performance: s.performanceStats(agents),
		GeneratedAt: now,
	}
	return stats
}

func agentStats(agents []domain.Agent) domain.AgentStats {
	out := domain.AgentStats{
		Total:    len(agents),
		ByStatus: make(map[domain.AgentStatus]int),
	}
	for _, a := range agents {
		out.ByStatus[a.Status]++
		out.Load += a.CurrentLoad
		if a.Status != domain.AgentStatusOffline {
			out.Capacity += a.MaxConcurrentTasks
		}
		if a.Accepting() {
			out.Available++
		}
	}
	return out
}

func (s *Service) taskStats(now time.Time) domain.TaskStats {
	out := domain.TaskStats{
		Total:      len(s.taskOrder),
		ByStatus:   make(map[domain.TaskStatus]int),
		ByPriority: make(map[string]int),
		Queued:     s.queue.Len(),
		Ready:      len(s.queue.Ready(now, s.dependenciesMet)),
	}
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		out.ByStatus[t.Status]++
		out.ByPriority[t.Priority.String()]++
		if n := t.Attempts(); n > 1 {
			out.Retries += n - 1
		}
	}
	blocked := make(map[string]bool)
	for _, id := range s.queue.IDs() {
		t := s.tasks[id]
		if !s.registry.CanEverServe(t.Requirements) {
			out.Unschedulable = append(out.Unschedulable, id)
		}
		if s.blocked(id, blocked, map[string]bool{}) {
			out.Blocked = append(out.Blocked, id)
		}
	}
	return out
}

// blocked reports whether some transitive dependency of taskID is failed or
// cancelled, so the task can never become ready.
func (s *Service) blocked(taskID string, memo, visiting map[string]bool) bool {
	if v, ok := memo[taskID]; ok {
		return v
	}
	if visiting[taskID] {
		return false
	}
	visiting[taskID] = true
	result := false
	for _, dep := range s.tasks[taskID].Constraints.Dependencies {
		d, ok := s.tasks[dep]
		if !ok {
			continue
		}
		if d.Status == domain.TaskStatusFailed || d.Status == domain.TaskStatusCancelled || s.blocked(dep, memo, visiting) {
			result = true
			break
		}
	}
	memo[taskID] = result
	return result
}

func (s *Service) groupStats() domain.GroupStats {
	out := domain.GroupStats{Total: len(s.groupOrder)}
	for _, id := range s.groupOrder {
		g := s.groups[id]
		switch {
		case g.Completed():
			out.Completed++
		case g.Cancelled:
			out.Cancelled++
		default:
			out.Active++
		}
	}
	return out
}

func (s *Service) performanceStats(agents []domain.Agent) domain.PerformanceStats {
	out := domain.PerformanceStats{
		Strategy: s.strategies.Active().Name(),
		Agents:   make([]domain.AgentPerformance, 0, len(agents)),
	}
	completed, failed := 0, 0
	var totalTime time.Duration
	for _, a := range agents {
		m := a.Metrics
		out.Agents = append(out.Agents, domain.AgentPerformance{
			AgentID:          a.ID,
			Name:             a.Name,
			TasksCompleted:   m.TasksCompleted,
			ErrorCount:       m.ErrorCount,
			SuccessRate:      m.SuccessRate,
			AvgExecutionTime: m.AvgExecutionTime,
			CurrentLoad:      a.CurrentLoad,
		})
		completed += m.TasksCompleted
		failed += m.ErrorCount
		totalTime += m.AvgExecutionTime * time.Duration(m.TasksCompleted)
	}
	if completed+failed > 0 {
		out.SuccessRate = float64(completed) / float64(completed+failed)
	}
	if completed > 0 {
		out.AvgExecutionTime = totalTime / time.Duration(completed)
	}
	out.BalancePreview = s.balancePreview(agents)
	return out
}

// balancePreview spreads the queued work over agents that are in service as
// if each had its full capacity free.
func (s *Service) balancePreview(agents []domain.Agent) map[string][]string {
	ids := s.queue.IDs()
	if len(ids) == 0 {
		return nil
	}
	tasks := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, *s.tasks[id])
	}
	free := make([]domain.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Status != domain.AgentStatusIdle && a.Status != domain.AgentStatusBusy {
			continue
		}
		a.CurrentLoad = 0
		a.Reserved = false
		free = append(free, a)
	}
	return s.strategies.Active().Balance(tasks, free)
}
