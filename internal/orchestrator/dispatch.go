package orchestrator

import (
	"context"
	"time"

	"taskdelegate/internal/domain"
	"taskdelegate/internal/strategy"
)

// dispatch pairs ready tasks with available agents until no pairing remains.
// Tasks are visited in priority order and each asks the active strategy for an
// agent among the current snapshots. An agent that could serve a retry still
// in backoff is held for it, so tasks queued behind the retry cannot take it.
func (s *Service) dispatch(ctx context.Context) {
	if s.queue.Len() == 0 || ctx.Err() != nil {
		return
	}
	now := s.now()
	defer s.armBackoff(now)

	slots := s.queue.Scan(now, s.dependenciesMet)
	if len(slots) == 0 {
		return
	}
	agents := s.registry.Available()
	if len(agents) == 0 {
		return
	}
	inflight := s.groupInflight()
	active := s.strategies.Active()
	held := make(map[string]bool)

	for _, slot := range slots {
		if len(agents) == 0 {
			return
		}
		task := s.tasks[slot.TaskID]
		if g := s.groups[task.GroupID]; g != nil && g.MaxParallel > 0 && inflight[g.ID] >= g.MaxParallel {
			continue
		}
		if slot.Gated {
			for _, a := range agents {
				if strategy.Feasible(*task, a) {
					held[a.ID] = true
				}
			}
			continue
		}
		agent, ok := active.Select(*task, unheld(agents, held))
		if !ok {
			continue
		}
		if err := s.start(ctx, task, agent); err != nil {
			s.logger.Printf("dispatch task=%s agent=%s: %v", task.ID, agent.ID, err)
			continue
		}
		if task.GroupID != "" {
			inflight[task.GroupID]++
		}
		agents = s.registry.Available()
	}
}

func unheld(agents []domain.Agent, held map[string]bool) []domain.Agent {
	if len(held) == 0 {
		return agents
	}
	out := make([]domain.Agent, 0, len(agents))
	for _, a := range agents {
		if !held[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

// dependenciesMet reports whether every dependency of taskID is completed.
func (s *Service) dependenciesMet(taskID string) bool {
	task, ok := s.tasks[taskID]
	if !ok {
		return false
	}
	for _, dep := range task.Constraints.Dependencies {
		d, ok := s.tasks[dep]
		if !ok || d.Status != domain.TaskStatusCompleted {
			return false
		}
	}
	return true
}

func (s *Service) groupInflight() map[string]int {
	out := make(map[string]int)
	for id := range s.running {
		if t := s.tasks[id]; t != nil && t.GroupID != "" {
			out[t.GroupID]++
		}
	}
	return out
}

// armBackoff schedules a wake-up for the earliest retry still gated by backoff.
func (s *Service) armBackoff(now time.Time) {
	next, ok := s.queue.NextReadyAt(now)
	if !ok {
		return
	}
	if s.backoff != nil && s.backoffAt.After(now) && !s.backoffAt.After(next) {
		return
	}
	if s.backoff != nil {
		s.backoff.Stop()
	}
	s.backoffAt = next
	s.backoff = time.AfterFunc(next.Sub(now), s.poke)
}

// retryDelay is base * 2^(attempts-1), capped. A zero base disables gating.
func (s *Service) retryDelay(attempts int) time.Duration {
	base := s.cfg.RetryBackoff
	if base <= 0 || attempts <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.cfg.RetryBackoffMax {
			return s.cfg.RetryBackoffMax
		}
	}
	if delay > s.cfg.RetryBackoffMax {
		delay = s.cfg.RetryBackoffMax
	}
	return delay
}
