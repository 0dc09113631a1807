// Package strategy maps ready tasks to candidate agents.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"taskdelegate/internal/domain"
)

var ErrUnknownStrategy = errors.New("unknown delegation strategy")

const (
	NameCapability  = "capability"
	NamePerformance = "performance"
)

// Strategy picks an agent for a task. Implementations are pure: they read the
// snapshots they are given and never mutate them.
type Strategy interface {
	Name() string
	Select(task domain.Task, candidates []domain.Agent) (domain.Agent, bool)
	Balance(tasks []domain.Task, agents []domain.Agent) map[string][]string
}

// Feasible reports whether agent can take task right now.
func Feasible(task domain.Task, agent domain.Agent) bool {
	if !agent.Accepting() {
		return false
	}
	for _, c := range task.Requirements.Capabilities {
		if !agent.HasCapability(c) {
			return false
		}
	}
	if len(task.Requirements.Specializations) > 0 {
		matched := false
		for _, s := range task.Requirements.Specializations {
			if agent.HasSpecialization(s) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if task.Constraints.Exclusive && agent.CurrentLoad != 0 {
		return false
	}
	return true
}

// CapabilityMatch takes the first feasible candidate.
type CapabilityMatch struct{}

func (CapabilityMatch) Name() string { return NameCapability }

func (CapabilityMatch) Select(task domain.Task, candidates []domain.Agent) (domain.Agent, bool) {
	for _, a := range candidates {
		if Feasible(task, a) {
			return a, true
		}
	}
	return domain.Agent{}, false
}

func (CapabilityMatch) Balance(tasks []domain.Task, agents []domain.Agent) map[string][]string {
	return balance(tasks, agents, nil)
}

// PerformanceWeighted scores feasible agents by success rate and speed. Agents
// without history are scored with NeutralExecTime and NeutralSuccessRate.
type PerformanceWeighted struct {
	SuccessWeight      float64
	SpeedWeight        float64
	NeutralExecTime    time.Duration
	NeutralSuccessRate float64
}

func NewPerformanceWeighted(neutral time.Duration) PerformanceWeighted {
	if neutral <= 0 {
		neutral = 5 * time.Second
	}
	return PerformanceWeighted{
		SuccessWeight:      0.7,
		SpeedWeight:        0.3,
		NeutralExecTime:    neutral,
		NeutralSuccessRate: 0.5,
	}
}

func (PerformanceWeighted) Name() string { return NamePerformance }

func (p PerformanceWeighted) Select(task domain.Task, candidates []domain.Agent) (domain.Agent, bool) {
	feasible := make([]domain.Agent, 0, len(candidates))
	for _, a := range candidates {
		if Feasible(task, a) {
			feasible = append(feasible, a)
		}
	}
	if len(feasible) == 0 {
		return domain.Agent{}, false
	}
	scores := p.scores(feasible)
	best := 0
	for i := 1; i < len(feasible); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return feasible[best], true
}

func (p PerformanceWeighted) Balance(tasks []domain.Task, agents []domain.Agent) map[string][]string {
	scores := p.scores(agents)
	byID := make(map[string]float64, len(agents))
	for i, a := range agents {
		byID[a.ID] = scores[i]
	}
	return balance(tasks, agents, byID)
}

// scores returns 0.7*success + 0.3*speed where speed is 1/avg normalised
// against the fastest agent in the set.
func (p PerformanceWeighted) scores(agents []domain.Agent) []float64 {
	speeds := make([]float64, len(agents))
	fastest := 0.0
	for i, a := range agents {
		avg := a.Metrics.AvgExecutionTime
		if !a.Metrics.HasHistory() || avg <= 0 {
			avg = p.NeutralExecTime
		}
		speeds[i] = 1 / avg.Seconds()
		if speeds[i] > fastest {
			fastest = speeds[i]
		}
	}
	out := make([]float64, len(agents))
	for i, a := range agents {
		rate := a.Metrics.SuccessRate
		if !a.Metrics.HasHistory() {
			rate = p.NeutralSuccessRate
		}
		speed := 0.0
		if fastest > 0 {
			speed = speeds[i] / fastest
		}
		out[i] = p.SuccessWeight*rate + p.SpeedWeight*speed
	}
	return out
}

// balance assigns each task to the feasible agent holding the fewest tasks in
// this batch. Ties go to the higher score when scores is set, then to the
// earlier agent.
func balance(tasks []domain.Task, agents []domain.Agent, scores map[string]float64) map[string][]string {
	out := make(map[string][]string)
	counts := make(map[string]int, len(agents))
	for _, task := range tasks {
		var pick *domain.Agent
		for i := range agents {
			a := &agents[i]
			if !Feasible(task, *a) {
				continue
			}
			if pick == nil || counts[a.ID] < counts[pick.ID] ||
				(counts[a.ID] == counts[pick.ID] && scores != nil && scores[a.ID] > scores[pick.ID]) {
				pick = a
			}
		}
		if pick == nil {
			continue
		}
		counts[pick.ID]++
		out[pick.ID] = append(out[pick.ID], task.ID)
	}
	return out
}

// Set holds the named strategies and the active one.
type Set struct {
	byName map[string]Strategy
	active Strategy
}

func NewSet(active string, strategies ...Strategy) (*Set, error) {
	s := &Set{byName: make(map[string]Strategy, len(strategies))}
	for _, item := range strategies {
		s.byName[item.Name()] = item
	}
	if err := s.Use(active); err != nil {
		return nil, err
	}
	return s, nil
}

// Use switches the active strategy.
func (s *Set) Use(name string) error {
	key := strings.ToLower(strings.TrimSpace(name))
	item, ok := s.byName[key]
	if !ok {
		return fmt.Errorf("%w: %q (known: %s)", ErrUnknownStrategy, name, strings.Join(s.Names(), ", "))
	}
	s.active = item
	return nil
}

func (s *Set) Active() Strategy {
	return s.active
}

func (s *Set) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
