// Package registry holds registered agents and their load accounting.
//
// A Registry is not safe for concurrent use. The orchestrator loop owns it and
// is the only writer; everything handed out is a copy.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskdelegate/internal/domain"
)

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrInvalidAgent      = errors.New("invalid agent config")
	ErrUnknownCapability = errors.New("unknown capability")
)

const (
	defaultSpecialistConcurrency = 1
	defaultPoolConcurrency       = 3
)

// AgentConfig describes an agent to register. MaxConcurrentTasks overrides the
// category-derived budget when positive.
type AgentConfig struct {
	ID                 string              `json:"id,omitempty"`
	Name               string              `json:"name"`
	Category           string              `json:"category"`
	Specializations    []string            `json:"specializations"`
	Capabilities       []domain.Capability `json:"capabilities"`
	MaxConcurrentTasks int                 `json:"max_concurrent_tasks,omitempty"`
}

type Limits struct {
	SpecialistConcurrency int
	PoolConcurrency       int
}

func (l Limits) withDefaults() Limits {
	if l.SpecialistConcurrency <= 0 {
		l.SpecialistConcurrency = defaultSpecialistConcurrency
	}
	if l.PoolConcurrency <= 0 {
		l.PoolConcurrency = defaultPoolConcurrency
	}
	return l
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status     domain.AgentStatus
	Category   string
	Capability domain.Capability
}

func (f Filter) match(a *domain.Agent) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Category != "" && !strings.EqualFold(a.Category, f.Category) {
		return false
	}
	if f.Capability != "" && !a.HasCapability(f.Capability) {
		return false
	}
	return true
}

type Registry struct {
	limits Limits
	agents map[string]*domain.Agent
	order  []string
}

func New(limits Limits) *Registry {
	return &Registry{
		limits: limits.withDefaults(),
		agents: make(map[string]*domain.Agent),
	}
}

// Register adds an idle agent with zero metrics.
func (r *Registry) Register(cfg AgentConfig, now time.Time) (domain.Agent, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return domain.Agent{}, fmt.Errorf("%w: name is required", ErrInvalidAgent)
	}
	caps := make([]domain.Capability, 0, len(cfg.Capabilities))
	seen := make(map[domain.Capability]struct{}, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		c = domain.Capability(strings.ToLower(strings.TrimSpace(string(c))))
		if !domain.IsKnownCapability(c) {
			return domain.Agent{}, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		caps = append(caps, c)
	}
	specs := make([]string, 0, len(cfg.Specializations))
	for _, s := range cfg.Specializations {
		if s = strings.TrimSpace(s); s != "" {
			specs = append(specs, s)
		}
	}

	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := r.agents[id]; exists {
		return domain.Agent{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidAgent, id)
	}
	category := strings.ToLower(strings.TrimSpace(cfg.Category))
	maxTasks := cfg.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = r.limits.PoolConcurrency
		if category == domain.AgentCategorySpecialist {
			maxTasks = r.limits.SpecialistConcurrency
		}
	}

	agent := &domain.Agent{
		ID:                 id,
		Name:               name,
		Category:           category,
		Specializations:    specs,
		Capabilities:       caps,
		Status:             domain.AgentStatusIdle,
		MaxConcurrentTasks: maxTasks,
		RegisteredAt:       now,
		Metrics: domain.AgentMetrics{
			LastActivity: now,
		},
	}
	r.agents[id] = agent
	r.order = append(r.order, id)
	return agent.Clone(), nil
}

func (r *Registry) Get(id string) (domain.Agent, error) {
	a, ok := r.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a.Clone(), nil
}

// List returns matching agents in registration order.
func (r *Registry) List(f Filter) []domain.Agent {
	out := make([]domain.Agent, 0, len(r.order))
	for _, id := range r.order {
		a := r.agents[id]
		if f.match(a) {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Available returns agents that can take another task, in registration order.
func (r *Registry) Available() []domain.Agent {
	out := make([]domain.Agent, 0, len(r.order))
	for _, id := range r.order {
		if a := r.agents[id]; a.Accepting() {
			out = append(out, a.Clone())
		}
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.order)
}

// Acquire books one unit of load on the agent for taskID.
func (r *Registry) Acquire(id, taskID string, exclusive bool, now time.Time) error {
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if a.CurrentLoad >= a.MaxConcurrentTasks {
		return fmt.Errorf("agent %s at capacity (%d/%d)", id, a.CurrentLoad, a.MaxConcurrentTasks)
	}
	if exclusive && a.CurrentLoad > 0 {
		return fmt.Errorf("agent %s busy, exclusive task %s needs an empty agent", id, taskID)
	}
	if a.Reserved {
		return fmt.Errorf("agent %s reserved by an exclusive task", id)
	}
	a.CurrentLoad++
	a.CurrentTask = taskID
	a.Reserved = exclusive
	if a.Status == domain.AgentStatusIdle {
		a.Status = domain.AgentStatusBusy
	}
	a.Metrics.LastActivity = now
	return nil
}

// Release returns one unit of load. The agent goes idle when its load reaches
// zero unless it was marked errored or offline meanwhile.
func (r *Registry) Release(id, taskID string, exclusive bool, now time.Time) {
	a, ok := r.agents[id]
	if !ok {
		return
	}
	if a.CurrentLoad > 0 {
		a.CurrentLoad--
	}
	if exclusive {
		a.Reserved = false
	}
	if a.CurrentTask == taskID {
		a.CurrentTask = ""
	}
	if a.CurrentLoad == 0 {
		a.CurrentTask = ""
		a.Reserved = false
		if a.Status == domain.AgentStatusBusy {
			a.Status = domain.AgentStatusIdle
		}
	}
	a.Metrics.LastActivity = now
}

// RecordSuccess folds a completed attempt into the agent's metrics.
func (r *Registry) RecordSuccess(id string, elapsed time.Duration, now time.Time) {
	a, ok := r.agents[id]
	if !ok {
		return
	}
	m := &a.Metrics
	m.TasksCompleted++
	n := time.Duration(m.TasksCompleted)
	m.AvgExecutionTime = m.AvgExecutionTime + (elapsed-m.AvgExecutionTime)/n
	m.ConsecutiveErrors = 0
	m.SuccessRate = successRate(m.TasksCompleted, m.ErrorCount)
	m.LastActivity = now
}

// RecordFailure counts a terminal failure against the agent. When threshold is
// positive and the agent reaches it in consecutive failures, it is marked
// errored; the return value reports that transition.
func (r *Registry) RecordFailure(id string, threshold int, now time.Time) bool {
	a, ok := r.agents[id]
	if !ok {
		return false
	}
	m := &a.Metrics
	m.ErrorCount++
	m.ConsecutiveErrors++
	m.SuccessRate = successRate(m.TasksCompleted, m.ErrorCount)
	m.LastActivity = now
	if threshold > 0 && m.ConsecutiveErrors >= threshold && a.Status != domain.AgentStatusOffline {
		a.Status = domain.AgentStatusErrored
		return true
	}
	return false
}

// SetStatus moves an agent to offline or errored, or brings it back. A
// recovered agent is busy or idle depending on its current load.
func (r *Registry) SetStatus(id string, status domain.AgentStatus, now time.Time) (domain.Agent, error) {
	a, ok := r.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	switch status {
	case domain.AgentStatusOffline, domain.AgentStatusErrored:
		a.Status = status
	case domain.AgentStatusIdle, domain.AgentStatusBusy:
		a.Status = domain.AgentStatusIdle
		if a.CurrentLoad > 0 {
			a.Status = domain.AgentStatusBusy
		}
		a.Metrics.ConsecutiveErrors = 0
	default:
		return domain.Agent{}, fmt.Errorf("%w: unknown status %q", ErrInvalidAgent, status)
	}
	a.Metrics.LastActivity = now
	return a.Clone(), nil
}

// CanEverServe reports whether some agent that is not offline holds every
// capability the task needs and matches a required specialization.
func (r *Registry) CanEverServe(req domain.Requirements) bool {
	for _, id := range r.order {
		a := r.agents[id]
		if a.Status == domain.AgentStatusOffline {
			continue
		}
		if satisfies(a, req) {
			return true
		}
	}
	return false
}

func satisfies(a *domain.Agent, req domain.Requirements) bool {
	for _, c := range req.Capabilities {
		if !a.HasCapability(c) {
			return false
		}
	}
	if len(req.Specializations) == 0 {
		return true
	}
	for _, s := range req.Specializations {
		if a.HasSpecialization(s) {
			return true
		}
	}
	return false
}

func successRate(completed, errs int) float64 {
	if completed+errs == 0 {
		return 0
	}
	return float64(completed) / float64(completed+errs)
}
