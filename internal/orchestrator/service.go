package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskdelegate/internal/domain"
	"taskdelegate/internal/queue"
	"taskdelegate/internal/registry"
	"taskdelegate/internal/splitter"
	"taskdelegate/internal/strategy"
)

var (
	ErrStopped           = errors.New("orchestrator is not running")
	ErrTaskNotFound      = errors.New("task not found")
	ErrGroupNotFound     = errors.New("group not found")
	ErrGroupClosed       = errors.New("group is completed or cancelled")
	ErrInvalidTask       = errors.New("invalid task")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDependencyCycle   = errors.New("dependency cycle")
	ErrTimeout           = errors.New("timeout")
)

// Executor performs the real work of one task attempt on behalf of an agent.
type Executor interface {
	Execute(ctx context.Context, payload domain.Payload, agent domain.Agent) (domain.Result, error)
}

type ExecutorFunc func(ctx context.Context, payload domain.Payload, agent domain.Agent) (domain.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, payload domain.Payload, agent domain.Agent) (domain.Result, error) {
	return f(ctx, payload, agent)
}

// Notifier receives every event. Publish must not block.
type Notifier interface {
	Publish(evt domain.Event) error
}

type Config struct {
	DispatchInterval    time.Duration
	DefaultTimeout      time.Duration
	DefaultMaxRetries   int
	RetryBackoff        time.Duration
	RetryBackoffMax     time.Duration
	AgentErrorThreshold int
	NeutralExecTime     time.Duration
	Strategy            string
	Limits              registry.Limits
}

func (c Config) withDefaults() Config {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 250 * time.Millisecond
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 30 * time.Second
	}
	if c.AgentErrorThreshold < 0 {
		c.AgentErrorThreshold = 0
	}
	if c.NeutralExecTime <= 0 {
		c.NeutralExecTime = 5 * time.Second
	}
	if strings.TrimSpace(c.Strategy) == "" {
		c.Strategy = strategy.NameCapability
	}
	return c
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status  domain.TaskStatus
	GroupID string
}

// Service is the delegation engine. One goroutine owns all state; public
// methods hand closures to it and wait.
type Service struct {
	cfg      Config
	exec     Executor
	notifier Notifier
	logger   *log.Logger
	now      func() time.Time

	cmds        chan func()
	completions chan completion
	kick        chan struct{}
	done        chan struct{}
	startOnce   sync.Once
	wg          sync.WaitGroup

	registry   *registry.Registry
	strategies *strategy.Set
	queue      *queue.Queue
	tasks      map[string]*domain.Task
	taskOrder  []string
	groups     map[string]*domain.Group
	groupOrder []string
	running    map[string]*execution
	backoffAt  time.Time
	backoff    *time.Timer
}

func New(exec Executor, notifier Notifier, cfg Config, logger *log.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if exec == nil {
		return nil, errors.New("orchestrator: executor is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	strategies, err := strategy.NewSet(cfg.Strategy,
		strategy.CapabilityMatch{},
		strategy.NewPerformanceWeighted(cfg.NeutralExecTime),
	)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:         cfg,
		exec:        exec,
		notifier:    notifier,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		cmds:        make(chan func()),
		completions: make(chan completion),
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		registry:    registry.New(cfg.Limits),
		strategies:  strategies,
		queue:       queue.New(),
		tasks:       make(map[string]*domain.Task),
		groups:      make(map[string]*domain.Group),
		running:     make(map[string]*execution),
	}, nil
}

// Start runs the loop until ctx is cancelled. Cancelling ctx also cancels
// every in-flight execution.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx)
		}()
	})
}

// Wait blocks until the loop and every execution watcher have returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case fn := <-s.cmds:
			fn()
		case c := <-s.completions:
			s.handleCompletion(c)
		case <-s.kick:
		case <-ticker.C:
		}
		s.dispatch(ctx)
	}
}

func (s *Service) shutdown() {
	if s.backoff != nil {
		s.backoff.Stop()
	}
	for _, ex := range s.running {
		ex.cancel()
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Service) do(ctx context.Context, fn func()) error {
	reply := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(reply) }:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-reply
	return nil
}

func (s *Service) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) emit(evt domain.Event) {
	if evt.At.IsZero() {
		evt.At = s.now()
	}
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(evt); err != nil {
		s.logger.Printf("event %s task=%s agent=%s: %v", evt.Type, evt.TaskID, evt.AgentID, err)
	}
}

func (s *Service) RegisterAgent(ctx context.Context, cfg registry.AgentConfig) (domain.Agent, error) {
	var (
		agent domain.Agent
		err   error
	)
	if doErr := s.do(ctx, func() {
		agent, err = s.registry.Register(cfg, s.now())
		if err != nil {
			return
		}
		snapshot := agent.Clone()
		s.emit(domain.Event{Type: domain.EventAgentRegistered, AgentID: agent.ID, Agent: &snapshot})
		s.logger.Printf("agent registered agent=%s name=%s category=%s max=%d", agent.ID, agent.Name, agent.Category, agent.MaxConcurrentTasks)
	}); doErr != nil {
		return domain.Agent{}, doErr
	}
	return agent, err
}

// ScheduleTask validates spec and enqueues it. Constraints are taken as given
// except a zero timeout, which becomes the configured default.
func (s *Service) ScheduleTask(ctx context.Context, spec domain.TaskSpec) (domain.Task, error) {
	var (
		task domain.Task
		err  error
	)
	if doErr := s.do(ctx, func() {
		var admitted []*domain.Task
		admitted, err = s.admit([]domain.TaskSpec{spec}, nil)
		if err == nil {
			task = admitted[0].Clone()
		}
	}); doErr != nil {
		return domain.Task{}, doErr
	}
	return task, err
}

// DelegateComplex splits req into a new group and enqueues every member.
func (s *Service) DelegateComplex(ctx context.Context, req domain.ComplexRequest) (domain.Group, error) {
	specs, err := splitter.Split(req, splitter.Defaults{
		Timeout:    s.cfg.DefaultTimeout,
		MaxRetries: s.cfg.DefaultMaxRetries,
	})
	if err != nil {
		return domain.Group{}, fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	var group domain.Group
	if doErr := s.do(ctx, func() {
		g := &domain.Group{
			ID:          uuid.NewString(),
			Description: strings.TrimSpace(req.Description),
			MaxParallel: req.Options.MaxParallel,
			CreatedAt:   s.now(),
		}
		for i := range specs {
			specs[i].GroupID = g.ID
		}
		if _, err = s.admit(specs, g); err != nil {
			return
		}
		group = g.Clone()
		s.logger.Printf("group created group=%s tasks=%d policy=%s", g.ID, len(g.TaskIDs), req.Options.SplitPolicy)
	}); doErr != nil {
		return domain.Group{}, doErr
	}
	return group, err
}

// admit validates every spec before committing any of them. A non-nil
// newGroup is registered alongside its members.
func (s *Service) admit(specs []domain.TaskSpec, newGroup *domain.Group) ([]*domain.Task, error) {
	now := s.now()
	pending := make(map[string]domain.TaskSpec, len(specs))
	ids := make([]string, len(specs))
	for i := range specs {
		spec := specs[i]
		spec.ID = strings.TrimSpace(spec.ID)
		if spec.ID == "" {
			spec.ID = uuid.NewString()
		}
		if spec.Priority == 0 {
			spec.Priority = domain.PriorityNormal
		}
		if err := s.validate(spec, newGroup); err != nil {
			return nil, err
		}
		if _, exists := s.tasks[spec.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, spec.ID)
		}
		if _, exists := pending[spec.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, spec.ID)
		}
		if spec.Constraints.Timeout <= 0 {
			spec.Constraints.Timeout = s.cfg.DefaultTimeout
		}
		if spec.Constraints.MaxRetries < 0 {
			spec.Constraints.MaxRetries = 0
		}
		pending[spec.ID] = spec
		ids[i] = spec.ID
	}
	for _, id := range ids {
		for _, dep := range pending[id].Constraints.Dependencies {
			_, known := s.tasks[dep]
			_, batch := pending[dep]
			if !known && !batch {
				return nil, fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, id, dep)
			}
		}
	}
	if hasDependencyCycle(pending) {
		return nil, fmt.Errorf("%w among %s", ErrDependencyCycle, strings.Join(ids, ","))
	}

	if newGroup != nil {
		s.groups[newGroup.ID] = newGroup
		s.groupOrder = append(s.groupOrder, newGroup.ID)
	}
	out := make([]*domain.Task, 0, len(ids))
	for _, id := range ids {
		spec := pending[id]
		task := domain.NewTask(spec, now)
		s.tasks[id] = &task
		s.taskOrder = append(s.taskOrder, id)
		if spec.GroupID != "" {
			g := s.groups[spec.GroupID]
			g.TaskIDs = append(g.TaskIDs, id)
		}
		s.queue.Push(id, spec.Priority)
		snapshot := task.Clone()
		s.emit(domain.Event{Type: domain.EventTaskScheduled, TaskID: id, GroupID: spec.GroupID, Task: &snapshot})
		out = append(out, &task)
	}
	return out, nil
}

func (s *Service) validate(spec domain.TaskSpec, newGroup *domain.Group) error {
	if strings.TrimSpace(spec.Payload.Operation) == "" {
		return fmt.Errorf("%w: operation is required", ErrInvalidTask)
	}
	if !spec.Priority.Valid() {
		return fmt.Errorf("%w: priority %d", ErrInvalidTask, int(spec.Priority))
	}
	for _, c := range spec.Requirements.Capabilities {
		if !domain.IsKnownCapability(c) {
			return fmt.Errorf("%w: %w %q", ErrInvalidTask, registry.ErrUnknownCapability, c)
		}
	}
	for _, dep := range spec.Constraints.Dependencies {
		if dep == spec.ID {
			return fmt.Errorf("%w: task %s depends on itself", ErrDependencyCycle, spec.ID)
		}
	}
	if spec.GroupID == "" || (newGroup != nil && spec.GroupID == newGroup.ID) {
		return nil
	}
	g, ok := s.groups[spec.GroupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, spec.GroupID)
	}
	if g.Completed() || g.Cancelled {
		return fmt.Errorf("%w: %s", ErrGroupClosed, g.ID)
	}
	return nil
}

// hasDependencyCycle walks dependencies among the specs being admitted. Admitted
// tasks only point at tasks that existed before them, so they cannot close a cycle.
func hasDependencyCycle(specs map[string]domain.TaskSpec) bool {
	visiting := map[string]bool{}
	visited := map[string]bool{}
	var dfs func(id string) bool
	dfs = func(id string) bool {
		if visiting[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visiting[id] = true
		for _, dep := range specs[id].Constraints.Dependencies {
			if _, ok := specs[dep]; !ok {
				continue
			}
			if dfs(dep) {
				return true
			}
		}
		visiting[id] = false
		visited[id] = true
		return false
	}
	for id := range specs {
		if dfs(id) {
			return true
		}
	}
	return false
}

func (s *Service) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	var (
		task domain.Task
		err  error
	)
	if doErr := s.do(ctx, func() {
		t, ok := s.tasks[taskID]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
			return
		}
		task = t.Clone()
	}); doErr != nil {
		return domain.Task{}, doErr
	}
	return task, err
}

// ListTasks returns matching tasks in submission order.
func (s *Service) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	var out []domain.Task
	err := s.do(ctx, func() {
		out = make([]domain.Task, 0, len(s.taskOrder))
		for _, id := range s.taskOrder {
			t := s.tasks[id]
			if f.Status != "" && t.Status != f.Status {
				continue
			}
			if f.GroupID != "" && t.GroupID != f.GroupID {
				continue
			}
			out = append(out, t.Clone())
		}
	})
	return out, err
}

func (s *Service) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	var (
		agent domain.Agent
		err   error
	)
	if doErr := s.do(ctx, func() {
		agent, err = s.registry.Get(agentID)
	}); doErr != nil {
		return domain.Agent{}, doErr
	}
	return agent, err
}

func (s *Service) ListAgents(ctx context.Context, f registry.Filter) ([]domain.Agent, error) {
	var out []domain.Agent
	err := s.do(ctx, func() {
		out = s.registry.List(f)
	})
	return out, err
}

func (s *Service) GetGroup(ctx context.Context, groupID string) (domain.Group, error) {
	var (
		group domain.Group
		err   error
	)
	if doErr := s.do(ctx, func() {
		g, ok := s.groups[groupID]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
			return
		}
		group = g.Clone()
	}); doErr != nil {
		return domain.Group{}, doErr
	}
	return group, err
}

func (s *Service) ListGroups(ctx context.Context) ([]domain.Group, error) {
	var out []domain.Group
	err := s.do(ctx, func() {
		out = make([]domain.Group, 0, len(s.groupOrder))
		for _, id := range s.groupOrder {
			out = append(out, s.groups[id].Clone())
		}
	})
	return out, err
}

// SetStrategy switches the delegation strategy used by later dispatch cycles.
func (s *Service) SetStrategy(ctx context.Context, name string) error {
	var err error
	if doErr := s.do(ctx, func() {
		err = s.strategies.Use(name)
		if err == nil {
			s.logger.Printf("strategy switched to %s", s.strategies.Active().Name())
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// StrategyNames lists the registered strategies.
func (s *Service) StrategyNames(ctx context.Context) ([]string, string, error) {
	var (
		names  []string
		active string
	)
	err := s.do(ctx, func() {
		names = s.strategies.Names()
		active = s.strategies.Active().Name()
	})
	return names, active, err
}

// SetAgentStatus marks an agent offline or errored, or returns it to service.
func (s *Service) SetAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) (domain.Agent, error) {
	var (
		agent domain.Agent
		err   error
	)
	if doErr := s.do(ctx, func() {
		agent, err = s.registry.SetStatus(agentID, status, s.now())
		if err == nil {
			s.logger.Printf("agent status agent=%s status=%s load=%d", agent.ID, agent.Status, agent.CurrentLoad)
		}
	}); doErr != nil {
		return domain.Agent{}, doErr
	}
	return agent, err
}

// ResetGroup cancels every non-terminal member of the group and marks it
// cancelled. Completed and failed members keep their state.
func (s *Service) ResetGroup(ctx context.Context, groupID string) (domain.Group, error) {
	var (
		group domain.Group
		err   error
	)
	if doErr := s.do(ctx, func() {
		g, ok := s.groups[groupID]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
			return
		}
		if g.Completed() {
			err = fmt.Errorf("%w: %s", ErrGroupClosed, groupID)
			return
		}
		if !g.Cancelled {
			s.cancelGroup(g)
		}
		group = g.Clone()
	}); doErr != nil {
		return domain.Group{}, doErr
	}
	return group, err
}
