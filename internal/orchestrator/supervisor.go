package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskdelegate/internal/aggregate"
	"taskdelegate/internal/domain"
)

// execution is the loop's record of one in-flight attempt.
type execution struct {
	agentID   string
	attempt   int
	exclusive bool
	cancel    context.CancelFunc
}

// completion is posted exactly once per attempt by its watcher goroutine.
type completion struct {
	taskID  string
	agentID string
	attempt int
	result  domain.Result
	err     error
}

// start assigns task to agent and launches the attempt.
func (s *Service) start(ctx context.Context, task *domain.Task, agent domain.Agent) error {
	now := s.now()
	exclusive := task.Constraints.Exclusive
	if err := s.registry.Acquire(agent.ID, task.ID, exclusive, now); err != nil {
		return err
	}
	if err := task.Transition(domain.TaskStatusAssigned, domain.LogEntry{At: now, Event: domain.LogEventAssigned, AgentID: agent.ID}); err != nil {
		s.registry.Release(agent.ID, task.ID, exclusive, now)
		return err
	}
	s.queue.Remove(task.ID)
	task.AssignedAgent = agent.ID
	assigned, _ := s.registry.Get(agent.ID)
	s.emit(domain.Event{Type: domain.EventTaskAssigned, TaskID: task.ID, GroupID: task.GroupID, AgentID: agent.ID, Agent: &assigned})

	if err := task.Transition(domain.TaskStatusRunning, domain.LogEntry{At: now, Event: domain.LogEventStarted, AgentID: agent.ID}); err != nil {
		return err
	}
	attempt := task.Attempts()
	snapshot := task.Clone()
	s.emit(domain.Event{Type: domain.EventTaskStarted, TaskID: task.ID, GroupID: task.GroupID, AgentID: agent.ID, Attempt: attempt, Task: &snapshot})
	s.logger.Printf("task started task=%s agent=%s attempt=%d priority=%s op=%s", task.ID, agent.ID, attempt, task.Priority, task.Payload.Operation)

	execCtx, cancel := context.WithTimeout(ctx, task.Constraints.Timeout)
	s.running[task.ID] = &execution{agentID: agent.ID, attempt: attempt, exclusive: exclusive, cancel: cancel}
	s.wg.Add(1)
	go s.watch(execCtx, cancel, completion{taskID: task.ID, agentID: agent.ID, attempt: attempt}, snapshot.Payload, assigned)
	return nil
}

// watch runs the executor and reports whichever comes first: its outcome or
// the end of the attempt context.
func (s *Service) watch(ctx context.Context, cancel context.CancelFunc, c completion, payload domain.Payload, agent domain.Agent) {
	defer s.wg.Done()
	defer cancel()

	type outcome struct {
		result domain.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.exec.Execute(ctx, payload, agent)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		c.result, c.err = out.result, out.err
		if errors.Is(out.err, context.DeadlineExceeded) {
			c.err = ErrTimeout
		}
	case <-ctx.Done():
		c.err = ErrTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			c.err = ctx.Err()
		}
	}
	select {
	case s.completions <- c:
	case <-s.done:
	}
}

func (s *Service) handleCompletion(c completion) {
	task, ok := s.tasks[c.taskID]
	if !ok {
		return
	}
	ex, ok := s.running[c.taskID]
	if !ok || ex.attempt != c.attempt || task.Status != domain.TaskStatusRunning {
		s.logger.Printf("stale completion ignored task=%s attempt=%d status=%s", c.taskID, c.attempt, task.Status)
		return
	}
	delete(s.running, c.taskID)
	ex.cancel()
	now := s.now()
	s.registry.Release(ex.agentID, task.ID, ex.exclusive, now)

	if c.err == nil {
		s.complete(task, ex, c.result)
		return
	}
	s.fail(task, ex, c.err)
}

func (s *Service) complete(task *domain.Task, ex *execution, result domain.Result) {
	now := s.now()
	if err := task.Transition(domain.TaskStatusCompleted, domain.LogEntry{At: now, Event: domain.LogEventCompleted, AgentID: ex.agentID}); err != nil {
		s.logger.Printf("complete task=%s: %v", task.ID, err)
		return
	}
	res := result.Clone()
	task.Result = &res
	task.Error = ""
	elapsed := now.Sub(task.CreatedAt)
	if started, ok := task.LastEvent(domain.LogEventStarted); ok {
		elapsed = now.Sub(started.At)
	}
	s.registry.RecordSuccess(ex.agentID, elapsed, now)

	snapshot := task.Clone()
	s.emit(domain.Event{Type: domain.EventTaskCompleted, TaskID: task.ID, GroupID: task.GroupID, AgentID: ex.agentID, Attempt: ex.attempt, Task: &snapshot})
	s.logger.Printf("task completed task=%s agent=%s attempt=%d elapsed=%s", task.ID, ex.agentID, ex.attempt, elapsed)
	s.checkGroup(task.GroupID)
}

// fail retries while attempts <= max_retries, then fails the task terminally.
func (s *Service) fail(task *domain.Task, ex *execution, cause error) {
	now := s.now()
	attempts := task.Attempts()
	if attempts <= task.Constraints.MaxRetries {
		delay := s.retryDelay(attempts)
		readyAt := now.Add(delay)
		detail := fmt.Sprintf("attempt %d: %v", attempts, cause)
		if err := task.Transition(domain.TaskStatusPending, domain.LogEntry{At: now, Event: domain.LogEventRetryScheduled, AgentID: ex.agentID, Detail: detail}); err != nil {
			s.logger.Printf("retry task=%s: %v", task.ID, err)
			return
		}
		task.AssignedAgent = ""
		task.Error = cause.Error()
		var gate time.Time
		if delay > 0 {
			gate = readyAt
		}
		s.queue.PushFront(task.ID, task.Priority, gate)
		snapshot := task.Clone()
		s.emit(domain.Event{Type: domain.EventTaskRetryScheduled, TaskID: task.ID, GroupID: task.GroupID, AgentID: ex.agentID, Attempt: attempts, Error: cause.Error(), RetryAt: &readyAt, Task: &snapshot})
		s.logger.Printf("task retry scheduled task=%s agent=%s attempt=%d delay=%s err=%v", task.ID, ex.agentID, attempts, delay, cause)
		return
	}

	if err := task.Transition(domain.TaskStatusFailed, domain.LogEntry{At: now, Event: domain.LogEventFailed, AgentID: ex.agentID, Detail: cause.Error()}); err != nil {
		s.logger.Printf("fail task=%s: %v", task.ID, err)
		return
	}
	task.Error = cause.Error()
	if s.registry.RecordFailure(ex.agentID, s.cfg.AgentErrorThreshold, now) {
		s.logger.Printf("agent errored agent=%s threshold=%d", ex.agentID, s.cfg.AgentErrorThreshold)
	}
	snapshot := task.Clone()
	s.emit(domain.Event{Type: domain.EventTaskFailed, TaskID: task.ID, GroupID: task.GroupID, AgentID: ex.agentID, Attempt: attempts, Error: cause.Error(), Task: &snapshot})
	s.logger.Printf("task failed task=%s agent=%s attempts=%d err=%v", task.ID, ex.agentID, attempts, cause)
	s.checkGroup(task.GroupID)
}

// checkGroup aggregates the group once every member is completed or failed.
func (s *Service) checkGroup(groupID string) {
	g, ok := s.groups[groupID]
	if !ok || g.Completed() || g.Cancelled {
		return
	}
	members := make([]domain.Task, 0, len(g.TaskIDs))
	for _, id := range g.TaskIDs {
		members = append(members, *s.tasks[id])
	}
	if !aggregate.Ready(members) {
		return
	}
	res := aggregate.Build(*g, members, s.now())
	g.Result = &res
	snapshot := res
	s.emit(domain.Event{Type: domain.EventGroupCompleted, GroupID: g.ID, Aggregation: &snapshot})
	s.logger.Printf("group completed group=%s total=%d completed=%d failed=%d elapsed=%s", g.ID, res.Total, res.Completed, res.Failed, res.ExecutionTime)
}

// cancelGroup cancels every non-terminal member and releases agent load held
// by in-flight members.
func (s *Service) cancelGroup(g *domain.Group) {
	now := s.now()
	for _, id := range g.TaskIDs {
		task := s.tasks[id]
		if domain.IsTerminal(task.Status) {
			continue
		}
		s.queue.Remove(id)
		agentID := task.AssignedAgent
		if ex, ok := s.running[id]; ok {
			ex.cancel()
			delete(s.running, id)
			s.registry.Release(ex.agentID, id, ex.exclusive, now)
			agentID = ex.agentID
		}
		if err := task.Transition(domain.TaskStatusCancelled, domain.LogEntry{At: now, Event: domain.LogEventCancelled, AgentID: agentID, Detail: "group reset"}); err != nil {
			s.logger.Printf("cancel task=%s: %v", id, err)
			continue
		}
		snapshot := task.Clone()
		s.emit(domain.Event{Type: domain.EventTaskCancelled, TaskID: id, GroupID: g.ID, AgentID: agentID, Task: &snapshot})
	}
	g.Cancelled = true
	s.emit(domain.Event{Type: domain.EventGroupCancelled, GroupID: g.ID})
	s.logger.Printf("group cancelled group=%s tasks=%d", g.ID, len(g.TaskIDs))
}
