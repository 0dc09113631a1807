package domain

import "time"

type EventType string

const (
	EventAgentRegistered    EventType = "agent_registered"
	EventTaskScheduled      EventType = "task_scheduled"
	EventTaskAssigned       EventType = "task_assigned"
	EventTaskStarted        EventType = "task_started"
	EventTaskRetryScheduled EventType = "task_retry_scheduled"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventTaskCancelled      EventType = "task_cancelled"
	EventGroupCompleted     EventType = "group_completed"
	EventGroupCancelled     EventType = "group_cancelled"
)

// Event is a notification emitted by the orchestrator. Snapshots are copies
// taken at emission time; subscribers may keep them.
type Event struct {
	Type        EventType          `json:"type"`
	At          time.Time          `json:"at"`
	AgentID     string             `json:"agent_id,omitempty"`
	TaskID      string             `json:"task_id,omitempty"`
	GroupID     string             `json:"group_id,omitempty"`
	Attempt     int                `json:"attempt,omitempty"`
	Error       string             `json:"error,omitempty"`
	RetryAt     *time.Time         `json:"retry_at,omitempty"`
	Agent       *Agent             `json:"agent,omitempty"`
	Task        *Task              `json:"task,omitempty"`
	Aggregation *AggregationResult `json:"aggregation,omitempty"`
}

type AgentStats struct {
	Total     int                 `json:"total"`
	ByStatus  map[AgentStatus]int `json:"by_status"`
	Load      int                 `json:"load"`
	Capacity  int                 `json:"capacity"`
	Available int                 `json:"available"`
}

// TaskStats summarises the task table. Unschedulable lists pending tasks no
// registered agent can ever serve; Blocked lists pending tasks waiting on a
// dependency that can no longer complete.
type TaskStats struct {
	Total         int                `json:"total"`
	ByStatus      map[TaskStatus]int `json:"by_status"`
	ByPriority    map[string]int     `json:"by_priority"`
	Queued        int                `json:"queued"`
	Ready         int                `json:"ready"`
	Retries       int                `json:"retries"`
	Unschedulable []string           `json:"unschedulable,omitempty"`
	Blocked       []string           `json:"blocked,omitempty"`
}

type GroupStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Active    int `json:"active"`
}

type AgentPerformance struct {
	AgentID          string        `json:"agent_id"`
	Name             string        `json:"name"`
	TasksCompleted   int           `json:"tasks_completed"`
	ErrorCount       int           `json:"error_count"`
	SuccessRate      float64       `json:"success_rate"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
	CurrentLoad      int           `json:"current_load"`
}

type PerformanceStats struct {
	Strategy         string              `json:"strategy"`
	SuccessRate      float64             `json:"success_rate"`
	AvgExecutionTime time.Duration       `json:"avg_execution_time"`
	Agents           []AgentPerformance  `json:"agents"`
	BalancePreview   map[string][]string `json:"balance_preview,omitempty"`
}

type Statistics struct {
	Agents      AgentStats       `json:"agents"`
	Tasks       TaskStats        `json:"tasks"`
	Groups      GroupStats       `json:"groups"`
	Performance PerformanceStats `json:"performance"`
	GeneratedAt time.Time        `json:"generated_at"`
}
