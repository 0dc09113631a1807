package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusErrored AgentStatus = "errored"
	AgentStatusOffline AgentStatus = "offline"
)

// AgentCategorySpecialist agents run one task at a time.
const AgentCategorySpecialist = "specialist"

type Capability string

const (
	CapabilityAnalysis       Capability = "analysis"
	CapabilitySecurity       Capability = "security"
	CapabilityPerformance    Capability = "performance"
	CapabilityDocumentation  Capability = "documentation"
	CapabilityTesting        Capability = "testing"
	CapabilityRefactoring    Capability = "refactoring"
	CapabilityCodeGeneration Capability = "code-generation"
	CapabilityReview         Capability = "review"
)

var knownCapabilities = map[Capability]struct{}{
	CapabilityAnalysis:       {},
	CapabilitySecurity:       {},
	CapabilityPerformance:    {},
	CapabilityDocumentation:  {},
	CapabilityTesting:        {},
	CapabilityRefactoring:    {},
	CapabilityCodeGeneration: {},
	CapabilityReview:         {},
}

func IsKnownCapability(c Capability) bool {
	_, ok := knownCapabilities[c]
	return ok
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Priority orders ready tasks. Higher values dispatch first. The zero value
// means unset and is admitted as PriorityNormal.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// PriorityLevels lists every band from highest to lowest.
var PriorityLevels = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

type AgentMetrics struct {
	TasksCompleted    int           `json:"tasks_completed"`
	SuccessRate       float64       `json:"success_rate"`
	AvgExecutionTime  time.Duration `json:"avg_execution_time"`
	ErrorCount        int           `json:"error_count"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	LastActivity      time.Time     `json:"last_activity"`
}

// HasHistory reports whether the agent has finished at least one task.
func (m AgentMetrics) HasHistory() bool {
	return m.TasksCompleted+m.ErrorCount > 0
}

type Agent struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Category           string       `json:"category"`
	Specializations    []string     `json:"specializations"`
	Capabilities       []Capability `json:"capabilities"`
	Status             AgentStatus  `json:"status"`
	CurrentTask        string       `json:"current_task,omitempty"`
	Metrics            AgentMetrics `json:"metrics"`
	MaxConcurrentTasks int          `json:"max_concurrent_tasks"`
	CurrentLoad        int          `json:"current_load"`
	Reserved           bool         `json:"reserved"`
	RegisteredAt       time.Time    `json:"registered_at"`
}

// Accepting reports whether the agent can take another task right now.
func (a Agent) Accepting() bool {
	if a.Status != AgentStatusIdle && a.Status != AgentStatusBusy {
		return false
	}
	return !a.Reserved && a.CurrentLoad < a.MaxConcurrentTasks
}

func (a Agent) HasCapability(c Capability) bool {
	for _, item := range a.Capabilities {
		if item == c {
			return true
		}
	}
	return false
}

func (a Agent) HasSpecialization(s string) bool {
	for _, item := range a.Specializations {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

func (a Agent) Clone() Agent {
	a.Specializations = append([]string(nil), a.Specializations...)
	a.Capabilities = append([]Capability(nil), a.Capabilities...)
	return a
}

type Payload struct {
	Operation  string          `json:"operation"`
	Input      json.RawMessage `json:"input,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`
}

type Requirements struct {
	Specializations   []string          `json:"specializations,omitempty"`
	Capabilities      []Capability      `json:"capabilities,omitempty"`
	EstimatedDuration time.Duration     `json:"estimated_duration,omitempty"`
	Resources         map[string]string `json:"resources,omitempty"`
}

type Constraints struct {
	Timeout      time.Duration `json:"timeout"`
	MaxRetries   int           `json:"max_retries"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Exclusive    bool          `json:"exclusive"`
}

// TaskSpec is the immutable part of a task as submitted by a caller.
type TaskSpec struct {
	ID           string       `json:"id,omitempty"`
	Category     string       `json:"category"`
	GroupID      string       `json:"group_id,omitempty"`
	Priority     Priority     `json:"priority"`
	Payload      Payload      `json:"payload"`
	Requirements Requirements `json:"requirements"`
	Constraints  Constraints  `json:"constraints"`
}

type LogEvent string

const (
	LogEventCreated        LogEvent = "created"
	LogEventAssigned       LogEvent = "assigned"
	LogEventStarted        LogEvent = "started"
	LogEventRetryScheduled LogEvent = "retry-scheduled"
	LogEventCompleted      LogEvent = "completed"
	LogEventFailed         LogEvent = "failed"
	LogEventCancelled      LogEvent = "cancelled"
)

type LogEntry struct {
	At      time.Time `json:"at"`
	Event   LogEvent  `json:"event"`
	AgentID string    `json:"agent_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

type Task struct {
	TaskSpec
	Status        TaskStatus `json:"status"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`
	Result        *Result    `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	Log           []LogEntry `json:"log"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Result is what an executor returns for one successful attempt. Type selects
// how the aggregator merges it with sibling results.
type Result struct {
	Type     string             `json:"type"`
	Counts   map[string]int64   `json:"counts,omitempty"`
	Insights []string           `json:"insights,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Data     json.RawMessage    `json:"data,omitempty"`
}

func (r Result) Clone() Result {
	if r.Counts != nil {
		counts := make(map[string]int64, len(r.Counts))
		for k, v := range r.Counts {
			counts[k] = v
		}
		r.Counts = counts
	}
	if r.Metrics != nil {
		metrics := make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			metrics[k] = v
		}
		r.Metrics = metrics
	}
	r.Insights = append([]string(nil), r.Insights...)
	r.Data = append(json.RawMessage(nil), r.Data...)
	return r
}

type Group struct {
	ID          string             `json:"id"`
	Description string             `json:"description,omitempty"`
	TaskIDs     []string           `json:"task_ids"`
	MaxParallel int                `json:"max_parallel,omitempty"`
	Cancelled   bool               `json:"cancelled"`
	Result      *AggregationResult `json:"result,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

func (g Group) Completed() bool {
	return g.Result != nil
}

func (g Group) Clone() Group {
	g.TaskIDs = append([]string(nil), g.TaskIDs...)
	return g
}

type MetricSummary struct {
	Sum     float64 `json:"sum"`
	Count   int     `json:"count"`
	Average float64 `json:"average"`
}

type MergedResult struct {
	Type     string                   `json:"type"`
	Tasks    int                      `json:"tasks"`
	Counts   map[string]int64         `json:"counts,omitempty"`
	Insights []string                 `json:"insights,omitempty"`
	Metrics  map[string]MetricSummary `json:"metrics,omitempty"`
}

type Contribution struct {
	TasksCompleted int           `json:"tasks_completed"`
	TasksFailed    int           `json:"tasks_failed"`
	TotalTime      time.Duration `json:"total_time"`
	SuccessRate    float64       `json:"success_rate"`
}

type AggregationResult struct {
	GroupID       string                  `json:"group_id"`
	Total         int                     `json:"total"`
	Completed     int                     `json:"completed"`
	Failed        int                     `json:"failed"`
	Results       map[string]MergedResult `json:"results"`
	Contributions map[string]Contribution `json:"contributions"`
	ExecutionTime time.Duration           `json:"execution_time"`
	StartedAt     time.Time               `json:"started_at,omitempty"`
	CompletedAt   time.Time               `json:"completed_at,omitempty"`
	AggregatedAt  time.Time               `json:"aggregated_at"`
}

// ComplexInput is the input collection a split policy draws tasks from.
type ComplexInput struct {
	Target    string          `json:"target,omitempty"`
	Files     []string        `json:"files,omitempty"`
	Functions []string        `json:"functions,omitempty"`
	Modules   []string        `json:"modules,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

type SplitPolicy string

const (
	SplitByFile      SplitPolicy = "by-file"
	SplitByFunction  SplitPolicy = "by-function"
	SplitByModule    SplitPolicy = "by-module"
	SplitByDimension SplitPolicy = "by-dimension"
)

type ComplexOptions struct {
	SplitPolicy SplitPolicy   `json:"split_policy"`
	Timeout     time.Duration `json:"timeout"`
	MaxParallel int           `json:"max_parallel"`
	// MaxRetries overrides the configured default when set, zero included.
	MaxRetries  *int          `json:"max_retries,omitempty"`
}

type ComplexRequest struct {
	Description string         `json:"description"`
	Input       ComplexInput   `json:"input"`
	Options     ComplexOptions `json:"options"`
}
