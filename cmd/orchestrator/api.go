package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskdelegate/internal/config"
	"taskdelegate/internal/domain"
	"taskdelegate/internal/orchestrator"
	"taskdelegate/internal/registry"
	sqlitestore "taskdelegate/internal/store/sqlite"
	"taskdelegate/internal/strategy"
)

// Journal is the read side of the event store.
type Journal interface {
	ListEvents(ctx context.Context, q sqlitestore.EventQuery) ([]domain.Event, error)
	GetGroupResult(ctx context.Context, groupID string) (domain.AggregationResult, error)
}

type app struct {
	cfg          config.Config
	orchestrator *orchestrator.Service
	journal      Journal
	operations   []string
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/agents", a.handleAgents)
	mux.HandleFunc("/agents/", a.handleAgentByID)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	mux.HandleFunc("/groups", a.handleGroups)
	mux.HandleFunc("/groups/", a.handleGroupByID)
	mux.HandleFunc("/stats", a.handleStats)
	mux.HandleFunc("/strategy", a.handleStrategy)
	mux.HandleFunc("/events", a.handleEvents)
	return mux
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":       a.cfg.Path,
		"raw":        a.cfg.Raw,
		"operations": a.operations,
	})
}

func (a *app) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		agents, err := a.orchestrator.ListAgents(r.Context(), registry.Filter{
			Status:     domain.AgentStatus(q.Get("status")),
			Category:   q.Get("category"),
			Capability: domain.Capability(q.Get("capability")),
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, agents)
	case http.MethodPost:
		var req registry.AgentConfig
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		agent, err := a.orchestrator.RegisterAgent(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, agent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/agents/"), "/")
	agentID := parts[0]
	if agentID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("agent id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		agent, err := a.orchestrator.GetAgent(r.Context(), agentID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
		return
	}

	switch parts[1] {
	case "status":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		agent, err := a.orchestrator.SetAgentStatus(r.Context(), agentID, domain.AgentStatus(strings.TrimSpace(req.Status)))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	case "events":
		a.writeEvents(w, r, sqlitestore.EventQuery{AgentID: agentID})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[1]))
	}
}

type taskRequest struct {
	ID                string              `json:"id"`
	Category          string              `json:"category"`
	Priority          domain.Priority     `json:"priority"`
	Operation         string              `json:"operation"`
	Input             json.RawMessage     `json:"input"`
	Parameters        map[string]any      `json:"parameters"`
	Specializations   []string            `json:"specializations"`
	Capabilities      []domain.Capability `json:"capabilities"`
	EstimatedMS       int                 `json:"estimated_ms"`
	Resources         map[string]string   `json:"resources"`
	TimeoutMS         int                 `json:"timeout_ms"`
	MaxRetries        *int                `json:"max_retries"`
	Dependencies      []string            `json:"dependencies"`
	Exclusive         bool                `json:"exclusive"`
	DefaultMaxRetries int                 `json:"-"`
}

func (t taskRequest) spec() domain.TaskSpec {
	retries := t.DefaultMaxRetries
	if t.MaxRetries != nil {
		retries = *t.MaxRetries
	}
	return domain.TaskSpec{
		ID:       t.ID,
		Category: t.Category,
		Priority: t.Priority,
		Payload: domain.Payload{
			Operation:  t.Operation,
			Input:      t.Input,
			Parameters: t.Parameters,
		},
		Requirements: domain.Requirements{
			Specializations:   t.Specializations,
			Capabilities:      t.Capabilities,
			EstimatedDuration: time.Duration(t.EstimatedMS) * time.Millisecond,
			Resources:         t.Resources,
		},
		Constraints: domain.Constraints{
			Timeout:      time.Duration(t.TimeoutMS) * time.Millisecond,
			MaxRetries:   retries,
			Dependencies: t.Dependencies,
			Exclusive:    t.Exclusive,
		},
	}
}

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		tasks, err := a.orchestrator.ListTasks(r.Context(), orchestrator.TaskFilter{
			Status:  domain.TaskStatus(q.Get("status")),
			GroupID: q.Get("group"),
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		req := taskRequest{DefaultMaxRetries: a.cfg.Scheduler.DefaultMaxRetries}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		task, err := a.orchestrator.ScheduleTask(r.Context(), req.spec())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if len(parts) == 1 {
		task, err := a.orchestrator.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}
	switch parts[1] {
	case "events":
		a.writeEvents(w, r, sqlitestore.EventQuery{TaskID: taskID})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[1]))
	}
}

type groupRequest struct {
	Description string              `json:"description"`
	Input       domain.ComplexInput `json:"input"`
	SplitPolicy domain.SplitPolicy  `json:"split_policy"`
	TimeoutMS   int                 `json:"timeout_ms"`
	MaxParallel int                 `json:"max_parallel"`
	MaxRetries  *int                `json:"max_retries"`
}

func (a *app) handleGroups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		groups, err := a.orchestrator.ListGroups(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, groups)
	case http.MethodPost:
		var req groupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		group, err := a.orchestrator.DelegateComplex(r.Context(), domain.ComplexRequest{
			Description: req.Description,
			Input:       req.Input,
			Options: domain.ComplexOptions{
				SplitPolicy: req.SplitPolicy,
				Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
				MaxParallel: req.MaxParallel,
				MaxRetries:  req.MaxRetries,
			},
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, group)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleGroupByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/groups/"), "/")
	groupID := parts[0]
	if groupID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("group id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		group, err := a.orchestrator.GetGroup(r.Context(), groupID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, group)
		return
	}

	switch parts[1] {
	case "reset":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		group, err := a.orchestrator.ResetGroup(r.Context(), groupID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, group)
	case "result":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		group, err := a.orchestrator.GetGroup(r.Context(), groupID)
		if err == nil && group.Result != nil {
			writeJSON(w, http.StatusOK, group.Result)
			return
		}
		if err != nil && !errors.Is(err, orchestrator.ErrGroupNotFound) {
			writeError(w, statusFor(err), err)
			return
		}
		res, jerr := a.journal.GetGroupResult(r.Context(), groupID)
		if jerr != nil {
			if errors.Is(jerr, sqlitestore.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Errorf("group %s has no aggregated result", groupID))
				return
			}
			writeError(w, http.StatusInternalServerError, jerr)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "tasks":
		tasks, err := a.orchestrator.ListTasks(r.Context(), orchestrator.TaskFilter{GroupID: groupID})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case "events":
		a.writeEvents(w, r, sqlitestore.EventQuery{GroupID: groupID})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[1]))
	}
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := a.orchestrator.Statistics(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *app) handleStrategy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut, http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if err := a.orchestrator.SetStrategy(r.Context(), req.Name); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	names, active, err := a.orchestrator.StrategyNames(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "available": names})
}

func (a *app) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	a.writeEvents(w, r, sqlitestore.EventQuery{
		TaskID:  q.Get("task"),
		GroupID: q.Get("group"),
		AgentID: q.Get("agent"),
		Type:    domain.EventType(q.Get("type")),
	})
}

func (a *app) writeEvents(w http.ResponseWriter, r *http.Request, q sqlitestore.EventQuery) {
	q.Limit = queryInt(r, "limit", 200)
	events, err := a.journal.ListEvents(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound),
		errors.Is(err, orchestrator.ErrGroupNotFound),
		errors.Is(err, registry.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrGroupClosed),
		errors.Is(err, orchestrator.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidTask),
		errors.Is(err, orchestrator.ErrUnknownDependency),
		errors.Is(err, orchestrator.ErrDependencyCycle),
		errors.Is(err, registry.ErrInvalidAgent),
		errors.Is(err, registry.ErrUnknownCapability),
		errors.Is(err, strategy.ErrUnknownStrategy):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
