package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"taskdelegate/internal/domain"
)

var ErrUnknownOperation = errors.New("unknown operation")

// Handler performs one operation for one agent.
type Handler interface {
	Handle(ctx context.Context, payload domain.Payload, agent domain.Agent) (domain.Result, error)
}

type HandlerFunc func(ctx context.Context, payload domain.Payload, agent domain.Agent) (domain.Result, error)

func (f HandlerFunc) Handle(ctx context.Context, payload domain.Payload, agent domain.Agent) (domain.Result, error) {
	return f(ctx, payload, agent)
}

type route struct {
	handler Handler
	timeout time.Duration
}

// Router dispatches a payload to the handler registered for its operation.
// It satisfies orchestrator.Executor.
type Router struct {
	mu     sync.RWMutex
	routes map[string]route
	logger *log.Logger
}

func NewRouter(logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		routes: make(map[string]route),
		logger: logger,
	}
}

// Handle registers h for operation. A positive timeout bounds each call in
// addition to the task's own timeout.
func (r *Router) Handle(operation string, h Handler, timeout time.Duration) error {
	operation = strings.TrimSpace(operation)
	if operation == "" {
		return fmt.Errorf("empty operation name")
	}
	if h == nil {
		return fmt.Errorf("operation %s: nil handler", operation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[operation]; exists {
		return fmt.Errorf("operation %s already registered", operation)
	}
	r.routes[operation] = route{handler: h, timeout: timeout}
	return nil
}

func (r *Router) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for name := range r.routes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Execute(ctx context.Context, payload domain.Payload, agent domain.Agent) (domain.Result, error) {
	r.mu.RLock()
	rt, ok := r.routes[payload.Operation]
	r.mu.RUnlock()
	if !ok {
		return domain.Result{}, fmt.Errorf("%w: %s", ErrUnknownOperation, payload.Operation)
	}
	if rt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.timeout)
		defer cancel()
	}

	started := time.Now()
	res, err := rt.handler.Handle(ctx, payload, agent)
	if err != nil {
		r.logger.Printf("operation failed op=%s agent=%s elapsed=%s err=%v", payload.Operation, agent.ID, time.Since(started), err)
		return domain.Result{}, err
	}
	if res.Type == "" {
		res.Type = payload.Operation
	}
	return res, nil
}
