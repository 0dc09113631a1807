package registry

import (
	"errors"
	"testing"
	"time"

	"taskdelegate/internal/domain"
)

func TestRegisterDerivesConcurrencyFromCategory(t *testing.T) {
	r := New(Limits{})
	now := time.Now().UTC()

	specialist, err := r.Register(AgentConfig{
		Name:         "sec",
		Category:     "Specialist",
		Capabilities: []domain.Capability{"security"},
	}, now)
	if err != nil {
		t.Fatalf("register specialist: %v", err)
	}
	if specialist.MaxConcurrentTasks != 1 {
		t.Fatalf("specialist max=%d want 1", specialist.MaxConcurrentTasks)
	}
	if specialist.Status != domain.AgentStatusIdle || specialist.CurrentLoad != 0 {
		t.Fatalf("new agent must be idle with zero load: %+v", specialist)
	}

	pool, err := r.Register(AgentConfig{
		Name:         "worker",
		Category:     "general",
		Capabilities: []domain.Capability{"analysis", "analysis"},
	}, now)
	if err != nil {
		t.Fatalf("register pool agent: %v", err)
	}
	if pool.MaxConcurrentTasks != 3 {
		t.Fatalf("pool max=%d want 3", pool.MaxConcurrentTasks)
	}
	if len(pool.Capabilities) != 1 {
		t.Fatalf("duplicate capabilities should collapse: %v", pool.Capabilities)
	}
	if pool.ID == "" || pool.ID == specialist.ID {
		t.Fatalf("expected unique generated ids")
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New(Limits{})
	if _, err := r.Register(AgentConfig{Name: " "}, time.Now()); !errors.Is(err, ErrInvalidAgent) {
		t.Fatalf("expected ErrInvalidAgent, got %v", err)
	}
	_, err := r.Register(AgentConfig{Name: "x", Capabilities: []domain.Capability{"telepathy"}}, time.Now())
	if !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("expected ErrUnknownCapability, got %v", err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestAcquireReleaseKeepsLoadBounds(t *testing.T) {
	r := New(Limits{PoolConcurrency: 2})
	now := time.Now()
	a, _ := r.Register(AgentConfig{Name: "w", Capabilities: []domain.Capability{"analysis"}}, now)

	if err := r.Acquire(a.ID, "t1", false, now); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if err := r.Acquire(a.ID, "t2", false, now); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if err := r.Acquire(a.ID, "t3", false, now); err == nil {
		t.Fatalf("expected capacity error")
	}
	got, _ := r.Get(a.ID)
	if got.CurrentLoad != 2 || got.Status != domain.AgentStatusBusy {
		t.Fatalf("load=%d status=%s", got.CurrentLoad, got.Status)
	}
	if len(r.Available()) != 0 {
		t.Fatalf("agent at capacity must not be available")
	}

	r.Release(a.ID, "t1", false, now)
	got, _ = r.Get(a.ID)
	if got.CurrentLoad != 1 || got.Status != domain.AgentStatusBusy {
		t.Fatalf("after one release load=%d status=%s", got.CurrentLoad, got.Status)
	}
	r.Release(a.ID, "t2", false, now)
	r.Release(a.ID, "t2", false, now)
	got, _ = r.Get(a.ID)
	if got.CurrentLoad != 0 || got.Status != domain.AgentStatusIdle {
		t.Fatalf("after full release load=%d status=%s", got.CurrentLoad, got.Status)
	}
}

func TestExclusiveAcquireReservesAgent(t *testing.T) {
	r := New(Limits{})
	now := time.Now()
	a, _ := r.Register(AgentConfig{Name: "w"}, now)

	if err := r.Acquire(a.ID, "shared", false, now); err != nil {
		t.Fatalf("acquire shared: %v", err)
	}
	if err := r.Acquire(a.ID, "excl", true, now); err == nil {
		t.Fatalf("exclusive acquire on loaded agent must fail")
	}
	r.Release(a.ID, "shared", false, now)

	if err := r.Acquire(a.ID, "excl", true, now); err != nil {
		t.Fatalf("exclusive acquire: %v", err)
	}
	if err := r.Acquire(a.ID, "other", false, now); err == nil {
		t.Fatalf("reserved agent must refuse further work")
	}
	r.Release(a.ID, "excl", true, now)
	got, _ := r.Get(a.ID)
	if got.Reserved || got.CurrentLoad != 0 {
		t.Fatalf("release must clear reservation: %+v", got)
	}
}

func TestMetricsAndErrorThreshold(t *testing.T) {
	r := New(Limits{})
	now := time.Now()
	a, _ := r.Register(AgentConfig{Name: "w"}, now)

	r.RecordSuccess(a.ID, 2*time.Second, now)
	r.RecordSuccess(a.ID, 4*time.Second, now)
	got, _ := r.Get(a.ID)
	if got.Metrics.AvgExecutionTime != 3*time.Second {
		t.Fatalf("avg=%s want 3s", got.Metrics.AvgExecutionTime)
	}
	if got.Metrics.SuccessRate != 1 {
		t.Fatalf("success rate=%f", got.Metrics.SuccessRate)
	}

	if r.RecordFailure(a.ID, 2, now) {
		t.Fatalf("first failure must not mark errored")
	}
	if !r.RecordFailure(a.ID, 2, now) {
		t.Fatalf("second consecutive failure must mark errored")
	}
	got, _ = r.Get(a.ID)
	if got.Status != domain.AgentStatusErrored {
		t.Fatalf("status=%s", got.Status)
	}
	if got.Metrics.SuccessRate != 0.5 {
		t.Fatalf("success rate=%f want 0.5", got.Metrics.SuccessRate)
	}
	if len(r.Available()) != 0 {
		t.Fatalf("errored agent must not be available")
	}

	got, err := r.SetStatus(a.ID, domain.AgentStatusIdle, now)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if got.Status != domain.AgentStatusIdle || got.Metrics.ConsecutiveErrors != 0 {
		t.Fatalf("recovered agent: %+v", got)
	}
}

func TestListFilterAndCanEverServe(t *testing.T) {
	r := New(Limits{})
	now := time.Now()
	sec, _ := r.Register(AgentConfig{Name: "sec", Category: "specialist", Specializations: []string{"crypto"}, Capabilities: []domain.Capability{"security"}}, now)
	_, _ = r.Register(AgentConfig{Name: "gen", Capabilities: []domain.Capability{"analysis"}}, now)

	if got := r.List(Filter{Capability: domain.CapabilitySecurity}); len(got) != 1 || got[0].ID != sec.ID {
		t.Fatalf("capability filter returned %v", got)
	}
	if got := r.List(Filter{Category: "SPECIALIST"}); len(got) != 1 {
		t.Fatalf("category filter returned %d agents", len(got))
	}
	if got := r.List(Filter{}); len(got) != 2 || got[0].Name != "sec" {
		t.Fatalf("list must keep registration order: %v", got)
	}

	if !r.CanEverServe(domain.Requirements{Capabilities: []domain.Capability{"security"}, Specializations: []string{"crypto"}}) {
		t.Fatalf("security/crypto should be servable")
	}
	if r.CanEverServe(domain.Requirements{Capabilities: []domain.Capability{"security", "analysis"}}) {
		t.Fatalf("no single agent holds security+analysis")
	}
	if _, err := r.SetStatus(sec.ID, domain.AgentStatusOffline, now); err != nil {
		t.Fatalf("set offline: %v", err)
	}
	if r.CanEverServe(domain.Requirements{Capabilities: []domain.Capability{"security"}}) {
		t.Fatalf("offline agents do not count")
	}
}
