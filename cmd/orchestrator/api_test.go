package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskdelegate/internal/config"
	"taskdelegate/internal/domain"
	"taskdelegate/internal/fs"
	"taskdelegate/internal/journal"
	"taskdelegate/internal/messaging/inproc"
	"taskdelegate/internal/orchestrator"
	"taskdelegate/internal/policy"
	sqlitestore "taskdelegate/internal/store/sqlite"
)

type testServer struct {
	*httptest.Server
	store *sqlitestore.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	dir := t.TempDir()
	workspace := filepath.Join(dir, "ws")
	if err := os.MkdirAll(filepath.Join(workspace, "pkg"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for name, body := range map[string]string{
		"pkg/a.go": "package pkg\n\n// A does a.\nfunc A() {}\n",
		"pkg/b.go": "package pkg\n\nfunc B() {\n\tfor {\n\t}\n}\n",
	} {
		if err := os.WriteFile(filepath.Join(workspace, filepath.FromSlash(name)), []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	store, err := sqlitestore.Open(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	engine, err := policy.New(policy.DefaultDeny)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	files, err := fs.NewGateway(workspace, engine, logger)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	cfg := config.Config{Scheduler: config.SchedulerConfig{DispatchIntervalMS: 5}}
	router, err := buildRouter(cfg, files, logger)
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	bus := inproc.New(256)
	events := journal.New(bus, store, 1024, logger)
	events.Start(ctx)
	orch, err := orchestrator.New(router, bus, runtimeConfig(cfg), logger)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	orch.Start(ctx)
	if err := registerAgents(ctx, orch, nil); err != nil {
		t.Fatalf("register agents: %v", err)
	}

	a := &app{cfg: cfg, orchestrator: orch, journal: store, operations: router.Operations()}
	srv := httptest.NewServer(a.routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		orch.Wait()
		<-events.Done()
		_ = store.Close()
	})
	return &testServer{Server: srv, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScheduleTaskOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	var task domain.Task
	code := srv.do(t, http.MethodPost, "/tasks", map[string]any{
		"id":           "file-a",
		"priority":     "high",
		"operation":    "analyze-file",
		"input":        map[string]any{"file": "pkg/a.go"},
		"capabilities": []string{"analysis"},
		"timeout_ms":   2000,
	}, &task)
	if code != http.StatusCreated || task.ID != "file-a" || task.Priority != domain.PriorityHigh {
		t.Fatalf("code=%d task=%+v", code, task)
	}

	waitUntil(t, "task completion", func() bool {
		var got domain.Task
		srv.do(t, http.MethodGet, "/tasks/file-a", nil, &got)
		return got.Status == domain.TaskStatusCompleted
	})

	var got domain.Task
	srv.do(t, http.MethodGet, "/tasks/file-a", nil, &got)
	if got.Result == nil || got.Result.Counts["functions"] != 1 {
		t.Fatalf("result=%+v", got.Result)
	}

	waitUntil(t, "journal events", func() bool {
		var events []domain.Event
		srv.do(t, http.MethodGet, "/tasks/file-a/events", nil, &events)
		return len(events) >= 4 && events[0].Type == domain.EventTaskCompleted
	})
}

func TestComplexRequestOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	var group domain.Group
	code := srv.do(t, http.MethodPost, "/groups", map[string]any{
		"description":  "two files",
		"input":        map[string]any{"target": "pkg", "files": []string{"a.go", "b.go"}},
		"split_policy": "by-file",
		"max_parallel": 1,
	}, &group)
	if code != http.StatusCreated || len(group.TaskIDs) != 2 {
		t.Fatalf("code=%d group=%+v", code, group)
	}

	var result domain.AggregationResult
	waitUntil(t, "group aggregation", func() bool {
		return srv.do(t, http.MethodGet, "/groups/"+group.ID+"/result", nil, &result) == http.StatusOK
	})
	if result.Completed != 2 || result.Results["analyze-file"].Counts["files"] != 2 {
		t.Fatalf("aggregation=%+v", result)
	}

	var stats domain.Statistics
	srv.do(t, http.MethodGet, "/stats", nil, &stats)
	if stats.Groups.Completed != 1 || stats.Tasks.ByStatus[domain.TaskStatusCompleted] != 2 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing task", http.MethodGet, "/tasks/nope", nil, http.StatusNotFound},
		{"missing group", http.MethodPost, "/groups/nope/reset", nil, http.StatusNotFound},
		{"missing agent", http.MethodGet, "/agents/nope", nil, http.StatusNotFound},
		{"empty operation", http.MethodPost, "/tasks", map[string]any{"id": "x"}, http.StatusBadRequest},
		{"unknown dependency", http.MethodPost, "/tasks", map[string]any{"operation": "analyze-file", "dependencies": []string{"ghost"}}, http.StatusBadRequest},
		{"unknown capability", http.MethodPost, "/tasks", map[string]any{"operation": "analyze-file", "capabilities": []string{"telepathy"}}, http.StatusBadRequest},
		{"unknown policy", http.MethodPost, "/groups", map[string]any{"split_policy": "by-vibes"}, http.StatusBadRequest},
		{"unknown strategy", http.MethodPut, "/strategy", map[string]any{"name": "random"}, http.StatusBadRequest},
		{"bad status", http.MethodPost, "/agents/nope/status", map[string]any{"status": "offline"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			if code := srv.do(t, tt.method, tt.path, tt.body, &body); code != tt.want {
				t.Fatalf("code=%d want %d body=%v", code, tt.want, body)
			}
			if body["error"] == nil {
				t.Fatalf("missing error body: %v", body)
			}
		})
	}
}

func TestStrategyEndpoint(t *testing.T) {
	srv := newTestServer(t)

	var out struct {
		Active    string   `json:"active"`
		Available []string `json:"available"`
	}
	if code := srv.do(t, http.MethodPut, "/strategy", map[string]any{"name": "performance"}, &out); code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	if out.Active != "performance" || len(out.Available) != 2 {
		t.Fatalf("strategy=%+v", out)
	}

	var agents []domain.Agent
	srv.do(t, http.MethodGet, "/agents?capability=security", nil, &agents)
	if len(agents) != 1 || agents[0].Name != "security-auditor" {
		t.Fatalf("agents=%+v", agents)
	}
}
