package agent

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"
	"unicode/utf8"

	"taskdelegate/internal/domain"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestRouterDispatchesByOperation(t *testing.T) {
	r := NewRouter(testLogger())
	if err := r.Handle("echo", HandlerFunc(func(_ context.Context, p domain.Payload, a domain.Agent) (domain.Result, error) {
		return domain.Result{Insights: []string{a.Name + ":" + p.Operation}}, nil
	}), 0); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := r.Handle("echo", HandlerFunc(nil), 0); err == nil {
		t.Fatalf("duplicate registration should fail")
	}

	res, err := r.Execute(context.Background(), domain.Payload{Operation: "echo"}, domain.Agent{Name: "w1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Type != "echo" || len(res.Insights) != 1 || res.Insights[0] != "w1:echo" {
		t.Fatalf("result=%+v", res)
	}

	if _, err := r.Execute(context.Background(), domain.Payload{Operation: "nope"}, domain.Agent{}); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
	if ops := r.Operations(); len(ops) != 1 || ops[0] != "echo" {
		t.Fatalf("operations=%v", ops)
	}
}

func TestRouterAppliesOperationTimeout(t *testing.T) {
	r := NewRouter(testLogger())
	_ = r.Handle("slow", HandlerFunc(func(ctx context.Context, _ domain.Payload, _ domain.Agent) (domain.Result, error) {
		<-ctx.Done()
		return domain.Result{}, ctx.Err()
	}), 20*time.Millisecond)

	started := time.Now()
	_, err := r.Execute(context.Background(), domain.Payload{Operation: "slow"}, domain.Agent{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(started) > time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestParseResultToleratesFences(t *testing.T) {
	tests := map[string]string{
		"bare":   `{"type":"x","counts":{"n":2}}`,
		"fenced": "```json\n{\"type\":\"x\",\"counts\":{\"n\":2}}\n```",
		"plain":  "```\n{\"type\":\"x\",\"counts\":{\"n\":2}}\n```",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			res, err := parseResult([]byte(raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if res.Type != "x" || res.Counts["n"] != 2 {
				t.Fatalf("result=%+v", res)
			}
		})
	}
	if _, err := parseResult([]byte("  ")); err == nil {
		t.Fatalf("empty output should fail")
	}
}

func TestTrimKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdefgh", 6, "abc..."},
		{"ééééé", 7, "éé..."},
		{"ééééé", 6, "é..."},
		{"abcdef", 2, ".."},
		{"abcdef", 0, "abcdef"},
	}
	for _, tt := range tests {
		got := trim(tt.in, tt.n)
		if got != tt.want || !utf8.ValidString(got) {
			t.Fatalf("trim(%q, %d)=%q want %q", tt.in, tt.n, got, tt.want)
		}
		if tt.n > 0 && len(got) > tt.n {
			t.Fatalf("trim(%q, %d) exceeds limit: %q", tt.in, tt.n, got)
		}
	}
}
