package splitter

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"taskdelegate/internal/domain"
)

var defaults = Defaults{Timeout: 10 * time.Second, MaxRetries: 2, EstimatedDuration: 4 * time.Second}

func TestSplitPolicies(t *testing.T) {
	input := domain.ComplexInput{
		Target:    "repo",
		Files:     []string{"a.go", " ", "b.go"},
		Functions: []string{"Parse"},
		Modules:   []string{"core", "api"},
	}
	tests := []struct {
		name      string
		policy    domain.SplitPolicy
		wantCount int
		wantOp    string
		timeout   time.Duration
		estimate  time.Duration
		priority  domain.Priority
	}{
		{name: "by file", policy: domain.SplitByFile, wantCount: 2, wantOp: OpAnalyzeFile, timeout: 10 * time.Second, estimate: 4 * time.Second, priority: domain.PriorityNormal},
		{name: "default policy is by file", policy: "", wantCount: 2, wantOp: OpAnalyzeFile, timeout: 10 * time.Second, estimate: 4 * time.Second, priority: domain.PriorityNormal},
		{name: "by function", policy: domain.SplitByFunction, wantCount: 1, wantOp: OpAnalyzeFunction, timeout: 5 * time.Second, estimate: 2 * time.Second, priority: domain.PriorityNormal},
		{name: "by module", policy: domain.SplitByModule, wantCount: 2, wantOp: OpAnalyzeModule, timeout: 20 * time.Second, estimate: 8 * time.Second, priority: domain.PriorityHigh},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			specs, err := Split(domain.ComplexRequest{Input: input, Options: domain.ComplexOptions{SplitPolicy: tc.policy}}, defaults)
			if err != nil {
				t.Fatalf("split: %v", err)
			}
			if len(specs) != tc.wantCount {
				t.Fatalf("got %d specs want %d", len(specs), tc.wantCount)
			}
			for _, s := range specs {
				if s.Payload.Operation != tc.wantOp {
					t.Fatalf("operation=%s want %s", s.Payload.Operation, tc.wantOp)
				}
				if s.Constraints.Timeout != tc.timeout || s.Requirements.EstimatedDuration != tc.estimate {
					t.Fatalf("timeout=%s estimate=%s", s.Constraints.Timeout, s.Requirements.EstimatedDuration)
				}
				if s.Priority != tc.priority || s.Constraints.MaxRetries != 2 {
					t.Fatalf("priority=%s retries=%d", s.Priority, s.Constraints.MaxRetries)
				}
			}
		})
	}
}

func TestSplitByModuleMarksHeavyResources(t *testing.T) {
	specs, err := Split(domain.ComplexRequest{
		Input:   domain.ComplexInput{Modules: []string{"core"}},
		Options: domain.ComplexOptions{SplitPolicy: domain.SplitByModule},
	}, defaults)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	res := specs[0].Requirements.Resources
	if res["memory"] != "high" || res["io"] != "high" {
		t.Fatalf("resources=%v", res)
	}
	var in map[string]any
	if err := json.Unmarshal(specs[0].Payload.Input, &in); err != nil {
		t.Fatalf("decode input: %v", err)
	}
	if in["module"] != "core" {
		t.Fatalf("input=%v", in)
	}
}

func TestSplitByDimensionMarksSecurityExclusive(t *testing.T) {
	specs, err := Split(domain.ComplexRequest{
		Input:   domain.ComplexInput{Target: "repo"},
		Options: domain.ComplexOptions{SplitPolicy: domain.SplitByDimension},
	}, defaults)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(specs) != len(Facets) {
		t.Fatalf("got %d specs want %d", len(specs), len(Facets))
	}
	exclusive := 0
	for _, s := range specs {
		if !s.Constraints.Exclusive {
			continue
		}
		exclusive++
		if s.Payload.Parameters["facet"] != "security" || s.Priority != domain.PriorityHigh {
			t.Fatalf("unexpected exclusive facet: %+v", s)
		}
		if len(s.Requirements.Capabilities) != 1 || s.Requirements.Capabilities[0] != domain.CapabilitySecurity {
			t.Fatalf("security facet capabilities=%v", s.Requirements.Capabilities)
		}
	}
	if exclusive != 1 {
		t.Fatalf("exactly one facet should be exclusive, got %d", exclusive)
	}
}

func TestSplitFallsBackToComprehensive(t *testing.T) {
	for _, policy := range []domain.SplitPolicy{domain.SplitByFile, domain.SplitByFunction, domain.SplitByModule, domain.SplitByDimension} {
		specs, err := Split(domain.ComplexRequest{Options: domain.ComplexOptions{SplitPolicy: policy}}, defaults)
		if err != nil {
			t.Fatalf("%s: %v", policy, err)
		}
		if len(specs) != 1 || specs[0].Payload.Operation != OpAnalyzeComprehensive {
			t.Fatalf("%s: expected single comprehensive task, got %+v", policy, specs)
		}
		if specs[0].Constraints.Timeout != 30*time.Second {
			t.Fatalf("%s: timeout=%s want triple", policy, specs[0].Constraints.Timeout)
		}
		if specs[0].Payload.Parameters["policy"] != string(policy) {
			t.Fatalf("%s: policy param=%v", policy, specs[0].Payload.Parameters["policy"])
		}
	}
}

func TestSplitRejectsUnknownPolicy(t *testing.T) {
	_, err := Split(domain.ComplexRequest{Options: domain.ComplexOptions{SplitPolicy: "by-vibes"}}, defaults)
	if !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestSplitRequestOverridesDefaults(t *testing.T) {
	specs, err := Split(domain.ComplexRequest{
		Input:   domain.ComplexInput{Files: []string{"a.go"}},
		Options: domain.ComplexOptions{Timeout: 3 * time.Second, MaxRetries: intPtr(5)},
	}, Defaults{})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if specs[0].Constraints.Timeout != 3*time.Second || specs[0].Constraints.MaxRetries != 5 {
		t.Fatalf("constraints=%+v", specs[0].Constraints)
	}
}

func TestSplitHonoursZeroRetries(t *testing.T) {
	specs, err := Split(domain.ComplexRequest{
		Input:   domain.ComplexInput{Files: []string{"a.go"}},
		Options: domain.ComplexOptions{MaxRetries: intPtr(0)},
	}, defaults)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if specs[0].Constraints.MaxRetries != 0 {
		t.Fatalf("retries=%d want 0", specs[0].Constraints.MaxRetries)
	}
}

func TestSplitRejectsInvalidExtra(t *testing.T) {
	specs, err := Split(domain.ComplexRequest{
		Input:   domain.ComplexInput{Files: []string{"a.go"}, Extra: json.RawMessage("{bad")},
		Options: domain.ComplexOptions{SplitPolicy: domain.SplitByFile},
	}, defaults)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v (specs=%d)", err, len(specs))
	}
}

func TestSplitCarriesExtraIntoInput(t *testing.T) {
	specs, err := Split(domain.ComplexRequest{
		Input:   domain.ComplexInput{Target: "repo", Files: []string{"a.go"}, Extra: json.RawMessage(`{"depth":2}`)},
		Options: domain.ComplexOptions{SplitPolicy: domain.SplitByFile},
	}, defaults)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	var in struct {
		File  string         `json:"file"`
		Extra map[string]any `json:"extra"`
	}
	if err := json.Unmarshal(specs[0].Payload.Input, &in); err != nil {
		t.Fatalf("decode input: %v", err)
	}
	if in.File != "a.go" || in.Extra["depth"] != float64(2) {
		t.Fatalf("input=%s", specs[0].Payload.Input)
	}
}

func intPtr(v int) *int { return &v }
