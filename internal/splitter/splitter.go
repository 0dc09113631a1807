// Package splitter turns one composite request into concrete task specs.
// It never touches engine state; the orchestrator enqueues the output as a group.
package splitter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskdelegate/internal/domain"
)

var (
	ErrUnknownPolicy = errors.New("unknown split policy")
	ErrInvalidInput  = errors.New("invalid split input")
)

const (
	OpAnalyzeFile          = "analyze-file"
	OpAnalyzeFunction      = "analyze-function"
	OpAnalyzeModule        = "analyze-module"
	OpAnalyzeComprehensive = "analyze-comprehensive"
	OpAnalyzeDimension     = "analyze-dimension"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultEstimate = 5 * time.Second
)

// Facet is one dimension of a by-dimension split.
type Facet struct {
	Name       string
	Capability domain.Capability
	Priority   domain.Priority
	Exclusive  bool
}

// Facets is the fixed set of dimensions analysed over the whole input.
var Facets = []Facet{
	{Name: "quality", Capability: domain.CapabilityAnalysis, Priority: domain.PriorityNormal},
	{Name: "security", Capability: domain.CapabilitySecurity, Priority: domain.PriorityHigh, Exclusive: true},
	{Name: "performance", Capability: domain.CapabilityPerformance, Priority: domain.PriorityNormal},
	{Name: "documentation", Capability: domain.CapabilityDocumentation, Priority: domain.PriorityLow},
}

// Defaults fill options the request leaves unset.
type Defaults struct {
	Timeout           time.Duration
	MaxRetries        int
	EstimatedDuration time.Duration
}

func (d Defaults) withDefaults() Defaults {
	if d.Timeout <= 0 {
		d.Timeout = defaultTimeout
	}
	if d.MaxRetries < 0 {
		d.MaxRetries = 0
	}
	if d.EstimatedDuration <= 0 {
		d.EstimatedDuration = defaultEstimate
	}
	return d
}

// unitInput is the JSON handed to the executor for one split unit.
type unitInput struct {
	Target   string          `json:"target,omitempty"`
	File     string          `json:"file,omitempty"`
	Function string          `json:"function,omitempty"`
	Module   string          `json:"module,omitempty"`
	Facet    string          `json:"facet,omitempty"`
	Files    []string        `json:"files,omitempty"`
	Extra    json.RawMessage `json:"extra,omitempty"`
}

// Split applies the request's policy. When the collection the policy draws
// from is empty, it falls back to one analyze-comprehensive task.
func Split(req domain.ComplexRequest, d Defaults) ([]domain.TaskSpec, error) {
	d = d.withDefaults()
	opts := req.Options
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.Timeout
	}
	retries := d.MaxRetries
	if opts.MaxRetries != nil {
		retries = max(*opts.MaxRetries, 0)
	}
	in := req.Input
	if len(in.Extra) > 0 && !json.Valid(in.Extra) {
		return nil, fmt.Errorf("%w: extra is not valid JSON", ErrInvalidInput)
	}

	policy := domain.SplitPolicy(strings.ToLower(strings.TrimSpace(string(opts.SplitPolicy))))
	if policy == "" {
		policy = domain.SplitByFile
	}

	var units []pending
	add := func(category, op string, p domain.Priority, in unitInput, caps []domain.Capability,
		estimate time.Duration, resources map[string]string, timeout time.Duration) *domain.TaskSpec {
		units = append(units, pending{input: in, spec: domain.TaskSpec{
			Category: category,
			Priority: p,
			Payload: domain.Payload{
				Operation:  op,
				Parameters: map[string]any{"policy": string(policy)},
			},
			Requirements: domain.Requirements{
				Capabilities:      caps,
				EstimatedDuration: estimate,
				Resources:         resources,
			},
			Constraints: domain.Constraints{
				Timeout:    timeout,
				MaxRetries: retries,
			},
		}})
		return &units[len(units)-1].spec
	}

	switch policy {
	case domain.SplitByFile:
		for _, file := range nonEmpty(in.Files) {
			add("file-analysis", OpAnalyzeFile, domain.PriorityNormal,
				unitInput{Target: in.Target, File: file, Extra: in.Extra},
				[]domain.Capability{domain.CapabilityAnalysis}, d.EstimatedDuration, nil, timeout)
		}
	case domain.SplitByFunction:
		for _, fn := range nonEmpty(in.Functions) {
			add("function-analysis", OpAnalyzeFunction, domain.PriorityNormal,
				unitInput{Target: in.Target, Function: fn, Extra: in.Extra},
				[]domain.Capability{domain.CapabilityAnalysis}, d.EstimatedDuration/2, nil, timeout/2)
		}
	case domain.SplitByModule:
		for _, mod := range nonEmpty(in.Modules) {
			add("module-analysis", OpAnalyzeModule, domain.PriorityHigh,
				unitInput{Target: in.Target, Module: mod, Extra: in.Extra},
				[]domain.Capability{domain.CapabilityAnalysis}, d.EstimatedDuration*2,
				map[string]string{"memory": "high", "io": "high"}, timeout*2)
		}
	case domain.SplitByDimension:
		if in.Target == "" && len(nonEmpty(in.Files)) == 0 {
			break
		}
		for _, f := range Facets {
			spec := add(f.Name+"-analysis", OpAnalyzeDimension, f.Priority,
				unitInput{Target: in.Target, Facet: f.Name, Files: nonEmpty(in.Files), Extra: in.Extra},
				[]domain.Capability{f.Capability}, d.EstimatedDuration, nil, timeout)
			spec.Constraints.Exclusive = f.Exclusive
			spec.Payload.Parameters["facet"] = f.Name
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, opts.SplitPolicy)
	}

	if len(units) == 0 {
		add("comprehensive-analysis", OpAnalyzeComprehensive, domain.PriorityNormal,
			unitInput{Target: in.Target, Files: nonEmpty(in.Files), Extra: in.Extra},
			[]domain.Capability{domain.CapabilityAnalysis}, d.EstimatedDuration*3, nil, timeout*3)
	}

	specs := make([]domain.TaskSpec, 0, len(units))
	for _, u := range units {
		raw, err := json.Marshal(u.input)
		if err != nil {
			return nil, fmt.Errorf("encode unit input: %w", err)
		}
		u.spec.Payload.Input = raw
		specs = append(specs, u.spec)
	}
	return specs, nil
}

type pending struct {
	spec  domain.TaskSpec
	input unitInput
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
