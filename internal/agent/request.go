package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"taskdelegate/internal/domain"
)

// Request is the envelope handed to external handlers on stdin or in the
// HTTP body.
type Request struct {
	Operation  string          `json:"operation"`
	Input      json.RawMessage `json:"input,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	Agent      RequestAgent    `json:"agent"`
}

type RequestAgent struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Category        string              `json:"category"`
	Specializations []string            `json:"specializations,omitempty"`
	Capabilities    []domain.Capability `json:"capabilities,omitempty"`
}

func newRequest(payload domain.Payload, agent domain.Agent) Request {
	return Request{
		Operation:  payload.Operation,
		Input:      payload.Input,
		Parameters: payload.Parameters,
		Agent: RequestAgent{
			ID:              agent.ID,
			Name:            agent.Name,
			Category:        agent.Category,
			Specializations: agent.Specializations,
			Capabilities:    agent.Capabilities,
		},
	}
}

// parseResult accepts a bare JSON Result, optionally wrapped in a markdown
// fence.
func parseResult(raw []byte) (domain.Result, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Result{}, fmt.Errorf("empty output")
	}

	var res domain.Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return domain.Result{}, err
	}
	return res, nil
}

// trim caps s at n bytes, cutting on a rune boundary.
func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return "..."[:n]
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
