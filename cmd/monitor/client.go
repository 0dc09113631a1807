package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskdelegate/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type strategyState struct {
	Active    string   `json:"active"`
	Available []string `json:"available"`
}

func (c *client) listTasks() ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON("/tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listAgents() ([]domain.Agent, error) {
	var out []domain.Agent
	if err := c.getJSON("/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) stats() (domain.Statistics, error) {
	var out domain.Statistics
	err := c.getJSON("/stats", &out)
	return out, err
}

func (c *client) listEvents(taskID string, limit int) ([]domain.Event, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if taskID != "" {
		q.Set("task", taskID)
	}
	var out []domain.Event
	if err := c.getJSON("/events?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) submitGroup(req map[string]any) (domain.Group, error) {
	var out domain.Group
	err := c.sendJSON(http.MethodPost, "/groups", req, &out)
	return out, err
}

func (c *client) resetGroup(groupID string) (domain.Group, error) {
	var out domain.Group
	err := c.sendJSON(http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/reset", map[string]any{}, &out)
	return out, err
}

// cycleStrategy switches to the strategy after the active one.
func (c *client) cycleStrategy() (string, error) {
	var cur strategyState
	if err := c.getJSON("/strategy", &cur); err != nil {
		return "", err
	}
	if len(cur.Available) == 0 {
		return cur.Active, nil
	}
	next := cur.Available[0]
	for i, name := range cur.Available {
		if name == cur.Active {
			next = cur.Available[(i+1)%len(cur.Available)]
			break
		}
	}
	var out strategyState
	if err := c.sendJSON(http.MethodPut, "/strategy", map[string]any{"name": next}, &out); err != nil {
		return "", err
	}
	return out.Active, nil
}

func (c *client) waitHealth(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := c.http.Get(c.baseURL + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func (c *client) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) sendJSON(method, path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// parsePrompt turns "<policy> <target> [items...]" into a composite request.
// Items become files, functions or modules depending on the policy.
func parsePrompt(prompt string) (map[string]any, error) {
	fields := strings.Fields(prompt)
	if len(fields) < 2 {
		return nil, fmt.Errorf("usage: <by-file|by-function|by-module|by-dimension> <target> [items...]")
	}
	policy := domain.SplitPolicy(strings.ToLower(fields[0]))
	input := map[string]any{"target": fields[1]}
	items := fields[2:]
	switch policy {
	case domain.SplitByFile, domain.SplitByDimension:
		input["files"] = items
	case domain.SplitByFunction:
		input["functions"] = items
	case domain.SplitByModule:
		input["modules"] = items
	default:
		return nil, fmt.Errorf("unknown split policy %q", fields[0])
	}
	return map[string]any{
		"description":  strings.TrimSpace(prompt),
		"split_policy": policy,
		"input":        input,
	}, nil
}
