package policy

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// DefaultDeny keeps executors away from VCS internals and key material.
var DefaultDeny = []string{".git/**", "**/*.pem", "**/*.key", "**/.env"}

// Engine decides whether an agent may read a workspace path. Patterns use
// path.Match syntax against the slash-separated relative path; a leading
// "**/" matches at any depth and a trailing "/**" matches a whole subtree.
type Engine struct {
	deny []string
}

func New(deny []string) (*Engine, error) {
	patterns := make([]string, 0, len(deny))
	for _, p := range deny {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		probe := strings.TrimSuffix(strings.TrimPrefix(p, "**/"), "/**")
		if _, err := path.Match(probe, ""); err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", p, err)
		}
		patterns = append(patterns, p)
	}
	return &Engine{deny: patterns}, nil
}

func (e *Engine) CanRead(_ context.Context, agentID, relPath string) (bool, string, error) {
	for _, pattern := range e.deny {
		if matches(pattern, relPath) {
			return false, fmt.Sprintf("path %s denied for agent %s by %q", relPath, agentID, pattern), nil
		}
	}
	return true, "allowed", nil
}

func matches(pattern, relPath string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if !strings.Contains(prefix, "*") {
			return relPath == prefix || strings.HasPrefix(relPath, prefix+"/")
		}
		pattern = prefix
	}
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		parts := strings.Split(relPath, "/")
		for i := range parts {
			if ok, _ := path.Match(rest, strings.Join(parts[i:], "/")); ok {
				return true
			}
		}
		return false
	}
	ok, _ := path.Match(pattern, relPath)
	return ok
}
