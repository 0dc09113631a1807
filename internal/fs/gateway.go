package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrForbiddenFileOperation = errors.New("file operation is forbidden by policy")
	ErrOutsideWorkspace       = errors.New("path escapes workspace root")
)

type Policy interface {
	CanRead(ctx context.Context, agentID, relPath string) (bool, string, error)
}

// Gateway gives executors read access to files under one workspace root.
type Gateway struct {
	root    string
	policy  Policy
	logger  *log.Logger
	maxSize int64
}

func NewGateway(root string, policy Policy, logger *log.Logger) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{
		root:    absRoot,
		policy:  policy,
		logger:  logger,
		maxSize: 4 << 20,
	}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

func (g *Gateway) ReadFile(ctx context.Context, agentID, relPath string) ([]byte, error) {
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		return nil, err
	}
	if err := g.check(ctx, agentID, normalized); err != nil {
		return nil, err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("read file %s: is a directory", normalized)
	}
	if info.Size() > g.maxSize {
		return nil, fmt.Errorf("read file %s: %d bytes exceeds limit %d", normalized, info.Size(), g.maxSize)
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

// ListFiles returns the readable regular files under relDir, relative to the
// workspace root and sorted. Denied paths are skipped. limit <= 0 means 1000.
func (g *Gateway) ListFiles(ctx context.Context, agentID, relDir string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	absDir, _, err := g.resolve(relDir)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(absDir, func(p string, d iofs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(g.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && p != absDir {
				if ok, _, _ := g.allowed(ctx, agentID, rel); !ok {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ok, _, _ := g.allowed(ctx, agentID, rel); !ok {
			return nil
		}
		files = append(files, rel)
		if len(files) >= limit {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files %s: %w", relDir, err)
	}
	sort.Strings(files)
	return files, nil
}

func (g *Gateway) check(ctx context.Context, agentID, normalized string) error {
	allowed, reason, err := g.allowed(ctx, agentID, normalized)
	if err != nil {
		return fmt.Errorf("policy check read file: %w", err)
	}
	if !allowed {
		g.logger.Printf("file read denied agent=%s path=%s reason=%s", agentID, normalized, reason)
		return fmt.Errorf("%w: %s", ErrForbiddenFileOperation, reason)
	}
	return nil
}

func (g *Gateway) allowed(ctx context.Context, agentID, normalized string) (bool, string, error) {
	if g.policy == nil {
		return true, "allowed", nil
	}
	return g.policy.CanRead(ctx, agentID, normalized)
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" {
		normalized = "."
	}

	absClean := filepath.Clean(filepath.Join(g.root, filepath.FromSlash(normalized)))
	rel, err := filepath.Rel(g.root, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q", ErrOutsideWorkspace, relPath)
	}
	return absClean, filepath.ToSlash(rel), nil
}
