package fs

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type testPolicy struct {
	denyPrefix string
}

func (p testPolicy) CanRead(_ context.Context, _ string, relPath string) (bool, string, error) {
	if p.denyPrefix != "" && strings.HasPrefix(relPath, p.denyPrefix) {
		return false, "denied", nil
	}
	return true, "allowed", nil
}

func newTestGateway(t *testing.T, policy Policy) (*Gateway, string) {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"main.go":             "package main\n\nfunc main() {}\n",
		"pkg/a.go":            "package pkg\n",
		"pkg/sub/b.go":        "package sub\n",
		"secret/token.txt":    "hunter2",
		"pkg/secret/skip.txt": "x",
	}
	for rel, body := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(abs, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	gw, err := NewGateway(root, policy, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw, root
}

func TestReadFileDeniedByPolicy(t *testing.T) {
	gw, _ := newTestGateway(t, testPolicy{denyPrefix: "secret/"})

	if _, err := gw.ReadFile(context.Background(), "agent-1", "secret/token.txt"); !errors.Is(err, ErrForbiddenFileOperation) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	content, err := gw.ReadFile(context.Background(), "agent-1", "./main.go")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(content), "func main") {
		t.Fatalf("content=%q", content)
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	for _, p := range []string{"../etc/passwd", "pkg/../../x", `..\windows`} {
		if _, err := gw.ReadFile(context.Background(), "a", p); !errors.Is(err, ErrOutsideWorkspace) {
			t.Fatalf("ReadFile(%q) err=%v, want ErrOutsideWorkspace", p, err)
		}
	}
	if _, err := gw.ReadFile(context.Background(), "a", "pkg"); err == nil {
		t.Fatalf("reading a directory should fail")
	}
}

func TestListFilesSkipsDenied(t *testing.T) {
	gw, _ := newTestGateway(t, testPolicy{denyPrefix: "pkg/secret"})

	files, err := gw.ListFiles(context.Background(), "a", "pkg", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"pkg/a.go", "pkg/sub/b.go"}
	if strings.Join(files, ",") != strings.Join(want, ",") {
		t.Fatalf("files=%v, want %v", files, want)
	}

	all, err := gw.ListFiles(context.Background(), "a", "", 2)
	if err != nil {
		t.Fatalf("list root: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("limit not applied: %v", all)
	}
}
