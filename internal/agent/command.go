package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"taskdelegate/internal/domain"
)

const defaultMaxOutputBytes = 8 * 1024 * 1024

// CommandHandler runs an external program per call. The JSON Request goes to
// stdin; stdout must carry a JSON Result.
type CommandHandler struct {
	argv           []string
	dir            string
	env            []string
	maxOutputBytes int
}

func NewCommandHandler(argv []string, dir string, env []string) (*CommandHandler, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("empty command")
	}
	return &CommandHandler{
		argv:           append([]string(nil), argv...),
		dir:            dir,
		env:            append([]string(nil), env...),
		maxOutputBytes: defaultMaxOutputBytes,
	}, nil
}

func (c *CommandHandler) Handle(ctx context.Context, payload domain.Payload, agent domain.Agent) (domain.Result, error) {
	body, err := json.Marshal(newRequest(payload, agent))
	if err != nil {
		return domain.Result{}, fmt.Errorf("marshal command request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Result{}, ctxErr
		}
		return domain.Result{}, fmt.Errorf("command %s failed: %w; stderr: %s", c.argv[0], err, trim(strings.TrimSpace(stderr.String()), 800))
	}
	if stdout.Len() > c.maxOutputBytes {
		return domain.Result{}, fmt.Errorf("command %s output exceeds %d bytes", c.argv[0], c.maxOutputBytes)
	}
	res, err := parseResult(stdout.Bytes())
	if err != nil {
		return domain.Result{}, fmt.Errorf("parse command output: %w; output: %s", err, trim(stdout.String(), 800))
	}
	return res, nil
}
