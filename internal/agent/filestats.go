package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"taskdelegate/internal/domain"
)

// FileReader is the read side of the workspace gateway.
type FileReader interface {
	ReadFile(ctx context.Context, agentID, relPath string) ([]byte, error)
	ListFiles(ctx context.Context, agentID, relDir string, limit int) ([]string, error)
}

// analysisInput mirrors the per-unit input the splitter produces.
type analysisInput struct {
	Target   string   `json:"target"`
	File     string   `json:"file"`
	Function string   `json:"function"`
	Module   string   `json:"module"`
	Facet    string   `json:"facet"`
	Files    []string `json:"files"`
}

const (
	longLineLimit  = 120
	largeFileLines = 500
	maxFilesPerRun = 500
)

var (
	funcDecl      = regexp.MustCompile(`^func\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)`)
	secretPattern = regexp.MustCompile(`(?i)(password|secret|api[_-]?key|token)\s*(:=|=|:)\s*["'][^"']+["']`)
	riskyCalls    = regexp.MustCompile(`exec\.Command|InsecureSkipVerify:\s*true|math/rand|unsafe\.`)
)

// FileStatsHandler is the builtin analyzer for the analyze-* operations. It
// only reads through the gateway.
type FileStatsHandler struct {
	files FileReader
}

func NewFileStatsHandler(files FileReader) *FileStatsHandler {
	return &FileStatsHandler{files: files}
}

func (h *FileStatsHandler) Handle(ctx context.Context, payload domain.Payload, agent domain.Agent) (domain.Result, error) {
	var in analysisInput
	if len(payload.Input) > 0 {
		if err := json.Unmarshal(payload.Input, &in); err != nil {
			return domain.Result{}, fmt.Errorf("decode analysis input: %w", err)
		}
	}

	switch payload.Operation {
	case "analyze-file":
		if strings.TrimSpace(in.File) == "" {
			return domain.Result{}, fmt.Errorf("analyze-file: file is required")
		}
		return h.analyze(ctx, agent, payload.Operation, []string{join(in.Target, in.File)}, "")
	case "analyze-module":
		files, err := h.files.ListFiles(ctx, agent.ID, join(in.Target, in.Module), maxFilesPerRun)
		if err != nil {
			return domain.Result{}, err
		}
		return h.analyze(ctx, agent, payload.Operation, files, "")
	case "analyze-function":
		return h.analyzeFunction(ctx, agent, in)
	case "analyze-dimension":
		files, err := h.collect(ctx, agent, in)
		if err != nil {
			return domain.Result{}, err
		}
		return h.analyze(ctx, agent, "dimension-"+in.Facet, files, in.Facet)
	case "analyze-comprehensive":
		files, err := h.collect(ctx, agent, in)
		if err != nil {
			return domain.Result{}, err
		}
		return h.analyze(ctx, agent, payload.Operation, files, "")
	default:
		return domain.Result{}, fmt.Errorf("%w: %s", ErrUnknownOperation, payload.Operation)
	}
}

func (h *FileStatsHandler) collect(ctx context.Context, agent domain.Agent, in analysisInput) ([]string, error) {
	if len(in.Files) > 0 {
		out := make([]string, 0, len(in.Files))
		for _, f := range in.Files {
			out = append(out, join(in.Target, f))
		}
		return out, nil
	}
	return h.files.ListFiles(ctx, agent.ID, in.Target, maxFilesPerRun)
}

type fileStats struct {
	lines, blank, comments, funcs, longLines   int64
	todos, secrets, risky, loops, undocumented int64
	bytes                                      int64
}

func (s *fileStats) add(o fileStats) {
	s.lines += o.lines
	s.blank += o.blank
	s.comments += o.comments
	s.funcs += o.funcs
	s.longLines += o.longLines
	s.todos += o.todos
	s.secrets += o.secrets
	s.risky += o.risky
	s.loops += o.loops
	s.undocumented += o.undocumented
	s.bytes += o.bytes
}

func (h *FileStatsHandler) analyze(ctx context.Context, agent domain.Agent, resultType string, files []string, facet string) (domain.Result, error) {
	var (
		total    fileStats
		insights []string
	)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return domain.Result{}, err
		}
		content, err := h.files.ReadFile(ctx, agent.ID, f)
		if err != nil {
			return domain.Result{}, fmt.Errorf("analyze %s: %w", f, err)
		}
		st := scan(content)
		total.add(st)
		if st.lines > largeFileLines {
			insights = append(insights, fmt.Sprintf("%s is large (%d lines)", f, st.lines))
		}
		if st.secrets > 0 && (facet == "" || facet == "security") {
			insights = append(insights, fmt.Sprintf("%s may contain hard-coded credentials", f))
		}
	}

	res := domain.Result{
		Type:     resultType,
		Counts:   map[string]int64{"files": int64(len(files))},
		Metrics:  map[string]float64{},
		Insights: insights,
	}
	switch facet {
	case "quality":
		res.Counts["todos"] = total.todos
		res.Counts["long_lines"] = total.longLines
	case "security":
		res.Counts["possible_secrets"] = total.secrets
		res.Counts["risky_calls"] = total.risky
	case "performance":
		res.Counts["loops"] = total.loops
		res.Counts["functions"] = total.funcs
	case "documentation":
		res.Counts["comment_lines"] = total.comments
		res.Counts["undocumented_functions"] = total.undocumented
	default:
		res.Counts["lines"] = total.lines
		res.Counts["blank_lines"] = total.blank
		res.Counts["comment_lines"] = total.comments
		res.Counts["functions"] = total.funcs
		res.Counts["todos"] = total.todos
		res.Counts["bytes"] = total.bytes
	}
	if code := total.lines - total.blank; code > 0 {
		res.Metrics["comment_ratio"] = float64(total.comments) / float64(code)
	}
	if len(files) > 0 {
		res.Metrics["lines_per_file"] = float64(total.lines) / float64(len(files))
	}
	if total.todos > 0 && (facet == "" || facet == "quality") {
		res.Insights = append(res.Insights, fmt.Sprintf("%d TODO/FIXME markers", total.todos))
	}
	return res, nil
}

func (h *FileStatsHandler) analyzeFunction(ctx context.Context, agent domain.Agent, in analysisInput) (domain.Result, error) {
	name := strings.TrimSpace(in.Function)
	if name == "" {
		return domain.Result{}, fmt.Errorf("analyze-function: function is required")
	}
	files, err := h.collect(ctx, agent, in)
	if err != nil {
		return domain.Result{}, err
	}
	for _, f := range files {
		content, err := h.files.ReadFile(ctx, agent.ID, f)
		if err != nil {
			return domain.Result{}, fmt.Errorf("analyze %s: %w", f, err)
		}
		body, line, ok := findFunction(content, name)
		if !ok {
			continue
		}
		st := scan(body)
		res := domain.Result{
			Type: "analyze-function",
			Counts: map[string]int64{
				"functions": 1,
				"lines":     st.lines,
				"loops":     st.loops,
				"todos":     st.todos,
			},
			Metrics: map[string]float64{"lines_per_function": float64(st.lines)},
			Data:    mustJSON(map[string]any{"function": name, "file": f, "line": line}),
		}
		if st.lines > 80 {
			res.Insights = append(res.Insights, fmt.Sprintf("%s in %s is long (%d lines)", name, f, st.lines))
		}
		return res, nil
	}
	return domain.Result{}, fmt.Errorf("analyze-function: %s not found", name)
}

func scan(content []byte) fileStats {
	st := fileStats{bytes: int64(len(content))}
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	prevComment := false
	for sc.Scan() {
		raw := sc.Text()
		line := strings.TrimSpace(raw)
		st.lines++
		if len(raw) > longLineLimit {
			st.longLines++
		}
		switch {
		case line == "":
			st.blank++
			prevComment = false
			continue
		case strings.HasPrefix(line, "//") || strings.HasPrefix(line, "#"):
			st.comments++
			if strings.Contains(line, "TODO") || strings.Contains(line, "FIXME") {
				st.todos++
			}
			prevComment = true
			continue
		}
		if m := funcDecl.FindStringSubmatch(line); m != nil {
			st.funcs++
			if isExported(m[1]) && !prevComment {
				st.undocumented++
			}
		}
		if strings.HasPrefix(line, "for ") || line == "for {" {
			st.loops++
		}
		if secretPattern.MatchString(line) {
			st.secrets++
		}
		if riskyCalls.MatchString(line) {
			st.risky++
		}
		prevComment = false
	}
	return st
}

// findFunction returns the lines of the named top-level function, up to the
// first closing brace in column zero.
func findFunction(content []byte, name string) ([]byte, int, bool) {
	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		m := funcDecl.FindStringSubmatch(line)
		if m == nil || m[1] != name {
			continue
		}
		end := i
		for j := i; j < len(lines); j++ {
			end = j
			if lines[j] == "}" || (j == i && strings.HasSuffix(strings.TrimSpace(lines[j]), "}")) {
				break
			}
		}
		return []byte(strings.Join(lines[i:end+1], "\n")), i + 1, true
	}
	return nil, 0, false
}

func isExported(name string) bool {
	return name != "" && strings.ToUpper(name[:1]) == name[:1] && name[:1] != "_"
}

func join(base, rel string) string {
	rel = strings.TrimSpace(rel)
	base = strings.TrimSpace(base)
	if base == "" || strings.HasPrefix(rel, "/") {
		return rel
	}
	return path.Join(base, rel)
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return payload
}
