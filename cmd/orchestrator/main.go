package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"taskdelegate/internal/agent"
	"taskdelegate/internal/config"
	"taskdelegate/internal/domain"
	"taskdelegate/internal/fs"
	"taskdelegate/internal/journal"
	"taskdelegate/internal/messaging/inproc"
	"taskdelegate/internal/orchestrator"
	"taskdelegate/internal/policy"
	"taskdelegate/internal/registry"
	"taskdelegate/internal/splitter"
	sqlitestore "taskdelegate/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml or config.yaml (default: ~/.taskdelegate/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite journal path override")
	workspaceFlag := flag.String("workspace", "", "workspace root analysed by builtin handlers")
	demo := flag.Bool("demo", false, "submit a by-dimension request over the workspace on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Addr, ":8092")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.DBPath, "data/taskdelegate.db"))
	workspaceRoot := filepath.Clean(firstNonEmpty(*workspaceFlag, cfg.WorkspaceRoot, "."))

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	deny := cfg.DenyPaths
	if deny == nil {
		deny = policy.DefaultDeny
	}
	policyEngine, err := policy.New(deny)
	if err != nil {
		log.Fatalf("create read policy: %v", err)
	}
	files, err := fs.NewGateway(workspaceRoot, policyEngine, log.Default())
	if err != nil {
		log.Fatalf("create file gateway: %v", err)
	}
	router, err := buildRouter(cfg, files, log.Default())
	if err != nil {
		log.Fatalf("build operation router: %v", err)
	}

	bus := inproc.New(intOrDefault(cfg.Scheduler.EventBuffer, 256))
	events := journal.New(bus, store, intOrDefault(cfg.Scheduler.EventBuffer, 1024), log.Default())
	events.Start(ctx)

	orch, err := orchestrator.New(router, bus, runtimeConfig(cfg), log.Default())
	if err != nil {
		log.Fatalf("create orchestrator: %v", err)
	}
	orch.Start(ctx)

	if err := registerAgents(ctx, orch, cfg.Agents); err != nil {
		log.Fatalf("register agents: %v", err)
	}
	if *demo {
		if err := bootstrapDemo(ctx, orch, files); err != nil {
			log.Printf("demo bootstrap failed: %v", err)
		}
	}

	a := &app{
		cfg:          cfg,
		orchestrator: orch,
		journal:      store,
		operations:   router.Operations(),
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"taskdelegate started addr=%s db=%s workspace=%s operations=%s",
		addr,
		dbPath,
		files.Root(),
		strings.Join(a.operations, ","),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("http server failed: %v", err)
		cancel()
	}
	orch.Wait()
	<-events.Done()
	log.Printf("taskdelegate stopped events_recorded=%d events_failed=%d dropped=%d", events.Recorded(), events.Failed(), bus.Dropped("journal"))
}

func runtimeConfig(cfg config.Config) orchestrator.Config {
	s := cfg.Scheduler
	return orchestrator.Config{
		DispatchInterval:    durationMS(s.DispatchIntervalMS, 250*time.Millisecond),
		DefaultTimeout:      durationMS(s.DefaultTimeoutMS, 30*time.Second),
		DefaultMaxRetries:   s.DefaultMaxRetries,
		RetryBackoff:        durationMS(s.RetryBackoffMS, 0),
		RetryBackoffMax:     durationMS(s.RetryBackoffMaxMS, 30*time.Second),
		AgentErrorThreshold: s.AgentErrorThreshold,
		NeutralExecTime:     durationMS(s.NeutralExecTimeMS, 5*time.Second),
		Strategy:            s.Strategy,
		Limits: registry.Limits{
			SpecialistConcurrency: s.SpecialistConcurrency,
			PoolConcurrency:       s.PoolConcurrency,
		},
	}
}

var builtinOperations = []string{
	splitter.OpAnalyzeFile,
	splitter.OpAnalyzeFunction,
	splitter.OpAnalyzeModule,
	splitter.OpAnalyzeComprehensive,
	splitter.OpAnalyzeDimension,
}

// buildRouter binds the configured operations and fills the analyze-*
// operations that config leaves unbound with the builtin file analyzer.
func buildRouter(cfg config.Config, files *fs.Gateway, logger *log.Logger) (*agent.Router, error) {
	router := agent.NewRouter(logger)
	stats := agent.NewFileStatsHandler(files)

	for name, op := range cfg.Operations {
		var (
			h   agent.Handler
			err error
		)
		switch op.Kind() {
		case "command":
			h, err = agent.NewCommandHandler(op.Command, op.Dir, op.Env)
		case "http":
			h, err = agent.NewHTTPHandler(agent.HTTPHandlerConfig{
				Endpoint: op.Endpoint,
				Headers:  op.Headers,
				Retries:  op.MaxAttempts - 1,
				Logger:   logger,
			})
		case "builtin":
			if op.Builtin != "filestats" {
				err = fmt.Errorf("unknown builtin %q", op.Builtin)
			}
			h = stats
		}
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", name, err)
		}
		if err := router.Handle(name, h, durationMS(op.TimeoutMS, 0)); err != nil {
			return nil, err
		}
	}
	for _, name := range builtinOperations {
		if _, bound := cfg.Operations[name]; bound {
			continue
		}
		if err := router.Handle(name, stats, 0); err != nil {
			return nil, err
		}
	}
	return router, nil
}

// defaultAgents covers every capability the splitter asks for.
var defaultAgents = []config.AgentConfig{
	{Name: "analyst", Category: "general", Capabilities: []string{"analysis", "performance", "documentation"}},
	{Name: "security-auditor", Category: domain.AgentCategorySpecialist, Capabilities: []string{"security", "analysis"}},
}

func registerAgents(ctx context.Context, orch *orchestrator.Service, agents []config.AgentConfig) error {
	if len(agents) == 0 {
		agents = defaultAgents
	}
	for _, a := range agents {
		caps := make([]domain.Capability, 0, len(a.Capabilities))
		for _, c := range a.Capabilities {
			caps = append(caps, domain.Capability(strings.TrimSpace(c)))
		}
		if _, err := orch.RegisterAgent(ctx, registry.AgentConfig{
			Name:               a.Name,
			Category:           a.Category,
			Specializations:    a.Specializations,
			Capabilities:       caps,
			MaxConcurrentTasks: a.MaxConcurrentTasks,
		}); err != nil {
			return fmt.Errorf("agent %s: %w", a.Name, err)
		}
	}
	return nil
}

func bootstrapDemo(ctx context.Context, orch *orchestrator.Service, files *fs.Gateway) error {
	listed, err := files.ListFiles(ctx, "demo", "", 50)
	if err != nil {
		return err
	}
	group, err := orch.DelegateComplex(ctx, domain.ComplexRequest{
		Description: "demo: analyse workspace along every dimension",
		Input:       domain.ComplexInput{Files: listed},
		Options:     domain.ComplexOptions{SplitPolicy: domain.SplitByDimension, MaxParallel: 2},
	})
	if err != nil {
		return err
	}
	log.Printf("demo group submitted group=%s tasks=%d files=%d", group.ID, len(group.TaskIDs), len(listed))
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
