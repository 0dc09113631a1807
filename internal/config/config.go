package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr          string               `toml:"addr" yaml:"addr"`
	DBPath        string               `toml:"db_path" yaml:"db_path"`
	WorkspaceRoot string               `toml:"workspace_root" yaml:"workspace_root"`
	DenyPaths     []string             `toml:"deny_paths" yaml:"deny_paths"`
	Scheduler     SchedulerConfig      `toml:"scheduler" yaml:"scheduler"`
	Agents        []AgentConfig        `toml:"agents" yaml:"agents"`
	Operations    map[string]Operation `toml:"operations" yaml:"operations"`
	Raw           map[string]any       `toml:"-" yaml:"-"`
	Path          string               `toml:"-" yaml:"-"`
}

type SchedulerConfig struct {
	DispatchIntervalMS    int    `toml:"dispatch_interval_ms" yaml:"dispatch_interval_ms"`
	DefaultTimeoutMS      int    `toml:"default_timeout_ms" yaml:"default_timeout_ms"`
	DefaultMaxRetries     int    `toml:"default_max_retries" yaml:"default_max_retries"`
	RetryBackoffMS        int    `toml:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	RetryBackoffMaxMS     int    `toml:"retry_backoff_max_ms" yaml:"retry_backoff_max_ms"`
	SpecialistConcurrency int    `toml:"specialist_concurrency" yaml:"specialist_concurrency"`
	PoolConcurrency       int    `toml:"pool_concurrency" yaml:"pool_concurrency"`
	AgentErrorThreshold   int    `toml:"agent_error_threshold" yaml:"agent_error_threshold"`
	NeutralExecTimeMS     int    `toml:"neutral_exec_time_ms" yaml:"neutral_exec_time_ms"`
	Strategy              string `toml:"strategy" yaml:"strategy"`
	EventBuffer           int    `toml:"event_buffer" yaml:"event_buffer"`
}

type AgentConfig struct {
	Name               string   `toml:"name" yaml:"name"`
	Category           string   `toml:"category" yaml:"category"`
	Specializations    []string `toml:"specializations" yaml:"specializations"`
	Capabilities       []string `toml:"capabilities" yaml:"capabilities"`
	MaxConcurrentTasks int      `toml:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
}

// Operation binds an operation name to a handler. Exactly one of Command,
// Endpoint or Builtin is expected.
type Operation struct {
	Command     []string          `toml:"command" yaml:"command"`
	Dir         string            `toml:"dir" yaml:"dir"`
	Env         []string          `toml:"env" yaml:"env"`
	Endpoint    string            `toml:"endpoint" yaml:"endpoint"`
	Headers     map[string]string `toml:"headers" yaml:"headers"`
	MaxAttempts int               `toml:"max_attempts" yaml:"max_attempts"`
	Builtin     string            `toml:"builtin" yaml:"builtin"`
	TimeoutMS   int               `toml:"timeout_ms" yaml:"timeout_ms"`
}

func (o Operation) Kind() string {
	switch {
	case len(o.Command) > 0:
		return "command"
	case strings.TrimSpace(o.Endpoint) != "":
		return "http"
	case strings.TrimSpace(o.Builtin) != "":
		return "builtin"
	default:
		return ""
	}
}

// Load reads path, or the default location when path is empty. A missing
// default file yields an empty config; a missing explicit file is an error.
func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if path == "" && errors.Is(err, fs.ErrNotExist) {
			return Config{Path: resolved}, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	cfg, raw, err := decode(resolved, bytes)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", resolved, err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func decode(path string, bytes []byte) (Config, map[string]any, error) {
	var (
		cfg Config
		raw map[string]any
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(bytes, &cfg); err != nil {
			return Config{}, nil, fmt.Errorf("decode config file: %w", err)
		}
		if err := yaml.Unmarshal(bytes, &raw); err != nil {
			return Config{}, nil, fmt.Errorf("decode raw config: %w", err)
		}
	default:
		if _, err := toml.Decode(string(bytes), &cfg); err != nil {
			return Config{}, nil, fmt.Errorf("decode config file: %w", err)
		}
		if _, err := toml.Decode(string(bytes), &raw); err != nil {
			return Config{}, nil, fmt.Errorf("decode raw config: %w", err)
		}
	}
	return cfg, raw, nil
}

func (c Config) validate() error {
	for i, a := range c.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
	}
	for name, op := range c.Operations {
		if op.Kind() == "" {
			return fmt.Errorf("operation %s: one of command, endpoint or builtin is required", name)
		}
	}
	return nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(path, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		path = filepath.Join(home, trimmed)
	}
	return filepath.Clean(path), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskdelegate/config.toml"
	}
	return filepath.Join(home, ".taskdelegate", "config.toml")
}
