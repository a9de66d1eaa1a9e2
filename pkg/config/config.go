// Package config loads the engine configuration from YAML with environment
// overrides. Every knob has a default so an empty config file is valid.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/bookingd/pkg/workflow"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBind             = "127.0.0.1:8077"
	DefaultChromiumBin      = "/usr/bin/chromium"
	DefaultMaxSessions      = 4
	DefaultMaxSessionTasks  = 25
	DefaultWorkflowDir      = "configs/workflows"
	DefaultSnapshotDir      = "data/snapshots"
	DefaultLogDir           = "data/logs"
	DefaultUserAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultMaxSessionAge    = 30 * time.Minute
	DefaultAcquireTimeout   = 30 * time.Second
	DefaultStartupTimeout   = 30 * time.Second
	DefaultStepTimeout      = 15 * time.Second
	DefaultTaskDeadline     = 2 * time.Minute
	DefaultHealthInterval   = 15 * time.Second
	DefaultHealthProbeAfter = time.Minute
)

// Config is the complete engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Browser   BrowserConfig   `yaml:"browser"`
	Pool      PoolConfig      `yaml:"pool"`
	Health    HealthConfig    `yaml:"health"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
	Logging   LoggingConfig   `yaml:"logging"`
	Bus       BusConfig       `yaml:"bus"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Bind string `yaml:"bind"`
}

// BrowserConfig configures the chromium runtime.
type BrowserConfig struct {
	BinPath        string            `yaml:"bin_path"`
	UserAgent      string            `yaml:"user_agent"`
	Headless       *bool             `yaml:"headless,omitempty"`
	NoSandbox      *bool             `yaml:"no_sandbox,omitempty"`
	StartupTimeout workflow.Duration `yaml:"startup_timeout"`
}

// PoolConfig bounds the browser session pool.
type PoolConfig struct {
	MaxSessions      int               `yaml:"max_sessions"`
	MaxSessionTasks  int               `yaml:"max_session_tasks"`
	MaxSessionAge    workflow.Duration `yaml:"max_session_age"`
	AcquireTimeout   workflow.Duration `yaml:"acquire_timeout"`
	UnavailableAfter int               `yaml:"unavailable_after"`
}

// HealthConfig tunes the background session health monitor.
type HealthConfig struct {
	Interval     workflow.Duration `yaml:"interval"`
	ProbeAfter   workflow.Duration `yaml:"probe_after"`
	ProbeTimeout workflow.Duration `yaml:"probe_timeout"`
}

// TasksConfig tunes task and step execution.
type TasksConfig struct {
	DefaultDeadline workflow.Duration `yaml:"default_deadline"`
	MaxDeadline     workflow.Duration `yaml:"max_deadline"`
	StepTimeout     workflow.Duration `yaml:"step_timeout"`
	ResultCapacity  int               `yaml:"result_capacity"`
}

// WorkflowsConfig points at the script directory.
type WorkflowsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// SnapshotsConfig points at the failure capture directory.
type SnapshotsConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig controls the JSONL logs.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// BusConfig configures the optional NATS publisher. An empty URL keeps
// results in-process.
type BusConfig struct {
	URL string `yaml:"url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Bind: DefaultBind},
		Browser: BrowserConfig{
			BinPath:        DefaultChromiumBin,
			UserAgent:      DefaultUserAgent,
			StartupTimeout: workflow.Duration(DefaultStartupTimeout),
		},
		Pool: PoolConfig{
			MaxSessions:      DefaultMaxSessions,
			MaxSessionTasks:  DefaultMaxSessionTasks,
			MaxSessionAge:    workflow.Duration(DefaultMaxSessionAge),
			AcquireTimeout:   workflow.Duration(DefaultAcquireTimeout),
			UnavailableAfter: 3,
		},
		Health: HealthConfig{
			Interval:     workflow.Duration(DefaultHealthInterval),
			ProbeAfter:   workflow.Duration(DefaultHealthProbeAfter),
			ProbeTimeout: workflow.Duration(5 * time.Second),
		},
		Tasks: TasksConfig{
			DefaultDeadline: workflow.Duration(DefaultTaskDeadline),
			MaxDeadline:     workflow.Duration(10 * time.Minute),
			StepTimeout:     workflow.Duration(DefaultStepTimeout),
			ResultCapacity:  1000,
		},
		Workflows: WorkflowsConfig{Dir: DefaultWorkflowDir, Watch: true},
		Snapshots: SnapshotsConfig{Dir: DefaultSnapshotDir},
		Logging:   LoggingConfig{Dir: DefaultLogDir, Level: "info"},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides. A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("BOOKINGD_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("CHROMIUM_BIN"); v != "" {
		c.Browser.BinPath = v
	}
	if v := os.Getenv("BOOKINGD_USER_AGENT"); v != "" {
		c.Browser.UserAgent = v
	}
	if v := os.Getenv("BOOKINGD_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pool.MaxSessions = n
		}
	}
	if v := os.Getenv("BOOKINGD_ACQUIRE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Pool.AcquireTimeout = workflow.Duration(d)
		}
	}
	if v := os.Getenv("BOOKINGD_TASK_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Tasks.DefaultDeadline = workflow.Duration(d)
		}
	}
	if v := os.Getenv("BOOKINGD_WORKFLOW_DIR"); v != "" {
		c.Workflows.Dir = v
	}
	if v := os.Getenv("BOOKINGD_SNAPSHOT_DIR"); v != "" {
		c.Snapshots.Dir = v
	}
	if v := os.Getenv("BOOKINGD_LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
	if v := os.Getenv("BOOKINGD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BOOKINGD_NATS_URL"); v != "" {
		c.Bus.URL = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Bind == "" {
		return fmt.Errorf("server.bind required")
	}
	if c.Pool.MaxSessions <= 0 {
		return fmt.Errorf("pool.max_sessions must be positive")
	}
	if c.Tasks.DefaultDeadline.Std() <= 0 {
		return fmt.Errorf("tasks.default_deadline must be positive")
	}
	if c.Tasks.MaxDeadline.Std() < c.Tasks.DefaultDeadline.Std() {
		return fmt.Errorf("tasks.max_deadline must be >= tasks.default_deadline")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q invalid", c.Logging.Level)
	}
	return nil
}

// Headless reports the effective headless setting (default true).
func (b BrowserConfig) HeadlessEnabled() bool {
	return b.Headless == nil || *b.Headless
}

// NoSandboxEnabled reports the effective sandbox setting (default true,
// matching container deployments).
func (b BrowserConfig) NoSandboxEnabled() bool {
	return b.NoSandbox == nil || *b.NoSandbox
}
