// Package config provides centralized configuration management for the
// Duckling task execution plane.
//
// Configuration can be loaded from:
//   - a TOML configuration file (default: /etc/duckling/config.toml)
//   - environment variables (prefixed with DUCKLING_)
//
// Configuration is organized into sections matching the domain components:
// Pool (C2), Backend (C1), Queue (C3), Pipeline (C4), Runner/Review (C5),
// Metrics, and Log. The teacher's config package (PipeOpsHQ-firecracker-shim
// pkg/config/config.go) claimed TOML support in its package doc but never
// imported a TOML decoder, parsing files with a hand-rolled line scanner
// instead; this rendition actually uses one (github.com/BurntSushi/toml),
// see DESIGN.md.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the Duckling runtime.
type Config struct {
	Pool     PoolConfig     `toml:"pool"`
	Backend  BackendConfig  `toml:"backend"`
	Queue    QueueConfig    `toml:"queue"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Review   ReviewConfig   `toml:"review"`
	Engine   EngineConfig   `toml:"engine"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Log      LogConfig      `toml:"log"`
}

// PoolConfig configures the Warm Pool Manager (C2).
type PoolConfig struct {
	TargetSize        int           `toml:"target_size"`
	RefillThreshold   int           `toml:"refill_threshold"`
	RefillInterval    time.Duration `toml:"refill_interval"`
	WarmConcurrency   int           `toml:"warm_concurrency"`
	DefaultMemoryMB   int64         `toml:"default_memory_mb"`
	DefaultVCPUCount  int           `toml:"default_vcpu_count"`
}

// BackendConfig configures the Sandbox Backend (C1).
type BackendConfig struct {
	Kind              string `toml:"kind"` // "container" | "microvm"
	Image             string `toml:"image"`
	RuntimeDir        string `toml:"runtime_dir"`
	SecretsMountPath  string `toml:"secrets_mount_path"`
	KernelPath        string `toml:"kernel_path"` // microvm only
	FirecrackerBinary string `toml:"firecracker_binary"`

	NetworkEnabled     bool   `toml:"network_enabled"` // container backend only; requires CNI plugins installed
	NetworkPluginDir   string `toml:"network_plugin_dir"`
	NetworkConfDir     string `toml:"network_conf_dir"`
	NetworkName        string `toml:"network_name"` // empty selects the first conflist found in NetworkConfDir
}

// QueueConfig configures the Task Queue (C3).
type QueueConfig struct {
	MaxConcurrent int    `toml:"max_concurrent"`
	HistoryPath   string `toml:"history_path"`
}

// PipelineConfig configures the Pipeline Driver (C4).
type PipelineConfig struct {
	TaskTimeoutSeconds  int `toml:"task_timeout_seconds"`
	MaxRepairIterations int `toml:"max_repair_iterations"`
}

// ReviewConfig configures C5's review-mode inventory step.
type ReviewConfig struct {
	MaxFiles     int    `toml:"max_files"`
	SkipPatterns string `toml:"skip_patterns"` // comma-separated globs
	ASTGrepRules string `toml:"ast_grep_rules"`
}

// EngineConfig selects the Agent Engine factory builds.
type EngineConfig struct {
	Backend string `toml:"backend"` // e.g. "goose", "copilot", "echo"
}

// MetricsConfig configures the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" | "text"
	File   string `toml:"file"`
}

// Default returns the built-in defaults, mirroring the teacher's
// pkg/config/config.go Default().
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			TargetSize:       10,
			RefillThreshold:  3,
			RefillInterval:   2 * time.Second,
			WarmConcurrency:  2,
			DefaultMemoryMB:  2048,
			DefaultVCPUCount: 2,
		},
		Backend: BackendConfig{
			Kind:             "container",
			Image:            "duckling/agent-sandbox:latest",
			RuntimeDir:       "/run/duckling",
			SecretsMountPath: "/run/secrets",
			NetworkPluginDir: "/opt/cni/bin",
			NetworkConfDir:   "/etc/cni/net.d",
		},
		Queue: QueueConfig{
			MaxConcurrent: 5,
			HistoryPath:   "/var/lib/duckling/task-history.json",
		},
		Pipeline: PipelineConfig{
			TaskTimeoutSeconds:  600,
			MaxRepairIterations: 5,
		},
		Review: ReviewConfig{
			MaxFiles:     25,
			SkipPatterns: "node_modules/**,vendor/**,dist/**,*.min.js,*.lock",
			ASTGrepRules: "/etc/duckling/ast-grep-rules",
		},
		Engine: EngineConfig{
			Backend: "echo",
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile reads and parses a TOML config file, falling back to
// defaults if the file does not exist (matching the teacher's
// not-exist-is-ok semantics in pkg/config/config.go LoadFromFile).
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv overlays environment variables prefixed DUCKLING_ onto cfg,
// following the teacher's loadEnvString/Bool/Int helper pattern.
func LoadFromEnv(cfg *Config) {
	loadEnvInt("DUCKLING_POOL_TARGET_SIZE", &cfg.Pool.TargetSize)
	loadEnvInt("DUCKLING_POOL_REFILL_THRESHOLD", &cfg.Pool.RefillThreshold)
	loadEnvDuration("DUCKLING_POOL_REFILL_INTERVAL", &cfg.Pool.RefillInterval)
	loadEnvInt("DUCKLING_POOL_WARM_CONCURRENCY", &cfg.Pool.WarmConcurrency)

	loadEnvString("DUCKLING_BACKEND_KIND", &cfg.Backend.Kind)
	loadEnvString("DUCKLING_BACKEND_IMAGE", &cfg.Backend.Image)
	loadEnvString("DUCKLING_BACKEND_RUNTIME_DIR", &cfg.Backend.RuntimeDir)
	loadEnvBool("DUCKLING_BACKEND_NETWORK_ENABLED", &cfg.Backend.NetworkEnabled)
	loadEnvString("DUCKLING_BACKEND_NETWORK_CONF_DIR", &cfg.Backend.NetworkConfDir)

	loadEnvInt("DUCKLING_QUEUE_MAX_CONCURRENT", &cfg.Queue.MaxConcurrent)
	loadEnvString("DUCKLING_QUEUE_HISTORY_PATH", &cfg.Queue.HistoryPath)

	loadEnvInt("DUCKLING_PIPELINE_TASK_TIMEOUT_SECONDS", &cfg.Pipeline.TaskTimeoutSeconds)
	loadEnvInt("DUCKLING_PIPELINE_MAX_REPAIR_ITERATIONS", &cfg.Pipeline.MaxRepairIterations)

	loadEnvInt("DUCKLING_REVIEW_MAX_FILES", &cfg.Review.MaxFiles)
	loadEnvString("DUCKLING_REVIEW_SKIP_PATTERNS", &cfg.Review.SkipPatterns)

	loadEnvString("DUCKLING_ENGINE_BACKEND", &cfg.Engine.Backend)

	loadEnvBool("DUCKLING_METRICS_ENABLED", &cfg.Metrics.Enabled)
	loadEnvString("DUCKLING_METRICS_LISTEN_ADDRESS", &cfg.Metrics.ListenAddress)

	loadEnvString("DUCKLING_LOG_LEVEL", &cfg.Log.Level)
	loadEnvString("DUCKLING_LOG_FORMAT", &cfg.Log.Format)
}

// Validate checks the configuration for internal consistency, mirroring
// the teacher's pkg/config/config.go Validate().
func (c *Config) Validate() error {
	if c.Pool.TargetSize <= 0 {
		return fmt.Errorf("pool.target_size must be positive")
	}
	if c.Pool.RefillThreshold < 0 || c.Pool.RefillThreshold >= c.Pool.TargetSize {
		return fmt.Errorf("pool.refill_threshold must be in [0, target_size)")
	}
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue.max_concurrent must be positive")
	}
	if c.Pipeline.MaxRepairIterations <= 0 {
		return fmt.Errorf("pipeline.max_repair_iterations must be positive")
	}
	switch c.Backend.Kind {
	case "container", "microvm":
	default:
		return fmt.Errorf("backend.kind must be 'container' or 'microvm', got %q", c.Backend.Kind)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not a recognized level", c.Log.Level)
	}
	if dir := filepath.Dir(c.Queue.HistoryPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history dir %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyToLogger configures a logrus.Logger per the Log section, matching
// the teacher's pkg/config/config.go ApplyToLogger.
func (c *Config) ApplyToLogger(log *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(level)

	switch c.Log.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if c.Log.File != "" {
		f, err := os.OpenFile(c.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		log.SetOutput(f)
	}
	return nil
}

func loadEnvString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func loadEnvBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func loadEnvInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func loadEnvDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
