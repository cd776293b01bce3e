package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/metaclean/executor"
	"github.com/hazyhaar/metaclean/registry"
	"github.com/hazyhaar/metaclean/verify"
	"github.com/hazyhaar/metaclean/workspace"
)

// Config holds the full server configuration. Values come from an
// optional YAML file (CONFIG_FILE) with environment variables taking
// precedence.
type Config struct {
	Port           string `yaml:"port"`
	WorkDir        string `yaml:"work_dir"`
	ObsDB          string `yaml:"obs_db"`
	LogLevel       string `yaml:"log_level"`
	MCPTransport   string `yaml:"mcp_transport"`
	MaxUploadMB    int64  `yaml:"max_upload_mb"`
	QuotaMB        int64  `yaml:"quota_mb"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	Registry registry.Config `yaml:"registry"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:           "8086",
		WorkDir:        "work",
		ObsDB:          "db/metaclean.db",
		LogLevel:       "info",
		MaxUploadMB:    256,
		QuotaMB:        512,
		MaxConcurrent:  8,
		TimeoutSeconds: 60,
	}
}

// LoadConfig builds the configuration: defaults, then the YAML file if
// CONFIG_FILE is set, then environment overrides.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Port = env("PORT", cfg.Port)
	cfg.WorkDir = env("WORK_DIR", cfg.WorkDir)
	cfg.ObsDB = env("OBS_DB", cfg.ObsDB)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)
	cfg.MCPTransport = env("MCP_TRANSPORT", cfg.MCPTransport)
	cfg.Registry.MediaTool = env("MEDIA_TOOL", cfg.Registry.MediaTool)
	cfg.Registry.MediaPath = env("MEDIA_PATH", cfg.Registry.MediaPath)
	if v := os.Getenv("MAX_UPLOAD_MB"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("MAX_UPLOAD_MB: %w", err)
		}
		cfg.MaxUploadMB = n
	}
	if v := os.Getenv("MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MAX_CONCURRENT: %w", err)
		}
		cfg.MaxConcurrent = n
	}
	if v := os.Getenv("TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("TIMEOUT_SECONDS: %w", err)
		}
		cfg.TimeoutSeconds = n
	}

	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir is required")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be > 0")
	}
	if c.QuotaMB < c.MaxUploadMB {
		return fmt.Errorf("quota_mb must be >= max_upload_mb")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be > 0")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be > 0")
	}
	return nil
}

func (c *Config) workspaceConfig() workspace.Config {
	return workspace.Config{
		Root:          c.WorkDir,
		Quota:         c.QuotaMB << 20,
		MaxConcurrent: c.MaxConcurrent,
	}
}

func (c *Config) executorConfig() executor.Config {
	return executor.Config{
		Timeout:        time.Duration(c.TimeoutSeconds) * time.Second,
		MaxOutputBytes: 2 * (c.MaxUploadMB << 20),
	}
}

func (c *Config) verifyConfig() verify.Config {
	return verify.Config{MaxScanBytes: 2 * (c.MaxUploadMB << 20)}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
