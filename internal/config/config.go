package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskpilot.yml.
type Config struct {
	Runtime struct {
		MaxRetries           int           `yaml:"max_retries"`
		RetryBackoff         time.Duration `yaml:"retry_backoff"`
		Workers              int           `yaml:"workers"`
		PollInterval         time.Duration `yaml:"poll_interval"`
		WorkingRoot          string        `yaml:"working_root"`
		FailFastOnValidation bool          `yaml:"fail_fast_on_validation"`
	} `yaml:"runtime"`
	Planner struct {
		Timeout      time.Duration `yaml:"timeout"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"planner"`
	Diagnosis struct {
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
	} `yaml:"diagnosis"`
	Tools struct {
		ShellEnabled bool        `yaml:"shell_enabled"`
		AllowedRoots []string    `yaml:"allowed_roots"`
		MCP          []MCPServer `yaml:"mcp"`
	} `yaml:"tools"`
	Server struct {
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// MCPServer is an external tool server launched over stdio.
type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Runtime.MaxRetries < 0 {
		return fmt.Errorf("config.runtime.max_retries must be >= 0")
	}
	if c.Runtime.RetryBackoff < 0 {
		return fmt.Errorf("config.runtime.retry_backoff must be >= 0")
	}
	if c.Runtime.Workers < 1 {
		return fmt.Errorf("config.runtime.workers must be >= 1")
	}
	if c.Runtime.PollInterval <= 0 {
		return fmt.Errorf("config.runtime.poll_interval must be > 0")
	}
	if c.Planner.Timeout <= 0 {
		return fmt.Errorf("config.planner.timeout must be > 0")
	}
	if c.Planner.PollInterval <= 0 {
		return fmt.Errorf("config.planner.poll_interval must be > 0")
	}
	switch c.Diagnosis.Provider {
	case "heuristic":
	case "ollama":
		if strings.TrimSpace(c.Diagnosis.Model) == "" {
			return fmt.Errorf("config.diagnosis.model is required for provider ollama")
		}
	default:
		return fmt.Errorf("config.diagnosis.provider must be 'heuristic' or 'ollama'")
	}
	for i, srv := range c.Tools.MCP {
		if strings.TrimSpace(srv.Name) == "" {
			return fmt.Errorf("config.tools.mcp[%d].name is required", i)
		}
		if strings.TrimSpace(srv.Command) == "" {
			return fmt.Errorf("config.tools.mcp[%d].command is required", i)
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskpilot.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `runtime:
  max_retries: 3
  retry_backoff: 1s
  workers: 4
  poll_interval: 500ms
  working_root: .
  fail_fast_on_validation: false

planner:
  timeout: 5m
  poll_interval: 2s

diagnosis:
  provider: heuristic
  model: llama3.2

tools:
  shell_enabled: true
  allowed_roots: []
  mcp: []

server:
  base_path: /v0
  jwt_secret: ""

webhooks: []
`
