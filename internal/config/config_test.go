package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Runtime.MaxRetries != 3 {
		t.Fatalf("expected max_retries 3, got %d", cfg.Runtime.MaxRetries)
	}
	if cfg.Runtime.RetryBackoff != time.Second {
		t.Fatalf("expected 1s backoff, got %s", cfg.Runtime.RetryBackoff)
	}
	if cfg.Planner.Timeout != 5*time.Minute {
		t.Fatalf("expected 5m planner timeout, got %s", cfg.Planner.Timeout)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("runtime:\n  max_retries: 1\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Runtime.MaxRetries != 1 {
		t.Fatalf("override lost: %d", cfg.Runtime.MaxRetries)
	}
	if cfg.Runtime.Workers != 4 {
		t.Fatalf("default workers lost: %d", cfg.Runtime.Workers)
	}
	if cfg.Diagnosis.Provider != "heuristic" {
		t.Fatalf("default provider lost: %q", cfg.Diagnosis.Provider)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"negative retries": "runtime:\n  max_retries: -1\n",
		"no workers":       "runtime:\n  workers: 0\n",
		"unknown provider": "diagnosis:\n  provider: magic\n",
		"webhook url":      "webhooks:\n  - events: [task_failed]\n",
		"mcp command":      "tools:\n  mcp:\n    - name: fs\n",
		"base path":        "server:\n  base_path: v0\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "taskpilot.yml"), []byte("runtime:\n  retry_backoff: 10ms\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.RetryBackoff != 10*time.Millisecond {
		t.Fatalf("expected 10ms, got %s", cfg.Runtime.RetryBackoff)
	}
}
