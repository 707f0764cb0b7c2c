package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Listen != "127.0.0.1:8752" {
		t.Fatalf("unexpected listen address %q", cfg.Listen)
	}
	if cfg.Timeouts.RequestDuration != 180*time.Second {
		t.Fatalf("unexpected request timeout %v", cfg.Timeouts.RequestDuration)
	}
	if cfg.Timeouts.SweepDuration != 5*time.Second {
		t.Fatalf("unexpected sweep interval %v", cfg.Timeouts.SweepDuration)
	}
	if cfg.Timeouts.IdleDuration != 120*time.Second {
		t.Fatalf("unexpected idle timeout %v", cfg.Timeouts.IdleDuration)
	}
	if cfg.Restart.MaxAttempts != 5 {
		t.Fatalf("unexpected max attempts %d", cfg.Restart.MaxAttempts)
	}
	if cfg.Restart.BaseDelayDuration != 5*time.Second {
		t.Fatalf("unexpected base delay %v", cfg.Restart.BaseDelayDuration)
	}
	if cfg.Restart.StabilityWindowDuration != 60*time.Second {
		t.Fatalf("unexpected stability window %v", cfg.Restart.StabilityWindowDuration)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8752" {
		t.Fatalf("unexpected listen address %q", cfg.Listen)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	doc := `
listen: "0.0.0.0:9100"
timeouts:
  request: 2m
  idle: 30s
restart:
  base_delay: 1s
  max_attempts: 3
services:
  - name: files
    kind: local
    command: npx
    args: ["-y", "server-filesystem", "/tmp"]
    env:
      TOKEN: abc
  - name: search
    kind: remote
    endpoint: https://example.test/mcp
    connection_type: sse
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9100" {
		t.Fatalf("unexpected listen address %q", cfg.Listen)
	}
	if cfg.Timeouts.RequestDuration != 2*time.Minute {
		t.Fatalf("request timeout not overridden: %v", cfg.Timeouts.RequestDuration)
	}
	if cfg.Timeouts.SweepDuration != 5*time.Second {
		t.Fatalf("sweep interval should keep default: %v", cfg.Timeouts.SweepDuration)
	}
	if cfg.Restart.BaseDelayDuration != time.Second || cfg.Restart.MaxAttempts != 3 {
		t.Fatalf("restart policy not overridden: %+v", cfg.Restart)
	}
	if len(cfg.Services) != 2 {
		t.Fatalf("expected 2 declared services, got %d", len(cfg.Services))
	}
	if cfg.Services[0].Env["TOKEN"] != "abc" {
		t.Fatalf("service env not parsed: %+v", cfg.Services[0])
	}
	if cfg.Services[1].ConnectionType != "sse" {
		t.Fatalf("connection type not parsed: %+v", cfg.Services[1])
	}
}

func TestLoadRejectsBadServices(t *testing.T) {
	cases := map[string]string{
		"missing command":  "services:\n  - name: files\n    kind: local\n",
		"missing endpoint": "services:\n  - name: search\n    kind: remote\n",
		"unknown kind":     "services:\n  - name: odd\n    kind: tcp\n    command: echo\n",
		"missing name":     "services:\n  - kind: local\n    command: echo\n",
		"bad duration":     "timeouts:\n  request: soon\n",
	}
	for label, doc := range cases {
		path := filepath.Join(t.TempDir(), "bridge.yaml")
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected load error", label)
		}
	}
}
