package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadMissingExplicitPath verifies an explicit missing file is an error.
func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

// TestLoadEmptyPathReturnsDefaults verifies loading without a file succeeds.
func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	// Point HOME at an empty dir so no real user config leaks in.
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}

	if cfg.StallThreshold() != time.Duration(DefaultStallThresholdSeconds)*time.Second {
		t.Errorf("StallThreshold() = %v, want default", cfg.StallThreshold())
	}
	if cfg.ByteLimit() != DefaultPushByteLimit {
		t.Errorf("ByteLimit() = %d, want %d", cfg.ByteLimit(), DefaultPushByteLimit)
	}
	if cfg.DedupWindow() != time.Duration(DefaultDedupWindowMillis)*time.Millisecond {
		t.Errorf("DedupWindow() = %v, want default", cfg.DedupWindow())
	}
}

// TestLoadParsesValues verifies TOML values override defaults.
func TestLoadParsesValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
addr = "0.0.0.0:9000"
project = "/tmp/work"
cli_command = "assistant"
cli_args = ["--verbose"]
require_auth = true
stall_threshold_seconds = 30
auto_kill_stalls = 3
device_silence_seconds = 60
message_ttl_seconds = 600
push_byte_limit = 2048
dedup_window_ms = 2500
mdns_enabled = true
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Addr != "0.0.0.0:9000" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.CLICommand != "assistant" {
		t.Errorf("CLICommand = %q", cfg.CLICommand)
	}
	if len(cfg.CLIArgs) != 1 || cfg.CLIArgs[0] != "--verbose" {
		t.Errorf("CLIArgs = %v", cfg.CLIArgs)
	}
	if !cfg.RequireAuth {
		t.Error("RequireAuth should be true")
	}
	if cfg.StallThreshold() != 30*time.Second {
		t.Errorf("StallThreshold() = %v, want 30s", cfg.StallThreshold())
	}
	if cfg.AutoKillStalls != 3 {
		t.Errorf("AutoKillStalls = %d, want 3", cfg.AutoKillStalls)
	}
	if cfg.DeviceSilence() != 60*time.Second {
		t.Errorf("DeviceSilence() = %v, want 60s", cfg.DeviceSilence())
	}
	if cfg.MessageTTL() != 600*time.Second {
		t.Errorf("MessageTTL() = %v, want 600s", cfg.MessageTTL())
	}
	if cfg.ByteLimit() != 2048 {
		t.Errorf("ByteLimit() = %d, want 2048", cfg.ByteLimit())
	}
	if cfg.DedupWindow() != 2500*time.Millisecond {
		t.Errorf("DedupWindow() = %v, want 2.5s", cfg.DedupWindow())
	}
	if !cfg.MdnsEnabled {
		t.Error("MdnsEnabled should be true")
	}
}

// TestLoadBadTOML verifies parse errors are reported.
func TestLoadBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("addr = [broken"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
