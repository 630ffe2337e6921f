package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coderelay/host/internal/storage"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{2 * time.Hour, "2h ago"},
		{72 * time.Hour, "3d ago"},
		{-time.Minute, "in the future"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestDevicesListEmptyStore(t *testing.T) {
	var stdout, stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "nope.db")

	code := runDevicesList([]string{"--store", missing}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (%s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "No paired devices found") {
		t.Errorf("expected empty message, got %q", stdout.String())
	}
}

func TestDevicesListShowsPairedDevice(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "coderelay.db")
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	now := time.Now()
	err = store.SaveDevice(&storage.Device{
		ID:        "phone-1",
		Name:      "iPhone 15",
		Platform:  "ios",
		TokenHash: "x",
		CreatedAt: now,
		LastSeen:  now,
	})
	store.Close()
	if err != nil {
		t.Fatalf("save device: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code := runDevicesList([]string{"--store", dbPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (%s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "phone-1") || !strings.Contains(stdout.String(), "iPhone 15") {
		t.Errorf("expected device row in output:\n%s", stdout.String())
	}
}

func TestDevicesRevokeUnknownDevice(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "coderelay.db")
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.Close()

	var stdout, stderr bytes.Buffer
	code := runDevicesRevoke([]string{"--store", dbPath, "ghost"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "not found") {
		t.Errorf("expected not found error, got %q", stderr.String())
	}
}

func TestDevicesRevokeDeletesToken(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "coderelay.db")
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	now := time.Now()
	if err := store.SaveDevice(&storage.Device{
		ID: "phone-1", Name: "Pixel", Platform: "android",
		TokenHash: "x", CreatedAt: now, LastSeen: now,
	}); err != nil {
		t.Fatalf("save device: %v", err)
	}
	store.Close()

	var stdout, stderr bytes.Buffer
	// Unused port: the host-notify step should degrade gracefully.
	code := runDevicesRevoke([]string{"--store", dbPath, "--addr", "127.0.0.1:1", "phone-1"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (%s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Revoked device: phone-1") {
		t.Errorf("expected revoke confirmation, got %q", stdout.String())
	}

	store, err = storage.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	device, err := store.GetDevice("phone-1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device != nil {
		t.Error("expected device deleted from store")
	}
}
