package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	originalEnv := os.Getenv("HUBLINK_CONFIG")
	defer os.Setenv("HUBLINK_CONFIG", originalEnv)

	os.Setenv("HUBLINK_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_NoHubs verifies run fails when the config defines no hubs.
func TestRun_NoHubs(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")
	dbPath := filepath.Join(tmpDir, "test.db")

	configContent := `
hubs: []

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: info
  format: text
  output: stdout

api:
  enabled: false
  host: "127.0.0.1"
  port: 8090
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("HUBLINK_CONFIG")
	defer os.Setenv("HUBLINK_CONFIG", originalEnv)
	os.Setenv("HUBLINK_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with no hubs configured")
	}
}

// TestRun_UnreachableHub verifies run fails cleanly when the only
// configured hub cannot be reached.
func TestRun_UnreachableHub(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")
	dbPath := filepath.Join(tmpDir, "test.db")

	configContent := `
hubs:
  - id: test-hub
    host: "127.0.0.1"
    port: 19999
    scheme: http
    token: "test-token"
    enabled: true
    timeout: 1

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: info
  format: text
  output: stdout

api:
  enabled: false
  host: "127.0.0.1"
  port: 8090
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("HUBLINK_CONFIG")
	defer os.Setenv("HUBLINK_CONFIG", originalEnv)
	os.Setenv("HUBLINK_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail when no hub can be started")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	originalEnv := os.Getenv("HUBLINK_CONFIG")
	defer os.Setenv("HUBLINK_CONFIG", originalEnv)

	os.Unsetenv("HUBLINK_CONFIG")

	path := getConfigPath()
	if path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	originalEnv := os.Getenv("HUBLINK_CONFIG")
	defer os.Setenv("HUBLINK_CONFIG", originalEnv)

	expected := "/custom/path/config.yaml"
	os.Setenv("HUBLINK_CONFIG", expected)

	path := getConfigPath()
	if path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestEventStreamURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{"http", "http://192.168.1.50:80", "ws://192.168.1.50:80/api/events"},
		{"https", "https://hub.local:443", "wss://hub.local:443/api/events"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eventStreamURL(tt.baseURL); got != tt.want {
				t.Errorf("eventStreamURL(%q) = %q, want %q", tt.baseURL, got, tt.want)
			}
		})
	}
}
