package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Store.DSN != "trainengine.db" {
		t.Errorf("DSN = %q", cfg.Store.DSN)
	}
	if cfg.Callback.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q", cfg.Callback.BaseURL)
	}
	if cfg.Collector.BatchSize != 64 {
		t.Errorf("BatchSize = %d, want 64", cfg.Collector.BatchSize)
	}
	if cfg.Hub.SubscriberBuffer != 256 {
		t.Errorf("SubscriberBuffer = %d, want 256", cfg.Hub.SubscriberBuffer)
	}
	if cfg.Backend.Kube.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.Backend.Kube.PollInterval)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := `
server:
  port: "9999"
store:
  driver: postgres
  dsn: "postgres://engine:secret@db/engine?sslmode=disable"
backend:
  kubernetes:
    enabled: true
    namespace: ml-training
collector:
  batch_size: 16
  flush_interval: 500ms
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != "9999" {
		t.Errorf("Port = %q", cfg.Server.Port)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Driver = %q", cfg.Store.Driver)
	}
	if !cfg.Backend.Kube.Enabled {
		t.Error("expected kubernetes backend enabled")
	}
	if cfg.Backend.Kube.Namespace != "ml-training" {
		t.Errorf("Namespace = %q", cfg.Backend.Kube.Namespace)
	}
	if cfg.Collector.BatchSize != 16 {
		t.Errorf("BatchSize = %d", cfg.Collector.BatchSize)
	}
	if cfg.Collector.FlushInterval != 500*time.Millisecond {
		t.Errorf("FlushInterval = %v", cfg.Collector.FlushInterval)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"7000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT", "7001")
	t.Setenv("STORE_DRIVER", "postgres")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != "7001" {
		t.Errorf("Port = %q, env should win over file", cfg.Server.Port)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Driver = %q", cfg.Store.Driver)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "val")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_DUR", "1m30s")
	t.Setenv("TEST_BAD_INT", "abc")

	if got := GetEnv("TEST_STR", "def"); got != "val" {
		t.Errorf("GetEnv = %q", got)
	}
	if got := GetEnv("TEST_UNSET", "def"); got != "def" {
		t.Errorf("GetEnv default = %q", got)
	}
	if got := GetIntEnv("TEST_INT", 0); got != 42 {
		t.Errorf("GetIntEnv = %d", got)
	}
	if got := GetIntEnv("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("GetIntEnv bad value = %d, want default", got)
	}
	if got := GetDurationEnv("TEST_DUR", 0); got != 90*time.Second {
		t.Errorf("GetDurationEnv = %v", got)
	}
}

func TestGetSecretFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("  s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if got := GetSecretFile(path); got != "s3cret" {
		t.Errorf("GetSecretFile = %q", got)
	}
	if got := GetSecretFile(""); got != "" {
		t.Errorf("GetSecretFile(\"\") = %q", got)
	}
	if got := GetSecretFile("/nonexistent/key"); got != "" {
		t.Errorf("GetSecretFile(missing) = %q", got)
	}
}
