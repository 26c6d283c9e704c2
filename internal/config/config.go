// Package config loads engine configuration from an optional YAML
// file with environment variable overrides. Env always wins, so a
// deployment can ship one file and tweak single values per instance.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Callback   CallbackConfig   `yaml:"callback"`
	Backend    BackendConfig    `yaml:"backend"`
	Collector  CollectorConfig  `yaml:"collector"`
	Hub        HubConfig        `yaml:"hub"`
	Forwarder  ForwarderConfig  `yaml:"forwarder"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port              string        `yaml:"port"`
	MetricsPort       string        `yaml:"metrics_port"`
	APIKeyFile        string        `yaml:"api_key_file"`
	ShutdownDrainWait time.Duration `yaml:"shutdown_drain_wait"`
}

// StoreConfig selects the job store driver. "sqlite" is the default;
// "postgres" points DSN at a shared database.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CallbackConfig holds the base address workers call back on.
type CallbackConfig struct {
	BaseURL string `yaml:"base_url"`
}

// BackendConfig holds per-backend settings.
type BackendConfig struct {
	Local LocalBackendConfig `yaml:"local"`
	Kube  KubeBackendConfig  `yaml:"kubernetes"`
}

// LocalBackendConfig configures the subprocess backend.
type LocalBackendConfig struct {
	WorkDir   string        `yaml:"work_dir"`
	StopGrace time.Duration `yaml:"stop_grace"`
}

// KubeBackendConfig configures the cluster batch job backend.
type KubeBackendConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Namespace    string        `yaml:"namespace"`
	Kubeconfig   string        `yaml:"kubeconfig"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// CollectorConfig configures log batching.
type CollectorConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// HubConfig configures the broadcast hub.
type HubConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// ForwarderConfig configures async external delivery.
type ForwarderConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	Workers        int           `yaml:"workers"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	LogSinkURL     string        `yaml:"log_sink_url"`
	SigningKeyFile string        `yaml:"signing_key_file"`
}

// TrackerConfig configures the experiment-tracking bridge.
type TrackerConfig struct {
	URL string `yaml:"url"`
}

// CheckpointConfig configures presigned checkpoint handoff.
type CheckpointConfig struct {
	Bucket   string        `yaml:"bucket"`
	Region   string        `yaml:"region"`
	Endpoint string        `yaml:"endpoint"`
	TTL      time.Duration `yaml:"ttl"`
}

// Load reads configuration from path (optional, "" skips the file),
// applies environment overrides, and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = GetEnv("PORT", c.Server.Port)
	c.Server.MetricsPort = GetEnv("METRICS_PORT", c.Server.MetricsPort)
	c.Server.APIKeyFile = GetEnv("API_KEY_FILE", c.Server.APIKeyFile)
	c.Server.ShutdownDrainWait = GetDurationEnv("SHUTDOWN_DRAIN_WAIT", c.Server.ShutdownDrainWait)

	c.Store.Driver = GetEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = GetEnv("STORE_DSN", c.Store.DSN)

	c.Callback.BaseURL = GetEnv("CALLBACK_BASE_URL", c.Callback.BaseURL)

	c.Backend.Local.WorkDir = GetEnv("LOCAL_WORK_DIR", c.Backend.Local.WorkDir)
	c.Backend.Local.StopGrace = GetDurationEnv("LOCAL_STOP_GRACE", c.Backend.Local.StopGrace)
	if GetEnv("KUBE_ENABLED", "") == "true" {
		c.Backend.Kube.Enabled = true
	}
	c.Backend.Kube.Namespace = GetEnv("KUBE_NAMESPACE", c.Backend.Kube.Namespace)
	c.Backend.Kube.Kubeconfig = GetEnv("KUBECONFIG", c.Backend.Kube.Kubeconfig)
	c.Backend.Kube.PollInterval = GetDurationEnv("KUBE_POLL_INTERVAL", c.Backend.Kube.PollInterval)

	c.Collector.BatchSize = GetIntEnv("COLLECTOR_BATCH_SIZE", c.Collector.BatchSize)
	c.Collector.FlushInterval = GetDurationEnv("COLLECTOR_FLUSH_INTERVAL", c.Collector.FlushInterval)

	c.Hub.SubscriberBuffer = GetIntEnv("HUB_SUBSCRIBER_BUFFER", c.Hub.SubscriberBuffer)

	c.Forwarder.BufferSize = GetIntEnv("FORWARDER_BUFFER_SIZE", c.Forwarder.BufferSize)
	c.Forwarder.Workers = GetIntEnv("FORWARDER_WORKERS", c.Forwarder.Workers)
	c.Forwarder.HTTPTimeout = GetDurationEnv("FORWARDER_HTTP_TIMEOUT", c.Forwarder.HTTPTimeout)
	c.Forwarder.LogSinkURL = GetEnv("LOG_SINK_URL", c.Forwarder.LogSinkURL)
	c.Forwarder.SigningKeyFile = GetEnv("SIGNING_KEY_FILE", c.Forwarder.SigningKeyFile)

	c.Tracker.URL = GetEnv("TRACKER_URL", c.Tracker.URL)

	c.Checkpoint.Bucket = GetEnv("CHECKPOINT_BUCKET", c.Checkpoint.Bucket)
	c.Checkpoint.Region = GetEnv("CHECKPOINT_REGION", c.Checkpoint.Region)
	c.Checkpoint.Endpoint = GetEnv("CHECKPOINT_ENDPOINT", c.Checkpoint.Endpoint)
	c.Checkpoint.TTL = GetDurationEnv("CHECKPOINT_TTL", c.Checkpoint.TTL)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.MetricsPort == "" {
		c.Server.MetricsPort = "9090"
	}
	if c.Server.ShutdownDrainWait < 0 {
		c.Server.ShutdownDrainWait = 0
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" && c.Store.Driver == "sqlite" {
		c.Store.DSN = "trainengine.db"
	}

	if c.Callback.BaseURL == "" {
		c.Callback.BaseURL = "http://localhost:" + c.Server.Port
	}

	if c.Backend.Local.StopGrace <= 0 {
		c.Backend.Local.StopGrace = 10 * time.Second
	}
	if c.Backend.Kube.Namespace == "" {
		c.Backend.Kube.Namespace = "training"
	}
	if c.Backend.Kube.PollInterval <= 0 {
		c.Backend.Kube.PollInterval = 5 * time.Second
	}

	if c.Collector.BatchSize <= 0 {
		c.Collector.BatchSize = 64
	}
	if c.Collector.FlushInterval <= 0 {
		c.Collector.FlushInterval = 2 * time.Second
	}

	if c.Hub.SubscriberBuffer <= 0 {
		c.Hub.SubscriberBuffer = 256
	}

	if c.Forwarder.BufferSize <= 0 {
		c.Forwarder.BufferSize = 10000
	}
	if c.Forwarder.Workers <= 0 {
		c.Forwarder.Workers = 10
	}
	if c.Forwarder.HTTPTimeout <= 0 {
		c.Forwarder.HTTPTimeout = 10 * time.Second
	}

	if c.Checkpoint.TTL <= 0 {
		c.Checkpoint.TTL = 15 * time.Minute
	}
}
