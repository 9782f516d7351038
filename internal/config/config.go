// Package config provides configuration loading for the studio daemon.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all studio daemon configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for the ingest journal and fs blobs (default "/var/lib/dojo")
	DataDir string `json:"data_dir"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// External URL workers call back into (e.g. https://dojo.example.com)
	ExternalURL string `json:"external_url,omitempty"`

	// Allowed CORS origins for the browser studio
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// Signing key for worker callback tokens (hex or raw, 32+ chars)
	WorkerTokenKey string `json:"worker_token_key,omitempty"`

	Storage StorageConfig `json:"storage,omitempty"`
	Blob    BlobConfig    `json:"blob,omitempty"`
	Compute ComputeConfig `json:"compute,omitempty"`
	Runs    RunsConfig    `json:"runs,omitempty"`
}

// StorageConfig selects and configures the document store backend.
type StorageConfig struct {
	// Backend is one of "convex", "mongo", "memory".
	Backend string `json:"backend"`
	// URL is the Convex deployment URL.
	URL string `json:"url,omitempty"`
	// MongoURI is the connection string for the mongo backend.
	MongoURI string `json:"mongo_uri,omitempty"`
}

// BlobConfig selects and configures the blob store backend.
type BlobConfig struct {
	// Backend is one of "fs", "s3".
	Backend string `json:"backend"`
	// Dir is the fs backend root (defaults under DataDir).
	Dir string `json:"dir,omitempty"`
	// Bucket is the s3 backend bucket name.
	Bucket string `json:"bucket,omitempty"`
}

// ComputeConfig selects and configures the compute backend.
type ComputeConfig struct {
	// Backend is one of "sky", "fake".
	Backend string `json:"backend"`
	// SkyBin is the SkyPilot CLI binary (default "sky").
	SkyBin string `json:"sky_bin,omitempty"`
}

// RunsConfig tunes run orchestration.
type RunsConfig struct {
	// MaxWorkers caps concurrently live runs.
	MaxWorkers int `json:"max_workers,omitempty"`
	// MetricsIntervalSeconds is the backend poll cadence per live run.
	MetricsIntervalSeconds int `json:"metrics_interval_seconds,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/dojo",
		LogLevel:   "info",
		Storage:    StorageConfig{Backend: "memory"},
		Blob:       BlobConfig{Backend: "fs"},
		Compute:    ComputeConfig{Backend: "sky", SkyBin: "sky"},
		Runs: RunsConfig{
			MaxWorkers:             8,
			MetricsIntervalSeconds: 15,
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("DOJO_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DOJO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DOJO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DOJO_EXTERNAL_URL"); v != "" {
		cfg.ExternalURL = v
	}
	if v := os.Getenv("DOJO_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("DOJO_WORKER_TOKEN_KEY"); v != "" {
		cfg.WorkerTokenKey = v
	}
	if v := os.Getenv("DOJO_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("CONVEX_URL"); v != "" {
		cfg.Storage.URL = v
	}
	if v := os.Getenv("DOJO_STORAGE_URL"); v != "" {
		cfg.Storage.URL = v
	}
	if v := os.Getenv("DOJO_MONGO_URI"); v != "" {
		cfg.Storage.MongoURI = v
	}
	if v := os.Getenv("DOJO_BLOB_BACKEND"); v != "" {
		cfg.Blob.Backend = v
	}
	if v := os.Getenv("DOJO_BLOB_DIR"); v != "" {
		cfg.Blob.Dir = v
	}
	if v := os.Getenv("DOJO_BLOB_BUCKET"); v != "" {
		cfg.Blob.Bucket = v
	}
	if v := os.Getenv("DOJO_COMPUTE_BACKEND"); v != "" {
		cfg.Compute.Backend = v
	}
	if v := os.Getenv("DOJO_SKY_BIN"); v != "" {
		cfg.Compute.SkyBin = v
	}
	if v := os.Getenv("DOJO_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runs.MaxWorkers = n
		}
	}
	if v := os.Getenv("DOJO_METRICS_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runs.MetricsIntervalSeconds = n
		}
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// BlobDir returns the fs blob root, defaulting under the data dir.
func (c Config) BlobDir() string {
	if c.Blob.Dir != "" {
		return c.Blob.Dir
	}
	return c.DataDir + "/blobs"
}

// JournalPath returns the ingest journal database path.
func (c Config) JournalPath() string {
	return c.DataDir + "/ingest.db"
}

// PollInterval returns the run poll cadence as a duration.
func (c Config) PollInterval() time.Duration {
	if c.Runs.MetricsIntervalSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Runs.MetricsIntervalSeconds) * time.Second
}

// CallbackURL is the base URL workers push metrics and logs to.
func (c Config) CallbackURL() string {
	if c.ExternalURL != "" {
		return strings.TrimSuffix(c.ExternalURL, "/")
	}
	addr := c.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
