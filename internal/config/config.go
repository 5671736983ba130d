// Package config loads the depot configuration file.
//
// The file is YAML. Every field is optional: values missing from the file
// keep the defaults returned by Default, and command-line flags may
// override the loaded values before Validate is called.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Content backends.
const (
	BackendLocal = "local"
	BackendMinio = "minio"
)

// Record store backends.
const (
	RecordStoreSQLite = "sqlite"
	RecordStoreBolt   = "bolt"
)

// Config is the full configuration of one depot node.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// DataDir holds the metadata databases and the local content tree.
	DataDir string `yaml:"data_dir"`

	// Region is recorded on buckets created without a location constraint.
	Region string `yaml:"region"`

	Log     LogConfig     `yaml:"log"`
	HTTP    HTTPConfig    `yaml:"http"`
	Content ContentConfig `yaml:"content"`
	Objects ObjectsConfig `yaml:"objects"`
	Swarm   SwarmConfig   `yaml:"swarm"`
}

type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`

	// File, when set, receives the log in addition to stderr and is rotated
	// once it reaches MaxSizeMB.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type HTTPConfig struct {
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type ContentConfig struct {
	// Backend is "local" or "minio".
	Backend string `yaml:"backend"`

	// Compress stores local payloads zstd-compressed.
	Compress bool `yaml:"compress"`

	Minio MinioConfig `yaml:"minio"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

type ObjectsConfig struct {
	// SigningSecret keys presigned URLs. It must stay stable across restarts
	// for issued URLs to remain valid.
	SigningSecret  string `yaml:"signing_secret"`
	PresignBaseURL string `yaml:"presign_base_url"`
	MaxObjectSize  int64  `yaml:"max_object_size"`
}

type SwarmConfig struct {
	// Enabled mounts the distributor and the /_node endpoints.
	Enabled bool `yaml:"enabled"`

	Bucket                string        `yaml:"bucket"`
	RecordStore           string        `yaml:"record_store"`
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	SystemBandwidthMbps   float64       `yaml:"system_bandwidth_mbps"`
	BandwidthWindow       time.Duration `yaml:"bandwidth_window"`
	CacheBudgetBytes      int64         `yaml:"cache_budget_bytes"`
	MinPopularityScore    float64       `yaml:"min_popularity_score"`
	SystemAutoSeed        bool          `yaml:"system_auto_seed"`
	HotCacheMB            int           `yaml:"hot_cache_mb"`
	StatsInterval         time.Duration `yaml:"stats_interval"`
	SeedConcurrency       int           `yaml:"seed_concurrency"`
	DownloadTimeout       time.Duration `yaml:"download_timeout"`

	// SystemDir, when set, is seeded as system-tier content on start. Each
	// regular file becomes one item named after the file.
	SystemDir string `yaml:"system_dir"`
}

// Default returns the configuration used for every field the file leaves
// out.
func Default() *Config {
	return &Config{
		Listen:  ":9000",
		DataDir: "./data",
		Region:  "us-east-1",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		HTTP: HTTPConfig{
			ReadHeaderTimeout: 20 * time.Second,
			ReadTimeout:       5 * time.Minute,
			WriteTimeout:      5 * time.Minute,
			ShutdownTimeout:   10 * time.Second,
		},
		Content: ContentConfig{
			Backend: BackendLocal,
		},
		Objects: ObjectsConfig{
			MaxObjectSize: 5 << 30,
		},
		Swarm: SwarmConfig{
			Enabled:               true,
			Bucket:                "swarm",
			RecordStore:           RecordStoreSQLite,
			MaxConcurrentSessions: 50,
			SystemBandwidthMbps:   100,
			BandwidthWindow:       10 * time.Second,
			CacheBudgetBytes:      10 << 30,
			MinPopularityScore:    0.5,
			SystemAutoSeed:        true,
			HotCacheMB:            64,
			StatsInterval:         5 * time.Second,
			SeedConcurrency:       4,
			DownloadTimeout:       30 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults. Unknown keys are an
// error. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Log.File != "" && c.Log.MaxSizeMB <= 0 {
		errs = append(errs, errors.New("log.max_size_mb must be positive"))
	}

	switch c.Content.Backend {
	case BackendLocal:
	case BackendMinio:
		if c.Content.Minio.Endpoint == "" || c.Content.Minio.Bucket == "" {
			errs = append(errs, errors.New("content.minio.endpoint and content.minio.bucket are required for the minio backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("content.backend %q is not one of %s, %s", c.Content.Backend, BackendLocal, BackendMinio))
	}

	if c.Objects.MaxObjectSize <= 0 {
		errs = append(errs, errors.New("objects.max_object_size must be positive"))
	}

	if c.Swarm.Enabled {
		s := c.Swarm
		switch s.RecordStore {
		case RecordStoreSQLite, RecordStoreBolt:
		default:
			errs = append(errs, fmt.Errorf("swarm.record_store %q is not one of %s, %s", s.RecordStore, RecordStoreSQLite, RecordStoreBolt))
		}
		if s.Bucket == "" {
			errs = append(errs, errors.New("swarm.bucket must not be empty"))
		}
		if s.MaxConcurrentSessions <= 0 {
			errs = append(errs, errors.New("swarm.max_concurrent_sessions must be positive"))
		}
		if s.SystemBandwidthMbps < 0 {
			errs = append(errs, errors.New("swarm.system_bandwidth_mbps must not be negative"))
		}
		if s.BandwidthWindow <= 0 {
			errs = append(errs, errors.New("swarm.bandwidth_window must be positive"))
		}
		if s.CacheBudgetBytes < 0 {
			errs = append(errs, errors.New("swarm.cache_budget_bytes must not be negative"))
		}
		if s.StatsInterval <= 0 {
			errs = append(errs, errors.New("swarm.stats_interval must be positive"))
		}
		if s.SeedConcurrency <= 0 {
			errs = append(errs, errors.New("swarm.seed_concurrency must be positive"))
		}
		if s.DownloadTimeout <= 0 {
			errs = append(errs, errors.New("swarm.download_timeout must be positive"))
		}
	}

	return errors.Join(errs...)
}

// MetadataPath is the object metadata database.
func (c *Config) MetadataPath() string {
	return filepath.Join(c.DataDir, "metadata.sqlite")
}

// ContentDir is the root of the local content tree.
func (c *Config) ContentDir() string {
	return filepath.Join(c.DataDir, "content")
}

// RecordsPath is the swarm record database for the configured backend.
func (c *Config) RecordsPath() string {
	if c.Swarm.RecordStore == RecordStoreBolt {
		return filepath.Join(c.DataDir, "swarm.bolt")
	}
	return filepath.Join(c.DataDir, "swarm.sqlite")
}
