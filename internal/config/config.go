// Package config loads the gateway's YAML structural configuration and
// overlays environment variables for the secrets and deployment-specific
// values spec §6 calls out (JWT signing key, SFU endpoint, announced
// public IP, token TTLs) — following the teacher's layered
// file-then-defaults pattern, generalized with an env pass on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the gateway process.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	SFU        SFUConfig        `yaml:"sfu"`
	Ports      PortRangeConfig  `yaml:"port_range"`
	Storage    StorageConfig    `yaml:"storage"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Auth       AuthConfig       `yaml:"auth"`
	Database   DatabaseConfig   `yaml:"database"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SFUConfig configures the SFU Control Client (§4.2).
type SFUConfig struct {
	URL             string        `yaml:"url"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	ReconnectMin    time.Duration `yaml:"reconnect_min"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`
	PendingCallCap  int           `yaml:"pending_call_cap"`
	AnnouncedPublic string        `yaml:"announced_public_ip"`
}

// PortRangeConfig configures the Port Broker (§4.1).
type PortRangeConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// StorageConfig configures the recording root and retention (§4.8, §6).
type StorageConfig struct {
	RecordingsRoot      string        `yaml:"recordings_root"`
	SnapshotsRoot       string        `yaml:"snapshots_root"`
	BookmarksRoot       string        `yaml:"bookmarks_root"`
	RetentionDays       int           `yaml:"retention_days"`
	SegmentDuration     time.Duration `yaml:"segment_duration"`
	MaxDiskUsagePercent float64       `yaml:"max_disk_usage_percent"`
	PrunerInterval      time.Duration `yaml:"pruner_interval"`
}

// ExtractionConfig configures the Extraction Worker Pool (§4.7).
type ExtractionConfig struct {
	WorkerCount int           `yaml:"worker_count"`
	QueueSize   int           `yaml:"queue_size"`
	SnapshotTTL time.Duration `yaml:"snapshot_live_deadline"`
}

// AuthConfig configures token issuance (out-of-core, but the HTTP surface
// of §6 requires it to exist).
type AuthConfig struct {
	JWTSigningKey   string        `yaml:"jwt_signing_key"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Load reads the YAML file at configPath (or a discovered default),
// applies setDefaults, then overlays environment variables.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	cfg := &Config{}
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration: %w", err)
		}
	}

	cfg.setDefaults()
	cfg.applyEnvOverrides()

	if cfg.Auth.JWTSigningKey == "" {
		return nil, fmt.Errorf("jwt signing key not configured: set auth.jwt_signing_key or MEDIAGATEWAY_JWT_SIGNING_KEY")
	}

	return cfg, nil
}

func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.yaml",
		"./config/config.dev.yaml",
		"/etc/mediagateway/config.yaml",
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return paths[0]
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.HTTP.Host == "" {
		c.HTTP.Host = "0.0.0.0"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8443
	}

	if c.SFU.URL == "" {
		c.SFU.URL = "ws://127.0.0.1:3001"
	}
	if c.SFU.CallTimeout == 0 {
		c.SFU.CallTimeout = 8 * time.Second
	}
	if c.SFU.ReconnectMin == 0 {
		c.SFU.ReconnectMin = 500 * time.Millisecond
	}
	if c.SFU.ReconnectMax == 0 {
		c.SFU.ReconnectMax = 30 * time.Second
	}
	if c.SFU.PendingCallCap == 0 {
		c.SFU.PendingCallCap = 256
	}

	if c.Ports.Min == 0 {
		c.Ports.Min = 20100
	}
	if c.Ports.Max == 0 {
		c.Ports.Max = 20999
	}

	if c.Storage.RecordingsRoot == "" {
		c.Storage.RecordingsRoot = "./data/recordings"
	}
	if c.Storage.SnapshotsRoot == "" {
		c.Storage.SnapshotsRoot = "./data/snapshots"
	}
	if c.Storage.BookmarksRoot == "" {
		c.Storage.BookmarksRoot = "./data/bookmarks"
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 7
	}
	if c.Storage.SegmentDuration == 0 {
		c.Storage.SegmentDuration = 6 * time.Second
	}
	if c.Storage.MaxDiskUsagePercent == 0 {
		c.Storage.MaxDiskUsagePercent = 90
	}
	if c.Storage.PrunerInterval == 0 {
		c.Storage.PrunerInterval = time.Hour
	}

	if c.Extraction.WorkerCount == 0 {
		c.Extraction.WorkerCount = 4
	}
	if c.Extraction.QueueSize == 0 {
		c.Extraction.QueueSize = 64
	}
	if c.Extraction.SnapshotTTL == 0 {
		c.Extraction.SnapshotTTL = 5 * time.Second
	}

	if c.Auth.AccessTokenTTL == 0 {
		c.Auth.AccessTokenTTL = time.Hour
	}
	if c.Auth.RefreshTokenTTL == 0 {
		c.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	}

	if c.Database.Path == "" {
		c.Database.Path = filepath.Join("./data", "mediagateway.db")
	}
}

// applyEnvOverrides layers environment variables over the YAML-loaded
// values for the deployment-specific settings spec §6 names explicitly.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MEDIAGATEWAY_SFU_URL"); v != "" {
		c.SFU.URL = v
	}
	if v := os.Getenv("MEDIAGATEWAY_ANNOUNCED_PUBLIC_IP"); v != "" {
		c.SFU.AnnouncedPublic = v
	}
	if v := os.Getenv("MEDIAGATEWAY_PORT_RANGE_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ports.Min = n
		}
	}
	if v := os.Getenv("MEDIAGATEWAY_PORT_RANGE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ports.Max = n
		}
	}
	if v := os.Getenv("MEDIAGATEWAY_RECORDINGS_ROOT"); v != "" {
		c.Storage.RecordingsRoot = v
	}
	if v := os.Getenv("MEDIAGATEWAY_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Storage.RetentionDays = n
		}
	}
	if v := os.Getenv("MEDIAGATEWAY_EXTRACTION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Extraction.WorkerCount = n
		}
	}
	if v := os.Getenv("MEDIAGATEWAY_JWT_SIGNING_KEY"); v != "" {
		c.Auth.JWTSigningKey = v
	}
	if v := os.Getenv("MEDIAGATEWAY_ACCESS_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Auth.AccessTokenTTL = d
		}
	}
	if v := os.Getenv("MEDIAGATEWAY_REFRESH_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Auth.RefreshTokenTTL = d
		}
	}
	if v := os.Getenv("MEDIAGATEWAY_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = n
		}
	}
	if v := os.Getenv("MEDIAGATEWAY_DB_PATH"); v != "" {
		c.Database.Path = v
	}
}
