// Package config loads engine configuration from an optional YAML file with
// environment-variable overrides. Environment wins over file, file wins over
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ObjectStore locates an object-store backend.
type ObjectStore struct {
	Endpoint       string `yaml:"endpoint"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	CredentialsRef string `yaml:"credentials_ref"`
}

// Leader carries the leader-gate timings.
type Leader struct {
	LeaseDuration time.Duration `yaml:"lease_duration"`
	RenewDeadline time.Duration `yaml:"renew_deadline"`
	RetryPeriod   time.Duration `yaml:"retry_period"`
}

// Retry carries the append retry parameters.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	JitterCap   time.Duration `yaml:"jitter_cap"`
}

// Config is the full recognized option set.
type Config struct {
	// HashVersion selects the canonical hash payload for newly appended
	// events; reads auto-detect per event.
	HashVersion string `yaml:"hash_version"`
	// WriterID is embedded into meta.writer_id; stable across restarts for
	// a given replica identity.
	WriterID string `yaml:"writer_id"`

	SegmentMaxBytes int64 `yaml:"segment_max_bytes"`
	SegmentMaxCount int64 `yaml:"segment_max_count"`

	ObjectStore ObjectStore `yaml:"object_store"`
	Leader      Leader      `yaml:"leader"`
	Retry       Retry       `yaml:"retry"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		HashVersion: "v1",
		WriterID:    hostWriterID(),
		Leader: Leader{
			LeaseDuration: 30 * time.Second,
			RenewDeadline: 20 * time.Second,
			RetryPeriod:   5 * time.Second,
		},
		Retry: Retry{
			MaxAttempts: 5,
			BaseBackoff: 50 * time.Millisecond,
			JitterCap:   100 * time.Millisecond,
		},
		LogLevel: "INFO",
	}
}

// Load builds the configuration from the optional file at path ("" skips the
// file) and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.HashVersion != "v1" && cfg.HashVersion != "v2" {
		return Config{}, fmt.Errorf("config: unsupported hash_version %q", cfg.HashVersion)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.HashVersion, "RYNXS_HASH_VERSION")
	setString(&cfg.WriterID, "RYNXS_WRITER_ID")
	setInt64(&cfg.SegmentMaxBytes, "RYNXS_SEGMENT_MAX_BYTES")
	setInt64(&cfg.SegmentMaxCount, "RYNXS_SEGMENT_MAX_COUNT")

	setString(&cfg.ObjectStore.Endpoint, "RYNXS_OBJECT_STORE_ENDPOINT")
	setString(&cfg.ObjectStore.Bucket, "RYNXS_OBJECT_STORE_BUCKET")
	setString(&cfg.ObjectStore.Prefix, "RYNXS_OBJECT_STORE_PREFIX")
	setString(&cfg.ObjectStore.Region, "RYNXS_OBJECT_STORE_REGION")
	setString(&cfg.ObjectStore.CredentialsRef, "RYNXS_OBJECT_STORE_CREDENTIALS_REF")

	setDuration(&cfg.Leader.LeaseDuration, "RYNXS_LEASE_DURATION")
	setDuration(&cfg.Leader.RenewDeadline, "RYNXS_RENEW_DEADLINE")
	setDuration(&cfg.Leader.RetryPeriod, "RYNXS_RETRY_PERIOD")

	setIntVal(&cfg.Retry.MaxAttempts, "RYNXS_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseBackoff, "RYNXS_RETRY_BASE_BACKOFF")
	setDuration(&cfg.Retry.JitterCap, "RYNXS_RETRY_JITTER_CAP")

	setString(&cfg.LogLevel, "RYNXS_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setIntVal(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// hostWriterID derives a stable default writer identity from the hostname.
// Replica deployments override it explicitly.
func hostWriterID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "rynxs-writer"
}
