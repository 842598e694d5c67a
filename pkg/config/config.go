// Package config loads the ownables server configuration.
//
// Values come from built-in defaults, then an optional YAML file named by
// OWNABLES_CONFIG, then environment variables. Later sources win.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ownables/pkg/artifacts"
	"github.com/Mindburn-Labs/ownables/pkg/sandbox"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Cache backends.
const (
	CacheStore  = "store"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds server configuration.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	DataDir     string `yaml:"data_dir"`
	PackagesDir string `yaml:"packages_dir"`
	// Network is the one-character network id addresses are derived for.
	Network     string `yaml:"network"`
	AccountSeed string `yaml:"account_seed"`

	Store     StoreConfig      `yaml:"store"`
	Cache     CacheConfig      `yaml:"cache"`
	Artifacts artifacts.Config `yaml:"artifacts"`
	Sandbox   SandboxConfig    `yaml:"sandbox"`
	API       APIConfig        `yaml:"api"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

// StoreConfig selects the chain store.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	// DSN is the Postgres URL or the SQLite file path.
	DSN     string `yaml:"dsn"`
}

// CacheConfig selects the state dump cache.
type CacheConfig struct {
	Backend   string        `yaml:"backend"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

// SandboxConfig bounds module execution.
type SandboxConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MemoryLimitBytes int64         `yaml:"memory_limit_bytes"`
	OutputMaxBytes   int64         `yaml:"output_max_bytes"`
	InstructionLimit int64         `yaml:"instruction_limit"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	JWTSecret string  `yaml:"jwt_secret"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:        "8080",
		LogLevel:    "INFO",
		DataDir:     "data",
		PackagesDir: "packages",
		Network:     "T",
		Store:       StoreConfig{Backend: StoreSQLite},
		Cache:       CacheConfig{Backend: CacheStore, TTL: 24 * time.Hour},
		Artifacts:   artifacts.Config{Backend: artifacts.BackendFS},
		Sandbox: SandboxConfig{
			Timeout:          5 * time.Second,
			MemoryLimitBytes: 64 << 20,
			OutputMaxBytes:   4 << 20,
			InstructionLimit: 50_000_000,
		},
		API: APIConfig{RateLimit: 20, RateBurst: 40},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Load loads configuration from defaults, the OWNABLES_CONFIG file and the
// environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("OWNABLES_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.DataDir, "DATA_DIR")
	setString(&c.PackagesDir, "PACKAGES_DIR")
	setString(&c.Network, "OWNABLES_NETWORK")
	setString(&c.AccountSeed, "OWNABLES_ACCOUNT_SEED")

	setString(&c.Store.Backend, "STORE_BACKEND")
	setString(&c.Store.DSN, "DATABASE_URL")
	setString(&c.Cache.Backend, "CACHE_BACKEND")
	setString(&c.Cache.RedisAddr, "REDIS_ADDR")

	if v := os.Getenv("ARTIFACT_STORAGE_TYPE"); v != "" {
		c.Artifacts.Backend = artifacts.Backend(v)
	}
	setString(&c.Artifacts.Dir, "ARTIFACT_DIR")
	setString(&c.Artifacts.S3.Bucket, "ARTIFACT_S3_BUCKET")
	setString(&c.Artifacts.S3.Region, "AWS_REGION")
	setString(&c.Artifacts.S3.Region, "ARTIFACT_S3_REGION")
	setString(&c.Artifacts.S3.Endpoint, "ARTIFACT_S3_ENDPOINT")
	setString(&c.Artifacts.S3.Prefix, "ARTIFACT_S3_PREFIX")
	setString(&c.Artifacts.GCS.Bucket, "ARTIFACT_GCS_BUCKET")
	setString(&c.Artifacts.GCS.Prefix, "ARTIFACT_GCS_PREFIX")

	setString(&c.API.JWTSecret, "JWT_SECRET")
	setString(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	for _, set := range []func() error{
		func() error { return setDuration(&c.Cache.TTL, "CACHE_TTL") },
		func() error { return setDuration(&c.Sandbox.Timeout, "SANDBOX_TIMEOUT") },
		func() error { return setInt64(&c.Sandbox.MemoryLimitBytes, "SANDBOX_MEMORY_LIMIT_BYTES") },
		func() error { return setInt64(&c.Sandbox.OutputMaxBytes, "SANDBOX_OUTPUT_MAX_BYTES") },
		func() error { return setInt64(&c.Sandbox.InstructionLimit, "SANDBOX_INSTRUCTION_LIMIT") },
		func() error { return setFloat(&c.API.RateLimit, "RATE_LIMIT_RPS") },
		func() error { return setInt(&c.API.RateBurst, "RATE_LIMIT_BURST") },
		func() error { return setBool(&c.Telemetry.Enabled, "OTEL_ENABLED") },
		func() error { return setFloat(&c.Telemetry.SampleRate, "OTEL_SAMPLE_RATE") },
	} {
		if err := set(); err != nil {
			return err
		}
	}
	return nil
}

// Limits returns the sandbox limits.
func (c *Config) Limits() sandbox.Limits {
	return sandbox.Limits{
		MemoryLimitBytes: c.Sandbox.MemoryLimitBytes,
		CPUTimeLimit:     c.Sandbox.Timeout,
		OutputMaxBytes:   c.Sandbox.OutputMaxBytes,
		InstructionLimit: c.Sandbox.InstructionLimit,
	}
}

// resolve fills values derived from others.
func (c *Config) resolve() {
	if c.Store.Backend == StoreSQLite && c.Store.DSN == "" {
		c.Store.DSN = filepath.Join(c.DataDir, "ownables.db")
	}
	if c.Artifacts.Backend == artifacts.BackendFS && c.Artifacts.Dir == "" {
		c.Artifacts.Dir = filepath.Join(c.DataDir, "artifacts")
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Cache.Backend {
	case CacheStore, CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("config: REDIS_ADDR is required for the redis cache")
		}
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	if len(c.Network) != 1 {
		return fmt.Errorf("config: network id must be a single character, got %q", c.Network)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("config: sandbox timeout must be positive")
	}
	if c.API.RateLimit < 0 || c.API.RateBurst < 0 {
		return fmt.Errorf("config: rate limit must not be negative")
	}
	return nil
}

// NetworkID returns the network id byte.
func (c *Config) NetworkID() byte { return c.Network[0] }

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}
