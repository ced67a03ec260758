// Package config loads service configuration from .env, a YAML file and
// INBOX_* environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultPath = "config.yaml"

type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	DataDir       string `yaml:"data_dir"`
	MasterKey     string `yaml:"master_key"`
	MasterKeyFile string `yaml:"master_key_file"`

	Store    StoreConfig    `yaml:"store"`
	NATS     NATSConfig     `yaml:"nats"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Sync     SyncConfig     `yaml:"sync"`
	Provider ProviderConfig `yaml:"provider"`
}

type StoreConfig struct {
	// Driver is "sqlite" (modernc) or "sqlite3" (cgo).
	Driver string `yaml:"driver"`
}

type NATSConfig struct {
	// URL enables change events when set.
	URL string `yaml:"url"`
}

type AuthConfig struct {
	// JWKSURL enables bearer authentication on the API when set.
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type SyncConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Workers          int           `yaml:"workers"`
	UserTimeout      time.Duration `yaml:"user_timeout"`
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

type ProviderConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
	RateLimit   float64       `yaml:"rate_limit"`
	RateBurst   int           `yaml:"rate_burst"`
	ClientTTL   time.Duration `yaml:"client_ttl"`
	GraphURL    string        `yaml:"graph_url"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ListenAddr: ":8000",
		DataDir:    "data",
		Store:      StoreConfig{Driver: "sqlite"},
		Log:        LogConfig{Level: "info", Format: "text"},
		Sync: SyncConfig{
			Interval:         5 * time.Minute,
			Workers:          4,
			UserTimeout:      2 * time.Minute,
			BreakerThreshold: 3,
			BreakerCooldown:  30 * time.Minute,
		},
		Provider: ProviderConfig{
			CallTimeout: 30 * time.Second,
			RateLimit:   10,
			RateBurst:   50,
			ClientTTL:   time.Hour,
		},
	}
}

// Load reads configuration. An empty path means $INBOX_CONFIG, falling back
// to config.yaml; only an explicitly named file must exist.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	explicit := path != ""
	if !explicit {
		if path = os.Getenv("INBOX_CONFIG"); path != "" {
			explicit = true
		} else {
			path = defaultPath
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	for name, dst := range map[string]*string{
		"INBOX_LISTEN_ADDR":     &c.ListenAddr,
		"INBOX_DATA_DIR":        &c.DataDir,
		"INBOX_STORE_DRIVER":    &c.Store.Driver,
		"INBOX_MASTER_KEY":      &c.MasterKey,
		"INBOX_MASTER_KEY_FILE": &c.MasterKeyFile,
		"INBOX_NATS_URL":        &c.NATS.URL,
		"INBOX_JWKS_URL":        &c.Auth.JWKSURL,
		"INBOX_LOG_LEVEL":       &c.Log.Level,
	} {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("INBOX_SYNC_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid INBOX_SYNC_INTERVAL: %w", err)
		}
		c.Sync.Interval = d
	}

	if v, ok := os.LookupEnv("INBOX_SYNC_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid INBOX_SYNC_WORKERS: %w", err)
		}
		c.Sync.Workers = n
	}

	return nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.MasterKey == "" && c.MasterKeyFile == "":
		return errors.New("master_key or master_key_file is required")
	case c.MasterKey != "" && len(c.MasterKey) < 32:
		return errors.New("master_key must be at least 32 bytes")
	case c.DataDir == "":
		return errors.New("data_dir is required")
	case c.Sync.Interval <= 0:
		return errors.New("sync.interval must be positive")
	case c.Sync.Workers <= 0:
		return errors.New("sync.workers must be positive")
	case c.Provider.RateLimit <= 0 || c.Provider.RateBurst <= 0:
		return errors.New("provider rate limit and burst must be positive")
	}

	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	return nil
}
