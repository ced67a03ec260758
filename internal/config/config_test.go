package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func chdir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdir(t)
	t.Setenv("INBOX_CONFIG", "")
	t.Setenv("INBOX_MASTER_KEY", testKey)

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":8000", cfg.ListenAddr)
	require.Equal(t, "sqlite", cfg.Store.Driver)
	require.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	require.Equal(t, 4, cfg.Sync.Workers)
	require.Equal(t, uint32(3), cfg.Sync.BreakerThreshold)
	require.Equal(t, time.Hour, cfg.Provider.ClientTTL)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := chdir(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "inbox.yaml"), []byte(`
listen_addr: ":9000"
master_key: "`+testKey+`"
store:
  driver: sqlite3
nats:
  url: nats://localhost:4222
sync:
  interval: 90s
  workers: 8
provider:
  rate_limit: 2.5
log:
  format: json
`), 0o600))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("INBOX_DATA_DIR=/var/lib/inbox\n"), 0o600))

	t.Setenv("INBOX_CONFIG", filepath.Join(dir, "inbox.yaml"))
	t.Setenv("INBOX_SYNC_INTERVAL", "45s")
	t.Cleanup(func() { os.Unsetenv("INBOX_DATA_DIR") })

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":9000", cfg.ListenAddr)
	require.Equal(t, "/var/lib/inbox", cfg.DataDir)
	require.Equal(t, "sqlite3", cfg.Store.Driver)
	require.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	require.Equal(t, 45*time.Second, cfg.Sync.Interval)
	require.Equal(t, 8, cfg.Sync.Workers)
	require.Equal(t, 2.5, cfg.Provider.RateLimit)
	require.Equal(t, 50, cfg.Provider.RateBurst)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestLoadErrors(t *testing.T) {
	dir := chdir(t)
	t.Setenv("INBOX_CONFIG", "")

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("sync: [unclosed"), 0o600))
	_, err = Load(bad)
	require.Error(t, err)

	t.Setenv("INBOX_SYNC_INTERVAL", "soon")
	_, err = Load("")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.MasterKey = testKey
		return cfg
	}

	require.NoError(t, valid().Validate())

	fromFile := Default()
	fromFile.MasterKeyFile = "/run/secrets/inbox"
	require.NoError(t, fromFile.Validate())

	for name, mutate := range map[string]func(*Config){
		"no key":      func(c *Config) { c.MasterKey = "" },
		"short key":   func(c *Config) { c.MasterKey = "short" },
		"driver":      func(c *Config) { c.Store.Driver = "postgres" },
		"workers":     func(c *Config) { c.Sync.Workers = 0 },
		"interval":    func(c *Config) { c.Sync.Interval = 0 },
		"log format":  func(c *Config) { c.Log.Format = "xml" },
		"rate":        func(c *Config) { c.Provider.RateLimit = 0 },
		"no data dir": func(c *Config) { c.DataDir = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
