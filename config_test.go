package greenroots

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StoreType)
	assert.Equal(t, "green-roots-v1.0.0", cfg.Worker.CacheName)
	assert.Equal(t, 24*time.Hour, cfg.Worker.SessionTTL)
	assert.Equal(t, []string{"/dashboard.html"}, cfg.Worker.Protected)
	assert.Contains(t, cfg.Worker.Assets, "https://cdn.jsdelivr.net/npm/chart.js")
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_type: database
database:
  driver: sqlite
  path: data/cache.db
worker:
  cache_name: green-roots-v2
  origin: http://static.internal:9000
  assets: ["/", "/index.html"]
  session_ttl: 12h
security:
  rate_limit:
    period: 30s
    limit: 5
`), 0o600))

	t.Setenv("GREENROOTS_WORKER_CACHE_NAME", "green-roots-v3")
	t.Setenv("GREENROOTS_SECURITY_TRUSTED_PROXIES", "10.0.0.0/8,127.0.0.1")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "database", cfg.StoreType)
	assert.Equal(t, "data/cache.db", cfg.Database.Path)
	assert.Equal(t, "green-roots-v3", cfg.Worker.CacheName)
	assert.Equal(t, "http://static.internal:9000", cfg.Worker.Origin)
	assert.Equal(t, []string{"/", "/index.html"}, cfg.Worker.Assets)
	assert.Equal(t, 12*time.Hour, cfg.Worker.SessionTTL)
	assert.Equal(t, 30*time.Second, cfg.Security.RateLimit.Period)
	assert.Equal(t, 5, cfg.Security.RateLimit.Limit)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.Security.TrustedProxies)
	// Untouched keys keep their defaults.
	assert.Equal(t, "/login.html", cfg.Worker.LoginPage)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"unknown store":    "store_type: etcd\n",
		"redis needs addr": "store_type: redis\n",
		"bad origin":       "worker:\n  origin: not a url\n",
		"bad driver":       "store_type: database\ndatabase:\n  driver: oracle\n",
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config validation failed")
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestCreateStore(t *testing.T) {
	cfg := DefaultConfig()
	store, err := CreateStore(cfg)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	cfg.StoreType = "etcd"
	_, err = CreateStore(cfg)
	require.Error(t, err)
}
