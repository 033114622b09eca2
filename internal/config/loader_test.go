package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile_AllFormats(t *testing.T) {
	for _, path := range []string{
		"../../config.example.yaml",
		"../../config.example.json",
		"../../config.example.toml",
	} {
		t.Run(filepath.Ext(path), func(t *testing.T) {
			cfg, err := LoadFromFile(path)
			require.NoError(t, err)
			validateConfig(t, cfg)
		})
	}
}

func TestLoadFromFile_UnsupportedFormat(t *testing.T) {
	_, err := LoadFromFile("config.txt")
	require.ErrorContains(t, err, "unsupported config file format")
}

func TestLoadFromYAML_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_RPC_URL", "http://node.internal:8545")
	t.Setenv("TEST_REDIS_URL", "redis://cache.internal:6379/2")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source:
  rpc_url: "${TEST_RPC_URL}"
store:
  backend: redis
  redis:
    url: "${TEST_REDIS_URL}"
`), 0o600))

	cfg, err := LoadFromYAML(path)
	require.NoError(t, err)
	require.Equal(t, "http://node.internal:8545", cfg.Source.RPCURL)
	require.Equal(t, "redis://cache.internal:6379/2", cfg.Store.Redis.URL)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("DOTENV_ONLY_VALUE=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("DOTENV_ONLY_VALUE") })

	require.NoError(t, LoadDotEnv(envPath, filepath.Join(dir, "missing.env")))
	require.Equal(t, "from-file", os.Getenv("DOTENV_ONLY_VALUE"))
}

func validateConfig(t *testing.T, cfg *config.Config) {
	t.Helper()

	require.Equal(t, "https://rpc.ankr.com/eth", cfg.Source.RPCURL)
	require.Equal(t, uint64(6082465), cfg.Source.FromHeight)
	require.Len(t, cfg.Source.AddressList(), 1)
	require.Len(t, cfg.Source.TopicList(), 1)
	require.Equal(t, 5, cfg.Source.Retry.MaxAttempts)
	require.Equal(t, time.Second, cfg.Source.Retry.InitialBackoff.Duration)
	require.Equal(t, uint64(75), cfg.Finality.ConfirmationDepth)
	require.Equal(t, 2*time.Second, cfg.Batch.MaxLatency.Duration)
	require.Equal(t, config.BackendSQLite, cfg.Store.Backend)
	require.Equal(t, "./data/transfers.db", cfg.Store.DB.Path)

	// defaults
	require.Equal(t, "WAL", cfg.Store.DB.JournalMode)
	require.Equal(t, uint64(100), cfg.Source.LiveChunkSize)
	require.Equal(t, 2, cfg.Source.PrefetchChunks)
	require.NotNil(t, cfg.Metrics)
	require.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestConfigValidation(t *testing.T) {
	valid := func() *config.Config {
		return &config.Config{
			Source: config.SourceConfig{RPCURL: "https://test.com"},
			Store:  config.StoreConfig{DB: config.DatabaseConfig{Path: "./test.db"}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*config.Config) {}},
		{name: "missing rpc_url", mutate: func(c *config.Config) { c.Source.RPCURL = "" }, wantErr: "rpc_url is required"},
		{name: "bad address", mutate: func(c *config.Config) { c.Source.Addresses = []string{"0x1234"} }, wantErr: "invalid address"},
		{name: "bad topic", mutate: func(c *config.Config) { c.Source.Topics = []string{"0xdd"} }, wantErr: "invalid topic"},
		{name: "unknown backend", mutate: func(c *config.Config) { c.Store.Backend = "mongo" }, wantErr: "store.backend"},
		{name: "sqlite without path", mutate: func(c *config.Config) { c.Store.DB.Path = "" }, wantErr: "store.db.path"},
		{
			name:    "postgres without url",
			mutate:  func(c *config.Config) { c.Store.Backend = config.BackendPostgres },
			wantErr: "store.postgres.url",
		},
		{
			name: "redis with default url",
			mutate: func(c *config.Config) {
				c.Store.Backend = config.BackendRedis
				c.Store.Redis = &config.RedisConfig{}
			},
		},
		{
			name: "unknown log component",
			mutate: func(c *config.Config) {
				c.Logging = &config.LoggingConfig{ComponentLevels: map[string]string{"indexer": "debug"}}
			},
			wantErr: "unknown component",
		},
		{
			name: "metrics path without slash",
			mutate: func(c *config.Config) {
				c.Metrics = &config.MetricsConfig{Enabled: true, Path: "metrics"}
			},
			wantErr: "path must start",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			cfg.ApplyDefaults()

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoggingConfig_NilSafe(t *testing.T) {
	var l *config.LoggingConfig

	require.Equal(t, "info", l.GetComponentLevel("runner"))
	require.False(t, l.IsDevelopment())

	l = &config.LoggingConfig{DefaultLevel: "WARN", ComponentLevels: map[string]string{"store": "debug"}}
	require.Equal(t, "debug", l.GetComponentLevel("store"))
	require.Equal(t, "warn", l.GetComponentLevel("runner"))
}
