package config

import (
	"fmt"
	"slices"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
)

const (
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config represents the complete configuration of the transfer indexer.
type Config struct {
	// Source configures the archive and live block feeds
	Source SourceConfig `yaml:"source" json:"source" toml:"source"`

	// Finality configures how many recent blocks are treated as reversible
	Finality FinalityConfig `yaml:"finality" json:"finality" toml:"finality"`

	// Batch configures how blocks are grouped before reaching the handler
	Batch BatchConfig `yaml:"batch" json:"batch" toml:"batch"`

	// Store configures the checkpointed derived store
	Store StoreConfig `yaml:"store" json:"store" toml:"store"`

	// Logging contains logging configuration
	Logging *LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" toml:"logging,omitempty"`

	// Metrics contains Prometheus metrics configuration
	Metrics *MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty" toml:"metrics,omitempty"`
}

// SourceConfig configures the block feeds.
type SourceConfig struct {
	// ArchiveURL is the archive gateway base URL. Empty disables archive mode.
	ArchiveURL string `yaml:"archive_url" json:"archive_url" toml:"archive_url"`

	// RPCURL is the live Ethereum node endpoint
	RPCURL string `yaml:"rpc_url" json:"rpc_url" toml:"rpc_url"`

	// FromHeight is the first block indexed on a fresh store
	FromHeight uint64 `yaml:"from_height" json:"from_height" toml:"from_height"`

	// Addresses restricts logs to these contracts
	Addresses []string `yaml:"addresses" json:"addresses" toml:"addresses"`

	// Topics restricts logs to these topic0 values
	Topics []string `yaml:"topics" json:"topics" toml:"topics"`

	// LiveChunkSize is the maximum number of blocks fetched per live poll
	LiveChunkSize uint64 `yaml:"live_chunk_size" json:"live_chunk_size" toml:"live_chunk_size"`

	// PrefetchChunks is how many archive chunks may be fetched ahead of delivery
	PrefetchChunks int `yaml:"prefetch_chunks" json:"prefetch_chunks" toml:"prefetch_chunks"`

	// RequestsPerSecond caps outgoing feed requests (0 = unlimited)
	RequestsPerSecond int `yaml:"requests_per_second" json:"requests_per_second" toml:"requests_per_second"`

	// RequestTimeout bounds a single fetch attempt
	RequestTimeout common.Duration `yaml:"request_timeout" json:"request_timeout" toml:"request_timeout"`

	// PollInterval is the wait between live polls once caught up
	PollInterval common.Duration `yaml:"poll_interval" json:"poll_interval" toml:"poll_interval"`

	// Retry contains fetch retry configuration with exponential backoff
	Retry RetryConfig `yaml:"retry" json:"retry" toml:"retry"`
}

// ApplyDefaults sets default values for optional source configuration fields.
func (s *SourceConfig) ApplyDefaults() {
	if s.LiveChunkSize == 0 {
		s.LiveChunkSize = 100
	}
	if s.PrefetchChunks == 0 {
		s.PrefetchChunks = 2
	}
	if s.RequestTimeout.Duration == 0 {
		s.RequestTimeout = common.NewDuration(30 * time.Second) //nolint:mnd
	}
	if s.PollInterval.Duration == 0 {
		s.PollInterval = common.NewDuration(6 * time.Second) //nolint:mnd
	}
	s.Retry.ApplyDefaults()
}

// Validate checks the source configuration.
func (s *SourceConfig) Validate() error {
	if s.RPCURL == "" {
		return fmt.Errorf("rpc_url is required")
	}
	for _, a := range s.Addresses {
		if !ethcommon.IsHexAddress(a) {
			return fmt.Errorf("addresses: invalid address %q", a)
		}
	}
	for _, t := range s.Topics {
		b, err := hexutil.Decode(t)
		if err != nil || len(b) != ethcommon.HashLength {
			return fmt.Errorf("topics: invalid topic %q", t)
		}
	}
	if s.PrefetchChunks < 0 || s.RequestsPerSecond < 0 {
		return fmt.Errorf("prefetch_chunks and requests_per_second must not be negative")
	}
	return s.Retry.Validate()
}

// AddressList returns the configured addresses as typed values.
func (s *SourceConfig) AddressList() []ethcommon.Address {
	out := make([]ethcommon.Address, 0, len(s.Addresses))
	for _, a := range s.Addresses {
		out = append(out, ethcommon.HexToAddress(a))
	}
	return out
}

// TopicList returns the configured topics as typed values.
func (s *SourceConfig) TopicList() []ethcommon.Hash {
	out := make([]ethcommon.Hash, 0, len(s.Topics))
	for _, t := range s.Topics {
		out = append(out, ethcommon.HexToHash(t))
	}
	return out
}

// RetryConfig represents fetch retry configuration with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial request)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`

	// InitialBackoff is the initial backoff duration before first retry
	InitialBackoff common.Duration `yaml:"initial_backoff" json:"initial_backoff" toml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration
	MaxBackoff common.Duration `yaml:"max_backoff" json:"max_backoff" toml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier" toml:"backoff_multiplier"`
}

// ApplyDefaults sets default values for retry configuration.
func (r *RetryConfig) ApplyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialBackoff.Duration == 0 {
		r.InitialBackoff = common.NewDuration(1 * time.Second)
	}
	if r.MaxBackoff.Duration == 0 {
		r.MaxBackoff = common.NewDuration(30 * time.Second) //nolint:mnd
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2.0
	}
}

// Validate checks the retry configuration.
func (r *RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be at least 1")
	}
	if r.MaxBackoff.Duration < r.InitialBackoff.Duration {
		return fmt.Errorf("retry.max_backoff must not be lower than retry.initial_backoff")
	}
	return nil
}

// FinalityConfig configures the reorg window.
type FinalityConfig struct {
	// ConfirmationDepth is the number of most recent blocks that may still be reorganized
	ConfirmationDepth uint64 `yaml:"confirmation_depth" json:"confirmation_depth" toml:"confirmation_depth"`
}

// ApplyDefaults sets the Ethereum mainnet default depth.
func (f *FinalityConfig) ApplyDefaults() {
	if f.ConfirmationDepth == 0 {
		f.ConfirmationDepth = 75
	}
}

// BatchConfig configures the batch sequencer.
type BatchConfig struct {
	// MaxBlocks flushes a batch once it holds this many blocks
	MaxBlocks int `yaml:"max_blocks" json:"max_blocks" toml:"max_blocks"`

	// MaxLatency flushes a batch once its first block has waited this long
	MaxLatency common.Duration `yaml:"max_latency" json:"max_latency" toml:"max_latency"`

	// MaxFlushesPerSecond paces handler invocations (0 = unlimited)
	MaxFlushesPerSecond int `yaml:"max_flushes_per_second" json:"max_flushes_per_second" toml:"max_flushes_per_second"`
}

// ApplyDefaults sets default values for batching.
func (b *BatchConfig) ApplyDefaults() {
	if b.MaxBlocks == 0 {
		b.MaxBlocks = 1000
	}
	if b.MaxLatency.Duration == 0 {
		b.MaxLatency = common.NewDuration(2 * time.Second) //nolint:mnd
	}
}

// Validate checks the batch configuration.
func (b *BatchConfig) Validate() error {
	if b.MaxBlocks < 1 {
		return fmt.Errorf("batch.max_blocks must be at least 1")
	}
	if b.MaxFlushesPerSecond < 0 {
		return fmt.Errorf("batch.max_flushes_per_second must not be negative")
	}
	return nil
}

// StoreConfig selects and configures the checkpointed store backend.
type StoreConfig struct {
	// Backend is one of: sqlite, redis, postgres
	Backend string `yaml:"backend" json:"backend" toml:"backend"`

	// DB contains SQLite configuration
	DB DatabaseConfig `yaml:"db" json:"db" toml:"db"`

	// Maintenance contains optional SQLite maintenance settings
	Maintenance *MaintenanceConfig `yaml:"maintenance,omitempty" json:"maintenance,omitempty" toml:"maintenance,omitempty"`

	// Redis contains Redis configuration
	Redis *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty" toml:"redis,omitempty"`

	// Postgres contains PostgreSQL configuration
	Postgres *PostgresConfig `yaml:"postgres,omitempty" json:"postgres,omitempty" toml:"postgres,omitempty"`
}

// ApplyDefaults sets default values for the store configuration.
func (s *StoreConfig) ApplyDefaults() {
	if s.Backend == "" {
		s.Backend = BackendSQLite
	}
	s.DB.ApplyDefaults()
	if s.Maintenance != nil {
		s.Maintenance.ApplyDefaults()
	}
	if s.Redis != nil {
		s.Redis.ApplyDefaults()
	}
	if s.Postgres != nil {
		s.Postgres.ApplyDefaults()
	}
}

// Validate checks the store configuration for the selected backend.
func (s *StoreConfig) Validate() error {
	switch s.Backend {
	case BackendSQLite:
		if s.DB.Path == "" {
			return fmt.Errorf("store.db.path is required for the sqlite backend")
		}
		if err := s.DB.Validate(); err != nil {
			return fmt.Errorf("store.db: %w", err)
		}
		if s.Maintenance != nil {
			if err := s.Maintenance.Validate(); err != nil {
				return fmt.Errorf("store.maintenance: %w", err)
			}
		}
	case BackendRedis:
		if s.Redis == nil || s.Redis.URL == "" {
			return fmt.Errorf("store.redis.url is required for the redis backend")
		}
	case BackendPostgres:
		if s.Postgres == nil || s.Postgres.URL == "" {
			return fmt.Errorf("store.postgres.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of: sqlite, redis, postgres")
	}
	return nil
}

// DatabaseConfig represents SQLite configuration.
type DatabaseConfig struct {
	// Path is the file path to the SQLite database
	Path string `yaml:"path" json:"path" toml:"path"`

	// JournalMode sets the SQLite journal mode (e.g., "WAL", "DELETE")
	JournalMode string `yaml:"journal_mode" json:"journal_mode" toml:"journal_mode"`

	// Synchronous sets the synchronization level ("FULL", "NORMAL", "OFF")
	Synchronous string `yaml:"synchronous" json:"synchronous" toml:"synchronous"`

	// BusyTimeout is the time in milliseconds to wait when the database is locked
	BusyTimeout int `yaml:"busy_timeout" json:"busy_timeout" toml:"busy_timeout"`

	// CacheSize is the size of the page cache (negative = KB, positive = pages)
	CacheSize int `yaml:"cache_size" json:"cache_size" toml:"cache_size"`

	// MaxOpenConnections is the maximum number of open database connections
	MaxOpenConnections int `yaml:"max_open_connections" json:"max_open_connections" toml:"max_open_connections"`

	// MaxIdleConnections is the maximum number of idle connections in the pool
	MaxIdleConnections int `yaml:"max_idle_connections" json:"max_idle_connections" toml:"max_idle_connections"`
}

// ApplyDefaults sets default values for optional database configuration fields.
func (d *DatabaseConfig) ApplyDefaults() {
	if d.JournalMode == "" {
		d.JournalMode = "WAL"
	}
	if d.Synchronous == "" {
		d.Synchronous = "FULL"
	}
	if d.BusyTimeout == 0 {
		d.BusyTimeout = 5000
	}
	if d.CacheSize == 0 {
		d.CacheSize = 10000
	}
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = 1
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = 1
	}
}

// Validate checks the SQLite pragma values.
func (d *DatabaseConfig) Validate() error {
	if !slices.Contains([]string{"WAL", "DELETE", "TRUNCATE", "PERSIST", "MEMORY"}, d.JournalMode) {
		return fmt.Errorf("journal_mode must be one of: WAL, DELETE, TRUNCATE, PERSIST, MEMORY")
	}
	if !slices.Contains([]string{"FULL", "NORMAL", "OFF"}, d.Synchronous) {
		return fmt.Errorf("synchronous must be one of: FULL, NORMAL, OFF")
	}
	return nil
}

// MaintenanceConfig configures SQLite compaction after journal pruning.
type MaintenanceConfig struct {
	// Enabled controls whether background maintenance runs
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// ReclaimThreshold is the number of journal rows removed by prunes and rollbacks
	// that triggers a compaction
	ReclaimThreshold int64 `yaml:"reclaim_threshold" json:"reclaim_threshold" toml:"reclaim_threshold"`

	// VacuumOnStartup compacts the database when the store opens
	VacuumOnStartup bool `yaml:"vacuum_on_startup" json:"vacuum_on_startup" toml:"vacuum_on_startup"`

	// WALCheckpointMode is one of PASSIVE, FULL, RESTART, TRUNCATE
	WALCheckpointMode string `yaml:"wal_checkpoint_mode" json:"wal_checkpoint_mode" toml:"wal_checkpoint_mode"`
}

// ApplyDefaults sets default values for optional maintenance configuration fields.
func (m *MaintenanceConfig) ApplyDefaults() {
	if m.ReclaimThreshold == 0 {
		m.ReclaimThreshold = 50_000 //nolint:mnd
	}
	if m.WALCheckpointMode == "" {
		m.WALCheckpointMode = "TRUNCATE"
	}
}

// Validate checks if the maintenance configuration is valid.
func (m *MaintenanceConfig) Validate() error {
	if m.ReclaimThreshold < 0 {
		return fmt.Errorf("reclaim_threshold: must not be negative")
	}
	if m.WALCheckpointMode != "" {
		validModes := []string{"PASSIVE", "FULL", "RESTART", "TRUNCATE"}
		if !slices.Contains(validModes, m.WALCheckpointMode) {
			return fmt.Errorf("wal_checkpoint_mode: must be one of: PASSIVE, FULL, RESTART, TRUNCATE")
		}
	}

	return nil
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	// URL is a redis:// connection string
	URL string `yaml:"url" json:"url" toml:"url"`

	// KeyPrefix is prepended to every key written by the store
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" toml:"key_prefix"`
}

// ApplyDefaults sets the local default URL.
func (r *RedisConfig) ApplyDefaults() {
	if r.URL == "" {
		r.URL = "redis://localhost:6379"
	}
}

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	// URL is a postgres:// connection string
	URL string `yaml:"url" json:"url" toml:"url"`

	// MaxConns caps the connection pool
	MaxConns int32 `yaml:"max_conns" json:"max_conns" toml:"max_conns"`
}

// ApplyDefaults sets default pool size.
func (p *PostgresConfig) ApplyDefaults() {
	if p.MaxConns == 0 {
		p.MaxConns = 4
	}
}

// LoggingConfig configures logging behavior with per-component log levels.
type LoggingConfig struct {
	// DefaultLevel is the default log level for all components
	// Options: "debug", "info", "warn", "error"
	DefaultLevel string `yaml:"default_level" json:"default_level" toml:"default_level"`

	// Development enables development mode (stack traces, console encoder)
	Development bool `yaml:"development" json:"development" toml:"development"`

	// ComponentLevels sets log levels for specific components
	// Available components: runner, block-source, archive, live-rpc, reorg-detector,
	// sequencer, store, maintenance, transfers
	ComponentLevels map[string]string `yaml:"component_levels,omitempty" json:"component_levels,omitempty" toml:"component_levels,omitempty"` //nolint:lll
}

// ApplyDefaults sets default values for optional logging configuration fields.
func (l *LoggingConfig) ApplyDefaults() {
	if l.DefaultLevel == "" {
		l.DefaultLevel = "info"
	}
	if l.ComponentLevels == nil {
		l.ComponentLevels = make(map[string]string)
	}
}

// Validate checks if the logging configuration is valid.
func (l *LoggingConfig) Validate() error {
	if l.DefaultLevel != "" {
		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(l.DefaultLevel)]; !valid {
			return fmt.Errorf("logging.default_level: must be one of: debug, info, warn, error")
		}
	}

	for component, level := range l.ComponentLevels {
		if _, validComponent := common.AllComponents[common.ToLowerWithTrim(component)]; !validComponent {
			return fmt.Errorf("logging.component_levels: unknown component '%s'", component)
		}

		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(level)]; !valid {
			return fmt.Errorf("logging.component_levels[%s]: must be one of: debug, info, warn, error", component)
		}
	}

	return nil
}

// GetComponentLevel returns the log level for a specific component.
// Falls back to DefaultLevel if no component-specific level is set.
func (l *LoggingConfig) GetComponentLevel(component string) string {
	if l == nil {
		return "info"
	}
	if level, ok := l.ComponentLevels[component]; ok {
		return common.ToLowerWithTrim(level)
	}
	return l.GetDefaultLevel()
}

// GetDefaultLevel returns the default log level.
func (l *LoggingConfig) GetDefaultLevel() string {
	if l == nil || l.DefaultLevel == "" {
		return "info"
	}
	return common.ToLowerWithTrim(l.DefaultLevel)
}

// IsDevelopment returns whether development mode is enabled.
func (l *LoggingConfig) IsDevelopment() bool {
	return l != nil && l.Development
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP endpoint are active
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// ListenAddress is the address to bind the metrics HTTP server to
	ListenAddress string `yaml:"listen_address" json:"listen_address" toml:"listen_address"`

	// Path is the HTTP path where metrics are exposed
	Path string `yaml:"path" json:"path" toml:"path"`
}

// ApplyDefaults sets default values for optional metrics configuration fields.
func (m *MetricsConfig) ApplyDefaults() {
	if m.ListenAddress == "" {
		m.ListenAddress = ":9090"
	}
	if m.Path == "" {
		m.Path = "/metrics"
	}
}

// Validate checks if the metrics configuration is valid.
func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.ListenAddress == "" {
			return fmt.Errorf("listen_address is required when metrics are enabled")
		}
		if m.Path == "" || m.Path[0] != '/' {
			return fmt.Errorf("path must start with '/'")
		}
	}
	return nil
}

// ApplyDefaults sets default values for optional configuration fields.
func (c *Config) ApplyDefaults() {
	c.Source.ApplyDefaults()
	c.Finality.ApplyDefaults()
	c.Batch.ApplyDefaults()
	c.Store.ApplyDefaults()

	if c.Logging != nil {
		c.Logging.ApplyDefaults()
	}

	if c.Metrics != nil {
		c.Metrics.ApplyDefaults()
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	if err := c.Batch.Validate(); err != nil {
		return err
	}

	if err := c.Store.Validate(); err != nil {
		return err
	}

	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return err
		}
	}

	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	return nil
}
