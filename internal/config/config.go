// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Process roles.
const (
	RoleAPI     = "api"
	RoleWorker  = "worker"
	RoleSweeper = "sweeper"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

const redacted = "REDACTED"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Roles    []string       `mapstructure:"roles"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Redis    RedisConfig    `mapstructure:"redis"`
	DB       DBConfig       `mapstructure:"db"`
	Store    StoreConfig    `mapstructure:"store"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Credits  CreditsConfig  `mapstructure:"credits"`
	Indexing IndexingConfig `mapstructure:"indexing"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkerConfig sizes the pool and its retry policy.
type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RefundAttempts int           `mapstructure:"refund_attempts"`
}

// QueueConfig selects and tunes the job queue.
type QueueConfig struct {
	Backend           string        `mapstructure:"backend"`
	Prefix            string        `mapstructure:"prefix"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// RedisConfig is shared by the Redis queue and ledger.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TLS      bool   `mapstructure:"tls"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Migrate         bool          `mapstructure:"migrate"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StoreConfig selects the campaign store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// LedgerConfig selects the credit ledger.
type LedgerConfig struct {
	Backend   string `mapstructure:"backend"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// CreditsConfig sets the balance of newly issued owner tokens and intake limits.
type CreditsConfig struct {
	Initial int64 `mapstructure:"initial"`
	MaxURLs int   `mapstructure:"max_urls"`
}

// IndexingConfig configures the Indexing API client.
type IndexingConfig struct {
	DryRun           bool          `mapstructure:"dry_run"`
	Endpoint         string        `mapstructure:"endpoint"`
	NotificationType string        `mapstructure:"notification_type"`
	CredentialsFile  string        `mapstructure:"credentials_file"`
	CredentialsJSON  string        `mapstructure:"credentials_json"`
	ClientEmail      string        `mapstructure:"client_email"`
	PrivateKey       string        `mapstructure:"private_key"`
	TokenSkew        time.Duration `mapstructure:"token_skew"`
	RPS              float64       `mapstructure:"rps"`
	Burst            int           `mapstructure:"burst"`
	// Limiter is memory (per process) or redis (shared by every worker process).
	Limiter    string `mapstructure:"limiter"`
	LimiterKey string `mapstructure:"limiter_key"`
}

// RecoveryConfig tunes the orphaned-job sweep.
type RecoveryConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	BatchSize  int           `mapstructure:"batch_size"`
}

// PubSubConfig holds metadata for outcome notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig controls OpenTelemetry trace context propagation.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from a .env file, disk and the environment.
// Environment variables use the INDEXER_ prefix, e.g. INDEXER_REDIS_ADDR.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("roles", []string{RoleAPI, RoleWorker, RoleSweeper})
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.backoff_base", time.Second)
	v.SetDefault("worker.backoff_max", 5*time.Minute)
	v.SetDefault("worker.request_timeout", 30*time.Second)
	v.SetDefault("worker.refund_attempts", 3)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.prefix", "indexing")
	v.SetDefault("queue.visibility_timeout", 2*time.Minute)
	v.SetDefault("queue.poll_interval", 250*time.Millisecond)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.migrate", false)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("ledger.backend", BackendMemory)
	v.SetDefault("ledger.key_prefix", "credits:")
	v.SetDefault("credits.initial", 500)
	v.SetDefault("credits.max_urls", 200)
	v.SetDefault("indexing.dry_run", false)
	v.SetDefault("indexing.endpoint", "https://indexing.googleapis.com/")
	v.SetDefault("indexing.notification_type", "URL_UPDATED")
	v.SetDefault("indexing.credentials_file", "")
	v.SetDefault("indexing.credentials_json", "")
	v.SetDefault("indexing.client_email", "")
	v.SetDefault("indexing.private_key", "")
	v.SetDefault("indexing.token_skew", time.Minute)
	v.SetDefault("indexing.rps", 3.0)
	v.SetDefault("indexing.burst", 1)
	v.SetDefault("indexing.limiter", BackendMemory)
	v.SetDefault("indexing.limiter_key", "indexing:ratelimit")
	v.SetDefault("recovery.interval", time.Minute)
	v.SetDefault("recovery.stale_after", 10*time.Minute)
	v.SetDefault("recovery.batch_size", 100)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Roles) == 0 {
		return fmt.Errorf("roles must name at least one of api, worker, sweeper")
	}
	for _, r := range c.Roles {
		switch r {
		case RoleAPI, RoleWorker, RoleSweeper:
		default:
			return fmt.Errorf("unknown role %q", r)
		}
	}
	if c.HasRole(RoleAPI) && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be > 0")
	}
	if c.Worker.RequestTimeout <= 0 {
		return fmt.Errorf("worker.request_timeout must be > 0")
	}
	if c.Worker.BackoffMax < c.Worker.BackoffBase {
		return fmt.Errorf("worker.backoff_max must be >= worker.backoff_base")
	}
	if c.Credits.Initial < 0 {
		return fmt.Errorf("credits.initial must be >= 0")
	}
	if c.Credits.MaxURLs <= 0 {
		return fmt.Errorf("credits.max_urls must be > 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}

	if err := c.validateBackends(); err != nil {
		return err
	}

	if c.HasRole(RoleWorker) && !c.Indexing.DryRun && !c.hasCredentials() {
		return fmt.Errorf("indexing credentials are required unless indexing.dry_run is set")
	}
	return nil
}

func (c Config) validateBackends() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set for the redis ledger")
		}
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres ledger")
		}
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}

	switch c.Queue.Backend {
	case BackendMemory:
		if !c.HasRole(RoleAPI) || !c.HasRole(RoleWorker) {
			return fmt.Errorf("queue.backend memory requires the api and worker roles in one process")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set for the redis queue")
		}
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	if c.Queue.VisibilityTimeout <= c.Worker.RequestTimeout+c.quotaWait() {
		return fmt.Errorf("queue.visibility_timeout must exceed worker.request_timeout plus the worst quota wait (%s)", c.quotaWait())
	}

	switch c.Indexing.Limiter {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set for the redis limiter")
		}
	default:
		return fmt.Errorf("unknown indexing.limiter %q", c.Indexing.Limiter)
	}
	return nil
}

// quotaWait is how long the last of this process's workers can queue for a
// provider token when every worker asks at once.
func (c Config) quotaWait() time.Duration {
	if c.Indexing.RPS <= 0 {
		return 0
	}
	return time.Duration(float64(c.Worker.Concurrency) / c.Indexing.RPS * float64(time.Second))
}

func (c Config) hasCredentials() bool {
	i := c.Indexing
	return i.CredentialsFile != "" || i.CredentialsJSON != "" || (i.ClientEmail != "" && i.PrivateKey != "")
}

// HasRole reports whether the process should run role.
func (c Config) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// UsesRedis reports whether any backend needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.Queue.Backend == BackendRedis || c.Ledger.Backend == BackendRedis ||
		(c.HasRole(RoleWorker) && c.Indexing.Limiter == BackendRedis)
}

// UsesPostgres reports whether any backend needs a Postgres pool.
func (c Config) UsesPostgres() bool {
	return c.Store.Backend == BackendPostgres || c.Ledger.Backend == BackendPostgres
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	out := c
	out.Roles = slices.Clone(c.Roles)
	if out.Redis.Password != "" {
		out.Redis.Password = redacted
	}
	if out.DB.DSN != "" {
		if u, err := url.Parse(out.DB.DSN); err == nil && u.Scheme != "" {
			out.DB.DSN = u.Redacted()
		} else {
			out.DB.DSN = redacted
		}
	}
	if out.Indexing.CredentialsJSON != "" {
		out.Indexing.CredentialsJSON = redacted
	}
	if out.Indexing.PrivateKey != "" {
		out.Indexing.PrivateKey = redacted
	}
	return out
}
