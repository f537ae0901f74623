package config

import (
	"fmt"
	"os"
	"time"

	"referralfees/internal/domain"
	"referralfees/internal/security"

	"gopkg.in/yaml.v3"
)

const DefaultEmptyPageLimit = 3

// run modes
const (
	ModeIngest  = "ingest"
	ModePublish = "aggregate-and-publish"
	ModeServe   = "serve"
)

// env names for secrets; they never live in the yaml file
const (
	EnvAPIKey          = "EXPLORER_API_KEY"
	EnvPublishKeyID    = "PUBLISH_ACCESS_KEY_ID"
	EnvPublishSecret   = "PUBLISH_SECRET_ACCESS_KEY"
	EnvRedisPassword   = "REDIS_PASSWORD"
	EnvPyroscopeSecret = "PYROSCOPE_AUTH_TOKEN"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Tokens     TokensConfig     `yaml:"tokens"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	Aggregate  AggregateConfig  `yaml:"aggregate"`
	Publish    PublishConfig    `yaml:"publish"`
	Stores     StoresConfig     `yaml:"stores"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	API        APIConfig        `yaml:"api"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type AppConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	RefreshInterval time.Duration `yaml:"refresh_interval"` // serve mode snapshot recompute
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

type UpstreamConfig struct {
	BaseURL          string        `yaml:"base_url"`
	PerPage          int           `yaml:"per_page"`
	PageDelay        time.Duration `yaml:"page_delay"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	EmptyPageLimit   int           `yaml:"empty_page_limit"` // 0 -> guard disabled
	RestartCompleted bool          `yaml:"restart_completed"`
	KeyLeeway        time.Duration `yaml:"key_leeway"` // clock skew allowed on the api key exp
	APIKey           string        `yaml:"-"`
}

type TokensConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type LedgerConfig struct {
	Path   string `yaml:"path"`
	Schema string `yaml:"schema"` // transactions|fees
}

type CheckpointConfig struct {
	Backend  string `yaml:"backend"` // file|redis
	Path     string `yaml:"path"`
	RedisKey string `yaml:"redis_key"`
}

type BloomConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Key      string  `yaml:"key"`
	Capacity int64   `yaml:"capacity"`
	ErrRate  float64 `yaml:"err_rate"`
}

type DedupeConfig struct {
	Backend string      `yaml:"backend"` // memory|redis
	Prefix  string      `yaml:"prefix"`
	Bloom   BloomConfig `yaml:"bloom"`
}

type AggregateConfig struct {
	TopRoutes int `yaml:"top_routes"`
}

type FileStoreConfig struct {
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`
}

type S3StoreConfig struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	PublicBaseURL  string `yaml:"public_base_url"`
	AccessKeyID    string `yaml:"-"`
	SecretKey      string `yaml:"-"`
}

type PublishConfig struct {
	Backend string          `yaml:"backend"` // s3|file
	Key     string          `yaml:"key"`
	Timeout time.Duration   `yaml:"timeout"`
	File    FileStoreConfig `yaml:"file"`
	S3      S3StoreConfig   `yaml:"s3"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"-"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type ClickHouseWriterConfig struct {
	BatchMaxRows     int           `yaml:"batch_max_rows"`
	BatchMaxInterval time.Duration `yaml:"batch_max_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
}

type ClickHouseConfig struct {
	DSN    string                 `yaml:"dsn"`
	Table  string                 `yaml:"table"`
	Writer ClickHouseWriterConfig `yaml:"writer"`
}

type StoresConfig struct {
	Redis      RedisConfig      `yaml:"redis"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type PubSubConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
	Headers []string `yaml:"headers"`
}

type APIConfig struct {
	HTTP HTTPConfig `yaml:"http"`
	CORS CORSConfig `yaml:"cors"`
}

type RateBucket struct {
	RefillPerSec int           `yaml:"refill_per_sec"` // tokens added every second
	Burst        int           `yaml:"burst"`          // bucket size; 0 -> limiter off
	TTL          time.Duration `yaml:"ttl"`            // idle bucket lifetime
}

type RateLimitConfig struct {
	ByIP RateBucket `yaml:"by_ip"`
}

type PyroscopeConfig struct {
	Enabled    bool              `yaml:"enabled"`
	AppName    string            `yaml:"app_name"`
	ServerAddr string            `yaml:"server_addr"`
	AuthToken  string            `yaml:"-"`
	Tags       map[string]string `yaml:"tags"`
}

type MetricsConfig struct {
	PushgatewayURL string          `yaml:"pushgateway_url"`
	Job            string          `yaml:"job"`
	Pyroscope      PyroscopeConfig `yaml:"pyroscope"`
}

// Load reads the yaml file (empty path -> defaults only), applies defaults and overlays secrets from env
func Load(path string) (*Config, error) {
	// seeded before unmarshal: an explicit 0 disables the guard
	cfg := Config{Upstream: UpstreamConfig{EmptyPageLimit: DefaultEmptyPageLimit}}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err = yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s, error=%w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv(os.Getenv)

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.RefreshInterval <= 0 {
		c.App.RefreshInterval = 5 * time.Minute
	}
	if c.App.ShutdownTimeout <= 0 {
		c.App.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://explorer.near-intents.org/api/v0/transactions-pages"
	}
	if c.Upstream.PerPage <= 0 {
		c.Upstream.PerPage = 1000
	}
	if c.Upstream.PageDelay <= 0 {
		c.Upstream.PageDelay = time.Second
	}
	if c.Upstream.FetchTimeout <= 0 {
		c.Upstream.FetchTimeout = 30 * time.Second
	}
	if c.Upstream.EmptyPageLimit < 0 {
		c.Upstream.EmptyPageLimit = 0
	}

	if c.Tokens.URL == "" {
		c.Tokens.URL = "https://1click.chaindefuser.com/v0/tokens"
	}
	if c.Tokens.Timeout <= 0 {
		c.Tokens.Timeout = 30 * time.Second
	}

	if c.Ledger.Path == "" {
		c.Ledger.Path = "data/referral-fees.csv"
	}
	if c.Ledger.Schema == "" {
		c.Ledger.Schema = "transactions"
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "file"
	}
	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = "data/indexer-state.json"
	}
	if c.Checkpoint.RedisKey == "" {
		c.Checkpoint.RedisKey = "referralfees:checkpoint"
	}

	if c.Dedupe.Backend == "" {
		c.Dedupe.Backend = "memory"
	}
	if c.Dedupe.Prefix == "" {
		c.Dedupe.Prefix = "referralfees:seen:"
	}

	if c.Aggregate.TopRoutes <= 0 {
		c.Aggregate.TopRoutes = 50
	}

	if c.Publish.Backend == "" {
		c.Publish.Backend = "file"
	}
	if c.Publish.Key == "" {
		c.Publish.Key = "referral-fees.json"
	}
	if c.Publish.Timeout <= 0 {
		c.Publish.Timeout = time.Minute
	}
	if c.Publish.File.Dir == "" {
		c.Publish.File.Dir = "data/public"
	}

	if c.Stores.ClickHouse.Table == "" {
		c.Stores.ClickHouse.Table = "referral_transactions"
	}

	if c.PubSub.NATS.Subject == "" {
		c.PubSub.NATS.Subject = "referralfees.snapshot"
	}

	if c.API.HTTP.Addr == "" {
		c.API.HTTP.Addr = ":8080"
	}
	if c.API.HTTP.ReadTimeout <= 0 {
		c.API.HTTP.ReadTimeout = 10 * time.Second
	}
	if c.API.HTTP.WriteTimeout <= 0 {
		c.API.HTTP.WriteTimeout = 30 * time.Second
	}
	if c.API.HTTP.IdleTimeout <= 0 {
		c.API.HTTP.IdleTimeout = time.Minute
	}

	if c.Metrics.Job == "" {
		c.Metrics.Job = "referralfees"
	}
}

func (c *Config) applyEnv(getenv func(string) string) {
	c.Upstream.APIKey = getenv(EnvAPIKey)
	c.Publish.S3.AccessKeyID = getenv(EnvPublishKeyID)
	c.Publish.S3.SecretKey = getenv(EnvPublishSecret)
	c.Stores.Redis.Password = getenv(EnvRedisPassword)
	c.Metrics.Pyroscope.AuthToken = getenv(EnvPyroscopeSecret)
}

// Validate checks that everything the mode needs is present; runs before any I/O
func (c *Config) Validate(mode string) error {
	switch mode {
	case ModeIngest:
		if err := security.CheckAPIKey(EnvAPIKey, c.Upstream.APIKey, time.Now(), c.Upstream.KeyLeeway); err != nil {
			return err
		}
	case ModePublish:
		if err := c.validatePublish(); err != nil {
			return err
		}
	case ModeServe:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	switch c.Ledger.Schema {
	case "transactions", "fees":
	default:
		return fmt.Errorf("unknown ledger schema %q", c.Ledger.Schema)
	}

	switch c.Checkpoint.Backend {
	case "file":
	case "redis":
		if c.Stores.Redis.Addr == "" {
			return fmt.Errorf("checkpoint backend redis requires stores.redis.addr")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}

	switch c.Dedupe.Backend {
	case "memory":
	case "redis":
		if c.Stores.Redis.Addr == "" {
			return fmt.Errorf("dedupe backend redis requires stores.redis.addr")
		}
	default:
		return fmt.Errorf("unknown dedupe backend %q", c.Dedupe.Backend)
	}

	return nil
}

func (c *Config) validatePublish() error {
	switch c.Publish.Backend {
	case "file":
		return nil
	case "s3":
		if c.Publish.S3.Bucket == "" {
			return fmt.Errorf("publish backend s3 requires publish.s3.bucket")
		}
		if c.Publish.S3.AccessKeyID == "" {
			return &domain.MissingCredentialError{Name: EnvPublishKeyID}
		}
		if c.Publish.S3.SecretKey == "" {
			return &domain.MissingCredentialError{Name: EnvPublishSecret}
		}
		return nil
	default:
		return fmt.Errorf("unknown publish backend %q", c.Publish.Backend)
	}
}
