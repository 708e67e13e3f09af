// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Schemas   SchemasConfig   `mapstructure:"schemas"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Import    ImportConfig    `mapstructure:"import"`
	Events    EventsConfig    `mapstructure:"events"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	WSPath string `mapstructure:"ws_path"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig controls access to the relational link/content store.
// An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	LinksTable      string        `mapstructure:"links_table"`
	ContentTable    string        `mapstructure:"content_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig enables the seen-URL cache when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	SeenTTL  time.Duration `mapstructure:"seen_ttl"`
}

// SchemasConfig locates the per-domain schema documents.
type SchemasConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// CrawlerConfig governs the browser pool and crawl loop.
type CrawlerConfig struct {
	Concurrency        int     `mapstructure:"concurrency"`
	SeedLimit          int     `mapstructure:"seed_limit"`
	Renderer           string  `mapstructure:"renderer"`
	NavTimeoutSeconds  int     `mapstructure:"nav_timeout_seconds"`
	WaitTimeoutSeconds int     `mapstructure:"wait_timeout_seconds"`
	UserAgent          string  `mapstructure:"user_agent"`
	DomainQPS          float64 `mapstructure:"domain_qps"`
	FallbackEnabled    bool    `mapstructure:"fallback_enabled"`
	ScheduleDiscovered bool    `mapstructure:"schedule_discovered"`
	ExpandSitemaps     bool    `mapstructure:"expand_sitemaps"`
	ChromePath         string  `mapstructure:"chrome_path"`
}

// SnapshotsConfig selects where rendered HTML is archived.
type SnapshotsConfig struct {
	Backend   string              `mapstructure:"backend"`
	Prefix    string              `mapstructure:"prefix"`
	Local     LocalSnapshotConfig `mapstructure:"local"`
	GCSBucket string              `mapstructure:"gcs_bucket"`
}

// LocalSnapshotConfig configures the filesystem snapshot backend.
type LocalSnapshotConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// LLMConfig points the normalizer at an Ollama-compatible chat endpoint.
type LLMConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	Temperature    float64 `mapstructure:"temperature"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// PublishConfig points the importer at the commerce API.
type PublishConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIToken       string `mapstructure:"api_token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ImportConfig tunes the import loop.
type ImportConfig struct {
	ContinueOnError bool `mapstructure:"continue_on_error"`
}

// EventsConfig tunes the event hub.
type EventsConfig struct {
	BufferSize      int  `mapstructure:"buffer_size"`
	MaxBatchEvents  int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs  int  `mapstructure:"max_batch_wait_ms"`
	LogEnabled      bool `mapstructure:"log_enabled"`
	MetricsEnabled  bool `mapstructure:"metrics_enabled"`
	SinkTimeoutSecs int  `mapstructure:"sink_timeout_seconds"`
}

// PubSubConfig enables forwarding events to a Pub/Sub topic when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	Stdout         bool   `mapstructure:"stdout"`
	ServiceName    string `mapstructure:"service_name"`
}

// Renderer names.
const (
	RendererChromedp = "chromedp"
	RendererHTTP     = "http"
)

// Snapshot backends.
const (
	SnapshotsNone   = "none"
	SnapshotsMemory = "memory"
	SnapshotsLocal  = "local"
	SnapshotsGCS    = "gcs"
)

// Load builds a Config from an optional .env file, disk and environment.
// Without a path, config.yaml is looked up in the working directory,
// $HOME/.catalog-crawler and /etc/catalog-crawler.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.catalog-crawler")
		v.AddConfigPath("/etc/catalog-crawler/")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.ws_path", "/bot")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.links_table", "crawler_bot_links")
	v.SetDefault("database.content_table", "crawler_bot_content")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.seen_ttl", 24*time.Hour)
	v.SetDefault("schemas.dir", "storage/schemas")
	v.SetDefault("schemas.watch", true)
	v.SetDefault("crawler.concurrency", 2)
	v.SetDefault("crawler.seed_limit", 500)
	v.SetDefault("crawler.renderer", RendererChromedp)
	v.SetDefault("crawler.nav_timeout_seconds", 30)
	v.SetDefault("crawler.wait_timeout_seconds", 10)
	v.SetDefault("crawler.user_agent", "catalog-crawler/0.1")
	v.SetDefault("crawler.domain_qps", 1.0)
	v.SetDefault("crawler.fallback_enabled", true)
	v.SetDefault("crawler.schedule_discovered", true)
	v.SetDefault("crawler.expand_sitemaps", true)
	v.SetDefault("snapshots.backend", SnapshotsNone)
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("snapshots.local.base_dir", "storage/snapshots")
	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.model", "gemma3")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("publish.timeout_seconds", 30)
	v.SetDefault("import.continue_on_error", false)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait_ms", 50)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("events.metrics_enabled", true)
	v.SetDefault("events.sink_timeout_seconds", 5)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.service_name", "catalog-crawler")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.SeedLimit <= 0 {
		return fmt.Errorf("crawler.seed_limit must be > 0")
	}
	if c.Crawler.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.nav_timeout_seconds must be > 0")
	}
	switch c.Crawler.Renderer {
	case RendererChromedp, RendererHTTP:
	default:
		return fmt.Errorf("crawler.renderer must be %q or %q", RendererChromedp, RendererHTTP)
	}
	if c.Schemas.Dir == "" {
		return fmt.Errorf("schemas.dir is required")
	}
	switch c.Snapshots.Backend {
	case SnapshotsNone, SnapshotsMemory:
	case SnapshotsLocal:
		if c.Snapshots.Local.BaseDir == "" {
			return fmt.Errorf("snapshots.local.base_dir is required for the local backend")
		}
	case SnapshotsGCS:
		if c.Snapshots.GCSBucket == "" {
			return fmt.Errorf("snapshots.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown snapshots.backend %q", c.Snapshots.Backend)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0, 2]")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// NavTimeout returns the per-navigation budget.
func (c CrawlerConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// WaitTimeout returns the wait4selection budget.
func (c CrawlerConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutSeconds) * time.Second
}

// Timeout returns the LLM request budget.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout returns the commerce API request budget.
func (c PublishConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BatchWait returns the hub's flush interval.
func (c EventsConfig) BatchWait() time.Duration {
	return time.Duration(c.MaxBatchWaitMs) * time.Millisecond
}

// SinkTimeout returns the per-flush listener budget.
func (c EventsConfig) SinkTimeout() time.Duration {
	return time.Duration(c.SinkTimeoutSecs) * time.Second
}
