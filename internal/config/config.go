// Package config loads service configuration with viper: defaults, an
// optional config file, a .env file and STAYPRICE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/stayprice-crawler/internal/extract"
	"github.com/JakeFAU/stayprice-crawler/internal/logging"
	"github.com/JakeFAU/stayprice-crawler/internal/orchestrator"
	"github.com/JakeFAU/stayprice-crawler/internal/progress"
	"github.com/JakeFAU/stayprice-crawler/internal/session/headless"
	"github.com/JakeFAU/stayprice-crawler/internal/session/static"
	"github.com/JakeFAU/stayprice-crawler/internal/snapshot"
	"github.com/JakeFAU/stayprice-crawler/internal/task"
	"github.com/JakeFAU/stayprice-crawler/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. STAYPRICE_SERVER_PORT.
const EnvPrefix = "STAYPRICE"

// Session driver names.
const (
	DriverHeadless = "headless"
	DriverStatic   = "static"
)

// Cache backends.
const (
	CacheLocal  = "local"
	CacheMemory = "memory"
)

// Config is the root configuration.
type Config struct {
	Logging      logging.Config      `mapstructure:"logging"`
	Server       ServerConfig        `mapstructure:"server"`
	Task         task.Config         `mapstructure:"task"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator"`
	Session      SessionConfig       `mapstructure:"session"`
	Extract      extract.Config      `mapstructure:"extract"`
	Cache        CacheConfig         `mapstructure:"cache"`
	Snapshot     SnapshotConfig      `mapstructure:"snapshot"`
	PubSub       PubSubConfig        `mapstructure:"pubsub"`
	Progress     ProgressConfig      `mapstructure:"progress"`
	Tracing      telemetry.Config    `mapstructure:"tracing"`
}

// ServerConfig configures the HTTP invocation layer.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RunWorkers      int           `mapstructure:"run_workers"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	EnqueueTimeout  time.Duration `mapstructure:"enqueue_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RunsPostgresDSN stores run records in Postgres instead of memory.
	RunsPostgresDSN string `mapstructure:"runs_postgres_dsn"`
}

// SessionConfig selects and configures the browser driver.
type SessionConfig struct {
	Driver   string          `mapstructure:"driver"`
	Headless headless.Config `mapstructure:"headless"`
	Static   static.Config   `mapstructure:"static"`
}

// CacheConfig configures the month summary cache.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	Dir     string        `mapstructure:"dir"`
	MaxAge  time.Duration `mapstructure:"max_age"`
}

// SnapshotConfig configures where assembled tables are written.
type SnapshotConfig struct {
	Dir           string          `mapstructure:"dir"`
	Format        snapshot.Format `mapstructure:"format"`
	Prefix        string          `mapstructure:"prefix"`
	GCSBucket     string          `mapstructure:"gcs_bucket"`
	GCSPrefix     string          `mapstructure:"gcs_prefix"`
	PostgresDSN   string          `mapstructure:"postgres_dsn"`
	PostgresTable string          `mapstructure:"postgres_table"`
}

// PubSubConfig configures snapshot notifications. An empty project keeps
// notifications in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig configures the run event hub and its sinks.
type ProgressConfig struct {
	progress.Config `mapstructure:",squash"`
	LogEvents       bool `mapstructure:"log_events"`
	Prometheus      bool `mapstructure:"prometheus"`
}

// Load reads configuration from path (optional), a .env file in the working
// directory (optional) and the environment, then validates it.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.run_workers", 1)
	v.SetDefault("server.queue_depth", 16)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.enqueue_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.runs_postgres_dsn", "")

	t := task.DefaultConfig()
	v.SetDefault("task.base_url", t.BaseURL)
	v.SetDefault("task.adults", t.Adults)
	v.SetDefault("task.stay_days", t.StayDays)
	v.SetDefault("task.max_retries", t.MaxRetries)
	v.SetDefault("task.scroll_steps", t.ScrollSteps)
	v.SetDefault("task.wait_timeout", t.WaitTimeout)
	v.SetDefault("task.ready_marker", t.ReadyMarker)
	v.SetDefault("task.cookie_marker", t.CookieMarker)
	v.SetDefault("task.cookie_timeout", t.CookieTimeout)
	v.SetDefault("task.settle_delay.min", t.SettleDelay.Min)
	v.SetDefault("task.settle_delay.max", t.SettleDelay.Max)
	v.SetDefault("task.scroll_pause.min", t.ScrollPause.Min)
	v.SetDefault("task.scroll_pause.max", t.ScrollPause.Max)
	v.SetDefault("task.retry_delay.min", t.RetryDelay.Min)
	v.SetDefault("task.retry_delay.max", t.RetryDelay.Max)

	v.SetDefault("orchestrator.workers", 3)
	v.SetDefault("orchestrator.stay_days", t.StayDays)
	v.SetDefault("orchestrator.shutdown_grace", 15*time.Second)
	v.SetDefault("orchestrator.topic", "")

	v.SetDefault("session.driver", DriverHeadless)
	v.SetDefault("session.headless.headless", true)
	v.SetDefault("session.headless.no_sandbox", false)
	v.SetDefault("session.headless.window_width", 1920)
	v.SetDefault("session.headless.window_height", 1080)
	v.SetDefault("session.headless.user_agents", headless.DefaultUserAgents)
	v.SetDefault("session.headless.navigation_timeout", 45*time.Second)
	v.SetDefault("session.headless.host_qps", 0.5)
	v.SetDefault("session.headless.respect_robots", false)
	v.SetDefault("session.static.user_agent", headless.DefaultUserAgents[0])
	v.SetDefault("session.static.timeout", 30*time.Second)
	v.SetDefault("session.static.respect_robots", false)

	e := extract.DefaultConfig()
	v.SetDefault("extract.card_markers", e.CardMarkers)
	v.SetDefault("extract.price_selectors", e.PriceSelectors)
	v.SetDefault("extract.fallback_markers", e.FallbackMarkers)
	v.SetDefault("extract.min_price", e.MinPrice)
	v.SetDefault("extract.max_price", e.MaxPrice)

	v.SetDefault("cache.backend", CacheLocal)
	v.SetDefault("cache.dir", "data/cache")
	v.SetDefault("cache.max_age", time.Duration(0))

	v.SetDefault("snapshot.dir", "data/snapshots")
	v.SetDefault("snapshot.format", string(snapshot.FormatCSV))
	v.SetDefault("snapshot.prefix", "raw")
	v.SetDefault("snapshot.gcs_bucket", "")
	v.SetDefault("snapshot.gcs_prefix", "")
	v.SetDefault("snapshot.postgres_dsn", "")
	v.SetDefault("snapshot.postgres_table", "stay_prices")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("progress.log_events", true)
	v.SetDefault("progress.prometheus", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "stayprice-crawler")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate ensures the configuration is coherent.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RunWorkers <= 0 {
		return fmt.Errorf("server.run_workers must be > 0")
	}
	if c.Server.QueueDepth <= 0 {
		return fmt.Errorf("server.queue_depth must be > 0")
	}
	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator.workers must be > 0")
	}
	if c.Orchestrator.StayDays <= 0 {
		return fmt.Errorf("orchestrator.stay_days must be > 0")
	}
	if err := c.Task.Validate(); err != nil {
		return err
	}
	if err := c.Extract.Validate(); err != nil {
		return err
	}
	switch c.Session.Driver {
	case DriverHeadless, DriverStatic:
	default:
		return fmt.Errorf("session.driver must be %q or %q, got %q", DriverHeadless, DriverStatic, c.Session.Driver)
	}
	switch c.Cache.Backend {
	case CacheLocal:
		if strings.TrimSpace(c.Cache.Dir) == "" {
			return fmt.Errorf("cache.dir is required for the local cache")
		}
	case CacheMemory:
	default:
		return fmt.Errorf("cache.backend must be %q or %q, got %q", CacheLocal, CacheMemory, c.Cache.Backend)
	}
	if c.Cache.MaxAge < 0 {
		return fmt.Errorf("cache.max_age must be >= 0")
	}
	if strings.TrimSpace(c.Snapshot.Dir) == "" {
		return fmt.Errorf("snapshot.dir is required")
	}
	if err := (snapshot.Config{Format: c.Snapshot.Format}).Validate(); err != nil {
		return fmt.Errorf("snapshot.format: %w", err)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub.topic is required when pubsub.project_id is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	return nil
}
