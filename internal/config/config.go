// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Config captures every knob shared by the crawl, worker and serve commands.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Frontier FrontierConfig `mapstructure:"frontier"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Blob     BlobConfig     `mapstructure:"blob"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	API      APIConfig      `mapstructure:"api"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig controls access to the shared crawl database.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// CrawlConfig governs seeding, relevance and the worker fleet.
type CrawlConfig struct {
	SeedURLs         []string      `mapstructure:"seed_urls"`
	SeedRelevance    int           `mapstructure:"seed_relevance"`
	SitemapRelevance int           `mapstructure:"sitemap_relevance"`
	SeedDomain       string        `mapstructure:"seed_domain"`
	Keywords         []string      `mapstructure:"keywords"`
	MaxPages         int64         `mapstructure:"max_pages"`
	Workers          int           `mapstructure:"workers"`
	Stagger          time.Duration `mapstructure:"stagger"`
	CheckEvery       int           `mapstructure:"check_every"`
	DefaultDelay     time.Duration `mapstructure:"default_delay"`
	InProcess        bool          `mapstructure:"in_process"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
	ClassifyTopic    string        `mapstructure:"classify_topic"`
}

// FrontierConfig tunes claims and batched inserts.
type FrontierConfig struct {
	ClaimLease time.Duration `mapstructure:"claim_lease"`
	BatchSize  int           `mapstructure:"batch_size"`
}

// FetchConfig configures the plain HTTP fetcher and policy file requests.
type FetchConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PolicyTimeout time.Duration `mapstructure:"policy_timeout"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the JavaScript rendering fallback.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
	PerMinute          float64       `mapstructure:"per_minute"`
	Burst              int           `mapstructure:"burst"`
	// ExecPath pins the browser binary; empty searches PATH.
	ExecPath string `mapstructure:"exec_path"`
}

// BlobConfig selects where non-HTML payloads are archived.
type BlobConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	Inline  bool   `mapstructure:"inline"`
}

// PubSubConfig enables classification events on Google Pub/Sub.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// APIConfig controls the HTTP service boundary.
type APIConfig struct {
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Blob backends.
const (
	BlobNone   = "none"
	BlobMemory = "memory"
	BlobLocal  = "local"
	BlobGCS    = "gcs"
)

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
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
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys without a meaningful default are still registered so env overrides reach Unmarshal.
	for _, key := range []string{"database.dsn", "blob.bucket", "blob.prefix", "pubsub.project_id", "pubsub.topic_name", "headless.exec_path"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("database.max_conns", 16)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("crawl.seed_urls", []string{"https://slo-tech.com/"})
	v.SetDefault("crawl.seed_relevance", 3)
	v.SetDefault("crawl.seed_domain", "slo-tech.com")
	v.SetDefault("crawl.keywords", append([]string(nil), crawler.DefaultKeywords...))
	v.SetDefault("crawl.max_pages", 5000)
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("crawl.stagger", 5*time.Second)
	v.SetDefault("crawl.check_every", 10)
	v.SetDefault("crawl.default_delay", 5*time.Second)
	v.SetDefault("crawl.in_process", false)
	v.SetDefault("crawl.shutdown_grace", 30*time.Second)
	v.SetDefault("crawl.classify_topic", "page.classified")
	v.SetDefault("crawl.sitemap_relevance", 3)
	v.SetDefault("frontier.claim_lease", 10*time.Minute)
	v.SetDefault("frontier.batch_size", 1000)
	v.SetDefault("fetch.user_agent", "polite-crawler/0.1")
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.policy_timeout", 5*time.Second)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("headless.per_minute", 6.0)
	v.SetDefault("headless.burst", 2)
	v.SetDefault("blob.backend", BlobNone)
	v.SetDefault("blob.base_dir", "./data/payloads")
	v.SetDefault("blob.inline", true)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.request_timeout", 60*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// normalize tidies list values that arrive comma-joined from the environment.
func (c *Config) normalize() {
	c.Crawl.SeedURLs = splitList(c.Crawl.SeedURLs)
	c.Crawl.Keywords = splitList(c.Crawl.Keywords)
	c.Crawl.SeedDomain = strings.ToLower(strings.TrimSpace(c.Crawl.SeedDomain))
	c.Blob.Backend = strings.ToLower(strings.TrimSpace(c.Blob.Backend))
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0")
	}
	if c.Crawl.CheckEvery <= 0 {
		return fmt.Errorf("crawl.check_every must be > 0")
	}
	if c.Crawl.SeedRelevance < 0 || c.Crawl.SitemapRelevance < 0 {
		return fmt.Errorf("relevance values must be >= 0")
	}
	if c.Frontier.ClaimLease <= 0 {
		return fmt.Errorf("frontier.claim_lease must be > 0")
	}
	if c.Frontier.BatchSize <= 0 {
		return fmt.Errorf("frontier.batch_size must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Blob.Backend {
	case BlobNone, BlobMemory:
	case BlobLocal:
		if c.Blob.BaseDir == "" {
			return fmt.Errorf("blob.base_dir is required for the local backend")
		}
	case BlobGCS:
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("blob.backend %q is not one of none, memory, local, gcs", c.Blob.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// RequireDatabase reports an error when no DSN is configured.
func (c Config) RequireDatabase() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required (set CRAWLER_DATABASE_DSN)")
	}
	return nil
}
