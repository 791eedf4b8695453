// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. WIKISCRAPE_WIKI_API_DELAY.
const EnvPrefix = "WIKISCRAPE"

// DefaultUserAgent identifies the scraper to wiki operators.
const DefaultUserAgent = "LostCityQuiz/1.0 (RuneScape timeline quiz; scraping release dates and thumbnails)"

// Config captures all scraper configuration knobs loaded via Viper.
type Config struct {
	Wiki      WikiConfig      `mapstructure:"wiki"`
	Secondary SecondaryConfig `mapstructure:"secondary"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Images    ImagesConfig    `mapstructure:"images"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Status    StatusConfig    `mapstructure:"status"`
}

// WikiConfig describes the primary wiki and how politely to call it.
type WikiConfig struct {
	APIURL          string        `mapstructure:"api_url"`
	FilesURL        string        `mapstructure:"files_url"`
	UserAgent       string        `mapstructure:"user_agent"`
	Timeout         time.Duration `mapstructure:"timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	APIDelay        time.Duration `mapstructure:"api_delay"`
	ImageDelay      time.Duration `mapstructure:"image_delay"`
	RetryAfter      time.Duration `mapstructure:"retry_after"`
	PageSize        int           `mapstructure:"page_size"`
	BatchSize       int           `mapstructure:"batch_size"`
}

// SecondaryConfig describes the fallback wiki.
type SecondaryConfig struct {
	APIURL string `mapstructure:"api_url"`
}

// CrawlConfig bounds which pages become records.
type CrawlConfig struct {
	Categories []string `mapstructure:"categories"`
	MinYear    int      `mapstructure:"min_year"`
	MaxYear    int      `mapstructure:"max_year"`
}

// ImagesConfig controls resolution and thumbnail output.
type ImagesConfig struct {
	Cutoff                    string `mapstructure:"cutoff"`
	Width                     int    `mapstructure:"width"`
	Quality                   int    `mapstructure:"quality"`
	MaxBodyBytes              int    `mapstructure:"max_body_bytes"`
	CheckpointEvery           int    `mapstructure:"checkpoint_every"`
	PreferSecondaryOverOldest bool   `mapstructure:"prefer_secondary_over_oldest"`
}

// PathsConfig locates the dataset and progress documents.
type PathsConfig struct {
	Dataset           string `mapstructure:"dataset"`
	CrawlProgress     string `mapstructure:"crawl_progress"`
	ImageProgress     string `mapstructure:"image_progress"`
	SecondaryProgress string `mapstructure:"secondary_progress"`
	Manifest          string `mapstructure:"manifest"`
}

// StorageConfig selects where thumbnails are written.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PostgresConfig controls the export database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for phase notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StatusConfig controls the optional status server.
type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

// Storage backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	return LoadFrom(viper.New(), path)
}

// LoadFrom is Load against a caller-owned Viper instance, so flags bound to
// it take effect.
func LoadFrom(v *viper.Viper, path string) (Config, error) {
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
	v.SetDefault("wiki.api_url", "https://runescape.wiki/api.php")
	v.SetDefault("wiki.files_url", "https://runescape.wiki/images")
	v.SetDefault("wiki.user_agent", DefaultUserAgent)
	v.SetDefault("wiki.timeout", 15*time.Second)
	v.SetDefault("wiki.download_timeout", 30*time.Second)
	v.SetDefault("wiki.api_delay", 500*time.Millisecond)
	v.SetDefault("wiki.image_delay", 200*time.Millisecond)
	v.SetDefault("wiki.retry_after", 5*time.Second)
	v.SetDefault("wiki.page_size", 500)
	v.SetDefault("wiki.batch_size", 50)
	v.SetDefault("secondary.api_url", "https://oldschool.runescape.wiki/api.php")
	v.SetDefault("crawl.categories", []string{"quest", "item", "npc", "location", "minigame", "music", "skill"})
	v.SetDefault("crawl.min_year", 2001)
	v.SetDefault("crawl.max_year", 2009)
	v.SetDefault("images.cutoff", "2010-01-01T00:00:00Z")
	v.SetDefault("images.width", 300)
	v.SetDefault("images.quality", 80)
	v.SetDefault("images.max_body_bytes", 20<<20)
	v.SetDefault("images.checkpoint_every", 100)
	v.SetDefault("images.prefer_secondary_over_oldest", true)
	v.SetDefault("paths.dataset", "data/content.json")
	v.SetDefault("paths.crawl_progress", "data/scrape-progress.json")
	v.SetDefault("paths.image_progress", "data/historical-progress.json")
	v.SetDefault("paths.secondary_progress", "data/secondary-progress.json")
	v.SetDefault("paths.manifest", "data/historical-manifest.json")
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local_dir", "public/images")
	v.SetDefault("postgres.table", "content_records")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Wiki.APIURL == "" {
		return fmt.Errorf("wiki.api_url must be set")
	}
	if c.Wiki.FilesURL == "" {
		return fmt.Errorf("wiki.files_url must be set")
	}
	if c.Wiki.UserAgent == "" {
		return fmt.Errorf("wiki.user_agent must be set")
	}
	if c.Wiki.Timeout <= 0 {
		return fmt.Errorf("wiki.timeout must be > 0")
	}
	if c.Wiki.DownloadTimeout <= 0 {
		return fmt.Errorf("wiki.download_timeout must be > 0")
	}
	if c.Wiki.APIDelay < 0 || c.Wiki.ImageDelay < 0 {
		return fmt.Errorf("wiki.api_delay and wiki.image_delay must be >= 0")
	}
	if c.Wiki.BatchSize <= 0 || c.Wiki.BatchSize > 50 {
		return fmt.Errorf("wiki.batch_size must be between 1 and 50")
	}
	if c.Wiki.PageSize <= 0 {
		return fmt.Errorf("wiki.page_size must be > 0")
	}
	if c.Crawl.MinYear <= 0 || c.Crawl.MaxYear < c.Crawl.MinYear {
		return fmt.Errorf("crawl.min_year must be > 0 and <= crawl.max_year")
	}
	if len(c.Crawl.Categories) == 0 {
		return fmt.Errorf("crawl.categories must not be empty")
	}
	if _, err := c.Images.CutoffTime(); err != nil {
		return fmt.Errorf("images.cutoff must be an RFC 3339 timestamp: %w", err)
	}
	if c.Images.Width <= 0 {
		return fmt.Errorf("images.width must be > 0")
	}
	if c.Images.Quality <= 0 || c.Images.Quality > 100 {
		return fmt.Errorf("images.quality must be between 1 and 100")
	}
	if c.Images.CheckpointEvery <= 0 {
		return fmt.Errorf("images.checkpoint_every must be > 0")
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

// CutoffTime parses the pre-cutoff boundary.
func (c ImagesConfig) CutoffTime() (time.Time, error) {
	return time.Parse(time.RFC3339, c.Cutoff)
}
