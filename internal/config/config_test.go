package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://runescape.wiki/api.php", cfg.Wiki.APIURL)
	assert.Equal(t, "https://oldschool.runescape.wiki/api.php", cfg.Secondary.APIURL)
	assert.Equal(t, DefaultUserAgent, cfg.Wiki.UserAgent)
	assert.Equal(t, 15*time.Second, cfg.Wiki.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Wiki.DownloadTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Wiki.APIDelay)
	assert.Equal(t, 200*time.Millisecond, cfg.Wiki.ImageDelay)
	assert.Equal(t, 5*time.Second, cfg.Wiki.RetryAfter)
	assert.Equal(t, 2001, cfg.Crawl.MinYear)
	assert.Equal(t, 2009, cfg.Crawl.MaxYear)
	assert.Len(t, cfg.Crawl.Categories, 7)
	assert.True(t, cfg.Images.PreferSecondaryOverOldest)
	assert.Equal(t, BackendLocal, cfg.Storage.Backend)

	cutoff, err := cfg.Images.CutoffTime()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC), cutoff.UTC())
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
wiki:
  api_delay: 1s
  image_delay: 250ms
  batch_size: 20
crawl:
  categories: [quest, skill]
  max_year: 2007
images:
  cutoff: "2008-06-01T00:00:00Z"
  prefer_secondary_over_oldest: false
storage:
  backend: gcs
  bucket: thumbs
  prefix: quiz
pubsub:
  project_id: demo
  topic: phases
logging:
  development: false
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Wiki.APIDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Wiki.ImageDelay)
	assert.Equal(t, 20, cfg.Wiki.BatchSize)
	assert.Equal(t, []string{"quest", "skill"}, cfg.Crawl.Categories)
	assert.Equal(t, 2007, cfg.Crawl.MaxYear)
	assert.False(t, cfg.Images.PreferSecondaryOverOldest)
	assert.Equal(t, "thumbs", cfg.Storage.Bucket)
	assert.Equal(t, "phases", cfg.PubSub.Topic)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WIKISCRAPE_WIKI_API_DELAY", "2s")
	t.Setenv("WIKISCRAPE_STORAGE_LOCAL_DIR", "/tmp/thumbs")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Wiki.APIDelay)
	assert.Equal(t, "/tmp/thumbs", cfg.Storage.LocalDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"batch size too large", func(c *Config) { c.Wiki.BatchSize = 51 }, "wiki.batch_size"},
		{"inverted years", func(c *Config) { c.Crawl.MinYear = 2010 }, "crawl.min_year"},
		{"bad cutoff", func(c *Config) { c.Images.Cutoff = "2010-01-01" }, "images.cutoff"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = BackendGCS }, "storage.bucket"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"topic without project", func(c *Config) { c.PubSub.Topic = "t" }, "pubsub.project_id"},
		{"zero timeout", func(c *Config) { c.Wiki.Timeout = 0 }, "wiki.timeout"},
		{"quality out of range", func(c *Config) { c.Images.Quality = 101 }, "images.quality"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Crawl.Categories = append([]string(nil), base.Crawl.Categories...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
