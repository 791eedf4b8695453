// Package app builds the long-lived services a pipeline run needs from
// configuration and owns their shutdown.
package app

import (
	"context"
	"fmt"
	"slices"

	gcstorage "cloud.google.com/go/storage"
	gpubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/lostcityquiz/wikiscrape/internal/api"
	"github.com/lostcityquiz/wikiscrape/internal/clock/system"
	"github.com/lostcityquiz/wikiscrape/internal/config"
	"github.com/lostcityquiz/wikiscrape/internal/content"
	collyfetcher "github.com/lostcityquiz/wikiscrape/internal/fetcher/colly"
	"github.com/lostcityquiz/wikiscrape/internal/hash/sha256"
	"github.com/lostcityquiz/wikiscrape/internal/id/uuid"
	"github.com/lostcityquiz/wikiscrape/internal/images"
	"github.com/lostcityquiz/wikiscrape/internal/metrics"
	"github.com/lostcityquiz/wikiscrape/internal/pipeline"
	"github.com/lostcityquiz/wikiscrape/internal/policy/ratelimit"
	"github.com/lostcityquiz/wikiscrape/internal/progress"
	memorypublisher "github.com/lostcityquiz/wikiscrape/internal/publisher/memory"
	pubsubpublisher "github.com/lostcityquiz/wikiscrape/internal/publisher/pubsub"
	"github.com/lostcityquiz/wikiscrape/internal/storage"
	"github.com/lostcityquiz/wikiscrape/internal/storage/gcs"
	"github.com/lostcityquiz/wikiscrape/internal/storage/local"
	memorystorage "github.com/lostcityquiz/wikiscrape/internal/storage/memory"
	"github.com/lostcityquiz/wikiscrape/internal/storage/postgres"
	"github.com/lostcityquiz/wikiscrape/internal/validate"
	"github.com/lostcityquiz/wikiscrape/internal/wiki"
)

// RunOptions carries per-invocation flags that are not part of the config
// file.
type RunOptions struct {
	DryRun     bool
	Limit      int
	StatusAddr string
}

// App holds the pipeline and every service it was built from. The embedded
// pipeline exposes the phase methods directly.
type App struct {
	*pipeline.Pipeline

	cfg     config.Config
	logger  *zap.Logger
	tracker *progress.Tracker
	status  *api.Server
	closers []func()
}

// New wires clients, stores and the pipeline from cfg. On error every
// service built so far is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, run RunOptions) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, tracker: progress.NewTracker()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	opts, err := pipelineOptions(cfg, run)
	if err != nil {
		return nil, err
	}
	deps, err := a.buildDeps(ctx)
	if err != nil {
		return nil, err
	}
	a.Pipeline = pipeline.New(opts, deps)

	if run.StatusAddr != "" {
		a.status = api.NewServer(a.tracker, logger)
		if _, err := a.status.Start(run.StatusAddr); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := a.status.Shutdown(context.Background()); err != nil {
				logger.Warn("status server shutdown failed", zap.Error(err))
			}
		})
	}

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("postgres", cfg.Postgres.DSN != ""),
		zap.Bool("pubsub", cfg.PubSub.Topic != ""),
		zap.Bool("dry_run", run.DryRun),
		zap.Int("limit", run.Limit),
	)
	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Tracker returns the phase tracker the status server reports.
func (a *App) Tracker() *progress.Tracker {
	return a.tracker
}

// ValidationConfig returns validation thresholds for the configured
// categories and year range.
func (a *App) ValidationConfig() validate.Config {
	return ValidationConfig(a.cfg)
}

// Close shuts services down in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) buildDeps(ctx context.Context) (pipeline.Deps, error) {
	cfg := a.cfg
	cutoff, err := cfg.Images.CutoffTime()
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("parse images.cutoff: %w", err)
	}
	clock := system.New()

	apiPacer := ratelimit.New(ratelimit.Config{Interval: cfg.Wiki.APIDelay})
	primary, err := wiki.NewClient(wiki.Config{
		Endpoint:   cfg.Wiki.APIURL,
		UserAgent:  cfg.Wiki.UserAgent,
		Timeout:    cfg.Wiki.Timeout,
		RetryAfter: cfg.Wiki.RetryAfter,
	}, apiPacer, a.logger.Named("wiki.primary"))
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("primary wiki client: %w", err)
	}
	secondary, err := wiki.NewClient(wiki.Config{
		Endpoint:   cfg.Secondary.APIURL,
		UserAgent:  cfg.Wiki.UserAgent,
		Timeout:    cfg.Wiki.Timeout,
		RetryAfter: cfg.Wiki.RetryAfter,
	}, apiPacer, a.logger.Named("wiki.secondary"))
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("secondary wiki client: %w", err)
	}

	primaryMarkup := wiki.NewBatchFetcher(primary, cfg.Wiki.BatchSize, a.logger)
	secondaryMarkup := wiki.NewBatchFetcher(secondary, cfg.Wiki.BatchSize, a.logger)

	deps := pipeline.Deps{
		Categories:    wiki.NewPaginator(primary, cfg.Wiki.PageSize),
		PrimaryMarkup: primaryMarkup,
		PrimaryResolver: images.NewResolver(primaryMarkup,
			wiki.NewImageInfoFetcher(primary, cutoff), clock, a.logger.Named("resolver.primary")),
		SecondaryResolver: images.NewResolver(secondaryMarkup,
			wiki.NewImageInfoFetcher(secondary, cutoff), clock, a.logger.Named("resolver.secondary")),
		Files: collyfetcher.New(collyfetcher.Config{
			UserAgent:   cfg.Wiki.UserAgent,
			Timeout:     cfg.Wiki.DownloadTimeout,
			MaxBodySize: cfg.Images.MaxBodyBytes,
			RetryAfter:  cfg.Wiki.RetryAfter,
		}, a.logger.Named("files")),
		DownloadPacer: ratelimit.New(ratelimit.Config{Interval: cfg.Wiki.ImageDelay}),
		Transcoder:    images.NewImagingTranscoder(cfg.Images.Width, cfg.Images.Quality),
		IDs:           uuid.New(),
		Hasher:        sha256.New(),
		Clock:         clock,
		Tracker:       a.tracker,
		Logger:        a.logger,
	}

	if deps.Blobs, err = a.blobStore(ctx); err != nil {
		return pipeline.Deps{}, err
	}

	// Interfaces stay nil unless a concrete service was built, so phases can
	// tell a missing sink from a typed nil.
	if cfg.Postgres.DSN != "" {
		records, err := postgres.NewRecordStore(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return pipeline.Deps{}, fmt.Errorf("init postgres: %w", err)
		}
		a.closers = append(a.closers, records.Close)
		deps.Records = records
	}

	if deps.Publisher, err = a.publisher(ctx); err != nil {
		return pipeline.Deps{}, err
	}
	return deps, nil
}

func (a *App) blobStore(ctx context.Context) (storage.BlobStore, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case config.BackendGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("gcs client close failed", zap.Error(err))
			}
		})
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs store: %w", err)
		}
		a.logger.Info("using gcs thumbnail store", zap.String("bucket", cfg.Bucket))
		return store, nil
	case config.BackendMemory:
		a.logger.Warn("using in-memory thumbnail store; files are discarded on exit")
		return memorystorage.NewBlobStore(), nil
	default:
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local store: %w", err)
		}
		return store, nil
	}
}

func (a *App) publisher(ctx context.Context) (pipeline.Publisher, error) {
	cfg := a.cfg.PubSub
	if cfg.Topic == "" {
		return memorypublisher.New(), nil
	}
	client, err := gpubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client.Topic(cfg.Topic))
	a.closers = append(a.closers, func() {
		pub.Close()
		if err := client.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	})
	a.logger.Info("publishing phase events", zap.String("topic", cfg.Topic))
	return pub, nil
}

func pipelineOptions(cfg config.Config, run RunOptions) (pipeline.Options, error) {
	categories, err := CategorySpecs(cfg.Crawl.Categories)
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		Paths: pipeline.Paths{
			Dataset:           cfg.Paths.Dataset,
			CrawlProgress:     cfg.Paths.CrawlProgress,
			ImageProgress:     cfg.Paths.ImageProgress,
			SecondaryProgress: cfg.Paths.SecondaryProgress,
			Manifest:          cfg.Paths.Manifest,
		},
		Categories:                categories,
		MinYear:                   cfg.Crawl.MinYear,
		MaxYear:                   cfg.Crawl.MaxYear,
		PrimaryFilesBase:          cfg.Wiki.FilesURL,
		ThumbnailWidth:            cfg.Images.Width,
		CheckpointEvery:           cfg.Images.CheckpointEvery,
		Limit:                     run.Limit,
		DryRun:                    run.DryRun,
		PreferSecondaryOverOldest: cfg.Images.PreferSecondaryOverOldest,
	}, nil
}

// CategorySpecs maps configured category names to their wiki categories,
// keeping the configured order.
func CategorySpecs(names []string) ([]pipeline.CategorySpec, error) {
	known := pipeline.DefaultCategories()
	specs := make([]pipeline.CategorySpec, 0, len(names))
	for _, name := range names {
		idx := slices.IndexFunc(known, func(s pipeline.CategorySpec) bool {
			return string(s.Category) == name
		})
		if idx < 0 {
			return nil, fmt.Errorf("unknown category %q", name)
		}
		specs = append(specs, known[idx])
	}
	return specs, nil
}

// ValidationConfig derives validation thresholds from cfg.
func ValidationConfig(cfg config.Config) validate.Config {
	v := validate.DefaultConfig()
	v.MinYear = cfg.Crawl.MinYear
	v.MaxYear = cfg.Crawl.MaxYear
	cats := make([]content.Category, 0, len(cfg.Crawl.Categories))
	for _, name := range cfg.Crawl.Categories {
		cats = append(cats, content.Category(name))
	}
	if len(cats) > 0 {
		v.Categories = cats
	}
	return v
}
