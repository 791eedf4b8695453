// Package pipeline runs the resumable scraping phases: the category crawl,
// the primary and secondary image backfills, length enrichment, export and
// validation. Every phase loads its progress document, works strictly
// sequentially, and persists progress often enough that a killed run resumes
// where it stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lostcityquiz/wikiscrape/internal/checkpoint"
	"github.com/lostcityquiz/wikiscrape/internal/content"
	"github.com/lostcityquiz/wikiscrape/internal/images"
	"github.com/lostcityquiz/wikiscrape/internal/metrics"
	"github.com/lostcityquiz/wikiscrape/internal/progress"
	"github.com/lostcityquiz/wikiscrape/internal/storage"
	"github.com/lostcityquiz/wikiscrape/internal/wiki"
)

// CategorySource lists the page titles of a wiki category.
type CategorySource interface {
	CategoryMembers(ctx context.Context, category string) ([]string, error)
}

// MarkupSource fetches page markup in batches.
type MarkupSource interface {
	FetchMarkupEach(ctx context.Context, titles []string, fn wiki.BatchFunc) (map[string]string, error)
}

// PrimaryResolver binds records to primary wiki file revisions.
type PrimaryResolver interface {
	ResolvePrimary(ctx context.Context, records []content.Record, state *checkpoint.ImageProgress, save images.SaveFunc) error
}

// SecondaryResolver binds records to secondary wiki file revisions.
type SecondaryResolver interface {
	ResolveSecondary(
		ctx context.Context,
		targets []content.Record,
		state *checkpoint.SecondaryProgress,
		save images.SaveFunc,
	) error
}

// FileFetcher downloads the first reachable URL of a candidate list.
type FileFetcher interface {
	FetchFirst(ctx context.Context, urls []string) ([]byte, string, error)
}

// RecordSink receives the finished dataset.
type RecordSink interface {
	EnsureSchema(ctx context.Context) error
	UpsertRecords(ctx context.Context, records []content.Record, manifest checkpoint.Manifest, exportedAt time.Time) (int, error)
}

// Publisher announces finished phases.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// IDGenerator creates run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher fingerprints stored thumbnails.
type Hasher interface {
	Hash(data []byte) string
}

// Clock supplies checkpoint timestamps.
type Clock interface {
	Now() time.Time
}

// Pacer spaces out requests to one host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// CategorySpec maps a dataset category to the wiki category listing it.
type CategorySpec struct {
	Category     content.Category
	WikiCategory string
}

// DefaultCategories returns every category in crawl order.
func DefaultCategories() []CategorySpec {
	return []CategorySpec{
		{Category: content.CategoryQuest, WikiCategory: "Category:Quests"},
		{Category: content.CategoryItem, WikiCategory: "Category:Items"},
		{Category: content.CategoryNPC, WikiCategory: "Category:Non-player characters"},
		{Category: content.CategoryLocation, WikiCategory: "Category:Locations"},
		{Category: content.CategoryMinigame, WikiCategory: "Category:Minigames"},
		{Category: content.CategoryMusic, WikiCategory: "Category:Music tracks"},
		{Category: content.CategorySkill, WikiCategory: "Category:Skills"},
	}
}

// Paths locates the dataset and every progress document.
type Paths struct {
	Dataset           string
	CrawlProgress     string
	ImageProgress     string
	SecondaryProgress string
	Manifest          string
}

// Options tunes a pipeline run.
type Options struct {
	Paths      Paths
	Categories []CategorySpec
	MinYear    int
	MaxYear    int
	// PrimaryFilesBase is the primary wiki's raw file root, e.g.
	// https://runescape.wiki/images.
	PrimaryFilesBase string
	ThumbnailWidth   int
	// CheckpointEvery flushes progress after this many successful downloads.
	CheckpointEvery           int
	Limit                     int
	DryRun                    bool
	PreferSecondaryOverOldest bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Paths: Paths{
			Dataset:           "data/content.json",
			CrawlProgress:     "data/scrape-progress.json",
			ImageProgress:     "data/historical-progress.json",
			SecondaryProgress: "data/secondary-progress.json",
			Manifest:          "data/historical-manifest.json",
		},
		Categories:                DefaultCategories(),
		MinYear:                   2001,
		MaxYear:                   2009,
		PrimaryFilesBase:          "https://runescape.wiki/images",
		ThumbnailWidth:            images.DefaultWidth,
		CheckpointEvery:           100,
		PreferSecondaryOverOldest: true,
	}
}

// Deps are the collaborators a pipeline may use. A phase only requires the
// ones it touches.
type Deps struct {
	Categories        CategorySource
	PrimaryMarkup     MarkupSource
	PrimaryResolver   PrimaryResolver
	SecondaryResolver SecondaryResolver
	Files             FileFetcher
	DownloadPacer     Pacer
	Transcoder        images.Transcoder
	Blobs             storage.BlobStore
	Records           RecordSink
	Publisher         Publisher
	IDs               IDGenerator
	Hasher            Hasher
	Clock             Clock
	Tracker           *progress.Tracker
	Logger            *zap.Logger
}

// Pipeline runs phases against one set of collaborators.
type Pipeline struct {
	opts   Options
	deps   Deps
	logger *zap.Logger
}

// New builds a Pipeline, filling unset options with defaults.
func New(opts Options, deps Deps) *Pipeline {
	def := DefaultOptions()
	if len(opts.Categories) == 0 {
		opts.Categories = def.Categories
	}
	if opts.MinYear == 0 {
		opts.MinYear = def.MinYear
	}
	if opts.MaxYear == 0 {
		opts.MaxYear = def.MaxYear
	}
	if opts.ThumbnailWidth <= 0 {
		opts.ThumbnailWidth = def.ThumbnailWidth
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = def.CheckpointEvery
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pipeline{opts: opts, deps: deps, logger: deps.Logger.Named("pipeline")}
}

// Options returns the effective options.
func (p *Pipeline) Options() Options {
	return p.opts
}

// dep names a collaborator for requirement checks.
type dep struct {
	name  string
	isSet bool
}

func requireDeps(phase string, deps ...dep) error {
	var missing []error
	for _, d := range deps {
		if !d.isSet {
			missing = append(missing, fmt.Errorf("%s requires %s", phase, d.name))
		}
	}
	return errors.Join(missing...)
}

func (p *Pipeline) now() time.Time {
	if p.deps.Clock == nil {
		return time.Now().UTC()
	}
	return p.deps.Clock.Now()
}

func (p *Pipeline) newRunID() string {
	if p.deps.IDs == nil {
		return ""
	}
	id, err := p.deps.IDs.NewID()
	if err != nil {
		p.logger.Warn("run id generation failed", zap.Error(err))
		return ""
	}
	return id
}

// publish announces a finished phase. Failures are logged, never fatal.
func (p *Pipeline) publish(ctx context.Context, event string, payload map[string]any) {
	if p.deps.Publisher == nil {
		return
	}
	id, err := p.deps.Publisher.Publish(ctx, event, payload)
	if err != nil {
		p.logger.Warn("publish event failed", zap.String("event", event), zap.Error(err))
		return
	}
	p.logger.Debug("published event", zap.String("event", event), zap.String("message_id", id))
}

func (p *Pipeline) inRange(date string) bool {
	parsed, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return false
	}
	return parsed.Year() >= p.opts.MinYear && parsed.Year() <= p.opts.MaxYear
}

// loadManifest reads the manifest, treating a missing file as empty.
func loadManifest(path string) (checkpoint.Manifest, error) {
	store, err := checkpoint.NewStore[checkpoint.Manifest](path)
	if err != nil {
		return nil, err
	}
	manifest, err := store.Load()
	if errors.Is(err, checkpoint.ErrNotFound) {
		return checkpoint.Manifest{}, nil
	}
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		manifest = checkpoint.Manifest{}
	}
	return manifest, nil
}

func saveManifest(path string, manifest checkpoint.Manifest) error {
	if err := checkpoint.WriteJSON(path, manifest); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	metrics.ObserveCheckpoint("manifest")
	return nil
}

// loadProgress reads a progress document, returning a zero one and false
// when none exists yet.
func loadProgress[T any](path string) (*checkpoint.Store[T], T, bool, error) {
	var zero T
	store, err := checkpoint.NewStore[T](path)
	if err != nil {
		return nil, zero, false, err
	}
	doc, err := store.Load()
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return store, zero, false, nil
	case err != nil:
		return nil, zero, false, err
	}
	return store, doc, true, nil
}
