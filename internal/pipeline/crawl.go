package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lostcityquiz/wikiscrape/internal/checkpoint"
	"github.com/lostcityquiz/wikiscrape/internal/content"
	"github.com/lostcityquiz/wikiscrape/internal/dataset"
	"github.com/lostcityquiz/wikiscrape/internal/images"
	"github.com/lostcityquiz/wikiscrape/internal/markup"
	"github.com/lostcityquiz/wikiscrape/internal/metrics"
	"github.com/lostcityquiz/wikiscrape/internal/progress"
)

// Record outcomes reported while crawling a category.
const (
	outcomeKept       = "kept"
	outcomeNoMarkup   = "no_markup"
	outcomeNoDate     = "no_date"
	outcomeOutOfRange = "out_of_range"
)

// CrawlResult summarizes a crawl run.
type CrawlResult struct {
	RunID      string
	Records    int
	Categories int
	Downloads  DownloadStats
	// FailedCategories could not be listed or fetched this run. They stay
	// out of the checkpoint so the next run retries them.
	FailedCategories []string
}

// ErrIncompleteCrawl reports that at least one category failed while the
// rest of the crawl completed.
var ErrIncompleteCrawl = errors.New("crawl incomplete")

// Crawl builds the base record set category by category, downloads the
// primary thumbnails, and writes the dataset. Completed categories are
// skipped on resume and their records are left untouched.
func (p *Pipeline) Crawl(ctx context.Context) (res CrawlResult, err error) {
	if err := requireDeps("crawl",
		dep{"a category source", p.deps.Categories != nil},
		dep{"a markup source", p.deps.PrimaryMarkup != nil},
	); err != nil {
		return res, err
	}
	if !p.opts.DryRun {
		if err := p.downloadDeps("crawl"); err != nil {
			return res, err
		}
	}

	store, state, resumed, err := loadProgress[checkpoint.CrawlProgress](p.opts.Paths.CrawlProgress)
	if err != nil {
		return res, fmt.Errorf("load crawl progress: %w", err)
	}
	state.Normalize()
	if resumed {
		p.logger.Info("resuming crawl",
			zap.String("run_id", state.RunID),
			zap.Int("records", len(state.Records)),
			zap.Strings("completed_categories", state.CompletedCategories),
			zap.Bool("images_done", state.ImagesPhaseDone),
		)
	}
	if state.RunID == "" {
		state.RunID = p.newRunID()
	}
	res.RunID = state.RunID

	p.deps.Tracker.Start(progress.PhaseCrawl, state.RunID)
	defer func() { p.deps.Tracker.Finish(err) }()

	save := func() error {
		state.UpdatedAt = p.now()
		if err := store.Save(state); err != nil {
			return fmt.Errorf("save crawl progress: %w", err)
		}
		metrics.ObserveCheckpoint("crawl")
		return nil
	}

	for _, cs := range p.opts.Categories {
		if state.CategoryDone(cs.Category) {
			p.logger.Info("skipping completed category", zap.String("category", string(cs.Category)))
			continue
		}
		p.deps.Tracker.Step(string(cs.Category))

		records, err := p.crawlCategory(ctx, cs)
		if err != nil {
			if ctx.Err() != nil {
				return res, err
			}
			metrics.ObserveBatchFailure("category")
			res.FailedCategories = append(res.FailedCategories, string(cs.Category))
			p.logger.Warn("category failed, continuing with the next one",
				zap.String("category", string(cs.Category)),
				zap.Error(err),
			)
			continue
		}
		first := len(state.Records)
		state.Records = append(state.Records, records...)
		content.AssignIDs(state.Records)
		for i := first; i < len(state.Records); i++ {
			if state.Records[i].ImageSource != "" {
				state.Records[i].Image = content.ThumbnailName(state.Records[i].ID)
			}
		}
		state.CompletedCategories = append(state.CompletedCategories, string(cs.Category))
		res.Categories++

		if err := save(); err != nil {
			return res, err
		}
		if !p.opts.DryRun {
			if err := dataset.Save(p.opts.Paths.Dataset, state.Records); err != nil {
				return res, err
			}
		}
		p.logger.Info("category checkpoint saved",
			zap.String("category", string(cs.Category)),
			zap.Int("records", len(records)),
			zap.Int("total", len(state.Records)),
		)
	}
	res.Records = len(state.Records)

	if p.opts.DryRun {
		p.logger.Info("dry run: skipping thumbnail downloads", zap.Int("records", res.Records))
		return res, incompleteCrawl(res.FailedCategories)
	}

	if !state.ImagesPhaseDone {
		p.deps.Tracker.Step("downloads")
		stats, err := p.downloadPrimary(ctx, &state, save)
		res.Downloads = stats
		if err != nil {
			return res, err
		}
		// A failed category adds records on the retry, and those still need
		// their downloads.
		if !stats.Limited && len(res.FailedCategories) == 0 {
			state.ImagesPhaseDone = true
			if err := save(); err != nil {
				return res, err
			}
		}
		p.logger.Info("thumbnail downloads finished",
			zap.Int("downloaded", stats.Downloaded),
			zap.Int("skipped", stats.Skipped),
			zap.Int("failed", stats.Failed),
			zap.Bool("limited", stats.Limited),
		)
	}

	if err := dataset.Save(p.opts.Paths.Dataset, state.Records); err != nil {
		return res, err
	}
	p.logger.Info("dataset written", zap.String("path", p.opts.Paths.Dataset), zap.Int("records", res.Records))

	p.publish(ctx, "crawl.completed", map[string]any{
		"run_id":     res.RunID,
		"records":    res.Records,
		"categories": state.CompletedCategories,
		"failed":     res.FailedCategories,
		"downloads":  res.Downloads,
	})
	return res, incompleteCrawl(res.FailedCategories)
}

func incompleteCrawl(failed []string) error {
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d categories failed (%s); rerun to retry them",
		ErrIncompleteCrawl, len(failed), strings.Join(failed, ", "))
}

// crawlCategory lists one category, fetches its markup and keeps every page
// with a release date inside the accepted range.
func (p *Pipeline) crawlCategory(ctx context.Context, cs CategorySpec) ([]content.Record, error) {
	category := string(cs.Category)
	logger := p.logger.With(zap.String("category", category))

	titles, err := p.deps.Categories.CategoryMembers(ctx, cs.WikiCategory)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", cs.WikiCategory, err)
	}
	logger.Info("category members listed", zap.Int("pages", len(titles)))
	p.deps.Tracker.Add(progress.Counters{Titles: len(titles)})

	pages, err := p.deps.PrimaryMarkup.FetchMarkupEach(ctx, titles, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s markup: %w", category, err)
	}

	var (
		records []content.Record
		dated   int
	)
	for _, title := range titles {
		text, ok := pages[title]
		if !ok {
			metrics.ObserveRecord(category, outcomeNoMarkup)
			continue
		}
		date, ok := markup.ReleaseDate(text)
		if !ok {
			metrics.ObserveRecord(category, outcomeNoDate)
			continue
		}
		dated++
		if !p.inRange(date) {
			metrics.ObserveRecord(category, outcomeOutOfRange)
			continue
		}
		rec := content.Record{Title: title, Category: cs.Category, ReleaseDate: date}
		if file, ok := markup.ImageFilename(text); ok {
			rec.ImageSource = file
		}
		records = append(records, rec)
		metrics.ObserveRecord(category, outcomeKept)
	}
	p.deps.Tracker.Add(progress.Counters{Records: len(records)})
	logger.Info("category parsed",
		zap.Int("dated", dated),
		zap.Int("in_range", len(records)),
		zap.Int("min_year", p.opts.MinYear),
		zap.Int("max_year", p.opts.MaxYear),
	)
	return records, nil
}

// downloadPrimary fetches a thumbnail for every record that still points at
// one. A record whose download fails loses its image reference.
func (p *Pipeline) downloadPrimary(
	ctx context.Context,
	state *checkpoint.CrawlProgress,
	save func() error,
) (DownloadStats, error) {
	index := make(map[string]int, len(state.Records))
	var jobs []downloadJob
	for i, rec := range state.Records {
		if rec.ImageSource == "" || rec.Image == "" {
			continue
		}
		index[rec.ID] = i
		jobs = append(jobs, downloadJob{
			id:   rec.ID,
			urls: images.FileURLs(p.opts.PrimaryFilesBase, rec.ImageSource, p.opts.ThumbnailWidth),
		})
	}
	p.logger.Info("downloading thumbnails", zap.Int("jobs", len(jobs)))

	downloaded := checkpoint.NewSet(state.DownloadedIDs)
	markDone := func(id, sourceURL string) {
		downloaded.Add(id)
		if sourceURL != "" {
			state.ResolvedImageURLs[id] = sourceURL
		}
	}
	return p.download(ctx, jobs, downloadHooks{
		skipExisting: true,
		onSuccess:    func(id, sourceURL, _ string) { markDone(id, sourceURL) },
		onSkip:       func(id string) { markDone(id, "") },
		onFailure: func(id string, _ error) {
			state.Records[index[id]].Image = ""
		},
		save: func() error {
			state.DownloadedIDs = downloaded.Slice()
			return save()
		},
	})
}
