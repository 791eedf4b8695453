package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lostcityquiz/wikiscrape/internal/content"
	"github.com/lostcityquiz/wikiscrape/internal/dataset"
	"github.com/lostcityquiz/wikiscrape/internal/progress"
	"github.com/lostcityquiz/wikiscrape/internal/validate"
)

// LengthsResult summarizes a length enrichment run.
type LengthsResult struct {
	Titles      int
	WithMarkup  int
	Records     int
	TotalLength int
}

// Lengths sets every record's wikiLength to the size of its page markup,
// fetched once per unique title. Titles the wiki returned no markup for get 0.
func (p *Pipeline) Lengths(ctx context.Context) (res LengthsResult, err error) {
	if err := requireDeps("lengths", dep{"a markup source", p.deps.PrimaryMarkup != nil}); err != nil {
		return res, err
	}
	records, err := dataset.Load(p.opts.Paths.Dataset)
	if err != nil {
		return res, err
	}

	p.deps.Tracker.Start(progress.PhaseLengths, p.newRunID())
	defer func() { p.deps.Tracker.Finish(err) }()

	titles, ids := dataset.TitleIndex(records)
	res.Titles = len(titles)
	res.Records = len(records)
	p.deps.Tracker.Add(progress.Counters{Titles: len(titles), Records: len(records)})
	p.logger.Info("fetching markup lengths", zap.Int("titles", len(titles)), zap.Int("records", len(records)))

	pages, err := p.deps.PrimaryMarkup.FetchMarkupEach(ctx, titles, nil)
	if err != nil {
		return res, fmt.Errorf("fetch markup: %w", err)
	}

	lengths := make(map[string]int, len(records))
	for _, title := range titles {
		text, ok := pages[title]
		if ok {
			res.WithMarkup++
			res.TotalLength += len(text)
		}
		for _, id := range ids[title] {
			lengths[id] = len(text)
		}
	}
	for i := range records {
		records[i].WikiLength = content.NewWikiLength(lengths[records[i].ID])
	}
	p.deps.Tracker.Add(progress.Counters{Resolved: res.WithMarkup})

	if p.opts.DryRun {
		p.logger.Info("dry run: dataset not rewritten", zap.Int("with_markup", res.WithMarkup))
		return res, nil
	}
	if err := dataset.Save(p.opts.Paths.Dataset, records); err != nil {
		return res, err
	}
	p.logger.Info("lengths written",
		zap.Int("with_markup", res.WithMarkup),
		zap.Int("without_markup", res.Titles-res.WithMarkup),
		zap.Int("total_length", res.TotalLength),
	)
	p.publish(ctx, "lengths.completed", map[string]any{
		"titles":      res.Titles,
		"with_markup": res.WithMarkup,
	})
	return res, nil
}

// Export upserts the dataset, joined with the image manifest, into the
// record sink.
func (p *Pipeline) Export(ctx context.Context) (written int, err error) {
	if err := requireDeps("export", dep{"a record sink", p.deps.Records != nil}); err != nil {
		return 0, err
	}
	records, err := dataset.Load(p.opts.Paths.Dataset)
	if err != nil {
		return 0, err
	}
	manifest, err := loadManifest(p.opts.Paths.Manifest)
	if err != nil {
		return 0, err
	}

	p.deps.Tracker.Start(progress.PhaseExport, p.newRunID())
	defer func() { p.deps.Tracker.Finish(err) }()

	if p.opts.DryRun {
		p.logger.Info("dry run: skipping export", zap.Int("records", len(records)))
		return 0, nil
	}
	if err := p.deps.Records.EnsureSchema(ctx); err != nil {
		return 0, fmt.Errorf("ensure schema: %w", err)
	}
	written, err = p.deps.Records.UpsertRecords(ctx, records, manifest, p.now())
	p.deps.Tracker.Add(progress.Counters{Records: written})
	if err != nil {
		return written, fmt.Errorf("export records: %w", err)
	}
	p.logger.Info("dataset exported", zap.Int("records", written))
	p.publish(ctx, "export.completed", map[string]any{"records": written})
	return written, nil
}

// Validate checks the dataset and, when a blob store is configured, that
// every referenced thumbnail exists.
func (p *Pipeline) Validate(ctx context.Context, cfg validate.Config) (*validate.Report, error) {
	records, err := dataset.Load(p.opts.Paths.Dataset)
	if err != nil {
		return nil, err
	}
	var checker validate.ImageChecker
	if p.deps.Blobs != nil {
		checker = p.deps.Blobs
	}
	report, err := validate.Validate(ctx, records, checker, cfg)
	if err != nil {
		return nil, fmt.Errorf("validate dataset: %w", err)
	}
	p.logger.Info("validation finished",
		zap.Int("records", report.Records),
		zap.Int("violations", len(report.Violations)),
		zap.Bool("ok", report.OK()),
	)
	return report, nil
}
