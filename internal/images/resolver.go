package images

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lostcityquiz/wikiscrape/internal/checkpoint"
	"github.com/lostcityquiz/wikiscrape/internal/content"
	"github.com/lostcityquiz/wikiscrape/internal/dataset"
	"github.com/lostcityquiz/wikiscrape/internal/markup"
	"github.com/lostcityquiz/wikiscrape/internal/metrics"
	"github.com/lostcityquiz/wikiscrape/internal/wiki"
)

// MarkupSource fetches page markup in batches.
type MarkupSource interface {
	FetchMarkupEach(ctx context.Context, titles []string, fn wiki.BatchFunc) (map[string]string, error)
}

// RevisionSource resolves filenames to file revisions.
type RevisionSource interface {
	LookupBatch(ctx context.Context, filenames []string, mode wiki.Lookup) (map[string]wiki.FileRevision, []string, error)
}

// Clock supplies timestamps for bindings the API returns without one.
type Clock interface {
	Now() time.Time
}

// SaveFunc persists the progress document. The resolver calls it after every
// batch so a kill loses at most one batch of work.
type SaveFunc func() error

// Resolver runs the image fallback chain against one wiki.
type Resolver struct {
	markup MarkupSource
	files  RevisionSource
	clock  Clock
	logger *zap.Logger
}

// NewResolver wires a resolver to one wiki's markup and file sources.
func NewResolver(markup MarkupSource, files RevisionSource, clock Clock, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{markup: markup, files: files, clock: clock, logger: logger}
}

// ResolvePrimary binds records to pre-cutoff revisions, then to the oldest
// revision for files that have no pre-cutoff one. Existing bindings are never
// replaced, and a file is only demoted to the oldest lookup after a
// successful pre-cutoff query said it has no qualifying revision.
func (r *Resolver) ResolvePrimary(
	ctx context.Context,
	records []content.Record,
	state *checkpoint.ImageProgress,
	save SaveFunc,
) error {
	state.Normalize()

	if state.FilenamesResolved {
		r.logger.Info("filenames already resolved", zap.Int("filenames", len(state.FilenameMap)))
	} else {
		if err := r.resolveFilenames(ctx, records, state.FilenameMap, nil); err != nil {
			return err
		}
		state.FilenamesResolved = true
		if err := save(); err != nil {
			return fmt.Errorf("save filenames: %w", err)
		}
		r.logger.Info("resolved wiki filenames",
			zap.Int("filenames", len(state.FilenameMap)),
			zap.Int("records", len(records)),
		)
	}

	preMisses := checkpoint.NewSet(state.PreCutoffMisses)
	oldMisses := checkpoint.NewSet(state.OldestMisses)

	// Pre-cutoff pass.
	pending := r.pendingFiles(records, state.FilenameMap, state.ImageInfo, preMisses)
	r.logger.Info("pre-cutoff lookup", zap.Int("files", pending.len()))
	err := r.lookupPass(ctx, pending, wiki.LookupBeforeCutoff, content.TierPrimaryPreCutoff,
		func(id string, res content.ImageResolution) { state.ImageInfo[id] = res },
		func(file string) { preMisses.Add(file) },
		func() error {
			state.PreCutoffMisses = preMisses.Slice()
			return save()
		})
	if err != nil {
		return err
	}

	// Oldest-revision pass over confirmed pre-cutoff misses only.
	fallback := r.pendingFiles(records, state.FilenameMap, state.ImageInfo, oldMisses).
		filter(preMisses.Has)
	r.logger.Info("oldest-revision lookup", zap.Int("files", fallback.len()))
	err = r.lookupPass(ctx, fallback, wiki.LookupOldest, content.TierPrimaryOldest,
		func(id string, res content.ImageResolution) { state.ImageInfo[id] = res },
		func(file string) { oldMisses.Add(file) },
		func() error {
			state.OldestMisses = oldMisses.Slice()
			return save()
		})
	if err != nil {
		return err
	}

	counts := tierCounts(state.ImageInfo)
	r.logger.Info("primary resolution complete",
		zap.Int("pre_cutoff", counts[content.TierPrimaryPreCutoff]),
		zap.Int("oldest", counts[content.TierPrimaryOldest]),
		zap.Int("unresolved_files", oldMisses.Len()),
	)
	return nil
}

// SecondaryTargets selects the records the secondary wiki should supply:
// records without an image and, when preferOverOldest is set, records whose
// stored thumbnail came from the primary wiki's oldest revision. Ids already
// resolved are excluded.
func SecondaryTargets(
	records []content.Record,
	manifest checkpoint.Manifest,
	state *checkpoint.SecondaryProgress,
	preferOverOldest bool,
) []content.Record {
	var out []content.Record
	for _, rec := range records {
		if _, done := state.Resolved[rec.ID]; done {
			continue
		}
		oldest := manifest[rec.ID].SourceTier == content.TierPrimaryOldest
		if rec.Image == "" || (preferOverOldest && oldest) {
			out = append(out, rec)
		}
	}
	return out
}

// ResolveSecondary looks up filenames on this resolver's wiki for targets
// whose markup has not been checked yet, then binds each filename to its
// current revision.
func (r *Resolver) ResolveSecondary(
	ctx context.Context,
	targets []content.Record,
	state *checkpoint.SecondaryProgress,
	save SaveFunc,
) error {
	state.Normalize()
	checked := checkpoint.NewSet(state.CheckedIDs)
	urlMisses := checkpoint.NewSet(state.URLMisses)

	var unchecked []content.Record
	for _, rec := range targets {
		if !checked.Has(rec.ID) {
			unchecked = append(unchecked, rec)
		}
	}
	r.logger.Info("secondary targets",
		zap.Int("targets", len(targets)),
		zap.Int("unchecked", len(unchecked)),
		zap.Int("resolved", len(state.Resolved)),
	)

	if len(unchecked) > 0 {
		err := r.resolveFilenames(ctx, unchecked, state.FilenameMap, func(ids []string) error {
			for _, id := range ids {
				checked.Add(id)
			}
			state.CheckedIDs = checked.Slice()
			return save()
		})
		if err != nil {
			return err
		}
	}

	pending := r.pendingFiles(targets, state.FilenameMap, state.Resolved, urlMisses)
	r.logger.Info("secondary lookup", zap.Int("files", pending.len()))
	err := r.lookupPass(ctx, pending, wiki.LookupLatest, content.TierSecondaryWiki,
		func(id string, res content.ImageResolution) { state.Resolved[id] = res },
		func(file string) { urlMisses.Add(file) },
		func() error {
			state.URLMisses = urlMisses.Slice()
			return save()
		})
	if err != nil {
		return err
	}
	r.logger.Info("secondary resolution complete",
		zap.Int("resolved", len(state.Resolved)),
		zap.Int("not_found", len(targets)-len(state.Resolved)),
	)
	return nil
}

// resolveFilenames fetches markup for the records' titles and records the
// parsed image filename of every id. onBatch, when set, receives the ids
// covered by each successful batch.
func (r *Resolver) resolveFilenames(
	ctx context.Context,
	records []content.Record,
	filenames map[string]string,
	onBatch func(ids []string) error,
) error {
	titles, idsByTitle := dataset.TitleIndex(records)
	_, err := r.markup.FetchMarkupEach(ctx, titles, func(batch []string, pages map[string]string) error {
		var covered []string
		for _, title := range batch {
			ids := idsByTitle[title]
			covered = append(covered, ids...)
			text, ok := pages[title]
			if !ok {
				continue
			}
			file, ok := markup.ImageFilename(text)
			if !ok {
				continue
			}
			for _, id := range ids {
				filenames[id] = file
			}
		}
		if onBatch == nil {
			return nil
		}
		return onBatch(covered)
	})
	if err != nil {
		return fmt.Errorf("resolve filenames: %w", err)
	}
	return nil
}

// fileGroups maps each pending filename to the ids that share it, keeping the
// record order of first appearance.
type fileGroups struct {
	order []string
	ids   map[string][]string
}

func (g fileGroups) len() int {
	return len(g.order)
}

func (g fileGroups) filter(keep func(string) bool) fileGroups {
	out := fileGroups{ids: make(map[string][]string)}
	for _, file := range g.order {
		if keep(file) {
			out.order = append(out.order, file)
			out.ids[file] = g.ids[file]
		}
	}
	return out
}

// pendingFiles groups unbound ids by filename, skipping files already known
// to have no answer.
func (r *Resolver) pendingFiles(
	records []content.Record,
	filenames map[string]string,
	bound map[string]content.ImageResolution,
	misses *checkpoint.Set,
) fileGroups {
	g := fileGroups{ids: make(map[string][]string)}
	for _, rec := range records {
		file, ok := filenames[rec.ID]
		if !ok {
			continue
		}
		if _, done := bound[rec.ID]; done || misses.Has(file) {
			continue
		}
		if _, seen := g.ids[file]; !seen {
			g.order = append(g.order, file)
		}
		g.ids[file] = append(g.ids[file], rec.ID)
	}
	return g
}

// lookupPass queries files in batches. Found files bind every id sharing
// them; files the API confirms have no qualifying revision are reported as
// misses. A failed batch is skipped without recording anything, so its files
// stay pending for the next run.
func (r *Resolver) lookupPass(
	ctx context.Context,
	files fileGroups,
	mode wiki.Lookup,
	tier content.Tier,
	bind func(id string, res content.ImageResolution),
	miss func(file string),
	save SaveFunc,
) error {
	batches := wiki.Batches(files.order, wiki.MaxBatchSize)
	for i, batch := range batches {
		found, missing, err := r.files.LookupBatch(ctx, batch, mode)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s lookup: %w", mode, ctx.Err())
			}
			metrics.ObserveBatchFailure("imageinfo-" + mode.String())
			r.logger.Warn("imageinfo batch failed",
				zap.Stringer("lookup", mode),
				zap.Int("batch", i+1),
				zap.Int("batches", len(batches)),
				zap.Error(err),
			)
			continue
		}
		for file, rev := range found {
			for _, id := range files.ids[file] {
				bind(id, r.resolution(file, rev, tier))
				metrics.ObserveImageResolution(string(tier))
			}
		}
		for _, file := range missing {
			miss(file)
		}
		if err := save(); err != nil {
			return fmt.Errorf("save %s progress: %w", mode, err)
		}
		if (i+1)%10 == 0 || i+1 == len(batches) {
			r.logger.Info("imageinfo batch",
				zap.Stringer("lookup", mode),
				zap.Int("batch", i+1),
				zap.Int("batches", len(batches)),
			)
		}
	}
	return nil
}

func (r *Resolver) resolution(file string, rev wiki.FileRevision, tier content.Tier) content.ImageResolution {
	ts := rev.Timestamp
	if ts == "" && r.clock != nil {
		ts = r.clock.Now().UTC().Format(time.RFC3339)
	}
	return content.ImageResolution{
		WikiFile:   file,
		SourceURL:  rev.URL,
		Timestamp:  ts,
		SourceTier: tier,
	}
}

func tierCounts(bindings map[string]content.ImageResolution) map[content.Tier]int {
	out := make(map[content.Tier]int)
	for _, res := range bindings {
		out[res.SourceTier]++
	}
	return out
}
