package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lostcityquiz/wikiscrape/internal/checkpoint"
	"github.com/lostcityquiz/wikiscrape/internal/content"
	"github.com/lostcityquiz/wikiscrape/internal/dataset"
	"github.com/lostcityquiz/wikiscrape/internal/images"
	"github.com/lostcityquiz/wikiscrape/internal/metrics"
	"github.com/lostcityquiz/wikiscrape/internal/progress"
)

// BackfillResult summarizes an image backfill run.
type BackfillResult struct {
	RunID     string
	Resolved  int
	Downloads DownloadStats
	// Attached counts records that had no image before this run.
	Attached int
}

// Images replaces dataset thumbnails with the primary wiki's historical file
// revisions: pre-cutoff where one exists, otherwise the oldest upload.
func (p *Pipeline) Images(ctx context.Context) (res BackfillResult, err error) {
	if err := requireDeps("images", dep{"a primary resolver", p.deps.PrimaryResolver != nil}); err != nil {
		return res, err
	}
	if !p.opts.DryRun {
		if err := p.downloadDeps("images"); err != nil {
			return res, err
		}
	}

	records, err := dataset.Load(p.opts.Paths.Dataset)
	if err != nil {
		return res, err
	}
	store, state, resumed, err := loadProgress[checkpoint.ImageProgress](p.opts.Paths.ImageProgress)
	if err != nil {
		return res, fmt.Errorf("load image progress: %w", err)
	}
	state.Normalize()
	if resumed {
		p.logger.Info("resuming image backfill",
			zap.Int("filenames", len(state.FilenameMap)),
			zap.Int("resolved", len(state.ImageInfo)),
			zap.Int("pre_cutoff_misses", len(state.PreCutoffMisses)),
			zap.Int("oldest_misses", len(state.OldestMisses)),
			zap.Int("downloaded", len(state.DownloadedIDs)),
		)
	}

	res.RunID = p.newRunID()
	p.deps.Tracker.Start(progress.PhaseImages, res.RunID)
	defer func() { p.deps.Tracker.Finish(err) }()

	save := func() error {
		state.UpdatedAt = p.now()
		if err := store.Save(state); err != nil {
			return fmt.Errorf("save image progress: %w", err)
		}
		metrics.ObserveCheckpoint("images")
		return nil
	}

	p.deps.Tracker.Step("resolve")
	if err := p.deps.PrimaryResolver.ResolvePrimary(ctx, records, &state, save); err != nil {
		return res, fmt.Errorf("resolve primary images: %w", err)
	}
	res.Resolved = len(state.ImageInfo)
	p.deps.Tracker.Add(progress.Counters{Records: len(records), Resolved: res.Resolved})
	for _, binding := range state.ImageInfo {
		metrics.ObserveImageResolution(string(binding.SourceTier))
	}

	if p.opts.DryRun {
		p.logger.Info("dry run: skipping historical downloads", zap.Int("resolved", res.Resolved))
		return res, nil
	}

	downloaded := checkpoint.NewSet(state.DownloadedIDs)
	fresh := checkpoint.NewSet(nil)
	var jobs []downloadJob
	for _, rec := range records {
		binding, ok := state.ImageInfo[rec.ID]
		if !ok || downloaded.Has(rec.ID) {
			continue
		}
		jobs = append(jobs, downloadJob{id: rec.ID, urls: []string{binding.SourceURL}})
	}
	p.logger.Info("downloading historical thumbnails",
		zap.Int("jobs", len(jobs)),
		zap.Int("already_downloaded", downloaded.Len()),
	)

	p.deps.Tracker.Step("download")
	res.Downloads, err = p.download(ctx, jobs, downloadHooks{
		onSuccess: func(id, _, sha string) {
			binding := state.ImageInfo[id]
			binding.SHA256 = sha
			state.ImageInfo[id] = binding
			downloaded.Add(id)
			fresh.Add(id)
		},
		save: func() error {
			state.DownloadedIDs = downloaded.Slice()
			return save()
		},
	})
	if err != nil {
		return res, err
	}

	// The manifest keeps earlier runs' downloads. Ids fetched in this run
	// overwrite their entry since the stored file just changed.
	manifest, err := loadManifest(p.opts.Paths.Manifest)
	if err != nil {
		return res, err
	}
	for _, id := range downloaded.Slice() {
		if _, ok := manifest[id]; ok && !fresh.Has(id) {
			continue
		}
		manifest[id] = state.ImageInfo[id]
	}
	if err := saveManifest(p.opts.Paths.Manifest, manifest); err != nil {
		return res, err
	}

	res.Attached, err = attachImages(p.opts.Paths.Dataset, records, downloaded)
	if err != nil {
		return res, err
	}
	p.logger.Info("image backfill finished",
		zap.Int("resolved", res.Resolved),
		zap.Int("downloaded", res.Downloads.Downloaded),
		zap.Int("failed", res.Downloads.Failed),
		zap.Int("attached", res.Attached),
		zap.Int("manifest_entries", len(manifest)),
	)

	p.publish(ctx, "images.completed", map[string]any{
		"run_id":    res.RunID,
		"resolved":  res.Resolved,
		"downloads": res.Downloads,
		"attached":  res.Attached,
	})
	return res, nil
}

// Secondary fills the gaps the primary chain left with the secondary wiki's
// current file revisions: records with no image and, when preferred, records
// whose thumbnail is only the primary wiki's oldest upload.
func (p *Pipeline) Secondary(ctx context.Context) (res BackfillResult, err error) {
	if err := requireDeps("secondary", dep{"a secondary resolver", p.deps.SecondaryResolver != nil}); err != nil {
		return res, err
	}
	if !p.opts.DryRun {
		if err := p.downloadDeps("secondary"); err != nil {
			return res, err
		}
	}

	records, err := dataset.Load(p.opts.Paths.Dataset)
	if err != nil {
		return res, err
	}
	manifest, err := loadManifest(p.opts.Paths.Manifest)
	if err != nil {
		return res, err
	}
	store, state, resumed, err := loadProgress[checkpoint.SecondaryProgress](p.opts.Paths.SecondaryProgress)
	if err != nil {
		return res, fmt.Errorf("load secondary progress: %w", err)
	}
	state.Normalize()
	if resumed {
		p.logger.Info("resuming secondary backfill",
			zap.Int("checked", len(state.CheckedIDs)),
			zap.Int("resolved", len(state.Resolved)),
			zap.Int("url_misses", len(state.URLMisses)),
			zap.Int("downloaded", len(state.DownloadedIDs)),
		)
	}

	res.RunID = p.newRunID()
	p.deps.Tracker.Start(progress.PhaseSecondary, res.RunID)
	defer func() { p.deps.Tracker.Finish(err) }()

	save := func() error {
		state.UpdatedAt = p.now()
		if err := store.Save(state); err != nil {
			return fmt.Errorf("save secondary progress: %w", err)
		}
		metrics.ObserveCheckpoint("secondary")
		return nil
	}

	targets := images.SecondaryTargets(records, manifest, &state, p.opts.PreferSecondaryOverOldest)
	p.deps.Tracker.Step("resolve")
	p.deps.Tracker.Add(progress.Counters{Records: len(targets)})
	before := len(state.Resolved)
	if err := p.deps.SecondaryResolver.ResolveSecondary(ctx, targets, &state, save); err != nil {
		return res, fmt.Errorf("resolve secondary images: %w", err)
	}
	res.Resolved = len(state.Resolved)
	p.deps.Tracker.Add(progress.Counters{Resolved: res.Resolved - before})
	for i := before; i < res.Resolved; i++ {
		metrics.ObserveImageResolution(string(content.TierSecondaryWiki))
	}

	if p.opts.DryRun {
		p.logger.Info("dry run: skipping secondary downloads", zap.Int("resolved", res.Resolved))
		return res, nil
	}

	downloaded := checkpoint.NewSet(state.DownloadedIDs)
	var jobs []downloadJob
	for _, rec := range records {
		binding, ok := state.Resolved[rec.ID]
		if !ok || downloaded.Has(rec.ID) {
			continue
		}
		jobs = append(jobs, downloadJob{id: rec.ID, urls: []string{binding.SourceURL}})
	}
	p.logger.Info("downloading secondary thumbnails", zap.Int("jobs", len(jobs)))

	p.deps.Tracker.Step("download")
	res.Downloads, err = p.download(ctx, jobs, downloadHooks{
		onSuccess: func(id, _, sha string) {
			binding := state.Resolved[id]
			binding.SHA256 = sha
			state.Resolved[id] = binding
			downloaded.Add(id)
		},
		save: func() error {
			state.DownloadedIDs = downloaded.Slice()
			return save()
		},
	})
	if err != nil {
		return res, err
	}

	// Secondary runs last, so every file it downloaded is the stored one.
	for _, id := range downloaded.Slice() {
		manifest[id] = state.Resolved[id]
	}
	if err := saveManifest(p.opts.Paths.Manifest, manifest); err != nil {
		return res, err
	}
	res.Attached, err = attachImages(p.opts.Paths.Dataset, records, downloaded)
	if err != nil {
		return res, err
	}
	p.logger.Info("secondary backfill finished",
		zap.Int("targets", len(targets)),
		zap.Int("resolved", res.Resolved),
		zap.Int("downloaded", res.Downloads.Downloaded),
		zap.Int("failed", res.Downloads.Failed),
		zap.Int("attached", res.Attached),
	)

	p.publish(ctx, "secondary.completed", map[string]any{
		"run_id":    res.RunID,
		"targets":   len(targets),
		"resolved":  res.Resolved,
		"downloads": res.Downloads,
		"attached":  res.Attached,
	})
	return res, nil
}

// attachImages points records that had no image at their downloaded
// thumbnail and rewrites the dataset when anything changed.
func attachImages(path string, records []content.Record, downloaded *checkpoint.Set) (int, error) {
	attached := 0
	for i := range records {
		if records[i].Image == "" && downloaded.Has(records[i].ID) {
			records[i].Image = content.ThumbnailName(records[i].ID)
			attached++
		}
	}
	if attached == 0 {
		return 0, nil
	}
	if err := dataset.Save(path, records); err != nil {
		return attached, err
	}
	return attached, nil
}
