package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lostcityquiz/wikiscrape/internal/content"
	"github.com/lostcityquiz/wikiscrape/internal/metrics"
	"github.com/lostcityquiz/wikiscrape/internal/progress"
	"github.com/lostcityquiz/wikiscrape/internal/storage"
)

// downloadJob is one thumbnail to produce, with its candidate source URLs in
// preference order.
type downloadJob struct {
	id   string
	urls []string
}

// DownloadStats summarizes one download loop.
type DownloadStats struct {
	Downloaded int  `json:"downloaded"`
	Skipped    int  `json:"skipped"`
	Failed     int  `json:"failed"`
	Limited    bool `json:"limited"`
}

type downloadHooks struct {
	// skipExisting treats an already stored thumbnail as done.
	skipExisting bool
	onSuccess    func(id, sourceURL, sha string)
	onSkip       func(id string)
	onFailure    func(id string, err error)
	save         func() error
}

// storeError is a failed thumbnail write. Unlike a failed download it aborts
// the loop, since every later write would fail the same way.
type storeError struct {
	path string
	err  error
}

func (e *storeError) Error() string {
	return fmt.Sprintf("store thumbnail %s: %v", e.path, e.err)
}

func (e *storeError) Unwrap() error {
	return e.err
}

// download fetches, transcodes and stores each job in order. Progress is
// saved every CheckpointEvery successes and once more when the loop ends,
// however it ends.
func (p *Pipeline) download(ctx context.Context, jobs []downloadJob, hooks downloadHooks) (stats DownloadStats, err error) {
	defer func() {
		if saveErr := hooks.save(); saveErr != nil {
			err = errors.Join(err, fmt.Errorf("save download progress: %w", saveErr))
		}
	}()

	attempts := 0
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("download canceled: %w", err)
		}
		name := content.ThumbnailName(job.id)

		if hooks.skipExisting {
			exists, err := p.deps.Blobs.Exists(ctx, name)
			if err != nil {
				return stats, fmt.Errorf("check thumbnail %s: %w", name, err)
			}
			if exists {
				stats.Skipped++
				metrics.ObserveDownload("skipped")
				p.deps.Tracker.Add(progress.Counters{Skipped: 1})
				if hooks.onSkip != nil {
					hooks.onSkip(job.id)
				}
				continue
			}
		}

		if p.opts.Limit > 0 && attempts >= p.opts.Limit {
			stats.Limited = true
			p.logger.Info("download limit reached",
				zap.Int("limit", p.opts.Limit),
				zap.Int("remaining", len(jobs)-i),
			)
			break
		}
		attempts++

		sha, used, err := p.downloadOne(ctx, name, job.urls)
		if err != nil {
			var se *storeError
			if ctx.Err() != nil || errors.As(err, &se) {
				return stats, err
			}
			stats.Failed++
			metrics.ObserveDownload("failed")
			p.deps.Tracker.Add(progress.Counters{Failed: 1})
			p.logger.Warn("thumbnail download failed", zap.String("id", job.id), zap.Error(err))
			if hooks.onFailure != nil {
				hooks.onFailure(job.id, err)
			}
			continue
		}

		stats.Downloaded++
		metrics.ObserveDownload("ok")
		p.deps.Tracker.Add(progress.Counters{Downloaded: 1})
		if hooks.onSuccess != nil {
			hooks.onSuccess(job.id, used, sha)
		}
		if stats.Downloaded%p.opts.CheckpointEvery == 0 {
			if err := hooks.save(); err != nil {
				return stats, fmt.Errorf("save download progress: %w", err)
			}
			p.logger.Info("download progress",
				zap.Int("done", i+1),
				zap.Int("total", len(jobs)),
				zap.Int("downloaded", stats.Downloaded),
				zap.Int("failed", stats.Failed),
			)
		}
	}
	return stats, nil
}

func (p *Pipeline) downloadOne(ctx context.Context, name string, urls []string) (sha, used string, err error) {
	if len(urls) == 0 {
		return "", "", errors.New("no source url")
	}
	if p.deps.DownloadPacer != nil {
		if err := p.deps.DownloadPacer.Wait(ctx, urls[0]); err != nil {
			return "", "", fmt.Errorf("pace download: %w", err)
		}
	}
	raw, used, err := p.deps.Files.FetchFirst(ctx, urls)
	if err != nil {
		return "", "", fmt.Errorf("fetch: %w", err)
	}
	thumb, err := p.deps.Transcoder.Transcode(raw)
	if err != nil {
		return "", "", fmt.Errorf("transcode %s: %w", used, err)
	}
	if _, err := p.deps.Blobs.PutObject(ctx, name, storage.ContentTypeJPEG, bytes.NewReader(thumb)); err != nil {
		return "", "", &storeError{path: name, err: err}
	}
	if p.deps.Hasher != nil {
		sha = p.deps.Hasher.Hash(thumb)
	}
	return sha, used, nil
}

func (p *Pipeline) downloadDeps(phase string) error {
	return requireDeps(phase,
		dep{"a file fetcher", p.deps.Files != nil},
		dep{"a transcoder", p.deps.Transcoder != nil},
		dep{"a blob store", p.deps.Blobs != nil},
	)
}
