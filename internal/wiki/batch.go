package wiki

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/lostcityquiz/wikiscrape/internal/metrics"
)

// MaxBatchSize is the API ceiling for titles per query.
const MaxBatchSize = 50

// BatchFunc observes one successful batch. Returning an error stops the fetch.
type BatchFunc func(batch []string, markup map[string]string) error

// BatchFetcher fetches page markup for many titles per round-trip.
type BatchFetcher struct {
	api    Caller
	size   int
	logger *zap.Logger
}

// NewBatchFetcher builds a BatchFetcher. Sizes outside 1..50 use 50.
func NewBatchFetcher(api Caller, size int, logger *zap.Logger) *BatchFetcher {
	if size <= 0 || size > MaxBatchSize {
		size = MaxBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchFetcher{api: api, size: size, logger: logger}
}

// FetchMarkup returns title -> markup for every title the wiki had content
// for. Failed batches are logged and skipped; the error is non-nil only when
// ctx ends.
func (f *BatchFetcher) FetchMarkup(ctx context.Context, titles []string) (map[string]string, error) {
	return f.FetchMarkupEach(ctx, titles, nil)
}

// FetchMarkupEach is FetchMarkup with a callback after each successful batch,
// used to checkpoint incrementally.
func (f *BatchFetcher) FetchMarkupEach(ctx context.Context, titles []string, fn BatchFunc) (map[string]string, error) {
	result := make(map[string]string, len(titles))
	batches := Batches(titles, f.size)
	failed := 0
	for i, batch := range batches {
		markup, err := f.fetchBatch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return result, fmt.Errorf("fetch markup: %w", ctx.Err())
			}
			failed++
			metrics.ObserveBatchFailure("revisions")
			f.logger.Warn("markup batch failed",
				zap.Int("batch", i+1),
				zap.Int("batches", len(batches)),
				zap.Error(err),
			)
			continue
		}
		for title, text := range markup {
			result[title] = text
		}
		if fn != nil {
			if err := fn(batch, markup); err != nil {
				return result, err
			}
		}
		if (i+1)%50 == 0 || i+1 == len(batches) {
			f.logger.Info("fetched markup batch",
				zap.Int("batch", i+1),
				zap.Int("batches", len(batches)),
			)
		}
	}
	if failed > 0 {
		f.logger.Warn("markup batches skipped", zap.Int("failed", failed), zap.Int("batches", len(batches)))
	}
	return result, nil
}

func (f *BatchFetcher) fetchBatch(ctx context.Context, batch []string) (map[string]string, error) {
	params := url.Values{
		"action":  {"query"},
		"titles":  {strings.Join(batch, "|")},
		"prop":    {"revisions"},
		"rvprop":  {"content"},
		"rvslots": {"main"},
	}
	var res revisionsResponse
	if err := f.api.Call(ctx, params, &res); err != nil {
		return nil, err
	}
	titles := newDenormalizer(res.Query.Normalized)
	out := make(map[string]string, len(batch))
	for _, page := range res.Query.Pages {
		if len(page.Revisions) == 0 {
			continue
		}
		content := page.Revisions[0].Slots.Main.Content
		if content == "" {
			continue
		}
		out[titles.requested(page.Title)] = content
	}
	return out, nil
}
