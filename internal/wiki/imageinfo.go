package wiki

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultCutoff is the instant a "pre-cutoff" revision must not postdate.
var DefaultCutoff = time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC)

// Lookup selects which revision of a file to bind.
type Lookup int

const (
	// LookupBeforeCutoff picks the newest revision at or before the cutoff.
	LookupBeforeCutoff Lookup = iota
	// LookupOldest picks the earliest revision regardless of date.
	LookupOldest
	// LookupLatest picks the current revision.
	LookupLatest
)

func (l Lookup) String() string {
	switch l {
	case LookupBeforeCutoff:
		return "before-cutoff"
	case LookupOldest:
		return "oldest"
	case LookupLatest:
		return "latest"
	default:
		return "unknown"
	}
}

// FileRevision is one upload of a wiki file.
type FileRevision struct {
	URL       string
	Timestamp string
}

// ImageInfoFetcher resolves filenames to downloadable revisions.
type ImageInfoFetcher struct {
	api    Caller
	cutoff time.Time
}

// NewImageInfoFetcher builds a fetcher. A zero cutoff uses DefaultCutoff.
func NewImageInfoFetcher(api Caller, cutoff time.Time) *ImageInfoFetcher {
	if cutoff.IsZero() {
		cutoff = DefaultCutoff
	}
	return &ImageInfoFetcher{api: api, cutoff: cutoff.UTC()}
}

// Cutoff returns the pre-cutoff boundary.
func (f *ImageInfoFetcher) Cutoff() time.Time {
	return f.cutoff
}

// LookupBatch resolves at most MaxBatchSize filenames in one logical query.
// Filenames with no qualifying revision are returned in missing. An error
// means nothing in the batch can be trusted either way.
func (f *ImageInfoFetcher) LookupBatch(
	ctx context.Context,
	filenames []string,
	mode Lookup,
) (found map[string]FileRevision, missing []string, err error) {
	if len(filenames) > MaxBatchSize {
		return nil, nil, fmt.Errorf("imageinfo batch of %d exceeds %d", len(filenames), MaxBatchSize)
	}
	titles := make([]string, len(filenames))
	for i, name := range filenames {
		titles[i] = FileTitle(name)
	}
	params := url.Values{
		"action": {"query"},
		"titles": {strings.Join(titles, "|")},
		"prop":   {"imageinfo"},
		"iiprop": {"timestamp|url"},
	}
	switch mode {
	case LookupBeforeCutoff:
		params.Set("iilimit", "1")
		params.Set("iistart", f.cutoff.Format(time.RFC3339))
	case LookupOldest:
		params.Set("iilimit", "max")
	case LookupLatest:
		params.Set("iilimit", "1")
	default:
		return nil, nil, fmt.Errorf("unknown imageinfo lookup %d", mode)
	}

	found = make(map[string]FileRevision, len(filenames))
	seen := make(map[string]struct{})
	for {
		var res imageInfoResponse
		if err := f.api.Call(ctx, params, &res); err != nil {
			return nil, nil, fmt.Errorf("imageinfo %s: %w", mode, err)
		}
		f.collect(res, mode, found)

		next := res.Continue
		if mode != LookupOldest || len(next) == 0 {
			break
		}
		key := fmt.Sprint(next)
		if _, dup := seen[key]; dup {
			return nil, nil, fmt.Errorf("imageinfo %s: %w", mode, ErrContinuationLoop)
		}
		seen[key] = struct{}{}
		for k, v := range next {
			params.Set(k, v)
		}
	}

	for _, name := range filenames {
		if _, ok := found[name]; !ok {
			missing = append(missing, name)
		}
	}
	return found, missing, nil
}

func (f *ImageInfoFetcher) collect(res imageInfoResponse, mode Lookup, found map[string]FileRevision) {
	titles := newDenormalizer(res.Query.Normalized)
	for _, page := range res.Query.Pages {
		name := TrimFilePrefix(titles.requested(page.Title))
		for _, info := range page.ImageInfo {
			if info.URL == "" {
				continue
			}
			rev := FileRevision{URL: info.URL, Timestamp: info.Timestamp}
			switch mode {
			case LookupBeforeCutoff:
				if _, ok := found[name]; ok || !f.atOrBeforeCutoff(info.Timestamp) {
					continue
				}
				found[name] = rev
			case LookupOldest:
				if prev, ok := found[name]; !ok || earlier(info.Timestamp, prev.Timestamp) {
					found[name] = rev
				}
			case LookupLatest:
				if _, ok := found[name]; !ok {
					found[name] = rev
				}
			}
		}
	}
}

func (f *ImageInfoFetcher) atOrBeforeCutoff(ts string) bool {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return false
	}
	return !t.After(f.cutoff)
}

// earlier reports whether a precedes b. Unparsable timestamps sort last.
func earlier(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339, a)
	tb, errB := time.Parse(time.RFC3339, b)
	switch {
	case errA != nil:
		return false
	case errB != nil:
		return true
	default:
		return ta.Before(tb)
	}
}
