package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lostcityquiz/wikiscrape/internal/checkpoint"
	"github.com/lostcityquiz/wikiscrape/internal/content"
	"github.com/lostcityquiz/wikiscrape/internal/dataset"
	"github.com/lostcityquiz/wikiscrape/internal/hash/sha256"
	"github.com/lostcityquiz/wikiscrape/internal/images"
	memorypublisher "github.com/lostcityquiz/wikiscrape/internal/publisher/memory"
	memorystorage "github.com/lostcityquiz/wikiscrape/internal/storage/memory"
	"github.com/lostcityquiz/wikiscrape/internal/wiki"
)

type fakeCategories struct {
	members map[string][]string
	calls   []string
}

func (f *fakeCategories) CategoryMembers(_ context.Context, category string) ([]string, error) {
	f.calls = append(f.calls, category)
	titles, ok := f.members[category]
	if !ok {
		return nil, fmt.Errorf("unexpected category %q", category)
	}
	return titles, nil
}

type fakeMarkup struct {
	pages     map[string]string
	requested [][]string
}

func (f *fakeMarkup) FetchMarkupEach(_ context.Context, titles []string, fn wiki.BatchFunc) (map[string]string, error) {
	f.requested = append(f.requested, append([]string(nil), titles...))
	out := make(map[string]string)
	for _, title := range titles {
		if text, ok := f.pages[title]; ok {
			out[title] = text
		}
	}
	if fn != nil {
		if err := fn(titles, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

type fakeFiles struct {
	bodies map[string][]byte
	tried  []string
}

func (f *fakeFiles) FetchFirst(_ context.Context, urls []string) ([]byte, string, error) {
	for _, u := range urls {
		f.tried = append(f.tried, u)
		if body, ok := f.bodies[u]; ok {
			return body, u, nil
		}
	}
	return nil, "", errors.New("not found")
}

// hookedFiles serves fakeFiles bodies and runs before ahead of every fetch,
// passing the 1-based call number.
type hookedFiles struct {
	*fakeFiles
	calls  int
	before func(call int)
}

func (f *hookedFiles) FetchFirst(ctx context.Context, urls []string) ([]byte, string, error) {
	f.calls++
	if f.before != nil {
		f.before(f.calls)
	}
	return f.fakeFiles.FetchFirst(ctx, urls)
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

func (failingBlobs) Exists(context.Context, string) (bool, error) {
	return false, nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type fakePrimary struct {
	bindings map[string]content.ImageResolution
}

func (f *fakePrimary) ResolvePrimary(
	_ context.Context,
	records []content.Record,
	state *checkpoint.ImageProgress,
	save images.SaveFunc,
) error {
	state.Normalize()
	for _, rec := range records {
		if b, ok := f.bindings[rec.ID]; ok {
			if _, done := state.ImageInfo[rec.ID]; !done {
				state.ImageInfo[rec.ID] = b
			}
		}
	}
	state.FilenamesResolved = true
	return save()
}

type fakeSecondary struct {
	bindings map[string]content.ImageResolution
	targets  []string
}

func (f *fakeSecondary) ResolveSecondary(
	_ context.Context,
	targets []content.Record,
	state *checkpoint.SecondaryProgress,
	save images.SaveFunc,
) error {
	state.Normalize()
	for _, rec := range targets {
		f.targets = append(f.targets, rec.ID)
		state.CheckedIDs = append(state.CheckedIDs, rec.ID)
		if b, ok := f.bindings[rec.ID]; ok {
			state.Resolved[rec.ID] = b
		}
	}
	return save()
}

type fakeSink struct {
	schema     int
	records    []content.Record
	manifest   checkpoint.Manifest
	exportedAt time.Time
}

func (f *fakeSink) EnsureSchema(context.Context) error {
	f.schema++
	return nil
}

func (f *fakeSink) UpsertRecords(
	_ context.Context,
	records []content.Record,
	manifest checkpoint.Manifest,
	exportedAt time.Time,
) (int, error) {
	f.records = records
	f.manifest = manifest
	f.exportedAt = exportedAt
	return len(records), nil
}

var testNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

// harness wires a pipeline to in-memory collaborators over a temp dir.
type harness struct {
	opts      Options
	blobs     *memorystorage.BlobStore
	files     *fakeFiles
	publisher *memorypublisher.Publisher
	deps      Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.Paths = Paths{
		Dataset:           filepath.Join(dir, "content.json"),
		CrawlProgress:     filepath.Join(dir, "scrape-progress.json"),
		ImageProgress:     filepath.Join(dir, "historical-progress.json"),
		SecondaryProgress: filepath.Join(dir, "secondary-progress.json"),
		Manifest:          filepath.Join(dir, "historical-manifest.json"),
	}
	opts.PrimaryFilesBase = "https://files.test/images"

	h := &harness{
		opts:      opts,
		blobs:     memorystorage.NewBlobStore(),
		files:     &fakeFiles{bodies: map[string][]byte{}},
		publisher: memorypublisher.New(),
	}
	h.deps = Deps{
		Files:      h.files,
		Transcoder: images.NewImagingTranscoder(60, 80),
		Blobs:      h.blobs,
		Publisher:  h.publisher,
		IDs:        &seqIDs{},
		Hasher:     sha256.New(),
		Clock:      fixedClock{t: testNow},
	}
	return h
}

func (h *harness) pipeline() *Pipeline {
	return New(h.opts, h.deps)
}

func (h *harness) writeDataset(t *testing.T, records []content.Record) {
	t.Helper()
	require.NoError(t, dataset.Save(h.opts.Paths.Dataset, records))
}

func (h *harness) readDataset(t *testing.T) []content.Record {
	t.Helper()
	records, err := dataset.Load(h.opts.Paths.Dataset)
	require.NoError(t, err)
	return records
}

func (h *harness) readManifest(t *testing.T) checkpoint.Manifest {
	t.Helper()
	manifest, err := loadManifest(h.opts.Paths.Manifest)
	require.NoError(t, err)
	return manifest
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.NRGBA{R: 120, G: 80, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func loadDoc[T any](t *testing.T, path string) T {
	t.Helper()
	store, err := checkpoint.NewStore[T](path)
	require.NoError(t, err)
	doc, err := store.Load()
	require.NoError(t, err)
	return doc
}
