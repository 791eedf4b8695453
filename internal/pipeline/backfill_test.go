package pipeline

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lostcityquiz/wikiscrape/internal/checkpoint"
	"github.com/lostcityquiz/wikiscrape/internal/content"
)

func backfillRecords() []content.Record {
	return []content.Record{
		{ID: "quest_a", Title: "A", Category: content.CategoryQuest, ReleaseDate: "2001-01-04", Image: "quest_a.jpg"},
		{ID: "quest_b", Title: "B", Category: content.CategoryQuest, ReleaseDate: "2002-02-02"},
		{ID: "quest_c", Title: "C", Category: content.CategoryQuest, ReleaseDate: "2003-03-03", Image: "quest_c.jpg"},
	}
}

func TestImagesBackfill(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.writeDataset(t, backfillRecords())
	earlier := content.ImageResolution{
		WikiFile: "C.png", SourceURL: "https://secondary.test/C.png",
		Timestamp: "2015-01-01T00:00:00Z", SourceTier: content.TierSecondaryWiki,
	}
	require.NoError(t, saveManifest(h.opts.Paths.Manifest, checkpoint.Manifest{"quest_c": earlier}))

	primary := &fakePrimary{bindings: map[string]content.ImageResolution{
		"quest_a": {WikiFile: "A.png", SourceURL: "https://files.test/A.png",
			Timestamp: "2005-01-01T00:00:00Z", SourceTier: content.TierPrimaryPreCutoff},
		"quest_b": {WikiFile: "B.png", SourceURL: "https://files.test/B.png",
			Timestamp: "2012-01-01T00:00:00Z", SourceTier: content.TierPrimaryOldest},
	}}
	h.deps.PrimaryResolver = primary
	h.files.bodies["https://files.test/A.png"] = pngBytes(t, 30, 30)
	h.files.bodies["https://files.test/B.png"] = pngBytes(t, 30, 30)

	res, err := h.pipeline().Images(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Resolved)
	assert.Equal(t, DownloadStats{Downloaded: 2}, res.Downloads)
	assert.Equal(t, 1, res.Attached)

	manifest := h.readManifest(t)
	require.Len(t, manifest, 3)
	assert.Equal(t, earlier, manifest["quest_c"], "entries from earlier runs survive")
	assert.Equal(t, content.TierPrimaryPreCutoff, manifest["quest_a"].SourceTier)
	assert.Equal(t, content.TierPrimaryOldest, manifest["quest_b"].SourceTier)
	assert.Len(t, manifest["quest_a"].SHA256, 64)

	records := h.readDataset(t)
	assert.Equal(t, "quest_b.jpg", records[1].Image)
	assert.Equal(t, []string{"quest_a.jpg", "quest_b.jpg"}, h.blobs.Paths())

	state := loadDoc[checkpoint.ImageProgress](t, h.opts.Paths.ImageProgress)
	assert.Equal(t, []string{"quest_a", "quest_b"}, state.DownloadedIDs)
	assert.True(t, state.FilenamesResolved)

	// A rerun downloads nothing and keeps the manifest.
	h.files.tried = nil
	res, err = h.pipeline().Images(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DownloadStats{}, res.Downloads)
	assert.Empty(t, h.files.tried)
	assert.Equal(t, manifest, h.readManifest(t))
	assert.Equal(t, []string{"images.completed", "images.completed"}, h.publisher.Events())
}

func TestImagesDryRunStopsAfterResolution(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.opts.DryRun = true
	h.writeDataset(t, backfillRecords())
	h.deps.PrimaryResolver = &fakePrimary{bindings: map[string]content.ImageResolution{
		"quest_a": {SourceURL: "https://files.test/A.png", SourceTier: content.TierPrimaryPreCutoff},
	}}

	res, err := h.pipeline().Images(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Empty(t, h.files.tried)
	_, err = os.Stat(h.opts.Paths.Manifest)
	assert.True(t, os.IsNotExist(err))

	state := loadDoc[checkpoint.ImageProgress](t, h.opts.Paths.ImageProgress)
	assert.Contains(t, state.ImageInfo, "quest_a", "resolution is still checkpointed")
}

func TestImagesFailedDownloadIsRetriedNextRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.writeDataset(t, backfillRecords())
	h.deps.PrimaryResolver = &fakePrimary{bindings: map[string]content.ImageResolution{
		"quest_a": {SourceURL: "https://files.test/A.png", SourceTier: content.TierPrimaryPreCutoff},
	}}

	res, err := h.pipeline().Images(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DownloadStats{Failed: 1}, res.Downloads)
	assert.Empty(t, h.readManifest(t))

	h.files.bodies["https://files.test/A.png"] = pngBytes(t, 10, 10)
	res, err = h.pipeline().Images(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DownloadStats{Downloaded: 1}, res.Downloads)
	assert.Contains(t, h.readManifest(t), "quest_a")
}

func TestSecondaryBackfill(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.writeDataset(t, backfillRecords())
	require.NoError(t, saveManifest(h.opts.Paths.Manifest, checkpoint.Manifest{
		"quest_a": {SourceURL: "https://files.test/A.png", SourceTier: content.TierPrimaryOldest},
		"quest_c": {SourceURL: "https://files.test/C.png", SourceTier: content.TierPrimaryPreCutoff},
	}))
	secondary := &fakeSecondary{bindings: map[string]content.ImageResolution{
		"quest_a": {WikiFile: "A.png", SourceURL: "https://osrs.test/A.png",
			Timestamp: "2020-01-01T00:00:00Z", SourceTier: content.TierSecondaryWiki},
		"quest_b": {WikiFile: "B.png", SourceURL: "https://osrs.test/B.png",
			Timestamp: "2021-01-01T00:00:00Z", SourceTier: content.TierSecondaryWiki},
	}}
	h.deps.SecondaryResolver = secondary
	h.files.bodies["https://osrs.test/A.png"] = pngBytes(t, 20, 20)
	h.files.bodies["https://osrs.test/B.png"] = pngBytes(t, 20, 20)

	res, err := h.pipeline().Secondary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"quest_a", "quest_b"}, secondary.targets)
	assert.Equal(t, 2, res.Resolved)
	assert.Equal(t, DownloadStats{Downloaded: 2}, res.Downloads)
	assert.Equal(t, 1, res.Attached)

	manifest := h.readManifest(t)
	assert.Equal(t, content.TierSecondaryWiki, manifest["quest_a"].SourceTier)
	assert.Equal(t, content.TierSecondaryWiki, manifest["quest_b"].SourceTier)
	assert.Equal(t, content.TierPrimaryPreCutoff, manifest["quest_c"].SourceTier)
	assert.NotEmpty(t, manifest["quest_b"].SHA256)

	records := h.readDataset(t)
	assert.Equal(t, "quest_b.jpg", records[1].Image)

	// Resolved ids are not targeted again.
	secondary.targets = nil
	_, err = h.pipeline().Secondary(context.Background())
	require.NoError(t, err)
	assert.Empty(t, secondary.targets)
}

func TestSecondaryWithoutOldestPreference(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.opts.PreferSecondaryOverOldest = false
	h.opts.DryRun = true
	h.writeDataset(t, backfillRecords())
	require.NoError(t, saveManifest(h.opts.Paths.Manifest, checkpoint.Manifest{
		"quest_a": {SourceTier: content.TierPrimaryOldest},
	}))
	secondary := &fakeSecondary{}
	h.deps.SecondaryResolver = secondary

	_, err := h.pipeline().Secondary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"quest_b"}, secondary.targets)
}
