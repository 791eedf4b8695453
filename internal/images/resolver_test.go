package images

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lostcityquiz/wikiscrape/internal/checkpoint"
	"github.com/lostcityquiz/wikiscrape/internal/content"
	"github.com/lostcityquiz/wikiscrape/internal/wiki"
)

type fakeMarkup struct {
	pages   map[string]string
	calls   int
	fetched []string
}

func (f *fakeMarkup) FetchMarkupEach(_ context.Context, titles []string, fn wiki.BatchFunc) (map[string]string, error) {
	f.calls++
	out := map[string]string{}
	for _, batch := range wiki.Batches(titles, 2) {
		got := map[string]string{}
		for _, title := range batch {
			f.fetched = append(f.fetched, title)
			if text, ok := f.pages[title]; ok {
				got[title] = text
				out[title] = text
			}
		}
		if fn != nil {
			if err := fn(batch, got); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

type fakeRevisions struct {
	byMode map[wiki.Lookup]map[string]wiki.FileRevision
	// failures counts down failed calls per mode.
	failures map[wiki.Lookup]int
	calls    map[wiki.Lookup][][]string
}

func (f *fakeRevisions) LookupBatch(_ context.Context, files []string, mode wiki.Lookup) (map[string]wiki.FileRevision, []string, error) {
	if f.calls == nil {
		f.calls = map[wiki.Lookup][][]string{}
	}
	f.calls[mode] = append(f.calls[mode], files)
	if f.failures[mode] > 0 {
		f.failures[mode]--
		return nil, nil, errors.New("imageinfo unavailable")
	}
	found := map[string]wiki.FileRevision{}
	var missing []string
	for _, file := range files {
		if rev, ok := f.byMode[mode][file]; ok {
			found[file] = rev
			continue
		}
		missing = append(missing, file)
	}
	return found, missing, nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func primaryFixture() ([]content.Record, *fakeMarkup, *fakeRevisions) {
	records := []content.Record{
		{ID: "quest_a", Title: "A", Category: content.CategoryQuest},
		{ID: "item_b", Title: "B", Category: content.CategoryItem},
		{ID: "npc_c", Title: "C", Category: content.CategoryNPC},
		{ID: "npc_a", Title: "A", Category: content.CategoryNPC},
		{ID: "skill_d", Title: "D", Category: content.CategorySkill},
	}
	pages := &fakeMarkup{pages: map[string]string{
		"A": "{{Infobox\n|image = [[File:A.png|150px]]\n}}",
		"B": "|image = B.gif\n",
		"C": "|image1 = [[File:C.png]]",
		"D": "no image here",
	}}
	revs := &fakeRevisions{
		byMode: map[wiki.Lookup]map[string]wiki.FileRevision{
			wiki.LookupBeforeCutoff: {
				"A.png": {URL: "https://w/a-2005.png", Timestamp: "2005-01-01T00:00:00Z"},
			},
			wiki.LookupOldest: {
				"A.png": {URL: "https://w/a-2004.png", Timestamp: "2004-01-01T00:00:00Z"},
				"B.gif": {URL: "https://w/b-2012.gif", Timestamp: "2012-01-01T00:00:00Z"},
			},
		},
		failures: map[wiki.Lookup]int{},
	}
	return records, pages, revs
}

func TestResolvePrimaryFallbackChain(t *testing.T) {
	t.Parallel()

	records, pages, revs := primaryFixture()
	resolver := NewResolver(pages, revs, nil, zap.NewNop())

	state := &checkpoint.ImageProgress{}
	saves := 0
	require.NoError(t, resolver.ResolvePrimary(context.Background(), records, state, func() error {
		saves++
		return nil
	}))

	assert.True(t, state.FilenamesResolved)
	assert.Equal(t, map[string]string{
		"quest_a": "A.png", "npc_a": "A.png", "item_b": "B.gif", "npc_c": "C.png",
	}, state.FilenameMap)

	// A has both a pre-cutoff and an older revision: pre-cutoff always wins.
	assert.Equal(t, content.TierPrimaryPreCutoff, state.ImageInfo["quest_a"].SourceTier)
	assert.Equal(t, content.TierPrimaryPreCutoff, state.ImageInfo["npc_a"].SourceTier)
	assert.Equal(t, "https://w/a-2005.png", state.ImageInfo["npc_a"].SourceURL)

	assert.Equal(t, content.TierPrimaryOldest, state.ImageInfo["item_b"].SourceTier)
	assert.NotContains(t, state.ImageInfo, "npc_c")
	assert.NotContains(t, state.ImageInfo, "skill_d")

	assert.ElementsMatch(t, []string{"B.gif", "C.png"}, state.PreCutoffMisses)
	assert.Equal(t, []string{"C.png"}, state.OldestMisses)

	// A.png is looked up once even though two ids share it.
	require.Len(t, revs.calls[wiki.LookupBeforeCutoff], 1)
	assert.Equal(t, []string{"A.png", "B.gif", "C.png"}, revs.calls[wiki.LookupBeforeCutoff][0])
	assert.Equal(t, [][]string{{"B.gif", "C.png"}}, revs.calls[wiki.LookupOldest])
	assert.GreaterOrEqual(t, saves, 3)
}

func TestResolvePrimaryFailedBatchIsNotAMiss(t *testing.T) {
	t.Parallel()

	records, pages, revs := primaryFixture()
	revs.failures[wiki.LookupBeforeCutoff] = 1
	resolver := NewResolver(pages, revs, nil, nil)

	state := &checkpoint.ImageProgress{}
	save := func() error { return nil }
	require.NoError(t, resolver.ResolvePrimary(context.Background(), records, state, save))

	assert.Empty(t, state.ImageInfo, "nothing may fall through to the oldest tier")
	assert.Empty(t, state.PreCutoffMisses)
	assert.Empty(t, revs.calls[wiki.LookupOldest])

	// The next run retries and lands on the pre-cutoff tier.
	require.NoError(t, resolver.ResolvePrimary(context.Background(), records, state, save))
	assert.Equal(t, content.TierPrimaryPreCutoff, state.ImageInfo["quest_a"].SourceTier)
	assert.Equal(t, content.TierPrimaryOldest, state.ImageInfo["item_b"].SourceTier)
}

func TestResolvePrimaryResumesWithoutRefetching(t *testing.T) {
	t.Parallel()

	records, pages, revs := primaryFixture()
	resolver := NewResolver(pages, revs, nil, nil)

	state := &checkpoint.ImageProgress{
		FilenamesResolved: true,
		FilenameMap:       map[string]string{"quest_a": "A.png", "item_b": "B.gif"},
		ImageInfo: map[string]content.ImageResolution{
			"quest_a": {WikiFile: "A.png", SourceTier: content.TierPrimaryPreCutoff, SourceURL: "kept"},
		},
		PreCutoffMisses: []string{"B.gif"},
	}
	require.NoError(t, resolver.ResolvePrimary(context.Background(), records, state, func() error { return nil }))

	assert.Zero(t, pages.calls, "filenames are not fetched again")
	assert.Empty(t, revs.calls[wiki.LookupBeforeCutoff], "known misses are not re-queried")
	assert.Equal(t, "kept", state.ImageInfo["quest_a"].SourceURL)
	assert.Equal(t, content.TierPrimaryOldest, state.ImageInfo["item_b"].SourceTier)
}

func TestResolvePrimarySaveFailureAborts(t *testing.T) {
	t.Parallel()

	records, pages, revs := primaryFixture()
	resolver := NewResolver(pages, revs, nil, nil)
	boom := errors.New("read-only filesystem")
	err := resolver.ResolvePrimary(context.Background(), records, &checkpoint.ImageProgress{}, func() error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestSecondaryTargets(t *testing.T) {
	t.Parallel()

	records := []content.Record{
		{ID: "a", Image: "a.jpg"},
		{ID: "b", Image: "b.jpg"},
		{ID: "c"},
		{ID: "d"},
	}
	manifest := checkpoint.Manifest{
		"a": {SourceTier: content.TierPrimaryPreCutoff},
		"b": {SourceTier: content.TierPrimaryOldest},
	}
	state := &checkpoint.SecondaryProgress{Resolved: map[string]content.ImageResolution{"d": {}}}

	ids := func(recs []content.Record) []string {
		var out []string
		for _, r := range recs {
			out = append(out, r.ID)
		}
		return out
	}
	assert.Equal(t, []string{"b", "c"}, ids(SecondaryTargets(records, manifest, state, true)))
	assert.Equal(t, []string{"c"}, ids(SecondaryTargets(records, manifest, state, false)))
}

func TestResolveSecondary(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	pages := &fakeMarkup{pages: map[string]string{
		"Goblin": "|image = [[File:Goblin.png]]",
		"Hans":   "|image = Hans.png",
		"Bob":    "|image = Bob.png",
	}}
	revs := &fakeRevisions{byMode: map[wiki.Lookup]map[string]wiki.FileRevision{
		wiki.LookupLatest: {
			"Goblin.png": {URL: "https://osrs/goblin.png"},
			"Hans.png":   {URL: "https://osrs/hans.png", Timestamp: "2013-02-22T00:00:00Z"},
		},
	}}
	resolver := NewResolver(pages, revs, fixedClock{t: now}, nil)

	targets := []content.Record{
		{ID: "npc_goblin", Title: "Goblin"},
		{ID: "npc_hans", Title: "Hans"},
		{ID: "npc_bob", Title: "Bob"},
		{ID: "npc_nobody", Title: "Nobody"},
	}
	state := &checkpoint.SecondaryProgress{}
	require.NoError(t, resolver.ResolveSecondary(context.Background(), targets, state, func() error { return nil }))

	assert.ElementsMatch(t, []string{"npc_goblin", "npc_hans", "npc_bob", "npc_nobody"}, state.CheckedIDs)
	assert.Equal(t, content.ImageResolution{
		WikiFile: "Goblin.png", SourceURL: "https://osrs/goblin.png",
		Timestamp: "2024-05-01T10:00:00Z", SourceTier: content.TierSecondaryWiki,
	}, state.Resolved["npc_goblin"])
	assert.Equal(t, "2013-02-22T00:00:00Z", state.Resolved["npc_hans"].Timestamp)
	assert.Equal(t, []string{"Bob.png"}, state.URLMisses)

	// A second run finds everything checked and nothing pending.
	pages.calls = 0
	revs.calls = nil
	require.NoError(t, resolver.ResolveSecondary(context.Background(), targets, state, func() error { return nil }))
	assert.Zero(t, pages.calls)
	assert.Empty(t, revs.calls[wiki.LookupLatest])
}

func TestResolveSecondaryCheckpointsEachMarkupBatch(t *testing.T) {
	t.Parallel()

	pages := &fakeMarkup{pages: map[string]string{}}
	revs := &fakeRevisions{}
	resolver := NewResolver(pages, revs, nil, nil)

	targets := []content.Record{{ID: "a", Title: "A"}, {ID: "b", Title: "B"}, {ID: "c", Title: "C"}}
	state := &checkpoint.SecondaryProgress{}
	stop := errors.New("killed")
	saves := 0
	err := resolver.ResolveSecondary(context.Background(), targets, state, func() error {
		saves++
		if saves == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	// The save that failed already carried every checked id.
	assert.Equal(t, []string{"a", "b", "c"}, state.CheckedIDs)
	assert.Equal(t, 2, saves)
}
