package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lostcityquiz/wikiscrape/internal/content"
)

func TestNewStoreRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewStore[CrawlProgress]("  ")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	store, err := NewStore[CrawlProgress](filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	_, err = store.Load()
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSaveLoadCrawlProgress(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "scrape-progress.json")
	store, err := NewStore[CrawlProgress](path)
	require.NoError(t, err)

	in := CrawlProgress{
		RunID:               "run-1",
		CompletedCategories: []string{"quest"},
		Records: []content.Record{{
			ID:          "quest_cook_s_assistant",
			Title:       "Cook's Assistant",
			Category:    content.CategoryQuest,
			ReleaseDate: "2001-01-04",
			ImageSource: "Cook's Assistant.png",
		}},
	}
	require.NoError(t, store.Save(in))

	out, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, in.CompletedCategories, out.CompletedCategories)
	assert.Equal(t, in.Records, out.Records)
	assert.True(t, out.CategoryDone(content.CategoryQuest))
	assert.False(t, out.CategoryDone(content.CategoryItem))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestLoadIsForwardCompatible(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "historical-progress.json")
	legacy := `{"filenameMap":{"quest_a":"A.png"},"somethingNew":{"x":1}}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	store, err := NewStore[ImageProgress](path)
	require.NoError(t, err)
	doc, err := store.Load()
	require.NoError(t, err)
	doc.Normalize()

	assert.Equal(t, "A.png", doc.FilenameMap["quest_a"])
	assert.NotNil(t, doc.ImageInfo)
	assert.Empty(t, doc.DownloadedIDs)
	assert.False(t, doc.FilenamesResolved)
}

func TestLoadCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	store, err := NewStore[SecondaryProgress](path)
	require.NoError(t, err)
	_, err = store.Load()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestSet(t *testing.T) {
	t.Parallel()

	s := NewSet([]string{"b", "a", "b"})
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Add("c"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Has("c"))
	assert.Equal(t, []string{"b", "a", "c"}, s.Slice())
}
