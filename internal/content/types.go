// Package content defines the dataset records produced by the scraping pipeline.
package content

// Category is one of the fixed content kinds crawled from the wiki.
type Category string

// Known content categories, in their default crawl order.
const (
	CategoryQuest    Category = "quest"
	CategoryItem     Category = "item"
	CategoryNPC      Category = "npc"
	CategoryLocation Category = "location"
	CategoryMinigame Category = "minigame"
	CategoryMusic    Category = "music"
	CategorySkill    Category = "skill"
)

// Categories lists every known category in crawl order.
var Categories = []Category{
	CategoryQuest,
	CategoryItem,
	CategoryNPC,
	CategoryLocation,
	CategoryMinigame,
	CategoryMusic,
	CategorySkill,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Tier names the level of the image fallback chain that produced a binding.
type Tier string

// Image source tiers, ordered from most to least preferred.
const (
	TierPrimaryPreCutoff Tier = "primary-pre-cutoff"
	TierPrimaryOldest    Tier = "primary-oldest"
	TierSecondaryWiki    Tier = "secondary-wiki"
)

// Record is one crawled wiki entity.
type Record struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Category    Category `json:"category"`
	ReleaseDate string   `json:"releaseDate"`
	Image       string   `json:"image"`
	// WikiLength is nil until the lengths phase has run. A page without markup
	// then gets an explicit 0.
	WikiLength *int `json:"wikiLength,omitempty"`
	// ImageSource is the primary wiki filename parsed during the crawl. It only
	// lives in the crawl checkpoint and is stripped from the final dataset.
	ImageSource string `json:"imageSource,omitempty"`
}

// NewWikiLength returns n as a WikiLength value.
func NewWikiLength(n int) *int { return &n }

// MarkupLength returns the recorded wiki length, or 0 when it was never measured.
func (r Record) MarkupLength() int {
	if r.WikiLength == nil {
		return 0
	}
	return *r.WikiLength
}

// ImageResolution records which source produced a record's thumbnail.
type ImageResolution struct {
	WikiFile   string `json:"wikiFile"`
	SourceURL  string `json:"sourceUrl"`
	Timestamp  string `json:"timestamp"`
	SourceTier Tier   `json:"sourceTier"`
	SHA256     string `json:"sha256,omitempty"`
}

// ThumbnailName returns the stored thumbnail file name for a record id.
func ThumbnailName(id string) string {
	return id + ThumbnailExt
}

// ThumbnailExt is the extension of every stored thumbnail.
const ThumbnailExt = ".jpg"
