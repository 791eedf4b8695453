package checkpoint

import (
	"slices"
	"time"

	"github.com/lostcityquiz/wikiscrape/internal/content"
)

// CrawlProgress is the resumable state of the crawl phase.
type CrawlProgress struct {
	RunID               string           `json:"runId,omitempty"`
	CompletedCategories []string         `json:"completedCategories"`
	Records             []content.Record `json:"records"`
	ImagesPhaseDone     bool             `json:"imagesPhaseDone"`
	// ResolvedImageURLs maps record ids to the URL their thumbnail came from.
	ResolvedImageURLs map[string]string `json:"resolvedImageUrls,omitempty"`
	DownloadedIDs     []string          `json:"downloadedIds,omitempty"`
	UpdatedAt         time.Time         `json:"updatedAt,omitempty"`
}

// CategoryDone reports whether category has already been fully crawled.
func (p *CrawlProgress) CategoryDone(category content.Category) bool {
	return slices.Contains(p.CompletedCategories, string(category))
}

// Normalize fills nil maps left by older or partial documents.
func (p *CrawlProgress) Normalize() {
	if p.ResolvedImageURLs == nil {
		p.ResolvedImageURLs = map[string]string{}
	}
}

// ImageProgress is the resumable state of the primary wiki image backfill.
type ImageProgress struct {
	FilenameMap       map[string]string                  `json:"filenameMap"`
	FilenamesResolved bool                               `json:"filenamesResolved"`
	ImageInfo         map[string]content.ImageResolution `json:"imageInfo"`
	PreCutoffMisses   []string                           `json:"preCutoffMisses"`
	OldestMisses      []string                           `json:"oldestMisses"`
	DownloadedIDs     []string                           `json:"downloadedIds"`
	UpdatedAt         time.Time                          `json:"updatedAt,omitempty"`
}

// Normalize fills nil maps left by older or partial documents.
func (p *ImageProgress) Normalize() {
	if p.FilenameMap == nil {
		p.FilenameMap = map[string]string{}
	}
	if p.ImageInfo == nil {
		p.ImageInfo = map[string]content.ImageResolution{}
	}
}

// SecondaryProgress is the resumable state of the secondary wiki backfill.
type SecondaryProgress struct {
	CheckedIDs    []string                           `json:"checkedIds"`
	FilenameMap   map[string]string                  `json:"filenameMap"`
	Resolved      map[string]content.ImageResolution `json:"resolved"`
	URLMisses     []string                           `json:"urlMisses"`
	DownloadedIDs []string                           `json:"downloadedIds"`
	UpdatedAt     time.Time                          `json:"updatedAt,omitempty"`
}

// Normalize fills nil maps left by older or partial documents.
func (p *SecondaryProgress) Normalize() {
	if p.FilenameMap == nil {
		p.FilenameMap = map[string]string{}
	}
	if p.Resolved == nil {
		p.Resolved = map[string]content.ImageResolution{}
	}
}

// Manifest maps record ids to the source of their stored thumbnail.
type Manifest map[string]content.ImageResolution

// Set is an insertion-ordered string set that round-trips through a JSON
// array field.
type Set struct {
	items []string
	index map[string]struct{}
}

// NewSet builds a set from a persisted slice.
func NewSet(items []string) *Set {
	s := &Set{index: make(map[string]struct{}, len(items))}
	for _, item := range items {
		s.Add(item)
	}
	return s
}

// Add inserts item and reports whether it was new.
func (s *Set) Add(item string) bool {
	if _, ok := s.index[item]; ok {
		return false
	}
	s.index[item] = struct{}{}
	s.items = append(s.items, item)
	return true
}

// Has reports membership.
func (s *Set) Has(item string) bool {
	_, ok := s.index[item]
	return ok
}

// Len returns the number of members.
func (s *Set) Len() int {
	return len(s.items)
}

// Slice returns a copy of the members in insertion order.
func (s *Set) Slice() []string {
	return append([]string{}, s.items...)
}
