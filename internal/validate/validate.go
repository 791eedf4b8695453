// Package validate checks a finished dataset without modifying it.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/lostcityquiz/wikiscrape/internal/content"
)

// Violation kinds.
const (
	KindRequired        = "required"
	KindCategory        = "category"
	KindDate            = "date"
	KindRange           = "range"
	KindDuplicate       = "duplicate"
	KindImage           = "image"
	KindCount           = "count"
	KindMissingCategory = "missing-category"
)

// Config bounds what counts as a valid dataset.
type Config struct {
	MinYear            int
	MaxYear            int
	MinPerCategory     map[content.Category]int
	Categories         []content.Category
	MissingImageSample int
}

// DefaultConfig returns the thresholds the quiz ships with.
func DefaultConfig() Config {
	return Config{
		MinYear: 2001,
		MaxYear: 2009,
		MinPerCategory: map[content.Category]int{
			content.CategoryQuest:    10,
			content.CategoryItem:     50,
			content.CategoryNPC:      20,
			content.CategoryLocation: 10,
			content.CategoryMinigame: 5,
			content.CategoryMusic:    10,
			content.CategorySkill:    5,
		},
		Categories:         content.Categories,
		MissingImageSample: 5,
	}
}

// ImageChecker reports whether a referenced thumbnail is stored.
type ImageChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Violation is one failed check.
type Violation struct {
	Kind    string
	Message string
}

// CategoryCount summarizes one expected category.
type CategoryCount struct {
	Category content.Category
	Count    int
	Min      int
}

// OK reports whether the minimum was met.
func (c CategoryCount) OK() bool {
	return c.Count >= c.Min
}

// Report collects every violation found in one pass.
type Report struct {
	Records    int
	Violations []Violation
	Counts     []CategoryCount
}

// OK reports whether the dataset passed every check.
func (r *Report) OK() bool {
	return len(r.Violations) == 0
}

func (r *Report) fail(kind, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// Validate runs every check over records. Images are checked only when
// images is non-nil; an error from it aborts validation.
func Validate(ctx context.Context, records []content.Record, images ImageChecker, cfg Config) (*Report, error) {
	report := &Report{Records: len(records)}

	for _, rec := range records {
		if rec.ID == "" {
			report.fail(KindRequired, "entry missing id: %s", describe(rec))
		}
		if rec.Title == "" {
			report.fail(KindRequired, "entry missing title: %s", describe(rec))
		}
		if rec.Category == "" {
			report.fail(KindRequired, "entry missing category: %s", describe(rec))
		} else if !rec.Category.Valid() {
			report.fail(KindCategory, "unknown category %q for %s", rec.Category, rec.ID)
		}
		if rec.ReleaseDate == "" {
			report.fail(KindRequired, "entry missing releaseDate: %s", describe(rec))
		}
	}

	for _, rec := range records {
		if rec.ReleaseDate == "" {
			continue
		}
		date, err := time.Parse(time.DateOnly, rec.ReleaseDate)
		if err != nil {
			report.fail(KindDate, "invalid date %q for %s", rec.ReleaseDate, rec.Title)
			continue
		}
		if year := date.Year(); year < cfg.MinYear || year > cfg.MaxYear {
			report.fail(KindRange, "date out of range %s for %s", rec.ReleaseDate, rec.Title)
		}
	}

	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			report.fail(KindDuplicate, "duplicate id: %s", rec.ID)
		}
		seen[rec.ID] = struct{}{}
	}

	if images != nil {
		if err := checkImages(ctx, records, images, cfg.MissingImageSample, report); err != nil {
			return nil, err
		}
	}

	counts := make(map[content.Category]int)
	for _, rec := range records {
		counts[rec.Category]++
	}
	for _, cat := range cfg.Categories {
		minimum := cfg.MinPerCategory[cat]
		if minimum <= 0 {
			minimum = 1
		}
		cc := CategoryCount{Category: cat, Count: counts[cat], Min: minimum}
		report.Counts = append(report.Counts, cc)
		if !cc.OK() {
			report.fail(KindCount, "category %s has %d entries, expected at least %d", cat, cc.Count, cc.Min)
		}
	}
	for _, cat := range cfg.Categories {
		if counts[cat] == 0 {
			report.fail(KindMissingCategory, "missing category: %s", cat)
		}
	}
	return report, nil
}

func checkImages(ctx context.Context, records []content.Record, images ImageChecker, sample int, report *Report) error {
	missing := 0
	for _, rec := range records {
		if rec.Image == "" {
			continue
		}
		ok, err := images.Exists(ctx, rec.Image)
		if err != nil {
			return fmt.Errorf("check image %s: %w", rec.Image, err)
		}
		if ok {
			continue
		}
		missing++
		if missing <= sample {
			report.fail(KindImage, "missing image file: %s", rec.Image)
		}
	}
	if missing > sample {
		report.fail(KindImage, "... and %d more missing images", missing-sample)
	}
	return nil
}

func describe(rec content.Record) string {
	raw, err := json.Marshal(rec)
	if err != nil {
		return rec.ID
	}
	return string(raw)
}

// Render writes the category summary table followed by every violation.
func (r *Report) Render(w io.Writer) {
	counts := table.NewWriter()
	counts.SetOutputMirror(w)
	counts.SetTitle("Category counts (" + strconv.Itoa(r.Records) + " entries)")
	counts.AppendHeader(table.Row{"Category", "Count", "Min", "Status"})
	for _, cc := range r.Counts {
		status := "OK"
		if !cc.OK() {
			status = "LOW"
		}
		counts.AppendRow(table.Row{cc.Category, cc.Count, cc.Min, status})
	}
	counts.SetStyle(table.StyleRounded)
	counts.Render()

	if r.OK() {
		_, _ = fmt.Fprintln(w, "All validation checks passed!")
		return
	}

	failures := table.NewWriter()
	failures.SetOutputMirror(w)
	failures.AppendHeader(table.Row{"#", "Check", "Problem"})
	for i, v := range r.Violations {
		failures.AppendRow(table.Row{i + 1, v.Kind, v.Message})
	}
	failures.SetStyle(table.StyleRounded)
	failures.Render()
	_, _ = fmt.Fprintf(w, "%d validation error(s) found\n", len(r.Violations))
}
