package content

import (
	"regexp"
	"strconv"
	"strings"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// MakeID derives the base slug for a record: the category key followed by the
// lower-cased title with every non-alphanumeric run collapsed to "_".
func MakeID(category Category, title string) string {
	slug := nonAlnum.ReplaceAllString(strings.ToLower(title), "_")
	slug = strings.Trim(slug, "_")
	return string(category) + "_" + slug
}

// AssignIDs walks records in order and sets each id. The first record with a
// given base slug keeps it; later ones get "_2", "_3", and so on, skipping any
// suffix that another record's base slug already claims.
//
// The base is always recomputed from category and title, never read from the
// stored id, so running it again over an already-suffixed list is a no-op.
func AssignIDs(records []Record) {
	bases := make([]string, len(records))
	claimed := make(map[string]struct{}, len(records))
	for i := range records {
		bases[i] = MakeID(records[i].Category, records[i].Title)
		claimed[bases[i]] = struct{}{}
	}

	used := make(map[string]struct{}, len(records))
	next := make(map[string]int, len(records))
	for i, base := range bases {
		if _, taken := used[base]; !taken {
			used[base] = struct{}{}
			records[i].ID = base
			continue
		}
		n := next[base]
		if n < 2 {
			n = 2
		}
		id := base + "_" + strconv.Itoa(n)
		for {
			_, taken := used[id]
			_, isBase := claimed[id]
			if !taken && !isBase {
				break
			}
			n++
			id = base + "_" + strconv.Itoa(n)
		}
		next[base] = n + 1
		used[id] = struct{}{}
		records[i].ID = id
	}
}

// StripInternal returns a copy of records without checkpoint-only fields.
func StripInternal(records []Record) []Record {
	out := make([]Record, len(records))
	for i, rec := range records {
		rec.ImageSource = ""
		out[i] = rec
	}
	return out
}
