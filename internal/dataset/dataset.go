// Package dataset reads and writes the final content file: a bare JSON array
// of records with no envelope.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lostcityquiz/wikiscrape/internal/checkpoint"
	"github.com/lostcityquiz/wikiscrape/internal/content"
)

// Load reads the dataset at path.
func Load(path string) ([]content.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	var records []content.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode dataset %s: %w", path, err)
	}
	return records, nil
}

// Save rewrites the whole dataset atomically, dropping checkpoint-only fields.
func Save(path string, records []content.Record) error {
	out := content.StripInternal(records)
	if err := checkpoint.WriteJSON(path, out); err != nil {
		return fmt.Errorf("write dataset: %w", err)
	}
	return nil
}

// TitleIndex groups record ids by wiki title, keeping the dataset order of
// first appearance for the titles.
func TitleIndex(records []content.Record) (titles []string, ids map[string][]string) {
	ids = make(map[string][]string)
	for _, rec := range records {
		if _, ok := ids[rec.Title]; !ok {
			titles = append(titles, rec.Title)
		}
		ids[rec.Title] = append(ids[rec.Title], rec.ID)
	}
	return titles, ids
}
