// Package markup pulls release dates and image filenames out of wiki markup.
//
// Wiki pages carry several historical authoring conventions, so each field is
// matched against an ordered list of patterns and the first hit wins. New
// conventions are added by appending to the lists below.
package markup

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const monthAlternation = `(January|February|March|April|May|June|July|August|September|October|November|December)`

var months = map[string]int{
	"January":   1,
	"February":  2,
	"March":     3,
	"April":     4,
	"May":       5,
	"June":      6,
	"July":      7,
	"August":    8,
	"September": 9,
	"October":   10,
	"November":  11,
	"December":  12,
}

var releaseField = regexp.MustCompile(`(?i)\|\s*release\s*=\s*([^\n|}]+)`)

// datePatterns capture day, month name and year, in that order.
var datePatterns = []*regexp.Regexp{
	// [[4 January]] [[2001]]
	regexp.MustCompile(`\[\[(\d{1,2})\s+` + monthAlternation + `\]\]\s*\[\[(\d{4})\]\]`),
	// 4 January 2001
	regexp.MustCompile(`(\d{1,2})\s+` + monthAlternation + `\s+(\d{4})`),
}

// imagePatterns capture the filename in their first group.
var imagePatterns = []*regexp.Regexp{
	// |image = [[File:Cook's Assistant.png|130px]]
	regexp.MustCompile(`(?i)\|\s*image\d?\s*=\s*\[\[File:([^\]|]+)[^\]]*\]\]`),
	// |image = Cook's Assistant.png
	regexp.MustCompile(`(?i)\|\s*image\d?\s*=\s*([^\n|{}\[\]]+\.(?:png|gif|jpg|jpeg))`),
}

// ReleaseDate extracts the release date as YYYY-MM-DD. The boolean is false
// when no release field exists or none of the date patterns match a real
// calendar date.
func ReleaseDate(markup string) (string, bool) {
	field := releaseField.FindStringSubmatch(markup)
	if field == nil {
		return "", false
	}
	value := strings.TrimSpace(field[1])
	for _, pattern := range datePatterns {
		m := pattern.FindStringSubmatch(value)
		if m == nil {
			continue
		}
		date, ok := canonicalDate(m[1], m[2], m[3])
		if ok {
			return date, true
		}
	}
	return "", false
}

// ImageFilename extracts the infobox image filename, without any "File:"
// prefix.
func ImageFilename(markup string) (string, bool) {
	for _, pattern := range imagePatterns {
		m := pattern.FindStringSubmatch(markup)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		if len(name) >= 5 && strings.EqualFold(name[:5], "file:") {
			name = strings.TrimSpace(name[5:])
		}
		if name != "" {
			return name, true
		}
	}
	return "", false
}

func canonicalDate(day, monthName, year string) (string, bool) {
	month, ok := months[monthName]
	if !ok {
		return "", false
	}
	if len(day) == 1 {
		day = "0" + day
	}
	date := fmt.Sprintf("%s-%02d-%s", year, month, day)
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return "", false
	}
	return date, true
}
