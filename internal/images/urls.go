package images

import (
	"fmt"
	"net/url"
	"strings"
)

// FileURLs returns the download candidates for a wiki filename under the
// files base (e.g. https://runescape.wiki/images): the width-bound thumbnail
// path first, then the full-size original.
func FileURLs(base, filename string, width int) []string {
	if width <= 0 {
		width = DefaultWidth
	}
	base = strings.TrimRight(base, "/")
	enc := url.PathEscape(strings.ReplaceAll(strings.TrimSpace(filename), " ", "_"))
	return []string{
		fmt.Sprintf("%s/thumb/%s/%dpx-%s", base, enc, width, enc),
		fmt.Sprintf("%s/%s", base, enc),
	}
}
