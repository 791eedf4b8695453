package wiki

import "strings"

// filePrefix is the namespace prefix of file pages.
const filePrefix = "File:"

type normalization struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type categoryMembersResponse struct {
	Continue struct {
		CMContinue string `json:"cmcontinue"`
	} `json:"continue"`
	Query struct {
		CategoryMembers []struct {
			Title string `json:"title"`
		} `json:"categorymembers"`
	} `json:"query"`
}

type revisionsResponse struct {
	Query struct {
		Normalized []normalization `json:"normalized"`
		Pages      map[string]struct {
			Title     string `json:"title"`
			Revisions []struct {
				Slots struct {
					Main struct {
						Content string `json:"*"`
					} `json:"main"`
				} `json:"slots"`
			} `json:"revisions"`
		} `json:"pages"`
	} `json:"query"`
}

type imageInfoResponse struct {
	Continue map[string]string `json:"continue"`
	Query struct {
		Normalized []normalization `json:"normalized"`
		Pages      map[string]struct {
			Title     string `json:"title"`
			ImageInfo []struct {
				Timestamp string `json:"timestamp"`
				URL       string `json:"url"`
			} `json:"imageinfo"`
		} `json:"pages"`
	} `json:"query"`
}

// denormalizer maps titles returned by the API back to the titles that were
// asked for.
type denormalizer map[string]string

func newDenormalizer(normalized []normalization) denormalizer {
	d := make(denormalizer, len(normalized))
	for _, n := range normalized {
		d[n.To] = n.From
	}
	return d
}

func (d denormalizer) requested(title string) string {
	if from, ok := d[title]; ok {
		return from
	}
	return title
}

// Batches splits items into consecutive chunks of at most size.
func Batches(items []string, size int) [][]string {
	if size <= 0 {
		size = MaxBatchSize
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// FileTitle returns the file page title for a bare filename.
func FileTitle(filename string) string {
	return filePrefix + filename
}

// TrimFilePrefix strips a leading "File:" from a page title.
func TrimFilePrefix(title string) string {
	if len(title) >= len(filePrefix) && strings.EqualFold(title[:len(filePrefix)], filePrefix) {
		return title[len(filePrefix):]
	}
	return title
}
