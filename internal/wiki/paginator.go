package wiki

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// DefaultPageSize is the largest category page the API serves anonymously.
const DefaultPageSize = 500

// ErrContinuationLoop is returned when the API hands back a continuation token
// it already returned earlier in the same listing.
var ErrContinuationLoop = errors.New("category continuation token repeated")

// Paginator lists category members by following continuation tokens.
type Paginator struct {
	api      Caller
	pageSize int
}

// NewPaginator builds a Paginator. Non-positive page sizes use the default.
func NewPaginator(api Caller, pageSize int) *Paginator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Paginator{api: api, pageSize: pageSize}
}

// CategoryMembers returns every page title in category, in API order.
func (p *Paginator) CategoryMembers(ctx context.Context, category string) ([]string, error) {
	var (
		titles []string
		token  string
	)
	seen := make(map[string]struct{})
	for {
		params := url.Values{
			"action":  {"query"},
			"list":    {"categorymembers"},
			"cmtitle": {category},
			"cmlimit": {strconv.Itoa(p.pageSize)},
			"cmtype":  {"page"},
		}
		if token != "" {
			params.Set("cmcontinue", token)
		}

		var page categoryMembersResponse
		if err := p.api.Call(ctx, params, &page); err != nil {
			return titles, fmt.Errorf("list %s: %w", category, err)
		}
		for _, member := range page.Query.CategoryMembers {
			titles = append(titles, member.Title)
		}

		token = page.Continue.CMContinue
		if token == "" {
			return titles, nil
		}
		if _, dup := seen[token]; dup {
			return titles, fmt.Errorf("list %s: %w", category, ErrContinuationLoop)
		}
		seen[token] = struct{}{}
	}
}
