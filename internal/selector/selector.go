// Package selector builds the ordered digest from scored items.
package selector

import (
	"sort"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
)

// Selector applies the global and per-source caps.
type Selector struct {
	maxItems  int
	perSource int
}

// New returns a selector accepting at most maxItems items overall and
// perSource items from any single source type.
func New(maxItems, perSource int) *Selector {
	return &Selector{maxItems: maxItems, perSource: perSource}
}

// Select orders items by score descending, then publication descending,
// then id, and greedily accepts them under the caps. Accepted items become
// SELECTED; skipped ones keep their status. It returns the accepted items
// in digest order.
func (s *Selector) Select(items []*domain.Item) []*domain.Item {
	ranked := make([]*domain.Item, len(items))
	copy(ranked, items)
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if sa, sb := a.Score(), b.Score(); sa != sb {
			return sa > sb
		}
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.After(b.PublishedAt)
		}
		return a.ID < b.ID
	})

	perSource := make(map[string]int)
	var out []*domain.Item
	for _, it := range ranked {
		if len(out) >= s.maxItems {
			break
		}
		if perSource[it.SourceType] >= s.perSource {
			continue
		}
		perSource[it.SourceType]++
		it.Status = domain.StatusSelected
		out = append(out, it)
	}
	return out
}

// IDs returns the ids of items in order.
func IDs(items []*domain.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
