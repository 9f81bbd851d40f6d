// Package dedup collapses exact and near-duplicate items into clusters and
// keeps one representative per cluster.
package dedup

import (
	"sort"
	"time"
	"unicode/utf8"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
	"github.com/ryosukesatoh/daily-digest/internal/fingerprint"
)

// Engine runs the two-tier duplicate detection.
type Engine struct {
	strategy  fingerprint.Strategy
	threshold float64
	window    time.Duration
}

// New returns an engine comparing fingerprints with strategy. Pairs with
// similarity >= threshold are duplicates. Items published more than window
// apart are never compared; a non-positive window compares every pair.
func New(strategy fingerprint.Strategy, threshold float64, window time.Duration) *Engine {
	return &Engine{strategy: strategy, threshold: threshold, window: window}
}

// Result is the outcome of one deduplication pass. Kept and Rejected are
// ordered by id.
type Result struct {
	Kept     []*domain.Item
	Rejected []*domain.Item
	// Clusters counts clusters with more than one member.
	Clusters int
}

// Run deduplicates items in place: survivors become DEDUPED, the others
// REJECTED with DuplicateOf pointing at the retained item. The outcome does
// not depend on the order of items.
func (e *Engine) Run(items []*domain.Item) Result {
	sorted := make([]*domain.Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	uf := newUnionFind(len(sorted))
	e.exactTier(sorted, uf)
	e.nearTier(sorted, uf)

	clusters := make(map[int][]int)
	for i := range sorted {
		root := uf.find(i)
		clusters[root] = append(clusters[root], i)
	}

	var res Result
	for _, members := range clusters {
		if len(members) == 1 {
			it := sorted[members[0]]
			it.Status = domain.StatusDeduped
			res.Kept = append(res.Kept, it)
			continue
		}
		res.Clusters++
		kept, rejected := merge(sorted, members)
		res.Kept = append(res.Kept, kept)
		res.Rejected = append(res.Rejected, rejected...)
	}
	sort.Slice(res.Kept, func(i, j int) bool { return res.Kept[i].ID < res.Kept[j].ID })
	sort.Slice(res.Rejected, func(i, j int) bool { return res.Rejected[i].ID < res.Rejected[j].ID })
	return res
}

func (e *Engine) exactTier(items []*domain.Item, uf *unionFind) {
	byURL := make(map[string]int, len(items))
	byKey := make(map[string]int, len(items))
	for i, it := range items {
		if u := NormalizeURL(it.URL); u != "" {
			if j, ok := byURL[u]; ok {
				uf.union(j, i)
			} else {
				byURL[u] = i
			}
		}
		key := it.SourceType + "\x00" + it.SourceID
		if j, ok := byKey[key]; ok {
			uf.union(j, i)
		} else {
			byKey[key] = i
		}
	}
}

func (e *Engine) nearTier(items []*domain.Item, uf *unionFind) {
	if e.strategy == nil {
		return
	}
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	// items is already id-ordered, so a stable sort keeps ties deterministic.
	sort.SliceStable(order, func(a, b int) bool {
		return items[order[a]].PublishedAt.Before(items[order[b]].PublishedAt)
	})

	for a := 0; a < len(order); a++ {
		left := items[order[a]]
		if len(left.Fingerprint) == 0 {
			continue
		}
		for b := a + 1; b < len(order); b++ {
			right := items[order[b]]
			if e.window > 0 && right.PublishedAt.Sub(left.PublishedAt) > e.window {
				break
			}
			if len(right.Fingerprint) == 0 || uf.find(order[a]) == uf.find(order[b]) {
				continue
			}
			if e.strategy.Similarity(left.Fingerprint, right.Fingerprint) >= e.threshold {
				uf.union(order[a], order[b])
			}
		}
	}
}

// merge picks the retained item of a cluster and folds the others into it.
func merge(items []*domain.Item, members []int) (*domain.Item, []*domain.Item) {
	cluster := make([]*domain.Item, len(members))
	for i, idx := range members {
		cluster[i] = items[idx]
	}
	sort.Slice(cluster, func(i, j int) bool { return retainBefore(cluster[i], cluster[j]) })

	kept := cluster[0]
	seen := map[string]bool{kept.URL: true, "": true}
	var alts []string
	add := func(u string) {
		if !seen[u] {
			seen[u] = true
			alts = append(alts, u)
		}
	}
	for _, u := range kept.AlternateSources {
		add(u)
	}
	rejected := cluster[1:]
	for _, it := range rejected {
		add(it.URL)
		for _, u := range it.AlternateSources {
			add(u)
		}
		it.Status = domain.StatusRejected
		it.DuplicateOf = kept.ID
	}
	sort.Strings(alts)
	kept.AlternateSources = alts
	kept.Status = domain.StatusDeduped
	return kept, rejected
}

// retainBefore orders cluster members by preference: longer summary, then
// earlier publication, then smaller id.
func retainBefore(a, b *domain.Item) bool {
	la, lb := utf8.RuneCountInString(a.Summary), utf8.RuneCountInString(b.Summary)
	if la != lb {
		return la > lb
	}
	if !a.PublishedAt.Equal(b.PublishedAt) {
		return a.PublishedAt.Before(b.PublishedAt)
	}
	return a.ID < b.ID
}
