package selector

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
)

var now = time.Date(2025, 10, 14, 8, 0, 0, 0, time.UTC)

func scored(id, source string, score float64, published time.Time) *domain.Item {
	it := &domain.Item{ID: id, SourceType: source, PublishedAt: published, Status: domain.StatusScored}
	it.SetScore(score)
	return it
}

func TestInterleavedByScoreWithDiversityCap(t *testing.T) {
	var items []*domain.Item
	for i, s := range []float64{0.9, 0.8, 0.7, 0.6, 0.5} {
		items = append(items, scored(fmt.Sprintf("a%d", i), "A", s, now))
	}
	for i, s := range []float64{0.95, 0.85, 0.75, 0.65, 0.55} {
		items = append(items, scored(fmt.Sprintf("b%d", i), "B", s, now))
	}

	got := New(6, 3).Select(items)

	var desc []string
	for _, it := range got {
		desc = append(desc, fmt.Sprintf("%s(%.2f)", it.SourceType, it.Score()))
	}
	want := []string{"B(0.95)", "A(0.90)", "B(0.85)", "A(0.80)", "B(0.75)", "A(0.70)"}
	if !reflect.DeepEqual(desc, want) {
		t.Fatalf("digest = %v, want %v", desc, want)
	}

	for _, it := range items {
		selected := false
		for _, g := range got {
			if g == it {
				selected = true
			}
		}
		wantStatus := domain.StatusScored
		if selected {
			wantStatus = domain.StatusSelected
		}
		if it.Status != wantStatus {
			t.Errorf("%s: status %s, want %s", it.ID, it.Status, wantStatus)
		}
	}
}

func TestPerSourceCapSkipsRatherThanStops(t *testing.T) {
	items := []*domain.Item{
		scored("1", "A", 0.9, now),
		scored("2", "A", 0.8, now),
		scored("3", "A", 0.7, now),
		scored("4", "B", 0.1, now),
	}
	got := IDs(New(10, 2).Select(items))
	if want := []string{"1", "2", "4"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if items[2].Status != domain.StatusScored {
		t.Errorf("capped item must stay SCORED, got %s", items[2].Status)
	}
}

func TestTieBreaks(t *testing.T) {
	items := []*domain.Item{
		scored("c", "A", 0.5, now.Add(-time.Hour)),
		scored("b", "B", 0.5, now),
		scored("a", "C", 0.5, now),
		scored("d", "D", 0.6, now.Add(-48*time.Hour)),
	}
	got := IDs(New(10, 3).Select(items))
	if want := []string{"d", "a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSelectIsIdempotent(t *testing.T) {
	build := func() []*domain.Item {
		var items []*domain.Item
		for i := 0; i < 20; i++ {
			items = append(items, scored(fmt.Sprintf("%02d", i), fmt.Sprintf("s%d", i%4), float64(i%5)/5, now.Add(-time.Duration(i%3)*time.Hour)))
		}
		return items
	}
	first := IDs(New(8, 2).Select(build()))
	items := build()
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	second := IDs(New(8, 2).Select(items))
	if !reflect.DeepEqual(first, second) {
		t.Errorf("selection differs: %v vs %v", first, second)
	}

	seen := make(map[string]bool)
	for _, id := range first {
		if seen[id] {
			t.Errorf("duplicate id %s in digest", id)
		}
		seen[id] = true
	}
}

func TestEmptyInput(t *testing.T) {
	if got := New(10, 3).Select(nil); len(got) != 0 {
		t.Errorf("expected empty selection, got %v", IDs(got))
	}
}
