package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const sampleListing = `<html><body>
<div class="posts">
  <article class="post">
    <h2><a href="/posts/agents">Agents in production</a></h2>
    <p class="excerpt">How teams   ship agentic systems.</p>
    <time datetime="2025-10-14T06:00:00Z">Oct 14</time>
  </article>
  <article class="post">
    <h2><a href="https://other.example.com/evals">Evals that matter</a></h2>
    <p class="excerpt">Benchmarks vs reality.</p>
    <time>2025-10-01T06:00:00Z</time>
  </article>
  <article class="post">
    <h2>No link here</h2>
  </article>
  <article class="post">
    <h2><a href="/posts/undated">Undated post</a></h2>
  </article>
</div>
</body></html>`

func TestScrapeFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(sampleListing))
	}))
	defer ts.Close()

	s, err := NewScrape("blog", ts.URL+"/blog/", map[string]string{
		"item":    "article.post",
		"title":   "h2",
		"link":    "h2 a",
		"summary": ".excerpt",
		"date":    "time",
	}, 0, ts.Client())
	if err != nil {
		t.Fatalf("NewScrape: %v", err)
	}
	fetched := time.Date(2025, 10, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fetched }

	since := time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC)
	items, err := s.Fetch(context.Background(), since)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d: %+v", len(items), items)
	}

	first := items[0]
	if first.URL != ts.URL+"/posts/agents" || first.SourceNativeID != first.URL {
		t.Errorf("expected resolved link, got %q", first.URL)
	}
	if first.Title != "Agents in production" {
		t.Errorf("unexpected title %q", first.Title)
	}
	if first.RawText != "How teams ship agentic systems." {
		t.Errorf("unexpected summary %q", first.RawText)
	}
	if !first.PublishedAt.Equal(time.Date(2025, 10, 14, 6, 0, 0, 0, time.UTC)) {
		t.Errorf("expected datetime attribute to be used, got %v", first.PublishedAt)
	}

	undated := items[1]
	if undated.Title != "Undated post" || !undated.PublishedAt.Equal(fetched) {
		t.Errorf("expected undated post stamped with fetch time, got %+v", undated)
	}
}

func TestNewScrapeRequiresItemSelector(t *testing.T) {
	if _, err := NewScrape("blog", "http://x", nil, 0, http.DefaultClient); err == nil {
		t.Fatal("expected error without item selector")
	}
}
