package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/config"
	"github.com/ryosukesatoh/daily-digest/internal/domain"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

const sampleRSS = `<?xml version="1.0"?>
<rss version="2.0">
<channel>
  <title>AI News</title>
  <item>
    <title>New   model released</title>
    <link>https://news.example.com/a</link>
    <guid>news-a</guid>
    <pubDate>Tue, 14 Oct 2025 08:00:00 GMT</pubDate>
    <description><![CDATA[<p>The <b>model</b> beats</p><p>every benchmark.</p>]]></description>
  </item>
  <item>
    <title>No link item</title>
    <guid>news-b</guid>
    <pubDate>Tue, 14 Oct 2025 09:00:00 GMT</pubDate>
    <description>dropped</description>
  </item>
  <item>
    <title>Undated item</title>
    <link>https://news.example.com/c</link>
    <description>dropped too</description>
  </item>
  <item>
    <title>Old item</title>
    <link>https://news.example.com/d</link>
    <pubDate>Mon, 01 Sep 2025 09:00:00 GMT</pubDate>
    <description>too old</description>
  </item>
  <item>
    <title>GUID-less item</title>
    <link>https://news.example.com/e</link>
    <pubDate>Tue, 14 Oct 2025 10:00:00 GMT</pubDate>
    <description>plain text body</description>
  </item>
</channel>
</rss>`

const sampleYouTube = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
  <title>AI Channel</title>
  <entry>
    <id>yt:video:abc123</id>
    <yt:videoId>abc123</yt:videoId>
    <title>Transformers explained</title>
    <link rel="alternate" href="https://www.youtube.com/watch?v=abc123"/>
    <published>2025-10-14T07:00:00+00:00</published>
    <media:group>
      <media:title>Transformers explained</media:title>
      <media:description>A walkthrough of attention
and positional encodings.</media:description>
    </media:group>
  </entry>
</feed>`

type stubSource struct{}

func (stubSource) Fetch(context.Context, time.Time) ([]domain.RawItem, error) { return nil, nil }

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Entry{Name: "b", Trust: 0.2, Source: stubSource{}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(Entry{Name: "a", Trust: 0.9, Source: stubSource{}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(Entry{Name: "a", Source: stubSource{}}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := reg.Register(Entry{Name: "c"}); err == nil {
		t.Error("expected nil adapter to fail")
	}

	entries := reg.Entries()
	if len(entries) != 2 || entries[0].Name != "a" || entries[1].Name != "b" {
		t.Errorf("Entries not sorted by name: %+v", entries)
	}
	if _, err := reg.Resolve("missing"); err == nil {
		t.Error("expected Resolve of unknown name to fail")
	}
	if trust := reg.Trust(); trust["a"] != 0.9 || trust["b"] != 0.2 {
		t.Errorf("unexpected trust table %v", trust)
	}
}

func TestFromConfig(t *testing.T) {
	trust := 0.8
	cfg := &config.Config{
		DefaultTrust: 0.5,
		Sources: []config.SourceConfig{
			{Name: "feed", Kind: "rss", URL: "http://x/feed", Trust: &trust},
			{Name: "yt", Kind: "youtube", ChannelID: "UC123"},
			{Name: "papers", Kind: "arxiv", Query: "cat:cs.CL"},
			{Name: "blog", Kind: "scrape", URL: "http://x/blog", Options: map[string]string{"item": "article"}},
		},
	}
	reg, err := FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if reg.Len() != 4 {
		t.Fatalf("expected 4 sources, got %d", reg.Len())
	}
	e, _ := reg.Resolve("feed")
	if e.Trust != 0.8 || e.Kind != "rss" {
		t.Errorf("unexpected feed entry %+v", e)
	}
	e, _ = reg.Resolve("yt")
	if e.Trust != 0.5 {
		t.Errorf("expected default trust for yt, got %v", e.Trust)
	}
	if yt := e.Source.(*YouTube); yt.feedURL != "https://www.youtube.com/feeds/videos.xml?channel_id=UC123" {
		t.Errorf("unexpected youtube feed url %q", yt.feedURL)
	}

	_, err = New(config.SourceConfig{Name: "x", Kind: "gopher"}, http.DefaultClient)
	if !errors.Is(err, ErrUnsupportedSourceKind) {
		t.Errorf("expected ErrUnsupportedSourceKind, got %v", err)
	}
}

func TestRSSFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("missing user agent header")
		}
		w.Write([]byte(sampleRSS))
	}))
	defer ts.Close()

	since := time.Date(2025, 10, 13, 0, 0, 0, 0, time.UTC)
	items, err := NewRSS("ainews", ts.URL, 0, ts.Client()).Fetch(context.Background(), since)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d: %+v", len(items), items)
	}

	first := items[0]
	if first.SourceNativeID != "news-a" || first.SourceType != "ainews" {
		t.Errorf("unexpected identity %q/%q", first.SourceType, first.SourceNativeID)
	}
	if first.Title != "New model released" {
		t.Errorf("expected collapsed title, got %q", first.Title)
	}
	if first.RawText != "The model beats every benchmark." {
		t.Errorf("expected flattened HTML, got %q", first.RawText)
	}
	if !first.PublishedAt.Equal(time.Date(2025, 10, 14, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected published time %v", first.PublishedAt)
	}
	if items[1].SourceNativeID != "https://news.example.com/e" {
		t.Errorf("expected link as native id fallback, got %q", items[1].SourceNativeID)
	}
}

func TestRSSFetchMaxItems(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleRSS))
	}))
	defer ts.Close()

	items, err := NewRSS("ainews", ts.URL, 1, ts.Client()).Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected max_items to cap at 1, got %d", len(items))
	}
}

func TestRSSFetchStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := NewRSS("ainews", ts.URL, 0, ts.Client()).Fetch(context.Background(), time.Time{})
	var se *retry.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected StatusError 404, got %v", err)
	}
	if retry.HTTPStatusRetryable(se.Code) {
		t.Error("404 must not be retryable")
	}
}

func TestYouTubeFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleYouTube))
	}))
	defer ts.Close()

	items, err := NewYouTube("yt-ai", "", ts.URL, 0, ts.Client()).Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	v := items[0]
	if v.SourceNativeID != "abc123" {
		t.Errorf("expected video id, got %q", v.SourceNativeID)
	}
	if v.RawText != "A walkthrough of attention and positional encodings." {
		t.Errorf("expected media description, got %q", v.RawText)
	}
	if v.URL != "https://www.youtube.com/watch?v=abc123" {
		t.Errorf("unexpected url %q", v.URL)
	}
}

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain   text\n here", "plain text here"},
		{"<p>one</p><p>two</p>", "one two"},
		{"<div>a<script>alert(1)</script>b</div>", "ab"},
		{"Fish &amp; chips", "Fish & chips"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := HTMLToText(tt.in); got != tt.want {
			t.Errorf("HTMLToText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
