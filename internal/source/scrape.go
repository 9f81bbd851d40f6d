package source

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
)

// Scrape extracts items from an HTML listing page with CSS selectors.
//
// Recognized options: item (required), title, link, summary, date and
// date_layout. Selectors other than item are evaluated inside each item
// node; an empty title or link selector uses the item's first anchor.
type Scrape struct {
	name      string
	pageURL   *url.URL
	selectors map[string]string
	maxItems  int
	client    *http.Client
	now       func() time.Time
}

func NewScrape(name, pageURL string, options map[string]string, maxItems int, client *http.Client) (*Scrape, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("source %s: invalid url: %w", name, err)
	}
	if options["item"] == "" {
		return nil, fmt.Errorf("source %s: item selector is required", name)
	}
	return &Scrape{
		name:      name,
		pageURL:   u,
		selectors: options,
		maxItems:  maxItems,
		client:    client,
		now:       time.Now,
	}, nil
}

func (s *Scrape) Fetch(ctx context.Context, since time.Time) ([]domain.RawItem, error) {
	body, err := get(ctx, s.client, s.name, s.pageURL.String())
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: parse document: %w", s.name, err)
	}

	fetchedAt := s.now().UTC()
	var items []domain.RawItem
	doc.Find(s.selectors["item"]).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if s.maxItems > 0 && len(items) >= s.maxItems {
			return false
		}
		item, ok := s.parseEntry(sel, fetchedAt)
		if !ok || item.PublishedAt.Before(since) {
			return true
		}
		items = append(items, item)
		return true
	})
	return items, nil
}

func (s *Scrape) parseEntry(sel *goquery.Selection, fetchedAt time.Time) (domain.RawItem, bool) {
	anchor := s.find(sel, "link", "a[href]")
	href, _ := anchor.Attr("href")
	link := s.resolve(href)
	if link == "" {
		return domain.RawItem{}, false
	}

	title := collapseSpace(s.find(sel, "title", "a").Text())
	var summary string
	if q := s.selectors["summary"]; q != "" {
		summary = collapseSpace(sel.Find(q).First().Text())
	}

	// Undated entries are stamped with the fetch time.
	publishedAt := fetchedAt
	if q := s.selectors["date"]; q != "" {
		dateNode := sel.Find(q).First()
		raw, ok := dateNode.Attr("datetime")
		if !ok {
			raw = dateNode.Text()
		}
		layout := s.selectors["date_layout"]
		if layout == "" {
			layout = time.RFC3339
		}
		if t, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
			publishedAt = t.UTC()
		}
	}

	return domain.RawItem{
		SourceType:     s.name,
		SourceNativeID: link,
		URL:            link,
		Title:          title,
		RawText:        summary,
		PublishedAt:    publishedAt,
	}, true
}

func (s *Scrape) find(sel *goquery.Selection, key, fallback string) *goquery.Selection {
	q := s.selectors[key]
	if q == "" {
		q = fallback
	}
	return sel.Find(q).First()
}

func (s *Scrape) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return s.pageURL.ResolveReference(ref).String()
}
