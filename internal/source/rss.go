package source

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
)

// RSS reads an RSS, Atom or JSON feed.
type RSS struct {
	name     string
	url      string
	maxItems int
	client   *http.Client
	parser   *gofeed.Parser
}

func NewRSS(name, url string, maxItems int, client *http.Client) *RSS {
	return &RSS{
		name:     name,
		url:      url,
		maxItems: maxItems,
		client:   client,
		parser:   gofeed.NewParser(),
	}
}

func (r *RSS) Fetch(ctx context.Context, since time.Time) ([]domain.RawItem, error) {
	feed, err := fetchFeed(ctx, r.client, r.parser, r.name, r.url)
	if err != nil {
		return nil, err
	}
	return convertFeed(feed, r.name, since, r.maxItems, itemText), nil
}

func fetchFeed(ctx context.Context, client *http.Client, parser *gofeed.Parser, service, url string) (*gofeed.Feed, error) {
	body, err := get(ctx, client, service, url)
	if err != nil {
		return nil, err
	}
	feed, err := parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: parsing feed %s: %w", service, url, err)
	}
	return feed, nil
}

// convertFeed maps feed entries onto raw items. Entries without a link or a
// date, or published before since, are dropped.
func convertFeed(feed *gofeed.Feed, sourceType string, since time.Time, max int, text func(*gofeed.Item) string) []domain.RawItem {
	out := make([]domain.RawItem, 0, len(feed.Items))
	for _, item := range feed.Items {
		if max > 0 && len(out) >= max {
			break
		}
		link := strings.TrimSpace(item.Link)
		if link == "" {
			continue
		}

		var publishedAt time.Time
		if item.PublishedParsed != nil {
			publishedAt = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			publishedAt = *item.UpdatedParsed
		} else {
			continue
		}
		if publishedAt.Before(since) {
			continue
		}

		nativeID := strings.TrimSpace(item.GUID)
		if nativeID == "" {
			nativeID = link
		}

		out = append(out, domain.RawItem{
			SourceType:     sourceType,
			SourceNativeID: nativeID,
			URL:            link,
			Title:          collapseSpace(item.Title),
			RawText:        text(item),
			PublishedAt:    publishedAt.UTC(),
		})
	}
	return out
}

// itemText prefers full content over the description.
func itemText(item *gofeed.Item) string {
	if item.Content != "" {
		return HTMLToText(item.Content)
	}
	return HTMLToText(item.Description)
}
