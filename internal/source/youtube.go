package source

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
)

const youtubeFeedURL = "https://www.youtube.com/feeds/videos.xml"

// YouTube reads a channel's uploads feed. The video description stands in
// for the transcript.
type YouTube struct {
	name     string
	feedURL  string
	maxItems int
	client   *http.Client
	parser   *gofeed.Parser
}

// NewYouTube builds the adapter from a channel id, or from an explicit feed
// URL when one is configured.
func NewYouTube(name, channelID, feedURL string, maxItems int, client *http.Client) *YouTube {
	if feedURL == "" {
		feedURL = youtubeFeedURL + "?" + url.Values{"channel_id": {channelID}}.Encode()
	}
	return &YouTube{
		name:     name,
		feedURL:  feedURL,
		maxItems: maxItems,
		client:   client,
		parser:   gofeed.NewParser(),
	}
}

func (y *YouTube) Fetch(ctx context.Context, since time.Time) ([]domain.RawItem, error) {
	feed, err := fetchFeed(ctx, y.client, y.parser, y.name, y.feedURL)
	if err != nil {
		return nil, err
	}
	items := convertFeed(feed, y.name, since, y.maxItems, videoDescription)

	// Prefer the bare video id over the yt:video:<id> guid.
	ids := make(map[string]string, len(feed.Items))
	for _, it := range feed.Items {
		if id := extensionValue(it, "yt", "videoId"); id != "" {
			ids[it.Link] = id
		}
	}
	for i := range items {
		if id, ok := ids[items[i].URL]; ok {
			items[i].SourceNativeID = id
		}
	}
	return items, nil
}

func videoDescription(item *gofeed.Item) string {
	groups := item.Extensions["media"]["group"]
	if len(groups) > 0 {
		if desc := groups[0].Children["description"]; len(desc) > 0 {
			return collapseSpace(desc[0].Value)
		}
	}
	return itemText(item)
}

func extensionValue(item *gofeed.Item, ns, name string) string {
	if vals := item.Extensions[ns][name]; len(vals) > 0 {
		return vals[0].Value
	}
	return ""
}
