package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
)

// Arxiv queries the arXiv API for the newest submissions matching a search.
type Arxiv struct {
	name     string
	query    string
	maxItems int
	client   *http.Client
	parser   *gofeed.Parser
	baseURL  string
}

func NewArxiv(name, query string, maxItems int, client *http.Client) *Arxiv {
	return &Arxiv{
		name:     name,
		query:    query,
		maxItems: maxItems,
		client:   client,
		parser:   gofeed.NewParser(),
		baseURL:  "http://export.arxiv.org/api/query",
	}
}

func (a *Arxiv) Fetch(ctx context.Context, since time.Time) ([]domain.RawItem, error) {
	query := url.Values{}
	query.Set("search_query", a.query)
	query.Set("start", "0")
	query.Set("max_results", fmt.Sprintf("%d", a.maxItems))
	query.Set("sortBy", "submittedDate")
	query.Set("sortOrder", "descending")

	reqURL := fmt.Sprintf("%s?%s", a.baseURL, query.Encode())

	feed, err := fetchFeed(ctx, a.client, a.parser, a.name, reqURL)
	if err != nil {
		return nil, err
	}

	items := convertFeed(feed, a.name, since, a.maxItems, paperText)
	for i := range items {
		items[i].SourceNativeID = arxivID(items[i].SourceNativeID)
	}
	return items, nil
}

// paperText prefixes the abstract with the author list.
func paperText(item *gofeed.Item) string {
	abstract := collapseSpace(item.Description)
	if len(item.Authors) == 0 {
		return abstract
	}
	names := make([]string, 0, len(item.Authors))
	for _, p := range item.Authors {
		if p != nil && strings.TrimSpace(p.Name) != "" {
			names = append(names, strings.TrimSpace(p.Name))
		}
	}
	if len(names) == 0 {
		return abstract
	}
	return "Authors: " + strings.Join(names, ", ") + ". " + abstract
}

// arxivID strips the abs URL and version suffix so revisions of a paper
// share one native id.
func arxivID(guid string) string {
	id := guid
	if i := strings.LastIndex(id, "/abs/"); i >= 0 {
		id = id[i+len("/abs/"):]
	}
	if i := strings.LastIndex(id, "v"); i > 0 && isDigits(id[i+1:]) {
		id = id[:i]
	}
	return id
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
