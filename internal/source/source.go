// Package source holds the content adapters a run ingests from and the
// registry that maps configured names to them.
package source

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/config"
	"github.com/ryosukesatoh/daily-digest/internal/domain"
)

// Source fetches raw items published at or after since.
type Source interface {
	Fetch(ctx context.Context, since time.Time) ([]domain.RawItem, error)
}

// Entry is one configured source instance. Name doubles as the
// source_type of every item it produces.
type Entry struct {
	Name   string
	Kind   string
	Trust  float64
	Source Source
}

// Registry keeps a mapping from source names to their adapters.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]Entry{}}
}

// Register adds a source. Names must be unique.
func (r *Registry) Register(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("source: entry name is required")
	}
	if e.Source == nil {
		return fmt.Errorf("source %s: adapter is nil", e.Name)
	}
	if _, ok := r.entries[e.Name]; ok {
		return fmt.Errorf("source %s is already registered", e.Name)
	}
	r.entries[e.Name] = e
	return nil
}

// Resolve returns a source by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Entry, error) {
	if e, ok := r.entries[name]; ok {
		return e, nil
	}
	return Entry{}, fmt.Errorf("source %s is not registered", name)
}

// Entries returns every registered source ordered by name.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Trust returns the trust table keyed by source name.
func (r *Registry) Trust() map[string]float64 {
	out := make(map[string]float64, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.Trust
	}
	return out
}

// Len reports the number of registered sources.
func (r *Registry) Len() int { return len(r.entries) }

// FromConfig builds the registry for every configured source.
func FromConfig(cfg *config.Config, client *http.Client) (*Registry, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	reg := NewRegistry()
	for _, sc := range cfg.Sources {
		src, err := New(sc, client)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(Entry{
			Name:   sc.Name,
			Kind:   sc.Kind,
			Trust:  cfg.TrustFor(sc),
			Source: src,
		}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// New creates the adapter for one source configuration.
func New(sc config.SourceConfig, client *http.Client) (Source, error) {
	switch sc.Kind {
	case "rss":
		return NewRSS(sc.Name, sc.URL, sc.MaxItems, client), nil
	case "youtube":
		return NewYouTube(sc.Name, sc.ChannelID, sc.URL, sc.MaxItems, client), nil
	case "arxiv":
		a := NewArxiv(sc.Name, sc.Query, sc.MaxItems, client)
		if sc.URL != "" {
			a.baseURL = sc.URL
		}
		return a, nil
	case "scrape":
		return NewScrape(sc.Name, sc.URL, sc.Options, sc.MaxItems, client)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedSourceKind, sc.Kind)
	}
}

// ErrUnsupportedSourceKind is returned when an unsupported source kind is specified
var ErrUnsupportedSourceKind = fmt.Errorf("unsupported source kind")
