// Package ingest fetches every registered source, persists normalized
// items and summarizes them.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
	"github.com/ryosukesatoh/daily-digest/internal/fingerprint"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
	"github.com/ryosukesatoh/daily-digest/internal/source"
	"github.com/ryosukesatoh/daily-digest/internal/store"
	"github.com/ryosukesatoh/daily-digest/internal/summarizer"
)

// ItemStore is the part of the store the coordinator writes through.
type ItemStore interface {
	UpsertRaw(ctx context.Context, it *domain.Item, runDate string) (*domain.Item, store.UpsertOutcome, error)
	SaveItem(ctx context.Context, it *domain.Item) error
	CarryOver(ctx context.Context, runDate string, since time.Time) (int, error)
}

var _ ItemStore = (*store.Store)(nil)

type Options struct {
	Concurrency      int
	MinContentLength int
	// MaxLength caps gateway summaries, FallbackLength truncated ones.
	MaxLength       int
	FallbackLength  int
	CarryOver       time.Duration
	FetchPolicy     retry.Policy
	SummarizePolicy retry.Policy
}

type Coordinator struct {
	registry *source.Registry
	store    ItemStore
	strategy fingerprint.Strategy
	gateway  summarizer.Gateway
	opts     Options
	logger   *slog.Logger
}

func New(registry *source.Registry, st ItemStore, strategy fingerprint.Strategy, gateway summarizer.Gateway, opts Options, logger *slog.Logger) *Coordinator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Coordinator{
		registry: registry,
		store:    st,
		strategy: strategy,
		gateway:  gateway,
		opts:     opts,
		logger:   logger.With("component", "ingest"),
	}
}

// IngestStats counts what one ingestion pass did.
type IngestStats struct {
	Sources     int
	Failed      int
	Fetched     int
	Dropped     int
	Inserted    int
	Updated     int
	Unchanged   int
	Skipped     int
	CarriedOver int
}

type fetchResult struct {
	entry source.Entry
	items []domain.RawItem
}

// Ingest fetches items published since the given time from every source
// over a bounded worker pool and upserts them for the run. Sources that
// exhaust their retries are recorded on rc and skipped. Ingestion stops
// early when ctx is done and the run is marked partial. Only store
// failures are returned.
func (c *Coordinator) Ingest(ctx context.Context, rc *domain.RunContext, since time.Time) (*IngestStats, error) {
	entries := c.registry.Entries()
	stats := &IngestStats{Sources: len(entries)}

	jobs := make(chan source.Entry, len(entries))
	for _, e := range entries {
		jobs <- e
	}
	close(jobs)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []fetchResult
	)
	for range min(c.opts.Concurrency, len(entries)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range jobs {
				items, err := c.fetch(ctx, e, since)
				if err != nil {
					c.recordFailure(ctx, rc, e, err)
					mu.Lock()
					stats.Failed++
					mu.Unlock()
					continue
				}
				mu.Lock()
				results = append(results, fetchResult{entry: e, items: items})
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Writes happen in a fixed order from a single goroutine and outlive the
	// fetch deadline.
	sort.Slice(results, func(i, j int) bool { return results[i].entry.Name < results[j].entry.Name })
	writeCtx := context.WithoutCancel(ctx)
	for _, r := range results {
		if err := c.persist(writeCtx, rc, r, stats); err != nil {
			return stats, err
		}
	}

	if c.opts.CarryOver > 0 {
		n, err := c.store.CarryOver(writeCtx, rc.Date, rc.Now.Add(-c.opts.CarryOver))
		if err != nil {
			return stats, err
		}
		stats.CarriedOver = n
	}

	c.logger.Info("ingestion complete",
		"date", rc.Date,
		"sources", stats.Sources,
		"failed", stats.Failed,
		"fetched", stats.Fetched,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"unchanged", stats.Unchanged,
		"skipped", stats.Skipped,
		"dropped", stats.Dropped,
		"carried_over", stats.CarriedOver,
	)
	return stats, nil
}

func (c *Coordinator) fetch(ctx context.Context, e source.Entry, since time.Time) ([]domain.RawItem, error) {
	return retry.DoValue(ctx, c.opts.FetchPolicy, func(ctx context.Context) ([]domain.RawItem, error) {
		return e.Source.Fetch(ctx, since)
	})
}

func (c *Coordinator) recordFailure(ctx context.Context, rc *domain.RunContext, e source.Entry, err error) {
	if ctx.Err() != nil {
		rc.MarkPartial()
	}
	fe := &domain.SourceFetchError{Source: e.Name, Attempts: retry.Attempts(err), Err: err}
	rc.AddFailure(domain.SourceFailure{
		Source:   fe.Source,
		Attempts: fe.Attempts,
		Error:    fe.Error(),
		At:       rc.Now,
	})
	c.logger.Warn("source failed, skipping", "source", e.Name, "attempts", fe.Attempts, "error", err)
}

func (c *Coordinator) persist(ctx context.Context, rc *domain.RunContext, r fetchResult, stats *IngestStats) error {
	items := make([]*domain.Item, 0, len(r.items))
	for _, raw := range r.items {
		stats.Fetched++
		it, ok := c.normalize(rc, r.entry.Name, raw)
		if !ok {
			stats.Dropped++
			continue
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	for _, it := range items {
		_, outcome, err := c.store.UpsertRaw(ctx, it, rc.Date)
		if err != nil {
			return err
		}
		switch outcome {
		case store.Inserted:
			stats.Inserted++
		case store.Updated:
			stats.Updated++
		case store.Unchanged:
			stats.Unchanged++
		default:
			stats.Skipped++
		}
	}
	c.logger.Debug("source ingested", "source", r.entry.Name, "items", len(items))
	return nil
}

// normalize turns a raw item into a canonical one. Items without a title
// or url, or with too little text, are dropped.
func (c *Coordinator) normalize(rc *domain.RunContext, sourceType string, raw domain.RawItem) (*domain.Item, bool) {
	title := strings.Join(strings.Fields(raw.Title), " ")
	url := strings.TrimSpace(raw.URL)
	text := strings.TrimSpace(raw.RawText)
	nativeID := strings.TrimSpace(raw.SourceNativeID)
	if nativeID == "" {
		nativeID = url
	}
	if title == "" || url == "" || utf8.RuneCountInString(text) < c.opts.MinContentLength {
		return nil, false
	}

	published := raw.PublishedAt.UTC()
	if raw.PublishedAt.IsZero() {
		published = rc.Now.UTC()
	}
	it := &domain.Item{
		ID:          domain.ItemID(sourceType, nativeID),
		SourceType:  sourceType,
		SourceID:    nativeID,
		URL:         url,
		Title:       title,
		RawText:     text,
		ContentHash: domain.ContentHash(title, text),
		PublishedAt: published,
		FetchedAt:   rc.Now.UTC(),
		Status:      domain.StatusNew,
	}
	if c.strategy != nil {
		it.Fingerprint = c.strategy.Fingerprint(title + " " + text)
	}
	return it, true
}

// SummarizeStats counts what one summarization pass did.
type SummarizeStats struct {
	Summarized int
	Fallback   int
	Pending    int
}

// Summarize produces summaries for the NEW items among items and persists
// each one as soon as it is done. A gateway that keeps failing yields a
// truncated fallback summary. Items still waiting when ctx is done stay NEW
// and the run is marked partial. Only store failures are returned.
func (c *Coordinator) Summarize(ctx context.Context, rc *domain.RunContext, items []*domain.Item) (*SummarizeStats, error) {
	stats := &SummarizeStats{}
	var pending []*domain.Item
	for _, it := range items {
		if it.Status == domain.StatusNew {
			pending = append(pending, it)
		}
	}
	jobs := make(chan *domain.Item, len(pending))
	for _, it := range pending {
		jobs <- it
	}
	close(jobs)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		storeErr error
	)
	writeCtx := context.WithoutCancel(ctx)
	for range min(c.opts.Concurrency, len(pending)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range jobs {
				mu.Lock()
				failed := storeErr != nil
				mu.Unlock()
				if failed {
					continue
				}

				fallback, ok := c.summarize(ctx, it)
				if !ok {
					rc.MarkPartial()
					mu.Lock()
					stats.Pending++
					mu.Unlock()
					continue
				}
				err := c.store.SaveItem(writeCtx, it)

				mu.Lock()
				switch {
				case err != nil:
					if storeErr == nil {
						storeErr = err
					}
				case fallback:
					stats.Fallback++
				default:
					stats.Summarized++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if storeErr != nil {
		return stats, storeErr
	}

	c.logger.Info("summarization complete",
		"date", rc.Date,
		"summarized", stats.Summarized,
		"fallback", stats.Fallback,
		"pending", stats.Pending,
	)
	return stats, nil
}

// summarize fills in the item's summary. It reports false when the run ran
// out of time before a summary could be produced.
func (c *Coordinator) summarize(ctx context.Context, it *domain.Item) (fallback bool, ok bool) {
	if ctx.Err() != nil {
		return false, false
	}
	summary, err := retry.DoValue(ctx, c.opts.SummarizePolicy, func(ctx context.Context) (string, error) {
		return c.gateway.Summarize(ctx, it.RawText, c.opts.MaxLength)
	})
	if err != nil && (ctx.Err() != nil || errors.Is(err, summarizer.ErrRateLimitDeadline)) {
		return false, false
	}
	if err == nil && strings.TrimSpace(summary) == "" {
		err = errors.New("empty summary")
	}
	if err != nil {
		se := &domain.SummarizationError{ItemID: it.ID, Err: err}
		c.logger.Warn("summarization failed, using fallback", "item", it.ID, "title", it.Title, "error", se)
		it.Summary = summarizer.Truncate(it.RawText, c.opts.FallbackLength)
		it.SummaryFallback = true
		fallback = true
	} else {
		it.Summary = strings.TrimSpace(summary)
		it.SummaryFallback = false
	}
	it.Status = domain.StatusSummarized
	return fallback, true
}
