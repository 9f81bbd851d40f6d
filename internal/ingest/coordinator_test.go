package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
	"github.com/ryosukesatoh/daily-digest/internal/fingerprint"
	"github.com/ryosukesatoh/daily-digest/internal/logging"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
	"github.com/ryosukesatoh/daily-digest/internal/source"
	"github.com/ryosukesatoh/daily-digest/internal/store"
	"github.com/ryosukesatoh/daily-digest/internal/summarizer"
)

var now = time.Date(2025, 10, 14, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	items []domain.RawItem
	err   error
	calls atomic.Int32
}

func (f *fakeSource) Fetch(ctx context.Context, since time.Time) ([]domain.RawItem, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

type fakeGateway struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, text string) (string, error)
}

func (g *fakeGateway) Summarize(ctx context.Context, text string, maxLength int) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.fn(ctx, text)
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func rawItems(source string, n int) []domain.RawItem {
	out := make([]domain.RawItem, n)
	for i := range out {
		out[i] = domain.RawItem{
			SourceType:     source,
			SourceNativeID: fmt.Sprintf("%s-%d", source, i),
			URL:            fmt.Sprintf("https://%s.example/%d", source, i),
			Title:          fmt.Sprintf("Story %d from %s", i, source),
			RawText:        fmt.Sprintf("Body of story %d published by %s with enough text to keep.", i, source),
			PublishedAt:    now.Add(-time.Duration(i+1) * time.Hour),
		}
	}
	return out
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newCoordinator(t *testing.T, reg *source.Registry, st ItemStore, gw *fakeGateway) *Coordinator {
	t.Helper()
	if gw == nil {
		gw = &fakeGateway{fn: func(ctx context.Context, text string) (string, error) { return "summary: " + text[:10], nil }}
	}
	return New(reg, st, fingerprint.NewShingle(3), gw, Options{
		Concurrency:      3,
		MinContentLength: 20,
		MaxLength:        200,
		FallbackLength:   16,
		FetchPolicy:      fastPolicy(),
		SummarizePolicy:  fastPolicy(),
	}, logging.Discard())
}

func register(t *testing.T, reg *source.Registry, name string, src source.Source) {
	t.Helper()
	if err := reg.Register(source.Entry{Name: name, Kind: "rss", Trust: 0.5, Source: src}); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestIngestContinuesPastFailingSources(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	reg := source.NewRegistry()

	healthy := map[string]*fakeSource{
		"alpha": {items: rawItems("alpha", 3)},
		"bravo": {items: rawItems("bravo", 2)},
	}
	failing := map[string]*fakeSource{
		"charlie": {err: errors.New("connection refused")},
		"delta":   {err: &retry.StatusError{Service: "delta", Code: 503}},
		"echo":    {err: errors.New("timeout")},
	}
	for name, src := range healthy {
		register(t, reg, name, src)
	}
	for name, src := range failing {
		register(t, reg, name, src)
	}

	rc := domain.NewRunContext("run-1", "2025-10-14", now, nil)
	stats, err := newCoordinator(t, reg, st, nil).Ingest(ctx, rc, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if stats.Failed != 3 || stats.Inserted != 5 {
		t.Errorf("unexpected stats %+v", stats)
	}

	failures := rc.Failures()
	if len(failures) != 3 {
		t.Fatalf("expected 3 recorded failures, got %d", len(failures))
	}
	for _, f := range failures {
		if _, ok := failing[f.Source]; !ok {
			t.Errorf("unexpected failed source %q", f.Source)
		}
		if f.Attempts != 3 {
			t.Errorf("%s: attempts = %d, want 3", f.Source, f.Attempts)
		}
	}
	for name, src := range failing {
		if got := src.calls.Load(); got != 3 {
			t.Errorf("%s fetched %d times, want 3", name, got)
		}
	}
	if rc.Partial() {
		t.Error("source failures alone must not mark the run partial")
	}

	items, err := st.ItemsForRun(ctx, "2025-10-14")
	if err != nil {
		t.Fatalf("ItemsForRun: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("expected 5 stored items, got %d", len(items))
	}
	for _, it := range items {
		if it.SourceType != "alpha" && it.SourceType != "bravo" {
			t.Errorf("item from unexpected source %q", it.SourceType)
		}
		if it.ID != domain.ItemID(it.SourceType, it.SourceID) || len(it.Fingerprint) == 0 {
			t.Errorf("item not normalized: %+v", it)
		}
	}
}

func TestIngestPermanentErrorIsNotRetried(t *testing.T) {
	reg := source.NewRegistry()
	src := &fakeSource{err: &retry.StatusError{Service: "gone", Code: 404}}
	register(t, reg, "gone", src)

	rc := domain.NewRunContext("run-1", "2025-10-14", now, nil)
	if _, err := newCoordinator(t, reg, newStore(t), nil).Ingest(context.Background(), rc, now.Add(-time.Hour)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if got := src.calls.Load(); got != 1 {
		t.Errorf("fetched %d times, want 1", got)
	}
	if f := rc.Failures(); len(f) != 1 || f[0].Attempts != 1 {
		t.Errorf("unexpected failures %+v", f)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	reg := source.NewRegistry()
	register(t, reg, "alpha", &fakeSource{items: rawItems("alpha", 4)})
	c := newCoordinator(t, reg, st, nil)

	rc := domain.NewRunContext("run-1", "2025-10-14", now, nil)
	if _, err := c.Ingest(ctx, rc, now.Add(-24*time.Hour)); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	stats, err := c.Ingest(ctx, rc, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if stats.Inserted != 0 || stats.Unchanged != 4 {
		t.Errorf("re-ingest stats %+v", stats)
	}
	items, _ := st.ItemsForRun(ctx, "")
	if len(items) != 4 {
		t.Errorf("expected 4 items, got %d", len(items))
	}
}

func TestIngestDropsIncompleteItems(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	reg := source.NewRegistry()
	items := rawItems("alpha", 4)
	items[0].Title = "   "
	items[1].URL = ""
	items[2].RawText = "too short"
	register(t, reg, "alpha", &fakeSource{items: items})

	rc := domain.NewRunContext("run-1", "2025-10-14", now, nil)
	stats, err := newCoordinator(t, reg, st, nil).Ingest(ctx, rc, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if stats.Dropped != 3 || stats.Inserted != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestIngestRetriesRequestTimeouts(t *testing.T) {
	reg := source.NewRegistry()
	src := &fakeSource{err: fmt.Errorf("Get \"https://slow.example/feed\": %w", context.DeadlineExceeded)}
	register(t, reg, "slow", src)

	rc := domain.NewRunContext("run-1", "2025-10-14", now, nil)
	if _, err := newCoordinator(t, reg, newStore(t), nil).Ingest(context.Background(), rc, now.Add(-time.Hour)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if got := src.calls.Load(); got != 3 {
		t.Errorf("fetched %d times, want 3", got)
	}
	if f := rc.Failures(); len(f) != 1 || f[0].Attempts != 3 {
		t.Errorf("unexpected failures %+v", f)
	}
	if rc.Partial() {
		t.Error("a request timeout must not mark the run partial")
	}
}

func ingestOne(t *testing.T, st *store.Store, n int) (*domain.RunContext, []*domain.Item) {
	t.Helper()
	ctx := context.Background()
	reg := source.NewRegistry()
	register(t, reg, "alpha", &fakeSource{items: rawItems("alpha", n)})
	rc := domain.NewRunContext("run-1", "2025-10-14", now, nil)
	if _, err := newCoordinator(t, reg, st, nil).Ingest(ctx, rc, now.Add(-24*time.Hour)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	items, err := st.ItemsForRun(ctx, "2025-10-14", domain.StatusNew)
	if err != nil {
		t.Fatalf("ItemsForRun: %v", err)
	}
	return rc, items
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	rc, items := ingestOne(t, st, 3)

	gw := &fakeGateway{fn: func(ctx context.Context, text string) (string, error) {
		return "  short summary  ", nil
	}}
	stats, err := newCoordinator(t, nil, st, gw).Summarize(ctx, rc, items)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if stats.Summarized != 3 || stats.Fallback != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	stored, _ := st.ItemsForRun(ctx, "2025-10-14", domain.StatusSummarized)
	if len(stored) != 3 {
		t.Fatalf("expected 3 summarized items, got %d", len(stored))
	}
	for _, it := range stored {
		if it.Summary != "short summary" || it.SummaryFallback {
			t.Errorf("unexpected summary %q fallback=%v", it.Summary, it.SummaryFallback)
		}
	}

	// Summarized items are not sent to the gateway again.
	again, err := newCoordinator(t, nil, st, gw).Summarize(ctx, rc, stored)
	if err != nil {
		t.Fatalf("Summarize again: %v", err)
	}
	if again.Summarized != 0 || gw.Calls() != 3 {
		t.Errorf("expected no further calls, stats %+v calls %d", again, gw.Calls())
	}
}

func TestSummarizeFallsBackAfterRetries(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	rc, items := ingestOne(t, st, 2)

	gw := &fakeGateway{fn: func(ctx context.Context, text string) (string, error) {
		return "", &retry.StatusError{Service: "anthropic", Code: 529}
	}}
	stats, err := newCoordinator(t, nil, st, gw).Summarize(ctx, rc, items)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if stats.Fallback != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if gw.Calls() != 6 {
		t.Errorf("gateway called %d times, want 6", gw.Calls())
	}

	stored, _ := st.ItemsForRun(ctx, "2025-10-14", domain.StatusSummarized)
	for _, it := range stored {
		if !it.SummaryFallback {
			t.Errorf("%s: expected fallback summary", it.ID)
		}
		if len([]rune(it.Summary)) > 16 || !strings.HasPrefix(it.RawText, it.Summary) {
			t.Errorf("%s: fallback %q is not a prefix of the raw text", it.ID, it.Summary)
		}
	}
	if rc.Partial() {
		t.Error("fallback summaries must not mark the run partial")
	}
}

func TestSummarizeDeadlineLeavesItemsNew(t *testing.T) {
	st := newStore(t)
	rc, items := ingestOne(t, st, 4)

	gw := &fakeGateway{fn: func(ctx context.Context, text string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	stats, err := newCoordinator(t, nil, st, gw).Summarize(ctx, rc, items)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if stats.Pending != 4 || stats.Fallback != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !rc.Partial() {
		t.Error("expected run to be marked partial")
	}
	stored, _ := st.ItemsForRun(context.Background(), "2025-10-14", domain.StatusNew)
	if len(stored) != 4 {
		t.Errorf("expected 4 items still NEW, got %d", len(stored))
	}
}

func TestSummarizeRequestTimeoutFallsBack(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	rc, items := ingestOne(t, st, 2)

	gw := &fakeGateway{fn: func(ctx context.Context, text string) (string, error) {
		return "", fmt.Errorf("anthropic: post messages: %w", context.DeadlineExceeded)
	}}
	stats, err := newCoordinator(t, nil, st, gw).Summarize(ctx, rc, items)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if stats.Fallback != 2 || stats.Pending != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if gw.Calls() != 6 {
		t.Errorf("gateway called %d times, want 6", gw.Calls())
	}
	if rc.Partial() {
		t.Error("request timeouts must not mark the run partial")
	}
	stored, _ := st.ItemsForRun(ctx, "2025-10-14", domain.StatusSummarized)
	if len(stored) != 2 {
		t.Fatalf("expected 2 summarized items, got %d", len(stored))
	}
	for _, it := range stored {
		if !it.SummaryFallback {
			t.Errorf("%s: expected fallback summary", it.ID)
		}
	}
}

func TestSummarizeRateLimitDeadlineLeavesItemsNew(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	rc, items := ingestOne(t, st, 2)

	gw := &fakeGateway{fn: func(ctx context.Context, text string) (string, error) {
		return "", retry.Permanent(fmt.Errorf("%w: no token before deadline", summarizer.ErrRateLimitDeadline))
	}}
	stats, err := newCoordinator(t, nil, st, gw).Summarize(ctx, rc, items)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if stats.Pending != 2 || stats.Fallback != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if gw.Calls() != 2 {
		t.Errorf("gateway called %d times, want 2", gw.Calls())
	}
	if !rc.Partial() {
		t.Error("expected run to be marked partial")
	}
	stored, _ := st.ItemsForRun(ctx, "2025-10-14", domain.StatusNew)
	if len(stored) != 2 {
		t.Errorf("expected 2 items still NEW, got %d", len(stored))
	}
}

type failingStore struct {
	ItemStore
}

func (failingStore) SaveItem(ctx context.Context, it *domain.Item) error {
	return &domain.PersistenceError{Op: "save item", Err: errors.New("disk full")}
}

func TestSummarizeReturnsStoreErrors(t *testing.T) {
	st := newStore(t)
	rc, items := ingestOne(t, st, 2)

	_, err := newCoordinator(t, nil, failingStore{st}, nil).Summarize(context.Background(), rc, items)
	if !domain.IsPersistence(err) {
		t.Errorf("expected PersistenceError, got %v", err)
	}
}
