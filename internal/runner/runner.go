// Package runner drives one day's run through ingest, summarize, dedup,
// score, select, persist and deliver, checkpointing every stage so a
// crashed run resumes where it stopped.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ryosukesatoh/daily-digest/internal/dedup"
	"github.com/ryosukesatoh/daily-digest/internal/domain"
	"github.com/ryosukesatoh/daily-digest/internal/ingest"
	"github.com/ryosukesatoh/daily-digest/internal/publisher"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
	"github.com/ryosukesatoh/daily-digest/internal/scoring"
	"github.com/ryosukesatoh/daily-digest/internal/selector"
	"github.com/ryosukesatoh/daily-digest/internal/store"
)

// Store is the state the runner reads and checkpoints through.
type Store interface {
	BeginRun(ctx context.Context, date, owner string, now time.Time, lease time.Duration) (*domain.Run, error)
	ReleaseRun(ctx context.Context, r *domain.Run, owner string) error
	CommitStage(ctx context.Context, r *domain.Run, items []*domain.Item) error
	ItemsForRun(ctx context.Context, runDate string, statuses ...domain.Status) ([]*domain.Item, error)
	ItemsByID(ctx context.Context, ids []string) ([]*domain.Item, error)
	CommitDigest(ctx context.Context, r *domain.Run, d *domain.Digest, selected []*domain.Item) (*domain.Digest, error)
	GetDigest(ctx context.Context, date string) (*domain.Digest, error)
	LatestDigest(ctx context.Context) (*domain.Digest, error)
	MarkDelivered(ctx context.Context, r *domain.Run, d *domain.Digest, receipts []domain.Receipt, sentAt time.Time) error
}

var _ Store = (*store.Store)(nil)

type Options struct {
	// Lookback bounds how far back sources are asked for items.
	Lookback time.Duration
	// Deadline bounds ingestion and summarization together. Zero disables it.
	Deadline time.Duration
	Lease    time.Duration
	// Owner identifies this process in run leases. Defaults to a random id.
	Owner         string
	Location      *time.Location
	DeliverPolicy retry.Policy
}

// Runner orchestrates the pipeline for a date.
type Runner struct {
	store       Store
	coordinator *ingest.Coordinator
	dedup       *dedup.Engine
	scorer      *scoring.Scorer
	selector    *selector.Selector
	publishers  []publisher.Publisher
	opts        Options
	now         func() time.Time
	logger      *slog.Logger
}

func New(st Store, coord *ingest.Coordinator, engine *dedup.Engine, scorer *scoring.Scorer,
	sel *selector.Selector, pubs []publisher.Publisher, opts Options, logger *slog.Logger) *Runner {
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Hour
	}
	return &Runner{
		store:       st,
		coordinator: coord,
		dedup:       engine,
		scorer:      scorer,
		selector:    sel,
		publishers:  pubs,
		opts:        opts,
		now:         time.Now,
		logger:      logger.With("component", "runner"),
	}
}

// Report summarizes what a run did.
type Report struct {
	Date     string
	State    domain.RunState
	Digest   *domain.Digest
	Failures []domain.SourceFailure
	Degraded bool
	// ShortCircuited is set when the digest already existed and only
	// delivery was attempted.
	ShortCircuited bool
}

// Today returns the run date for the current time in the configured location.
func (r *Runner) Today() string {
	return r.now().In(r.opts.Location).Format(domain.DateLayout)
}

// Run executes the pipeline for today.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	return r.RunDate(ctx, r.Today())
}

// RunDate executes the pipeline for date (YYYY-MM-DD). A date that already
// has a digest is only delivered, and a delivered one is left alone.
func (r *Runner) RunDate(ctx context.Context, date string) (*Report, error) {
	return r.runDate(ctx, date, true)
}

// Preview runs the pipeline for date up to PERSISTED without delivering
// and returns the digest as it would be sent. A later RunDate delivers the
// same digest.
func (r *Runner) Preview(ctx context.Context, date string) (*Report, *domain.DigestPayload, error) {
	report, err := r.runDate(ctx, date, false)
	if err != nil || report.Digest == nil {
		return report, nil, err
	}
	payload, err := r.payload(ctx, report.Digest)
	if err != nil {
		return report, nil, fmt.Errorf("runner: preview: %w", err)
	}
	return report, payload, nil
}

func (r *Runner) runDate(ctx context.Context, date string, deliver bool) (*Report, error) {
	if _, err := time.ParseInLocation(domain.DateLayout, date, r.opts.Location); err != nil {
		return nil, fmt.Errorf("runner: invalid date %q: %w", date, err)
	}
	log := r.logger.With("date", date)

	run, err := r.store.BeginRun(ctx, date, r.opts.Owner, r.now(), r.opts.Lease)
	if err != nil {
		return nil, fmt.Errorf("runner: begin run: %w", err)
	}
	defer func() {
		if err := r.store.ReleaseRun(context.WithoutCancel(ctx), run, r.opts.Owner); err != nil {
			log.Warn("failed to release run lease", "error", err)
		}
	}()

	report := &Report{Date: date}
	existing, err := r.store.GetDigest(ctx, date)
	switch {
	case err == nil:
		log.Info("digest already exists, skipping to delivery", "digest", existing.ID, "state", run.State)
		report.ShortCircuited = true
		report.Digest = existing
		return r.finish(ctx, log, run, existing, report, deliver)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("runner: %w", err)
	}

	rc := domain.NewRunContext(run.ID, date, r.now(), r.opts.Location)
	for _, f := range run.Failures {
		rc.AddFailure(f)
	}
	if run.Partial {
		rc.MarkPartial()
	}
	if run.State != domain.RunIngesting {
		log.Info("resuming run", "state", run.State)
	}

	digest, err := r.stages(ctx, log, rc, run)
	report.Failures = rc.Failures()
	if err != nil {
		report.State = run.State
		return report, err
	}
	report.Digest = digest
	return r.finish(ctx, log, run, digest, report, deliver)
}

// stages runs every stage from the run's persisted state up to PERSISTED.
func (r *Runner) stages(ctx context.Context, log *slog.Logger, rc *domain.RunContext, run *domain.Run) (*domain.Digest, error) {
	fetchCtx := ctx
	if r.opts.Deadline > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.opts.Deadline)
		defer cancel()
	}

	if run.State == domain.RunIngesting {
		if _, err := r.coordinator.Ingest(fetchCtx, rc, rc.Now.Add(-r.opts.Lookback)); err != nil {
			return nil, fmt.Errorf("runner: ingest: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.checkpoint(ctx, rc, run, domain.RunSummarizing, nil); err != nil {
			return nil, err
		}
	}

	if run.State == domain.RunSummarizing {
		items, err := r.store.ItemsForRun(ctx, rc.Date, domain.StatusNew)
		if err != nil {
			return nil, fmt.Errorf("runner: summarize: %w", err)
		}
		if _, err := r.coordinator.Summarize(fetchCtx, rc, items); err != nil {
			return nil, fmt.Errorf("runner: summarize: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.checkpoint(ctx, rc, run, domain.RunDeduping, nil); err != nil {
			return nil, err
		}
	}

	if run.State == domain.RunDeduping {
		items, err := r.store.ItemsForRun(ctx, rc.Date, domain.StatusSummarized)
		if err != nil {
			return nil, fmt.Errorf("runner: dedup: %w", err)
		}
		res := r.dedup.Run(items)
		log.Info("dedup complete", "kept", len(res.Kept), "rejected", len(res.Rejected), "clusters", res.Clusters)
		touched := append(append([]*domain.Item{}, res.Kept...), res.Rejected...)
		if err := r.checkpoint(ctx, rc, run, domain.RunScoring, touched); err != nil {
			return nil, err
		}
	}

	if run.State == domain.RunScoring {
		items, err := r.store.ItemsForRun(ctx, rc.Date, domain.StatusDeduped)
		if err != nil {
			return nil, fmt.Errorf("runner: score: %w", err)
		}
		r.scorer.ScoreAll(rc, items)
		if err := r.checkpoint(ctx, rc, run, domain.RunSelecting, items); err != nil {
			return nil, err
		}
	}

	items, err := r.store.ItemsForRun(ctx, rc.Date, domain.StatusScored)
	if err != nil {
		return nil, fmt.Errorf("runner: select: %w", err)
	}
	selected := r.selector.Select(items)

	run.Partial = rc.Partial()
	run.Failures = rc.Failures()
	run.Degraded = run.Partial || len(run.Failures) > 0 || anyFallback(selected)
	d := &domain.Digest{
		ID:          domain.DigestID(rc.Date),
		Date:        rc.Date,
		Items:       selector.IDs(selected),
		GeneratedAt: r.now().UTC(),
		Degraded:    run.Degraded,
	}
	stored, err := r.store.CommitDigest(ctx, run, d, selected)
	if err != nil {
		return nil, fmt.Errorf("runner: persist digest: %w", err)
	}
	log.Info("digest persisted",
		"digest", stored.ID,
		"items", len(stored.Items),
		"candidates", len(items),
		"degraded", stored.Degraded,
	)
	return stored, nil
}

// checkpoint records the run's flags and moves it to next together with
// the items the finished stage changed.
func (r *Runner) checkpoint(ctx context.Context, rc *domain.RunContext, run *domain.Run, next domain.RunState, items []*domain.Item) error {
	prev := run.State
	run.State = next
	run.Partial = rc.Partial()
	run.Failures = rc.Failures()
	if err := r.store.CommitStage(ctx, run, items); err != nil {
		run.State = prev
		return fmt.Errorf("runner: checkpoint %s: %w", next, err)
	}
	return nil
}

func (r *Runner) finish(ctx context.Context, log *slog.Logger, run *domain.Run, d *domain.Digest, report *Report, deliver bool) (*Report, error) {
	report.Degraded = d.Degraded
	if report.Failures == nil {
		report.Failures = run.Failures
	}
	var err error
	if deliver {
		err = r.deliver(ctx, log, run, d)
	} else {
		log.Info("preview only, delivery skipped", "digest", d.ID, "items", len(d.Items))
	}
	report.State = run.State
	return report, err
}

// deliver sends d through every publisher. One successful publisher is
// enough to mark the digest delivered.
func (r *Runner) deliver(ctx context.Context, log *slog.Logger, run *domain.Run, d *domain.Digest) error {
	if d.Delivered() {
		log.Info("digest already delivered", "digest", d.ID, "sent_at", d.SentAt)
		run.State = domain.RunDelivered
		return nil
	}
	if len(d.Items) == 0 {
		log.Info("digest is empty, nothing to deliver", "digest", d.ID)
		return nil
	}

	payload, err := r.payload(ctx, d)
	if err != nil {
		return fmt.Errorf("runner: deliver: %w", err)
	}

	var (
		receipts []domain.Receipt
		errs     []error
	)
	for _, p := range r.publishers {
		log.Info("publishing", "publisher", p.Name())
		rcpt, err := retry.DoValue(ctx, r.opts.DeliverPolicy, func(ctx context.Context) (domain.Receipt, error) {
			return p.Publish(ctx, payload)
		})
		if err != nil {
			log.Warn("publisher failed", "publisher", p.Name(), "attempts", retry.Attempts(err), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		receipts = append(receipts, rcpt)
	}
	if len(r.publishers) == 0 {
		errs = append(errs, errors.New("no publishers configured"))
	}
	if len(receipts) == 0 {
		return &domain.DeliveryError{DigestID: d.ID, Errs: errs}
	}
	if len(errs) > 0 {
		log.Warn("delivery completed with publisher failures", "failed", len(errs), "publishers", len(r.publishers))
	}

	if err := r.store.MarkDelivered(ctx, run, d, receipts, r.now()); err != nil {
		return fmt.Errorf("runner: mark delivered: %w", err)
	}
	log.Info("digest delivered", "digest", d.ID, "receipts", len(receipts))
	return nil
}

func (r *Runner) payload(ctx context.Context, d *domain.Digest) (*domain.DigestPayload, error) {
	items, err := r.store.ItemsByID(ctx, d.Items)
	if err != nil {
		return nil, err
	}
	p := &domain.DigestPayload{
		DigestID: d.ID,
		Date:     d.Date,
		Degraded: d.Degraded,
		Entries:  make([]domain.PayloadEntry, 0, len(items)),
	}
	for _, it := range items {
		p.Entries = append(p.Entries, domain.PayloadEntry{
			Title:            it.Title,
			URL:              it.URL,
			Summary:          it.Summary,
			SourceType:       it.SourceType,
			AlternateSources: it.AlternateSources,
		})
	}
	return p, nil
}

// LatestPayload returns the newest stored digest as a payload, or nil when
// none has been generated yet.
func (r *Runner) LatestPayload(ctx context.Context) (*domain.DigestPayload, error) {
	d, err := r.store.LatestDigest(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.payload(ctx, d)
}

func anyFallback(items []*domain.Item) bool {
	for _, it := range items {
		if it.SummaryFallback {
			return true
		}
	}
	return false
}
