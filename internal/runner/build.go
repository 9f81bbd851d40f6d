package runner

import (
	"fmt"
	"log/slog"

	"github.com/ryosukesatoh/daily-digest/internal/config"
	"github.com/ryosukesatoh/daily-digest/internal/dedup"
	"github.com/ryosukesatoh/daily-digest/internal/fingerprint"
	"github.com/ryosukesatoh/daily-digest/internal/ingest"
	"github.com/ryosukesatoh/daily-digest/internal/publisher"
	"github.com/ryosukesatoh/daily-digest/internal/scoring"
	"github.com/ryosukesatoh/daily-digest/internal/selector"
	"github.com/ryosukesatoh/daily-digest/internal/source"
	"github.com/ryosukesatoh/daily-digest/internal/store"
	"github.com/ryosukesatoh/daily-digest/internal/summarizer"
)

// FromConfig assembles the stages described by cfg around st.
func FromConfig(cfg *config.Config, st *store.Store, reg *source.Registry, gateway summarizer.Gateway,
	pubs []publisher.Publisher, logger *slog.Logger) (*Runner, error) {
	strategy, err := fingerprint.New(cfg.Dedup.Strategy, fingerprint.Options{
		ShingleSize: cfg.Dedup.ShingleSize,
		Dimensions:  cfg.Dedup.Dimensions,
	})
	if err != nil {
		return nil, err
	}
	scorer, err := scoring.FromConfig(cfg, reg.Trust())
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}

	coord := ingest.New(reg, st, strategy, gateway, ingest.Options{
		Concurrency:      cfg.Concurrency,
		MinContentLength: cfg.Ingest.MinContentLength,
		MaxLength:        cfg.Summarizer.MaxLength,
		FallbackLength:   cfg.Ingest.FallbackLength,
		CarryOver:        cfg.Ingest.CarryOver,
		FetchPolicy:      cfg.Retry.Fetch.Policy(),
		SummarizePolicy:  cfg.Retry.Summarize.Policy(),
	}, logger)

	return New(st, coord,
		dedup.New(strategy, cfg.Dedup.Threshold, cfg.Dedup.Window),
		scorer,
		selector.New(cfg.Digest.MaxItems, cfg.Digest.PerSource),
		pubs,
		Options{
			Lookback:      cfg.Ingest.Lookback,
			Deadline:      cfg.Deadline,
			Lease:         cfg.Lease,
			Location:      loc,
			DeliverPolicy: cfg.Retry.Deliver.Policy(),
		},
		logger,
	), nil
}
