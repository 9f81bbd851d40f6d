package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/ryosukesatoh/daily-digest/internal/config"
	"github.com/ryosukesatoh/daily-digest/internal/domain"
	"github.com/ryosukesatoh/daily-digest/internal/logging"
	"github.com/ryosukesatoh/daily-digest/internal/publisher"
	"github.com/ryosukesatoh/daily-digest/internal/runner"
	"github.com/ryosukesatoh/daily-digest/internal/source"
	"github.com/ryosukesatoh/daily-digest/internal/store"
	"github.com/ryosukesatoh/daily-digest/internal/summarizer"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	once := flag.Bool("once", false, "run the pipeline once and exit")
	date := flag.String("date", "", "run for this date (YYYY-MM-DD) instead of today; implies -once")
	preview := flag.Bool("preview", false, "build the digest without delivering it and print it")
	subscribers := flag.String("subscribers", "", "manage subscribers: list, add, remove, pause or resume")
	email := flag.String("email", "", "subscriber email for -subscribers")
	name := flag.String("name", "", "subscriber name for -subscribers add")
	stats := flag.Bool("stats", false, "print item, digest and subscriber counts")
	flag.Parse()

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	switch {
	case *subscribers != "" || *stats:
		err = admin(cfg, func(ctx context.Context, st *store.Store) error {
			if *stats {
				return printStats(ctx, st, os.Stdout)
			}
			return manageSubscribers(ctx, st, *subscribers, *email, *name, os.Stdout)
		})
	case *preview:
		err = runPreview(cfg, logger, *date)
	default:
		err = run(cfg, logger, *once || *date != "", *date)
	}
	if err != nil {
		logger.Error("daily-digest failed", "error", err)
		os.Exit(1)
	}
}

type app struct {
	runner *runner.Runner
	store  *store.Store
	webs   []*publisher.WebPublisher
	logger *slog.Logger
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	reg, err := source.FromConfig(cfg, nil)
	if err != nil {
		st.Close()
		return nil, err
	}
	gateway, err := summarizer.New(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	pubs, err := publisher.FromConfig(cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	r, err := runner.FromConfig(cfg, st, reg, gateway, pubs, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{runner: r, store: st, logger: logger}
	for _, p := range pubs {
		if wp, ok := p.(*publisher.WebPublisher); ok {
			a.webs = append(a.webs, wp)
		}
	}
	logger.Info("pipeline configured",
		"sources", reg.Len(),
		"topics", cfg.GetTopicsString(),
		"summarizer", cfg.Summarizer.Type,
		"publishers", len(pubs),
		"store", cfg.Store.Driver,
	)
	return a, nil
}

// startWeb serves the latest stored digest until the next run replaces it.
func (a *app) startWeb(ctx context.Context) error {
	if len(a.webs) == 0 {
		return nil
	}
	latest, err := a.runner.LatestPayload(ctx)
	if err != nil {
		return fmt.Errorf("load latest digest: %w", err)
	}
	for _, wp := range a.webs {
		if latest != nil {
			wp.Seed(latest)
		}
		if err := wp.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, wp := range a.webs {
		if err := wp.Shutdown(ctx); err != nil {
			a.logger.Warn("web server shutdown error", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close error", "error", err)
	}
}

func (a *app) runOnce(ctx context.Context, date string) error {
	var (
		report *runner.Report
		err    error
	)
	if date != "" {
		report, err = a.runner.RunDate(ctx, date)
	} else {
		report, err = a.runner.Run(ctx)
	}
	if report != nil {
		attrs := []any{"date", report.Date, "state", report.State, "degraded", report.Degraded,
			"failed_sources", len(report.Failures), "short_circuited", report.ShortCircuited}
		if report.Digest != nil {
			attrs = append(attrs, "items", len(report.Digest.Items))
		}
		a.logger.Info("run finished", attrs...)
	}
	return err
}

// admin opens only the store, so it works without source or API settings
// being reachable.
func admin(cfg *config.Config, fn func(ctx context.Context, st *store.Store) error) error {
	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func runPreview(cfg *config.Config, logger *slog.Logger, date string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.shutdown()
	return a.preview(ctx, date, os.Stdout)
}

func run(cfg *config.Config, logger *slog.Logger, once bool, date string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.shutdown()

	if once {
		logger.Info("running digest (once mode)")
		return a.runOnce(ctx, date)
	}

	if err := a.startWeb(ctx); err != nil {
		return err
	}

	if cfg.RunOnStart {
		logger.Info("running initial digest")
		if err := a.runOnce(ctx, ""); err != nil {
			logger.Error("initial run failed", "error", err)
		}
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(cfg.Schedule, func() {
		logger.Info("cron triggered, running digest")
		if err := a.runOnce(ctx, ""); err != nil {
			if errors.Is(err, domain.ErrRunInFlight) {
				logger.Warn("another process is running today's digest")
				return
			}
			logger.Error("scheduled run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("set up cron schedule %q: %w", cfg.Schedule, err)
	}
	c.Start()
	logger.Info("scheduled digest", "schedule", cfg.Schedule, "timezone", cfg.Timezone)

	<-ctx.Done()
	logger.Info("shutting down")
	<-c.Stop().Done()
	logger.Info("shutdown complete")
	return nil
}
