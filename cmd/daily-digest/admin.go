package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
	"github.com/ryosukesatoh/daily-digest/internal/publisher"
	"github.com/ryosukesatoh/daily-digest/internal/store"
)

// subscriberStore is what the subscriber commands need from the store.
type subscriberStore interface {
	AddSubscriber(ctx context.Context, email, name string) (*domain.Subscriber, error)
	SetSubscriberStatus(ctx context.Context, email string, status domain.SubscriberStatus) (*domain.Subscriber, error)
	ListSubscribers(ctx context.Context, statuses ...domain.SubscriberStatus) ([]*domain.Subscriber, error)
	Stats(ctx context.Context) (*domain.Stats, error)
}

var _ subscriberStore = (*store.Store)(nil)

var errEmailRequired = errors.New("-email is required")

// manageSubscribers runs one of list, add, remove, pause or resume.
func manageSubscribers(ctx context.Context, st subscriberStore, action, email, name string, out io.Writer) error {
	var status domain.SubscriberStatus
	switch action {
	case "list":
		return listSubscribers(ctx, st, out)
	case "add":
		if email == "" {
			return errEmailRequired
		}
		sub, err := st.AddSubscriber(ctx, email, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Added %s (%s)\n", sub.Email, sub.Status)
		return nil
	case "remove":
		status = domain.SubscriberUnsubscribed
	case "pause":
		status = domain.SubscriberPaused
	case "resume":
		status = domain.SubscriberActive
	default:
		return fmt.Errorf("unknown subscribers action %q (use list, add, remove, pause or resume)", action)
	}

	if email == "" {
		return errEmailRequired
	}
	sub, err := st.SetSubscriberStatus(ctx, email, status)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no subscriber with email %s", domain.NormalizeEmail(email))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s is now %s\n", sub.Email, sub.Status)
	return nil
}

func listSubscribers(ctx context.Context, st subscriberStore, out io.Writer) error {
	subs, err := st.ListSubscribers(ctx)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		fmt.Fprintln(out, "No subscribers found")
		return nil
	}

	var active, inactive []*domain.Subscriber
	for _, sub := range subs {
		if sub.Status == domain.SubscriberActive {
			active = append(active, sub)
		} else {
			inactive = append(inactive, sub)
		}
	}

	fmt.Fprintf(out, "Active subscribers (%d):\n", len(active))
	for i, sub := range active {
		last := "never"
		if sub.LastDigestSentAt != nil {
			last = sub.LastDigestSentAt.Format(domain.DateLayout)
		}
		fmt.Fprintf(out, "%d. %s  joined %s  digests sent %d  last %s\n",
			i+1, sub.Email, sub.SubscribedAt.Format(domain.DateLayout), sub.TotalDigestsSent, last)
	}
	if len(inactive) > 0 {
		fmt.Fprintf(out, "Inactive subscribers (%d):\n", len(inactive))
		for i, sub := range inactive {
			fmt.Fprintf(out, "%d. %s (%s)\n", i+1, sub.Email, sub.Status)
		}
	}
	fmt.Fprintln(out, strings.Repeat("=", 60))
	fmt.Fprintf(out, "Total: %d | Active: %d | Inactive: %d\n", len(subs), len(active), len(inactive))
	return nil
}

func printStats(ctx context.Context, st subscriberStore, out io.Writer) error {
	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

// preview builds the digest for date without delivering it and prints it.
func (a *app) preview(ctx context.Context, date string, out io.Writer) error {
	if date == "" {
		date = a.runner.Today()
	}
	report, payload, err := a.runner.Preview(ctx, date)
	if err != nil {
		return err
	}
	if payload == nil {
		fmt.Fprintf(out, "No digest for %s\n", report.Date)
		return nil
	}
	if _, err := publisher.NewWriterPublisher(out).Publish(ctx, payload); err != nil {
		return err
	}
	a.logger.Info("preview finished", "date", report.Date, "state", report.State,
		"items", len(payload.Entries), "degraded", report.Degraded)
	return nil
}
