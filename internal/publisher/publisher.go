// Package publisher delivers digests through one or more channels.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/config"
	"github.com/ryosukesatoh/daily-digest/internal/domain"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

// Publisher delivers a digest payload to some output destination.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, payload *domain.DigestPayload) (domain.Receipt, error)
}

// ErrUnsupportedPublisherType is returned when an unsupported publisher type is specified
var ErrUnsupportedPublisherType = fmt.Errorf("unsupported publisher type")

// New creates the publisher for one configuration entry. deliver is the
// retry policy used by publishers that send in several steps. subs may be
// nil when no subscriber registry is available.
func New(pc config.PublisherConfig, deliver retry.Policy, subs SubscriberStore, logger *slog.Logger) (Publisher, error) {
	switch pc.Type {
	case "stdout":
		return NewStdoutPublisher(), nil
	case "email":
		ep := NewEmailPublisher(pc.Email.SMTPHost, pc.Email.SMTPPort, pc.Email.Username, pc.Email.Password, pc.Email.From, pc.Email.To)
		if pc.Email.Subscribers {
			if subs == nil {
				return nil, fmt.Errorf("publisher: email subscribers enabled without a subscriber store")
			}
			ep.WithSubscribers(subs, logger)
		}
		return ep, nil
	case "discord":
		return NewDiscordPublisher(pc.Discord.WebhookURL, deliver), nil
	case "web":
		return NewWebPublisher(pc.Web.Addr, pc.Web.AllowOrigins, logger), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedPublisherType, pc.Type)
	}
}

// FromConfig creates every configured publisher.
func FromConfig(cfg *config.Config, subs SubscriberStore, logger *slog.Logger) ([]Publisher, error) {
	var pubs []Publisher
	for _, pc := range cfg.GetPublishers() {
		p, err := New(pc, cfg.Retry.Deliver.Policy(), subs, logger)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}
	return pubs, nil
}

func receipt(channel, reference string) domain.Receipt {
	return domain.Receipt{Channel: channel, Reference: reference, DeliveredAt: time.Now().UTC()}
}

func digestTitle(payload *domain.DigestPayload) string {
	title := "Daily Digest: " + payload.Date
	if payload.Degraded {
		title += " (partial)"
	}
	return title
}
