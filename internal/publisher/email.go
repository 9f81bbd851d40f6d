package publisher

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

// SubscriberStore supplies subscriber recipients and records what was sent
// to each of them.
type SubscriberStore interface {
	DueSubscribers(ctx context.Context, date string) ([]*domain.Subscriber, error)
	RecordDelivery(ctx context.Context, d *domain.Delivery) error
}

// ErrNoRecipients is returned when neither static addresses nor due
// subscribers are available.
var ErrNoRecipients = errors.New("email: no recipients")

// EmailPublisher sends the digest as an HTML email via SMTP, one message
// per recipient.
type EmailPublisher struct {
	host        string
	port        int
	username    string
	password    string
	from        string
	to          []string
	subscribers SubscriberStore
	logger      *slog.Logger
	sendMail    func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now         func() time.Time
}

func NewEmailPublisher(host string, port int, username, password, from string, to []string) *EmailPublisher {
	return &EmailPublisher{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		to:       to,
		logger:   slog.New(slog.DiscardHandler),
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

// WithSubscribers also sends to the active subscribers in subs that have
// not received the digest yet, recording every attempt.
func (p *EmailPublisher) WithSubscribers(subs SubscriberStore, logger *slog.Logger) *EmailPublisher {
	p.subscribers = subs
	p.logger = logger.With("component", "email")
	return p
}

func (p *EmailPublisher) Name() string { return "email" }

type recipient struct {
	address    string
	subscriber *domain.Subscriber
}

func (p *EmailPublisher) recipients(ctx context.Context, date string) ([]recipient, error) {
	seen := map[string]bool{}
	var out []recipient
	for _, addr := range p.to {
		key := domain.NormalizeEmail(addr)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, recipient{address: strings.TrimSpace(addr)})
	}
	if p.subscribers == nil {
		return out, nil
	}
	subs, err := p.subscribers.DueSubscribers(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("email: load subscribers: %w", err)
	}
	for _, sub := range subs {
		if seen[sub.Email] {
			continue
		}
		seen[sub.Email] = true
		out = append(out, recipient{address: sub.Email, subscriber: sub})
	}
	return out, nil
}

// Publish succeeds when at least one recipient was sent the digest. The
// receipt lists the outcome for every recipient.
func (p *EmailPublisher) Publish(ctx context.Context, payload *domain.DigestPayload) (domain.Receipt, error) {
	recipients, err := p.recipients(ctx, payload.Date)
	if err != nil {
		return domain.Receipt{}, err
	}
	if len(recipients) == 0 {
		return domain.Receipt{}, retry.Permanent(ErrNoRecipients)
	}

	addr := fmt.Sprintf("%s:%d", p.host, p.port)
	var auth smtp.Auth
	if p.username != "" {
		auth = smtp.PlainAuth("", p.username, p.password, p.host)
	}
	body := buildHTMLBody(payload)

	var (
		results []domain.RecipientReceipt
		errs    []error
		sent    int
	)
	for i, rc := range recipients {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		messageID := fmt.Sprintf("<%s.%d@daily-digest>", payload.DigestID, i+1)
		msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMessage-ID: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s",
			p.from,
			rc.address,
			digestTitle(payload),
			messageID,
			body,
		)

		result := domain.RecipientReceipt{Address: rc.address}
		delivery := &domain.Delivery{Email: rc.address, DigestDate: payload.Date, At: p.now().UTC()}
		if err := p.sendMail(addr, auth, p.from, []string{rc.address}, []byte(msg)); err != nil {
			p.logger.Warn("email send failed", "to", rc.address, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", rc.address, err))
			result.Error = err.Error()
			delivery.Status, delivery.Error = domain.DeliveryFailed, err.Error()
		} else {
			sent++
			result.Reference = messageID
			delivery.Status, delivery.Reference = domain.DeliverySent, messageID
		}
		results = append(results, result)

		if rc.subscriber != nil {
			delivery.SubscriberID = rc.subscriber.ID
			if err := p.subscribers.RecordDelivery(context.WithoutCancel(ctx), delivery); err != nil {
				p.logger.Warn("failed to record delivery", "to", rc.address, "error", err)
			}
		}
	}

	if sent == 0 {
		return domain.Receipt{}, fmt.Errorf("email: failed to send to %d recipients: %w", len(recipients), errors.Join(errs...))
	}
	p.logger.Info("email digest sent", "sent", sent, "failed", len(recipients)-sent)
	rcpt := receipt(p.Name(), fmt.Sprintf("sent %d/%d", sent, len(recipients)))
	rcpt.Recipients = results
	return rcpt, nil
}

func buildHTMLBody(payload *domain.DigestPayload) string {
	var sb strings.Builder

	sb.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8"><style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 700px; margin: 0 auto; padding: 20px; color: #333; }
h1 { color: #1a1a2e; border-bottom: 2px solid #e94560; padding-bottom: 10px; }
.notice { background: #fff4e5; padding: 10px 15px; border-radius: 8px; margin-bottom: 20px; }
.entry { border: 1px solid #ddd; border-radius: 8px; padding: 15px; margin-bottom: 15px; }
.entry h3 { margin-top: 0; color: #0f3460; }
.meta { color: #666; font-size: 0.9em; margin-bottom: 10px; }
.alternates { font-size: 0.9em; }
</style></head><body>`)

	fmt.Fprintf(&sb, "<h1>%s</h1>", html.EscapeString(digestTitle(payload)))
	if payload.Degraded {
		sb.WriteString(`<div class="notice">Some sources or summaries were unavailable for this edition.</div>`)
	}
	if len(payload.Entries) == 0 {
		sb.WriteString("<p>Nothing new today.</p>")
	}

	for i, e := range payload.Entries {
		sb.WriteString(`<div class="entry">`)
		fmt.Fprintf(&sb, `<h3>%d. <a href="%s">%s</a></h3>`, i+1, html.EscapeString(e.URL), html.EscapeString(e.Title))
		fmt.Fprintf(&sb, `<div class="meta">%s</div>`, html.EscapeString(e.SourceType))
		fmt.Fprintf(&sb, "<p>%s</p>", html.EscapeString(e.Summary))
		if len(e.AlternateSources) > 0 {
			sb.WriteString(`<div class="alternates">Also covered at:<ul>`)
			for _, u := range e.AlternateSources {
				fmt.Fprintf(&sb, `<li><a href="%s">%s</a></li>`, html.EscapeString(u), html.EscapeString(u))
			}
			sb.WriteString("</ul></div>")
		}
		sb.WriteString("</div>")
	}

	sb.WriteString("</body></html>")
	return sb.String()
}
