package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

const discordColor = 0x5865F2

type discordEmbedFooter struct {
	Text string `json:"text"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	URL         string              `json:"url,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
}

type discordWebhookPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// DiscordPublisher publishes digests to a Discord channel via webhook.
type DiscordPublisher struct {
	webhookURL string
	client     *http.Client
	policy     retry.Policy
	batchDelay time.Duration
}

// NewDiscordPublisher creates a new DiscordPublisher. Each message batch is
// retried with policy.
func NewDiscordPublisher(webhookURL string, policy retry.Policy) *DiscordPublisher {
	return &DiscordPublisher{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		policy:     policy,
		batchDelay: 500 * time.Millisecond,
	}
}

func (d *DiscordPublisher) Name() string { return "discord" }

// Publish sends the digest to Discord as a series of rich embeds.
func (d *DiscordPublisher) Publish(ctx context.Context, payload *domain.DigestPayload) (domain.Receipt, error) {
	batches := batchEmbeds(d.buildEmbeds(payload))

	for i, batch := range batches {
		err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
			return d.sendWebhook(ctx, batch)
		})
		if err != nil {
			err = fmt.Errorf("discord: failed to send batch %d: %w", i+1, err)
			if i > 0 {
				// Earlier batches are already posted; resending them would duplicate messages.
				err = retry.Permanent(err)
			}
			return domain.Receipt{}, err
		}

		// Delay between batches to avoid rate limits.
		if i < len(batches)-1 {
			select {
			case <-ctx.Done():
				return domain.Receipt{}, ctx.Err()
			case <-time.After(d.batchDelay):
			}
		}
	}
	return receipt(d.Name(), fmt.Sprintf("%d messages", len(batches))), nil
}

// buildEmbeds creates the header embed and one embed per entry.
func (d *DiscordPublisher) buildEmbeds(payload *domain.DigestPayload) []discordEmbed {
	embeds := make([]discordEmbed, 0, len(payload.Entries)+1)

	header := discordEmbed{
		Title:       digestTitle(payload),
		Description: fmt.Sprintf("%d stories today", len(payload.Entries)),
		Color:       discordColor,
		Footer:      &discordEmbedFooter{Text: payload.Date},
	}
	if payload.Degraded {
		header.Description += ". Some sources or summaries were unavailable."
	}
	embeds = append(embeds, header)

	for i, e := range payload.Entries {
		em := discordEmbed{
			Title:       truncate(fmt.Sprintf("%d. %s", i+1, e.Title), 256),
			URL:         e.URL,
			Description: truncate(e.Summary, 4096),
			Color:       discordColor,
			Footer:      &discordEmbedFooter{Text: truncate(e.SourceType, 2048)},
		}
		if len(e.AlternateSources) > 0 {
			em.Fields = []discordEmbedField{{
				Name:  "Also covered at",
				Value: truncate(formatBullets(e.AlternateSources), 1024),
			}}
		}
		embeds = append(embeds, em)
	}
	return embeds
}

// batchEmbeds splits embeds into batches respecting Discord limits:
// max 10 embeds per message, max 6000 total characters per message.
func batchEmbeds(embeds []discordEmbed) [][]discordEmbed {
	var batches [][]discordEmbed
	var current []discordEmbed
	currentChars := 0

	for _, e := range embeds {
		ec := embedCharCount(e)

		if len(current) > 0 && (len(current) >= 10 || currentChars+ec > 6000) {
			batches = append(batches, current)
			current = nil
			currentChars = 0
		}

		current = append(current, e)
		currentChars += ec
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// sendWebhook posts a batch of embeds to the Discord webhook.
func (d *DiscordPublisher) sendWebhook(ctx context.Context, embeds []discordEmbed) error {
	body, err := json.Marshal(discordWebhookPayload{Embeds: embeds})
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &retry.StatusError{Service: "discord", Code: resp.StatusCode}
	}
	return nil
}

// truncate shortens s to max characters, preferring a sentence boundary.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}

	cut := string(runes[:max-1])
	if idx := strings.LastIndexAny(cut, ".!?"); idx > len(cut)/2 {
		return cut[:idx+1]
	}
	return cut + "…"
}

// formatBullets formats lines as a bulleted list.
func formatBullets(lines []string) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("• ")
		b.WriteString(l)
	}
	return b.String()
}

// embedCharCount returns the total character count of an embed for batching purposes.
func embedCharCount(e discordEmbed) int {
	n := len([]rune(e.Title)) + len([]rune(e.Description))
	for _, f := range e.Fields {
		n += len([]rune(f.Name)) + len([]rune(f.Value))
	}
	if e.Footer != nil {
		n += len([]rune(e.Footer.Text))
	}
	return n
}
