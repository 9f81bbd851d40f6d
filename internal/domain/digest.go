package domain

import (
	"time"

	"github.com/google/uuid"
)

// DateLayout is the calendar-date format used for run and digest keys.
const DateLayout = "2006-01-02"

var digestNamespace = uuid.MustParse("6f1c9d52-3c0e-4f0c-9a57-2d7d1f3b8a11")

// Digest is one calendar day's curated output.
type Digest struct {
	ID          string
	Date        string
	Items       []string
	GeneratedAt time.Time
	SentAt      *time.Time
	Degraded    bool
	Receipts    []Receipt
}

// DigestID is deterministic per date, so a regenerated digest keeps its id.
func DigestID(date string) string {
	return uuid.NewSHA1(digestNamespace, []byte("digest:"+date)).String()
}

// Delivered reports whether the digest has been sent.
func (d *Digest) Delivered() bool {
	return d.SentAt != nil
}

// Receipt acknowledges a delivery through one channel. Channels that send
// to several recipients list each outcome in Recipients.
type Receipt struct {
	Channel     string             `json:"channel"`
	Reference   string             `json:"reference,omitempty"`
	DeliveredAt time.Time          `json:"delivered_at"`
	Recipients  []RecipientReceipt `json:"recipients,omitempty"`
}

// RecipientReceipt is the outcome for one recipient of a channel.
type RecipientReceipt struct {
	Address   string `json:"address"`
	Reference string `json:"reference,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PayloadEntry is one line of a delivered digest.
type PayloadEntry struct {
	Title            string   `json:"title"`
	URL              string   `json:"url"`
	Summary          string   `json:"summary"`
	SourceType       string   `json:"source_type"`
	AlternateSources []string `json:"alternate_sources,omitempty"`
}

// DigestPayload is what delivery gateways consume.
type DigestPayload struct {
	DigestID string         `json:"digest_id"`
	Date     string         `json:"date"`
	Degraded bool           `json:"degraded"`
	Entries  []PayloadEntry `json:"entries"`
}
