package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is the lifecycle position of an Item.
type Status string

const (
	StatusNew        Status = "NEW"
	StatusSummarized Status = "SUMMARIZED"
	StatusDeduped    Status = "DEDUPED"
	StatusScored     Status = "SCORED"
	StatusSelected   Status = "SELECTED"
	StatusRejected   Status = "REJECTED"
	StatusSent       Status = "SENT"
)

// Terminal reports whether an item in this status must never be re-ingested.
func (s Status) Terminal() bool {
	return s == StatusSelected || s == StatusSent || s == StatusRejected
}

// RawItem is what a source adapter hands to the ingestion coordinator.
type RawItem struct {
	SourceType     string
	SourceNativeID string
	URL            string
	Title          string
	RawText        string
	PublishedAt    time.Time
}

// Item is one canonical piece of ingested content, keyed by (SourceType, SourceID).
type Item struct {
	ID          string
	SourceType  string
	SourceID    string
	URL         string
	Title       string
	RawText     string
	ContentHash string

	Summary         string
	SummaryFallback bool

	PublishedAt time.Time
	FetchedAt   time.Time

	Fingerprint    []byte
	RelevanceScore *float64
	Status         Status

	AlternateSources []string
	DuplicateOf      string

	// RunDate is the calendar date of the run currently owning the item.
	RunDate string
	// DigestDate is set once the item has been selected into a digest.
	DigestDate string
	UpdatedAt  time.Time
}

// ItemID derives the stable identifier of an item from its natural key.
func ItemID(sourceType, nativeID string) string {
	sum := sha256.Sum256([]byte(sourceType + "\x00" + nativeID))
	return hex.EncodeToString(sum[:16])
}

// ContentHash fingerprints the fetched title and body exactly.
func ContentHash(title, rawText string) string {
	sum := sha256.Sum256([]byte(title + "\x00" + rawText))
	return hex.EncodeToString(sum[:])
}

// Score returns the relevance score, or 0 when the item is unscored.
func (it *Item) Score() float64 {
	if it.RelevanceScore == nil {
		return 0
	}
	return *it.RelevanceScore
}

// SetScore records a relevance score.
func (it *Item) SetScore(v float64) {
	it.RelevanceScore = &v
}
