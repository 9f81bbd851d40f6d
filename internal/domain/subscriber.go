package domain

import (
	"fmt"
	"strings"
	"time"
)

// SubscriberStatus controls whether a subscriber receives digests.
type SubscriberStatus string

const (
	SubscriberActive       SubscriberStatus = "active"
	SubscriberPaused       SubscriberStatus = "paused"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberBounced      SubscriberStatus = "bounced"
)

// ParseSubscriberStatus accepts the lower-case status names.
func ParseSubscriberStatus(s string) (SubscriberStatus, error) {
	switch st := SubscriberStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case SubscriberActive, SubscriberPaused, SubscriberUnsubscribed, SubscriberBounced:
		return st, nil
	default:
		return "", fmt.Errorf("unknown subscriber status %q", s)
	}
}

// Subscriber is an email recipient of the digest.
type Subscriber struct {
	ID               string
	Email            string
	Name             string
	Status           SubscriberStatus
	SubscribedAt     time.Time
	UnsubscribedAt   *time.Time
	LastDigestSentAt *time.Time
	TotalDigestsSent int
}

// NormalizeEmail lower-cases and trims an address so lookups are exact.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DeliveryStatus is the outcome of sending a digest to one subscriber.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// Delivery records one attempt to send a digest to one subscriber.
type Delivery struct {
	SubscriberID string
	Email        string
	DigestDate   string
	Status       DeliveryStatus
	Reference    string
	Error        string
	At           time.Time
}

// Stats counts what the store holds.
type Stats struct {
	Items            map[Status]int           `json:"items"`
	Digests          int                      `json:"digests"`
	DigestsDelivered int                      `json:"digests_delivered"`
	Subscribers      map[SubscriberStatus]int `json:"subscribers"`
	DeliveriesSent   int                      `json:"deliveries_sent"`
	DeliveriesFailed int                      `json:"deliveries_failed"`
}
