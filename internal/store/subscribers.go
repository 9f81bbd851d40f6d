package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
)

var subscriberColumns = []string{
	"id", "email", "name", "status", "subscribed_at",
	"unsubscribed_at", "last_digest_sent_at", "total_digests_sent",
}

func scanSubscriber(row rowScanner) (*domain.Subscriber, error) {
	var (
		sub                domain.Subscriber
		status, subscribed string
		unsubscribed, last sql.NullString
	)
	if err := row.Scan(&sub.ID, &sub.Email, &sub.Name, &status, &subscribed,
		&unsubscribed, &last, &sub.TotalDigestsSent); err != nil {
		return nil, err
	}
	sub.Status = domain.SubscriberStatus(status)
	var err error
	if sub.SubscribedAt, err = parseTime(subscribed); err != nil {
		return nil, err
	}
	if sub.UnsubscribedAt, err = parseNullTime(unsubscribed); err != nil {
		return nil, err
	}
	if sub.LastDigestSentAt, err = parseNullTime(last); err != nil {
		return nil, err
	}
	return &sub, nil
}

func unsubscribedAt(sub *domain.Subscriber) any {
	if sub.UnsubscribedAt == nil {
		return nil
	}
	return formatTime(*sub.UnsubscribedAt)
}

// AddSubscriber registers email as an active subscriber. An existing
// subscriber with the same address is reactivated and keeps its history.
func (s *Store) AddSubscriber(ctx context.Context, email, name string) (*domain.Subscriber, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("store: invalid email %q: %w", email, err)
	}
	email = domain.NormalizeEmail(addr.Address)

	var out *domain.Subscriber
	err = s.withTx(ctx, "add subscriber", func(tx *sql.Tx) error {
		insert := s.sb.Insert("subscribers").Columns(subscriberColumns...).Values(
			uuid.NewString(), email, name, string(domain.SubscriberActive), formatTime(s.now()), nil, nil, 0,
		).Suffix("ON CONFLICT (email) DO NOTHING")
		if _, err := s.exec(ctx, tx, insert); err != nil {
			return fmt.Errorf("insert subscriber: %w", err)
		}
		existing, err := s.subscriberByEmail(ctx, tx, email)
		if err != nil {
			return err
		}
		if existing.Status != domain.SubscriberActive || (name != "" && existing.Name != name) {
			existing.Status = domain.SubscriberActive
			existing.UnsubscribedAt = nil
			if name != "" {
				existing.Name = name
			}
			if err := s.updateSubscriber(ctx, tx, existing); err != nil {
				return err
			}
		}
		out = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetSubscriberStatus moves the subscriber with email to status. Returns
// ErrNotFound for an unknown address.
func (s *Store) SetSubscriberStatus(ctx context.Context, email string, status domain.SubscriberStatus) (*domain.Subscriber, error) {
	var out *domain.Subscriber
	err := s.withTx(ctx, "set subscriber status", func(tx *sql.Tx) error {
		sub, err := s.subscriberByEmail(ctx, tx, domain.NormalizeEmail(email))
		if err != nil {
			return err
		}
		sub.Status = status
		switch status {
		case domain.SubscriberUnsubscribed:
			if sub.UnsubscribedAt == nil {
				t := s.now().UTC()
				sub.UnsubscribedAt = &t
			}
		case domain.SubscriberActive:
			sub.UnsubscribedAt = nil
		}
		if err := s.updateSubscriber(ctx, tx, sub); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListSubscribers returns subscribers ordered by email, filtered to the
// given statuses when any are passed.
func (s *Store) ListSubscribers(ctx context.Context, statuses ...domain.SubscriberStatus) ([]*domain.Subscriber, error) {
	b := s.sb.Select(subscriberColumns...).From("subscribers").OrderBy("email")
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		b = b.Where(sq.Eq{"status": names})
	}
	subs, err := s.listSubscribers(ctx, s.db, b)
	return subs, persistErr("list subscribers", err)
}

// DueSubscribers returns active subscribers that have not yet been sent
// the digest for date.
func (s *Store) DueSubscribers(ctx context.Context, date string) ([]*domain.Subscriber, error) {
	b := s.sb.Select(subscriberColumns...).From("subscribers").
		Where(sq.Eq{"status": string(domain.SubscriberActive)}).
		Where(sq.Expr(`NOT EXISTS (SELECT 1 FROM deliveries
			WHERE deliveries.subscriber_id = subscribers.id
			AND deliveries.digest_date = ? AND deliveries.status = ?)`, date, string(domain.DeliverySent))).
		OrderBy("email")
	subs, err := s.listSubscribers(ctx, s.db, b)
	return subs, persistErr("due subscribers", err)
}

// RecordDelivery logs one send attempt. A successful send also bumps the
// subscriber's counters in the same transaction.
func (s *Store) RecordDelivery(ctx context.Context, d *domain.Delivery) error {
	return s.withTx(ctx, "record delivery", func(tx *sql.Tx) error {
		at := d.At
		if at.IsZero() {
			at = s.now()
		}
		insert := s.sb.Insert("deliveries").
			Columns("id", "subscriber_id", "email", "digest_date", "status", "reference", "error", "at").
			Values(uuid.NewString(), d.SubscriberID, d.Email, d.DigestDate, string(d.Status), d.Reference, d.Error, formatTime(at))
		if _, err := s.exec(ctx, tx, insert); err != nil {
			return fmt.Errorf("insert delivery: %w", err)
		}
		if d.Status != domain.DeliverySent {
			return nil
		}
		res, err := s.exec(ctx, tx, s.sb.Update("subscribers").
			Set("last_digest_sent_at", formatTime(at)).
			Set("total_digests_sent", sq.Expr("total_digests_sent + 1")).
			Where(sq.Eq{"id": d.SubscriberID}))
		if err != nil {
			return fmt.Errorf("update subscriber: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("subscriber %s: %w", d.SubscriberID, ErrNotFound)
		}
		return nil
	})
}

// Stats counts items by status, digests, subscribers by status and
// per-recipient deliveries.
func (s *Store) Stats(ctx context.Context) (*domain.Stats, error) {
	st := &domain.Stats{
		Items:       map[domain.Status]int{},
		Subscribers: map[domain.SubscriberStatus]int{},
	}
	items, err := s.groupCount(ctx, "items", "status")
	if err != nil {
		return nil, persistErr("stats", err)
	}
	for k, n := range items {
		st.Items[domain.Status(k)] = n
	}
	subs, err := s.groupCount(ctx, "subscribers", "status")
	if err != nil {
		return nil, persistErr("stats", err)
	}
	for k, n := range subs {
		st.Subscribers[domain.SubscriberStatus(k)] = n
	}
	deliveries, err := s.groupCount(ctx, "deliveries", "status")
	if err != nil {
		return nil, persistErr("stats", err)
	}
	st.DeliveriesSent = deliveries[string(domain.DeliverySent)]
	st.DeliveriesFailed = deliveries[string(domain.DeliveryFailed)]

	row, err := s.queryRow(ctx, s.db, s.sb.Select("COUNT(*)", "COUNT(sent_at)").From("digests"))
	if err != nil {
		return nil, persistErr("stats", err)
	}
	if err := row.Scan(&st.Digests, &st.DigestsDelivered); err != nil {
		return nil, persistErr("stats", err)
	}
	return st, nil
}

func (s *Store) groupCount(ctx context.Context, table, column string) (map[string]int, error) {
	rows, err := s.query(ctx, s.db, s.sb.Select(column, "COUNT(*)").From(table).GroupBy(column))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

func (s *Store) subscriberByEmail(ctx context.Context, q querier, email string) (*domain.Subscriber, error) {
	row, err := s.queryRow(ctx, q, s.sb.Select(subscriberColumns...).From("subscribers").Where(sq.Eq{"email": email}))
	if err != nil {
		return nil, err
	}
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscriber %s: %w", email, ErrNotFound)
	}
	return sub, err
}

func (s *Store) updateSubscriber(ctx context.Context, q querier, sub *domain.Subscriber) error {
	_, err := s.exec(ctx, q, s.sb.Update("subscribers").SetMap(map[string]any{
		"name":            sub.Name,
		"status":          string(sub.Status),
		"unsubscribed_at": unsubscribedAt(sub),
	}).Where(sq.Eq{"id": sub.ID}))
	if err != nil {
		return fmt.Errorf("update subscriber %s: %w", sub.Email, err)
	}
	return nil
}

func (s *Store) listSubscribers(ctx context.Context, q querier, b sq.SelectBuilder) ([]*domain.Subscriber, error) {
	rows, err := s.query(ctx, q, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
