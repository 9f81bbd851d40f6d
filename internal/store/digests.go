package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
)

var digestColumns = []string{"id", "date", "items", "generated_at", "sent_at", "degraded", "receipts"}

func scanDigest(row rowScanner) (*domain.Digest, error) {
	var (
		d                          domain.Digest
		items, generated, receipts string
		sent                       sql.NullString
		degraded                   int
	)
	if err := row.Scan(&d.ID, &d.Date, &items, &generated, &sent, &degraded, &receipts); err != nil {
		return nil, err
	}
	d.Degraded = degraded != 0
	var err error
	if d.GeneratedAt, err = parseTime(generated); err != nil {
		return nil, err
	}
	if d.SentAt, err = parseNullTime(sent); err != nil {
		return nil, err
	}
	if err := decodeJSON(items, &d.Items); err != nil {
		return nil, err
	}
	if err := decodeJSON(receipts, &d.Receipts); err != nil {
		return nil, err
	}
	return &d, nil
}

// CommitDigest creates the digest for its date, marks the selected items
// and moves the run to PERSISTED in one transaction. When a digest for the
// date already exists it wins: it is returned unchanged and the items are
// not touched.
func (s *Store) CommitDigest(ctx context.Context, r *domain.Run, d *domain.Digest, selected []*domain.Item) (*domain.Digest, error) {
	var out *domain.Digest
	prev := r.State
	err := s.withTx(ctx, "commit digest", func(tx *sql.Tx) error {
		items, err := encodeJSON(stringList(d.Items))
		if err != nil {
			return err
		}
		receipts, err := encodeJSON(d.Receipts)
		if err != nil {
			return err
		}
		if d.Receipts == nil {
			receipts = "[]"
		}
		insert := s.sb.Insert("digests").Columns(digestColumns...).Values(
			d.ID, d.Date, items, formatTime(d.GeneratedAt), nil, boolInt(d.Degraded), receipts,
		).Suffix("ON CONFLICT (date) DO NOTHING")
		res, err := s.exec(ctx, tx, insert)
		if err != nil {
			return fmt.Errorf("insert digest: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if n == 1 {
			now := s.now().UTC()
			for _, it := range selected {
				it.Status = domain.StatusSelected
				it.DigestDate = d.Date
				it.UpdatedAt = now
				if err := s.updateItem(ctx, tx, it); err != nil {
					return err
				}
			}
			out = d
		} else {
			if out, err = s.digestByDate(ctx, tx, d.Date); err != nil {
				return err
			}
		}

		r.State = domain.RunPersisted
		return s.updateRun(ctx, tx, r)
	})
	if err != nil {
		r.State = prev
		return nil, err
	}
	return out, nil
}

// GetDigest returns the digest for date or ErrNotFound.
func (s *Store) GetDigest(ctx context.Context, date string) (*domain.Digest, error) {
	d, err := s.digestByDate(ctx, s.db, date)
	return d, persistErr("get digest", err)
}

// LatestDigest returns the most recent digest by date, or ErrNotFound.
func (s *Store) LatestDigest(ctx context.Context) (*domain.Digest, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select(digestColumns...).From("digests").OrderBy("date DESC").Limit(1))
	if err != nil {
		return nil, persistErr("latest digest", err)
	}
	d, err := scanDigest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, persistErr("latest digest", err)
}

func (s *Store) digestByDate(ctx context.Context, q querier, date string) (*domain.Digest, error) {
	row, err := s.queryRow(ctx, q, s.sb.Select(digestColumns...).From("digests").Where(sq.Eq{"date": date}))
	if err != nil {
		return nil, err
	}
	d, err := scanDigest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// MarkDelivered records the receipts, moves the digest's items to SENT and
// the run to DELIVERED atomically. Delivering an already sent digest is a
// no-op.
func (s *Store) MarkDelivered(ctx context.Context, r *domain.Run, d *domain.Digest, receipts []domain.Receipt, sentAt time.Time) error {
	var (
		delivered bool
		prev      domain.RunState
	)
	if r != nil {
		prev = r.State
	}
	err := s.withTx(ctx, "mark delivered", func(tx *sql.Tx) error {
		encoded, err := encodeJSON(receipts)
		if err != nil {
			return err
		}
		res, err := s.exec(ctx, tx, s.sb.Update("digests").
			Set("sent_at", formatTime(sentAt)).
			Set("receipts", encoded).
			Where(sq.Eq{"id": d.ID, "sent_at": nil}))
		if err != nil {
			return fmt.Errorf("update digest: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		if len(d.Items) > 0 {
			if _, err := s.exec(ctx, tx, s.sb.Update("items").
				Set("status", string(domain.StatusSent)).
				Set("updated_at", formatTime(s.now())).
				Where(sq.Eq{"id": d.Items})); err != nil {
				return fmt.Errorf("mark items sent: %w", err)
			}
		}

		if r != nil {
			r.State = domain.RunDelivered
			if err := s.updateRun(ctx, tx, r); err != nil {
				return err
			}
		}
		delivered = true
		return nil
	})
	if err != nil && r != nil {
		r.State = prev
	}
	if err != nil || !delivered {
		return err
	}
	t := sentAt.UTC()
	d.SentAt = &t
	d.Receipts = receipts
	return nil
}
