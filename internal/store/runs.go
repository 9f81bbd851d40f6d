package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
)

var runColumns = []string{
	"id", "date", "state", "partial", "degraded", "failures",
	"started_at", "updated_at", "lease_owner", "lease_until",
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var (
		r                                 domain.Run
		state, failures                   string
		partial, degraded                 int
		started, updated, leaseUntilValue string
	)
	if err := row.Scan(&r.ID, &r.Date, &state, &partial, &degraded, &failures,
		&started, &updated, &r.LeaseOwner, &leaseUntilValue); err != nil {
		return nil, err
	}
	r.State = domain.RunState(state)
	r.Partial = partial != 0
	r.Degraded = degraded != 0
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if r.LeaseUntil, err = parseTime(leaseUntilValue); err != nil {
		return nil, err
	}
	if err := decodeJSON(failures, &r.Failures); err != nil {
		return nil, err
	}
	return &r, nil
}

// BeginRun creates the run for date if it does not exist and takes its
// lease for owner until now+lease. A different owner holding an unexpired
// lease on an unfinished run yields domain.ErrRunInFlight.
func (s *Store) BeginRun(ctx context.Context, date, owner string, now time.Time, lease time.Duration) (*domain.Run, error) {
	var run *domain.Run
	err := s.withTx(ctx, "begin run", func(tx *sql.Tx) error {
		ts := formatTime(now)
		until := formatTime(now.Add(lease))
		insert := s.sb.Insert("runs").Columns(runColumns...).Values(
			uuid.NewString(), date, string(domain.RunIngesting), 0, 0, "[]", ts, ts, owner, until,
		).Suffix("ON CONFLICT (date) DO NOTHING")
		if _, err := s.exec(ctx, tx, insert); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		claim := s.sb.Update("runs").
			Set("lease_owner", owner).
			Set("lease_until", until).
			Where(sq.Eq{"date": date}).
			Where(sq.Or{
				sq.Eq{"lease_owner": owner},
				sq.LtOrEq{"lease_until": ts},
				sq.Eq{"lease_owner": ""},
				sq.Eq{"state": []string{string(domain.RunPersisted), string(domain.RunDelivered)}},
			})
		res, err := s.exec(ctx, tx, claim)
		if err != nil {
			return fmt.Errorf("claim run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("date %s: %w", date, domain.ErrRunInFlight)
		}

		run, err = s.runByDate(ctx, tx, date)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun returns the run for date or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, date string) (*domain.Run, error) {
	r, err := s.runByDate(ctx, s.db, date)
	return r, persistErr("get run", err)
}

func (s *Store) runByDate(ctx context.Context, q querier, date string) (*domain.Run, error) {
	row, err := s.queryRow(ctx, q, s.sb.Select(runColumns...).From("runs").Where(sq.Eq{"date": date}))
	if err != nil {
		return nil, err
	}
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *Store) runInFlight(ctx context.Context, q querier, date string) (bool, error) {
	r, err := s.runByDate(ctx, q, date)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !r.State.Finished(), nil
}

func (s *Store) updateRun(ctx context.Context, q querier, r *domain.Run) error {
	failures, err := encodeJSON(r.Failures)
	if err != nil {
		return err
	}
	if r.Failures == nil {
		failures = "[]"
	}
	r.UpdatedAt = s.now().UTC()
	b := s.sb.Update("runs").SetMap(map[string]any{
		"state":      string(r.State),
		"partial":    boolInt(r.Partial),
		"degraded":   boolInt(r.Degraded),
		"failures":   failures,
		"updated_at": formatTime(r.UpdatedAt),
	}).Where(sq.Eq{"id": r.ID})
	res, err := s.exec(ctx, q, b)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.Date, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update run %s: %w", r.Date, ErrNotFound)
	}
	return nil
}

// SaveRun persists the run's state and flags.
func (s *Store) SaveRun(ctx context.Context, r *domain.Run) error {
	return s.withTx(ctx, "save run", func(tx *sql.Tx) error {
		return s.updateRun(ctx, tx, r)
	})
}

// ReleaseRun gives up owner's lease on the run.
func (s *Store) ReleaseRun(ctx context.Context, r *domain.Run, owner string) error {
	b := s.sb.Update("runs").Set("lease_until", "").
		Where(sq.Eq{"id": r.ID, "lease_owner": owner})
	if _, err := s.exec(ctx, s.db, b); err != nil {
		return &domain.PersistenceError{Op: "release run", Err: err}
	}
	r.LeaseUntil = time.Time{}
	return nil
}

// CommitStage writes the items touched by a stage together with the run's
// new state.
func (s *Store) CommitStage(ctx context.Context, r *domain.Run, items []*domain.Item) error {
	return s.withTx(ctx, "commit "+string(r.State), func(tx *sql.Tx) error {
		now := s.now().UTC()
		for _, it := range items {
			it.UpdatedAt = now
			if err := s.updateItem(ctx, tx, it); err != nil {
				return err
			}
		}
		return s.updateRun(ctx, tx, r)
	})
}
