package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
)

// UpsertOutcome describes what UpsertRaw did with an item.
type UpsertOutcome int

const (
	// Inserted means the natural key was new.
	Inserted UpsertOutcome = iota
	// Updated means the content changed and the item restarts at NEW.
	Updated
	// Unchanged means the content hash matched and progress was kept.
	Unchanged
	// Skipped means the item is terminal or owned by another in-flight run.
	Skipped
)

func (o UpsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	default:
		return "skipped"
	}
}

var itemColumns = []string{
	"id", "source_type", "source_id", "url", "title", "raw_text", "content_hash",
	"summary", "summary_fallback", "published_at", "fetched_at", "fingerprint",
	"relevance_score", "status", "alternate_sources", "duplicate_of",
	"run_date", "digest_date", "updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*domain.Item, error) {
	var (
		it                                        domain.Item
		fallback                                  int
		published, fetched, updated, fp, alts, st string
		score                                     sql.NullFloat64
	)
	if err := row.Scan(&it.ID, &it.SourceType, &it.SourceID, &it.URL, &it.Title, &it.RawText,
		&it.ContentHash, &it.Summary, &fallback, &published, &fetched, &fp, &score, &st,
		&alts, &it.DuplicateOf, &it.RunDate, &it.DigestDate, &updated); err != nil {
		return nil, err
	}
	it.SummaryFallback = fallback != 0
	it.Status = domain.Status(st)
	if score.Valid {
		it.SetScore(score.Float64)
	}
	var err error
	if it.PublishedAt, err = parseTime(published); err != nil {
		return nil, err
	}
	if it.FetchedAt, err = parseTime(fetched); err != nil {
		return nil, err
	}
	if it.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if fp != "" {
		if it.Fingerprint, err = hex.DecodeString(fp); err != nil {
			return nil, fmt.Errorf("decode fingerprint: %w", err)
		}
	}
	if err := decodeJSON(alts, &it.AlternateSources); err != nil {
		return nil, err
	}
	return &it, nil
}

func scoreValue(it *domain.Item) any {
	if it.RelevanceScore == nil {
		return nil
	}
	return *it.RelevanceScore
}

// UpsertRaw stores a freshly fetched item for runDate, keyed by its natural
// key. It returns the item as persisted afterwards.
//
// Terminal items and items owned by another run that has not finished are
// left untouched. An unchanged content hash keeps the item's progress when
// it already belongs to runDate; items adopted from a finished run restart
// summarized work at SUMMARIZED. A changed hash resets the item to NEW.
func (s *Store) UpsertRaw(ctx context.Context, it *domain.Item, runDate string) (*domain.Item, UpsertOutcome, error) {
	var (
		out     *domain.Item
		outcome UpsertOutcome
	)
	err := s.withTx(ctx, "upsert item", func(tx *sql.Tx) error {
		existing, err := s.itemByKey(ctx, tx, it.SourceType, it.SourceID)
		if errors.Is(err, ErrNotFound) {
			inserted, err := s.insertItem(ctx, tx, it, runDate)
			if err != nil {
				return err
			}
			if !inserted {
				// Lost a race with another writer for the same key.
				outcome = Skipped
				return nil
			}
			out, outcome = s.copyForRun(it, runDate), Inserted
			return nil
		}
		if err != nil {
			return err
		}

		if existing.Status.Terminal() {
			out, outcome = existing, Skipped
			return nil
		}
		if existing.RunDate != runDate && existing.RunDate != "" {
			busy, err := s.runInFlight(ctx, tx, existing.RunDate)
			if err != nil {
				return err
			}
			if busy {
				out, outcome = existing, Skipped
				return nil
			}
		}

		next := *existing
		next.RunDate = runDate
		next.FetchedAt = it.FetchedAt
		next.UpdatedAt = s.now().UTC()
		if existing.ContentHash == it.ContentHash {
			outcome = Unchanged
			// Same text, but the configured strategy may have changed.
			next.Fingerprint = it.Fingerprint
			if existing.RunDate != runDate {
				adoptForRun(&next)
			}
		} else {
			outcome = Updated
			next.URL = it.URL
			next.Title = it.Title
			next.RawText = it.RawText
			next.ContentHash = it.ContentHash
			next.PublishedAt = it.PublishedAt
			next.Fingerprint = it.Fingerprint
			next.Summary = ""
			next.SummaryFallback = false
			next.RelevanceScore = nil
			next.DuplicateOf = ""
			next.Status = domain.StatusNew
		}
		if err := s.updateItem(ctx, tx, &next); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, Skipped, err
	}
	return out, outcome, nil
}

// adoptForRun moves an item left behind by a finished run back to the
// latest stage whose output is still valid.
func adoptForRun(it *domain.Item) {
	switch it.Status {
	case domain.StatusDeduped, domain.StatusScored:
		it.Status = domain.StatusSummarized
		it.RelevanceScore = nil
	}
}

func (s *Store) copyForRun(it *domain.Item, runDate string) *domain.Item {
	c := *it
	c.RunDate = runDate
	c.Status = domain.StatusNew
	return &c
}

func (s *Store) insertItem(ctx context.Context, tx *sql.Tx, it *domain.Item, runDate string) (bool, error) {
	alts, err := encodeJSON(stringList(it.AlternateSources))
	if err != nil {
		return false, err
	}
	now := s.now().UTC()
	it.UpdatedAt = now
	b := s.sb.Insert("items").Columns(itemColumns...).Values(
		it.ID, it.SourceType, it.SourceID, it.URL, it.Title, it.RawText, it.ContentHash,
		"", 0, formatTime(it.PublishedAt), formatTime(it.FetchedAt), hex.EncodeToString(it.Fingerprint),
		nil, string(domain.StatusNew), alts, "", runDate, "", formatTime(now),
	).Suffix("ON CONFLICT DO NOTHING")
	res, err := s.exec(ctx, tx, b)
	if err != nil {
		return false, fmt.Errorf("insert item %s: %w", it.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) updateItem(ctx context.Context, q querier, it *domain.Item) error {
	alts, err := encodeJSON(stringList(it.AlternateSources))
	if err != nil {
		return err
	}
	b := s.sb.Update("items").SetMap(map[string]any{
		"url":               it.URL,
		"title":             it.Title,
		"raw_text":          it.RawText,
		"content_hash":      it.ContentHash,
		"summary":           it.Summary,
		"summary_fallback":  boolInt(it.SummaryFallback),
		"published_at":      formatTime(it.PublishedAt),
		"fetched_at":        formatTime(it.FetchedAt),
		"fingerprint":       hex.EncodeToString(it.Fingerprint),
		"relevance_score":   scoreValue(it),
		"status":            string(it.Status),
		"alternate_sources": alts,
		"duplicate_of":      it.DuplicateOf,
		"run_date":          it.RunDate,
		"digest_date":       it.DigestDate,
		"updated_at":        formatTime(it.UpdatedAt),
	}).Where(sq.Eq{"id": it.ID})
	res, err := s.exec(ctx, q, b)
	if err != nil {
		return fmt.Errorf("update item %s: %w", it.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update item %s: %w", it.ID, ErrNotFound)
	}
	return nil
}

func (s *Store) itemByKey(ctx context.Context, q querier, sourceType, sourceID string) (*domain.Item, error) {
	row, err := s.queryRow(ctx, q, s.sb.Select(itemColumns...).From("items").
		Where(sq.Eq{"source_type": sourceType, "source_id": sourceID}))
	if err != nil {
		return nil, err
	}
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

// SaveItem persists the mutable fields of one item.
func (s *Store) SaveItem(ctx context.Context, it *domain.Item) error {
	it.UpdatedAt = s.now().UTC()
	return s.withTx(ctx, "save item", func(tx *sql.Tx) error {
		return s.updateItem(ctx, tx, it)
	})
}

// ItemsForRun lists items owned by runDate in the given statuses, ordered
// by id. An empty runDate matches every run; no statuses matches all.
func (s *Store) ItemsForRun(ctx context.Context, runDate string, statuses ...domain.Status) ([]*domain.Item, error) {
	where := sq.And{}
	if runDate != "" {
		where = append(where, sq.Eq{"run_date": runDate})
	}
	if len(statuses) > 0 {
		where = append(where, sq.Eq{"status": statusStrings(statuses)})
	}
	b := s.sb.Select(itemColumns...).From("items").OrderBy("id")
	if len(where) > 0 {
		b = b.Where(where)
	}
	items, err := s.listItems(ctx, s.db, b)
	return items, persistErr("list items", err)
}

// ItemsByID returns the requested items in the order of ids. Unknown ids
// are an error.
func (s *Store) ItemsByID(ctx context.Context, ids []string) ([]*domain.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	items, err := s.listItems(ctx, s.db, s.sb.Select(itemColumns...).From("items").Where(sq.Eq{"id": ids}))
	if err != nil {
		return nil, persistErr("items by id", err)
	}
	byID := make(map[string]*domain.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	out := make([]*domain.Item, 0, len(ids))
	for _, id := range ids {
		it, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		out = append(out, it)
	}
	return out, nil
}

func (s *Store) listItems(ctx context.Context, q querier, b sq.SelectBuilder) ([]*domain.Item, error) {
	rows, err := s.query(ctx, q, b)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var out []*domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// CarryOver re-adopts unselected work left by finished runs for runDate.
// Only items published at or after since are considered. It returns the
// number of items adopted.
func (s *Store) CarryOver(ctx context.Context, runDate string, since time.Time) (int, error) {
	var total int64
	err := s.withTx(ctx, "carry over", func(tx *sql.Tx) error {
		finished := sq.Expr("run_date IN (SELECT date FROM runs WHERE state IN (?, ?))",
			string(domain.RunPersisted), string(domain.RunDelivered))
		base := sq.And{
			sq.NotEq{"run_date": runDate},
			sq.GtOrEq{"published_at": formatTime(since)},
			finished,
		}
		now := formatTime(s.now())

		scored := s.sb.Update("items").
			Set("status", string(domain.StatusSummarized)).
			Set("relevance_score", nil).
			Set("run_date", runDate).
			Set("updated_at", now).
			Where(append(sq.And{sq.Eq{"status": []string{string(domain.StatusDeduped), string(domain.StatusScored)}}}, base...))
		pending := s.sb.Update("items").
			Set("run_date", runDate).
			Set("updated_at", now).
			Where(append(sq.And{sq.Eq{"status": []string{string(domain.StatusNew), string(domain.StatusSummarized)}}}, base...))

		for _, b := range []sq.UpdateBuilder{scored, pending} {
			res, err := s.exec(ctx, tx, b)
			if err != nil {
				return fmt.Errorf("carry over: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return int(total), err
}

func statusStrings(statuses []domain.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
