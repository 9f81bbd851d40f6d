package store

import (
	"context"
	"fmt"
)

// Timestamps are stored as fixed-width UTC text so that string order
// matches time order on both drivers.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		url TEXT NOT NULL,
		title TEXT NOT NULL,
		raw_text TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		summary_fallback INTEGER NOT NULL DEFAULT 0,
		published_at TEXT NOT NULL,
		fetched_at TEXT NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		relevance_score DOUBLE PRECISION,
		status TEXT NOT NULL,
		alternate_sources TEXT NOT NULL DEFAULT '[]',
		duplicate_of TEXT NOT NULL DEFAULT '',
		run_date TEXT NOT NULL DEFAULT '',
		digest_date TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		UNIQUE (source_type, source_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_items_run_status ON items (run_date, status)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL,
		partial INTEGER NOT NULL DEFAULT 0,
		degraded INTEGER NOT NULL DEFAULT 0,
		failures TEXT NOT NULL DEFAULT '[]',
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_until TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS digests (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL UNIQUE,
		items TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		sent_at TEXT,
		degraded INTEGER NOT NULL DEFAULT 0,
		receipts TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS subscribers (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		subscribed_at TEXT NOT NULL,
		unsubscribed_at TEXT,
		last_digest_sent_at TEXT,
		total_digests_sent INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscribers_status ON subscribers (status)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT PRIMARY KEY,
		subscriber_id TEXT NOT NULL REFERENCES subscribers (id) ON DELETE CASCADE,
		email TEXT NOT NULL,
		digest_date TEXT NOT NULL,
		status TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_date ON deliveries (digest_date, subscriber_id)`,
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
