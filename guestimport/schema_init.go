// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package guestimport

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InitializeSchema creates the guestsync tables if they don't exist.
// Safe to run on every startup.
func InitializeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	})
}

func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS guestsync`,

		// Guest records. normalized_name is NOT unique on purpose: the
		// "mark" reconciliation strategy stores a second record under the
		// same normalized name for manual review. Concurrent imports into
		// one collection are serialized with an advisory lock instead
		// (see PgGuestTx.LockCollection).
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS guestsync.guests (
			id              UUID PRIMARY KEY,
			collection_id   TEXT NOT NULL,
			full_name       TEXT NOT NULL,
			normalized_name TEXT NOT NULL,
			category        TEXT NOT NULL DEFAULT '',
			phone           TEXT NOT NULL DEFAULT '',
			notes           TEXT NOT NULL DEFAULT '',
			table_number    TEXT NOT NULL DEFAULT '',
			checked_in      BOOLEAN NOT NULL DEFAULT FALSE,
			checked_in_at   TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS guests_collection_norm_idx
			ON guestsync.guests(collection_id, normalized_name)`,

		// Idempotency tracking: at most one job per tuple. The unique
		// constraint closes the lookup-then-insert race between two
		// concurrent confirms carrying the same key.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS guestsync.import_jobs (
			id              UUID PRIMARY KEY,
			requester_id    TEXT NOT NULL,
			collection_id   TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			status          TEXT NOT NULL CHECK (status IN ('pending','completed','failed')),
			result          JSON,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (requester_id, collection_id, idempotency_key)
		)`,

		// Append-only batch audit, one row per reconciliation run.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS guestsync.import_audit (
			id            BIGSERIAL PRIMARY KEY,
			requester_id  TEXT NOT NULL,
			collection_id TEXT NOT NULL,
			strategy      TEXT NOT NULL,
			created_count INT NOT NULL DEFAULT 0,
			updated_count INT NOT NULL DEFAULT 0,
			skipped_count INT NOT NULL DEFAULT 0,
			marked_count  INT NOT NULL DEFAULT 0,
			failed_count  INT NOT NULL DEFAULT 0,
			ts            TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// Per-collection change feed powering the changed-since watermark
		// that offline clients poll after replaying queued actions.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS guestsync.guest_change_log (
			seq           BIGSERIAL PRIMARY KEY,
			collection_id TEXT NOT NULL,
			guest_id      UUID NOT NULL,
			op            TEXT NOT NULL CHECK (op IN ('INSERT','UPDATE','DELETE')),
			payload       JSON,
			ts            TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS gcl_collection_seq_idx
			ON guestsync.guest_change_log(collection_id, seq)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}
