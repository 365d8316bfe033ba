// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package guestimport

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgAuditSink appends batch summaries to guestsync.import_audit.
type PgAuditSink struct {
	pool *pgxpool.Pool
}

func NewPgAuditSink(pool *pgxpool.Pool) *PgAuditSink {
	return &PgAuditSink{pool: pool}
}

func (s *PgAuditSink) RecordImport(ctx context.Context, entry ImportAuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO guestsync.import_audit
			(requester_id, collection_id, strategy, created_count, updated_count, skipped_count, marked_count, failed_count, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.RequesterID, entry.CollectionID, string(entry.Strategy),
		entry.Counts.Created, entry.Counts.Updated, entry.Counts.Skipped,
		entry.Counts.Marked, entry.Counts.Failed, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("record import audit entry: %w", err)
	}
	return nil
}
