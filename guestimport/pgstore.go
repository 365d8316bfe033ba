// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package guestimport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgGuestStore is the PostgreSQL record store. It implements GuestStore for
// the reconciliation engine and GuestMutationStore for the check-in
// endpoints, and feeds guest_change_log for the watermark protocol.
type PgGuestStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgGuestStore creates a store from an existing pool. The caller owns
// the pool lifecycle.
func NewPgGuestStore(pool *pgxpool.Pool, logger *slog.Logger) *PgGuestStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgGuestStore{pool: pool, logger: logger}
}

// WithinTx runs fn inside one REPEATABLE READ transaction, matching the
// engine's single-writer-per-call assumption.
func (s *PgGuestStore) WithinTx(ctx context.Context, fn func(tx GuestTx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		return fn(&pgGuestTx{tx: tx, logger: s.logger})
	})
}

// ListNormalizedNames fetches the dedup key set for a collection in one
// query.
func (s *PgGuestStore) ListNormalizedNames(ctx context.Context, collectionID string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT normalized_name FROM guestsync.guests WHERE collection_id = $1`,
		collectionID)
	if err != nil {
		return nil, fmt.Errorf("list normalized names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan normalized name: %w", err)
		}
		names[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate normalized names: %w", err)
	}
	return names, nil
}

// pgGuestTx adapts a pgx transaction to the GuestTx contract. Row-level
// isolation uses SAVEPOINTs so a failed row rolls back alone while the
// batch transaction survives.
type pgGuestTx struct {
	tx     pgx.Tx
	logger *slog.Logger
	spSeq  int
}

// LockCollection serializes imports per collection with a transaction-scoped
// advisory lock. Released automatically at commit/rollback.
func (t *pgGuestTx) LockCollection(ctx context.Context, collectionID string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('guestsync.import'), hashtext($1))`, collectionID)
	return err
}

func (t *pgGuestTx) RowScope(ctx context.Context, fn func() error) error {
	t.spSeq++
	spName := pgx.Identifier{fmt.Sprintf("row_sp_%d", t.spSeq)}.Sanitize()

	if _, err := t.tx.Exec(ctx, "SAVEPOINT "+spName); err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}

	if err := fn(); err != nil {
		_, _ = t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+spName)
		_, _ = t.tx.Exec(ctx, "RELEASE SAVEPOINT "+spName)
		return err
	}

	if _, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+spName); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

const guestColumns = `id, collection_id, full_name, normalized_name, category, phone, notes, table_number, checked_in, created_at, updated_at`

func (t *pgGuestTx) FindByNormalizedName(ctx context.Context, collectionID, normalizedName string) (*GuestRecord, error) {
	// Oldest record wins when "mark" previously stored duplicates; the
	// original is the reconciliation target, annotated copies are not.
	row := t.tx.QueryRow(ctx, `
		SELECT `+guestColumns+`
		FROM guestsync.guests
		WHERE collection_id = $1 AND normalized_name = $2
		ORDER BY created_at
		LIMIT 1`, collectionID, normalizedName)

	record, err := scanGuest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find guest by normalized name: %w", err)
	}
	return record, nil
}

func (t *pgGuestTx) Create(ctx context.Context, collectionID string, fields GuestFields) (*GuestRecord, error) {
	id := uuid.New().String()
	row := t.tx.QueryRow(ctx, `
		INSERT INTO guestsync.guests
			(id, collection_id, full_name, normalized_name, category, phone, notes, table_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+guestColumns,
		id, collectionID, fields.FullName, fields.NormalizedName,
		fields.Category, fields.Phone, fields.Notes, fields.TableNumber)

	record, err := scanGuest(row)
	if err != nil {
		return nil, fmt.Errorf("create guest: %w", err)
	}
	if err := appendChange(ctx, t.tx, collectionID, record, "INSERT"); err != nil {
		return nil, err
	}
	return record, nil
}

func (t *pgGuestTx) Update(ctx context.Context, recordID string, fields GuestFields) (*GuestRecord, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE guestsync.guests
		SET full_name = $2,
		    normalized_name = $3,
		    category = $4,
		    phone = $5,
		    notes = $6,
		    table_number = $7,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+guestColumns,
		recordID, fields.FullName, fields.NormalizedName,
		fields.Category, fields.Phone, fields.Notes, fields.TableNumber)

	record, err := scanGuest(row)
	if err != nil {
		return nil, fmt.Errorf("update guest %s: %w", recordID, err)
	}
	if err := appendChange(ctx, t.tx, record.CollectionID, record, "UPDATE"); err != nil {
		return nil, err
	}
	return record, nil
}

// --- single-row mutation surface (GuestMutationStore) ---

func (s *PgGuestStore) CreateGuest(ctx context.Context, collectionID string, fields GuestFields) (*GuestRecord, error) {
	var record *GuestRecord
	err := s.WithinTx(ctx, func(tx GuestTx) error {
		var err error
		record, err = tx.Create(ctx, collectionID, fields)
		return err
	})
	return record, err
}

func (s *PgGuestStore) DeleteGuest(ctx context.Context, collectionID, guestID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM guestsync.guests WHERE id = $1 AND collection_id = $2`,
			guestID, collectionID)
		if err != nil {
			return fmt.Errorf("delete guest %s: %w", guestID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrGuestNotFound
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO guestsync.guest_change_log (collection_id, guest_id, op, payload)
			VALUES ($1, $2, 'DELETE', NULL)`, collectionID, guestID)
		if err != nil {
			return fmt.Errorf("append delete change: %w", err)
		}
		return nil
	})
}

func (s *PgGuestStore) SetCheckedIn(ctx context.Context, collectionID, guestID string, checkedIn bool) (*GuestRecord, error) {
	var record *GuestRecord
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE guestsync.guests
			SET checked_in = $3,
			    checked_in_at = CASE WHEN $3 THEN now() ELSE NULL END,
			    updated_at = now()
			WHERE id = $1 AND collection_id = $2
			RETURNING `+guestColumns,
			guestID, collectionID, checkedIn)

		var err error
		record, err = scanGuest(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrGuestNotFound
		}
		if err != nil {
			return fmt.Errorf("set checked_in for guest %s: %w", guestID, err)
		}
		return appendChange(ctx, tx, collectionID, record, "UPDATE")
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ChangesSince returns change feed entries with seq > after, oldest first,
// plus the next watermark value the client should store.
func (s *PgGuestStore) ChangesSince(ctx context.Context, collectionID string, after int64, limit int) ([]GuestChange, int64, error) {
	if limit <= 0 || limit > MaxChangesFetch {
		limit = MaxChangesFetch
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, guest_id, op, payload, ts
		FROM guestsync.guest_change_log
		WHERE collection_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, collectionID, after, limit)
	if err != nil {
		return nil, after, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	var changes []GuestChange
	nextAfter := after
	for rows.Next() {
		var ch GuestChange
		if err := rows.Scan(&ch.Seq, &ch.GuestID, &ch.Op, &ch.Payload, &ch.Timestamp); err != nil {
			return nil, after, fmt.Errorf("scan change: %w", err)
		}
		changes = append(changes, ch)
		nextAfter = ch.Seq
	}
	if err := rows.Err(); err != nil {
		return nil, after, fmt.Errorf("iterate change log: %w", err)
	}
	return changes, nextAfter, nil
}

func appendChange(ctx context.Context, tx pgx.Tx, collectionID string, record *GuestRecord, op string) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal change payload: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO guestsync.guest_change_log (collection_id, guest_id, op, payload)
		VALUES ($1, $2, $3, $4::json)`, collectionID, record.ID, op, payload)
	if err != nil {
		return fmt.Errorf("append %s change: %w", op, err)
	}
	return nil
}

type pgRow interface {
	Scan(dest ...any) error
}

func scanGuest(row pgRow) (*GuestRecord, error) {
	var (
		r         GuestRecord
		checkedIn bool
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(&r.ID, &r.CollectionID, &r.FullName, &r.NormalizedName,
		&r.Category, &r.Phone, &r.Notes, &r.TableNumber,
		&checkedIn, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.CheckedIn = checkedIn
	r.CreatedAt = createdAt
	r.UpdatedAt = updatedAt
	return &r, nil
}
