// Package offlinequeue provides a SQLite-backed action queue for check-in
// clients that keep working while the network is down. Mutations performed
// offline are captured as pending actions and replayed against the server in
// arrival order once connectivity returns.
//
// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package offlinequeue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// PendingAction is one queued mutation awaiting replay. Actions replay in
// strict id order; ids are assigned by SQLite AUTOINCREMENT at enqueue time.
type PendingAction struct {
	ID         int64
	ActionType string
	Endpoint   string
	Method     string
	Payload    json.RawMessage
	EnqueuedAt string
}

// initializeDatabase creates queue metadata tables (private function)
func initializeDatabase(db *sql.DB) error {
	// Enable WAL mode so queue writes do not block the app's own reads
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Client/device info (one row)
		`CREATE TABLE IF NOT EXISTS _queue_client_info (
			client_id        TEXT NOT NULL,          -- locally generated UUIDv4 (persisted)
			last_change_seq  INTEGER NOT NULL DEFAULT 0,  -- changed-since watermark
			PRIMARY KEY (client_id)
		)`,

		// Pending queue, strict FIFO by id
		`CREATE TABLE IF NOT EXISTS _queue_pending_actions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			action_type  TEXT NOT NULL,
			endpoint     TEXT NOT NULL,
			method       TEXT NOT NULL,
			payload      TEXT, -- JSON body captured at enqueue time (NULL for bodyless)
			enqueued_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create queue table: %w", err)
		}
	}

	return nil
}

// EnsureClientID generates and persists a client ID if not already present
func EnsureClientID(db *sql.DB) (string, error) {
	var clientID string
	err := db.QueryRow(`SELECT client_id FROM _queue_client_info LIMIT 1`).Scan(&clientID)
	if errors.Is(err, sql.ErrNoRows) {
		clientID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _queue_client_info (client_id, last_change_seq)
			VALUES (?, 0)
		`, clientID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return clientID, nil
}

// enqueue appends an action to the tail of the queue.
func (c *Client) enqueue(ctx context.Context, actionType, endpoint, method string, payload json.RawMessage) error {
	var body any
	if payload != nil {
		body = string(payload)
	}
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _queue_pending_actions (action_type, endpoint, method, payload)
		VALUES (?, ?, ?, ?)
	`, actionType, endpoint, method, body)
	if err != nil {
		return fmt.Errorf("failed to enqueue action: %w", err)
	}
	return nil
}

// pendingActions returns queued actions oldest first.
func (c *Client) pendingActions(ctx context.Context) ([]PendingAction, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, action_type, endpoint, method, payload, enqueued_at
		FROM _queue_pending_actions
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending actions: %w", err)
	}
	defer rows.Close()

	var actions []PendingAction
	for rows.Next() {
		var a PendingAction
		var payload sql.NullString
		if err := rows.Scan(&a.ID, &a.ActionType, &a.Endpoint, &a.Method, &payload, &a.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending action: %w", err)
		}
		if payload.Valid {
			a.Payload = json.RawMessage(payload.String)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending actions: %w", err)
	}
	return actions, nil
}

// deleteAction removes one replayed (or discarded) action from the queue.
func (c *Client) deleteAction(ctx context.Context, id int64) error {
	_, err := c.DB.ExecContext(ctx, `DELETE FROM _queue_pending_actions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete action %d: %w", id, err)
	}
	return nil
}

// PendingCount returns the number of actions awaiting replay.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := c.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM _queue_pending_actions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}
	return count, nil
}
