// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package guestimport

import (
	"context"
	"encoding/json"
	"time"
)

// GuestFields carries the writable attributes of a guest record.
type GuestFields struct {
	FullName       string `json:"full_name"`
	NormalizedName string `json:"normalized_name"`
	Category       string `json:"category,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Notes          string `json:"notes,omitempty"`
	TableNumber    string `json:"table_number,omitempty"`
}

// GuestRecord is a stored guest row.
type GuestRecord struct {
	ID           string `json:"id"`
	CollectionID string `json:"collection_id"`
	GuestFields
	CheckedIn bool      `json:"checked_in"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GuestTx is the transactional surface the reconciliation engine needs from
// a record store. FindByNormalizedName returns (nil, nil) when no record
// matches. RowScope runs fn with row-level isolation: when fn returns an
// error, every write fn performed is rolled back without aborting the
// surrounding transaction, which keeps the outcome ledger truthful for
// sibling rows.
type GuestTx interface {
	FindByNormalizedName(ctx context.Context, collectionID, normalizedName string) (*GuestRecord, error)
	Create(ctx context.Context, collectionID string, fields GuestFields) (*GuestRecord, error)
	Update(ctx context.Context, recordID string, fields GuestFields) (*GuestRecord, error)
	RowScope(ctx context.Context, fn func() error) error
}

// GuestStore is the record store contract. Implementations own transaction
// demarcation; the engine never reaches for ambient global state.
type GuestStore interface {
	WithinTx(ctx context.Context, fn func(tx GuestTx) error) error

	// ListNormalizedNames fetches the dedup key set for a collection once
	// per upload, never per row.
	ListNormalizedNames(ctx context.Context, collectionID string) (map[string]struct{}, error)
}

// collectionLocker is an optional GuestTx extension. Stores that support it
// serialize concurrent imports into the same collection for the duration of
// the transaction; the engine takes the lock when available and otherwise
// relies on the store's isolation level.
type collectionLocker interface {
	LockCollection(ctx context.Context, collectionID string) error
}

// ImportJob is one idempotency-tracked reconciliation run. At most one job
// exists per (requester, collection, key) tuple.
type ImportJob struct {
	ID             string    `json:"id"`
	RequesterID    string    `json:"requester_id"`
	CollectionID   string    `json:"collection_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         string    `json:"status"` // pending | completed | failed
	Result         []byte    `json:"result,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ImportJobStore persists import jobs. CreatePendingJob must enforce the
// tuple uniqueness at the storage layer and return ErrDuplicateJob when a
// concurrent racer inserted first; that closes the lookup-then-insert race.
type ImportJobStore interface {
	FindJob(ctx context.Context, requesterID, collectionID, key string) (*ImportJob, error)
	CreatePendingJob(ctx context.Context, requesterID, collectionID, key string) (*ImportJob, error)

	// ReclaimJob atomically flips an abandoned job (failed, or pending with
	// CreatedAt before staleBefore) back to pending for a fresh attempt.
	// Exactly one of several concurrent racers observes claimed=true.
	ReclaimJob(ctx context.Context, jobID string, staleBefore time.Time) (claimed bool, err error)

	CompleteJob(ctx context.Context, jobID string, result []byte) error
	FailJob(ctx context.Context, jobID string) error
}

// ImportAuditEntry summarizes one reconciliation batch for the audit sink.
type ImportAuditEntry struct {
	RequesterID  string        `json:"requester_id"`
	CollectionID string        `json:"collection_id"`
	Strategy     Strategy      `json:"strategy"`
	Counts       OutcomeCounts `json:"counts"`
	Timestamp    time.Time     `json:"ts"`
}

// AuditSink is the append-only destination for batch summaries. One entry
// per reconciliation run, never per row.
type AuditSink interface {
	RecordImport(ctx context.Context, entry ImportAuditEntry) error
}

// GuestChange is one entry in a collection's change feed, ordered by Seq.
// Clients poll it as a changed-since watermark after replaying offline
// actions.
type GuestChange struct {
	Seq       int64           `json:"seq"`
	GuestID   string          `json:"guest_id"`
	Op        string          `json:"op"` // INSERT | UPDATE | DELETE
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// GuestMutationStore is the single-row mutation surface backing check-in
// endpoints, plus the change feed the offline queue reconciles against.
type GuestMutationStore interface {
	CreateGuest(ctx context.Context, collectionID string, fields GuestFields) (*GuestRecord, error)
	DeleteGuest(ctx context.Context, collectionID, guestID string) error
	SetCheckedIn(ctx context.Context, collectionID, guestID string, checkedIn bool) (*GuestRecord, error)
	ChangesSince(ctx context.Context, collectionID string, after int64, limit int) ([]GuestChange, int64, error)
}
