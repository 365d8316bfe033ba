// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package guestimport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// duplicateNote is appended to the notes of records created under the mark
// strategy so a human can find them for manual review.
const duplicateNote = "[possible duplicate - review]"

// Reconciler executes the confirmed half of an import: given validated,
// caller-deduplicated guests and a strategy, it decides and applies one
// action per row inside a single store transaction and returns the ledger.
type Reconciler struct {
	store  GuestStore
	audit  AuditSink
	logger *slog.Logger
}

// NewReconciler wires a reconciler. The audit sink may be nil, in which case
// batch summaries are only logged.
func NewReconciler(store GuestStore, audit AuditSink, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, audit: audit, logger: logger}
}

// Reconcile processes guests in original order within one transaction.
// Individual row failures are recorded in the ledger and roll back only
// that row's writes (RowScope); the batch itself commits once. The caller
// is never trusted on uniqueness: in-call repeats of a normalized name are
// failed with duplicate_in_csv.
func (r *Reconciler) Reconcile(ctx context.Context, requesterID, collectionID string, guests []ValidatedGuest, strategy Strategy) (*Ledger, error) {
	ledger := &Ledger{Outcomes: make([]RowOutcome, 0, len(guests))}

	freq := make(map[string]int, len(guests))
	for _, g := range guests {
		freq[g.NormalizedName]++
	}

	err := r.store.WithinTx(ctx, func(tx GuestTx) error {
		if locker, ok := tx.(collectionLocker); ok {
			if err := locker.LockCollection(ctx, collectionID); err != nil {
				return fmt.Errorf("lock collection %s: %w", collectionID, err)
			}
		}

		for _, guest := range guests {
			outcome := r.reconcileRow(ctx, tx, collectionID, guest, strategy, freq)
			ledger.Outcomes = append(ledger.Outcomes, outcome)
			ledger.count(outcome.Action)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile batch for collection %s: %w", collectionID, err)
	}

	r.logger.Info("Import batch reconciled",
		"collection_id", collectionID,
		"strategy", string(strategy),
		"rows", len(guests),
		"created", ledger.Counts.Created,
		"updated", ledger.Counts.Updated,
		"skipped", ledger.Counts.Skipped,
		"marked", ledger.Counts.Marked,
		"failed", ledger.Counts.Failed,
	)

	if r.audit != nil {
		entry := ImportAuditEntry{
			RequesterID:  requesterID,
			CollectionID: collectionID,
			Strategy:     strategy,
			Counts:       ledger.Counts,
			Timestamp:    time.Now().UTC(),
		}
		if auditErr := r.audit.RecordImport(ctx, entry); auditErr != nil {
			// The ledger is already committed; a lost audit row is logged,
			// not surfaced.
			r.logger.Warn("Failed to record import audit entry", "error", auditErr, "collection_id", collectionID)
		}
	}

	return ledger, nil
}

func (r *Reconciler) reconcileRow(ctx context.Context, tx GuestTx, collectionID string, guest ValidatedGuest, strategy Strategy, freq map[string]int) RowOutcome {
	outcome := RowOutcome{
		FullName:       guest.FullName,
		NormalizedName: guest.NormalizedName,
	}

	if freq[guest.NormalizedName] > 1 {
		outcome.Action = ActionFailed
		outcome.Reason = ReasonDuplicateInCSV
		return outcome
	}

	err := tx.RowScope(ctx, func() error {
		existing, err := tx.FindByNormalizedName(ctx, collectionID, guest.NormalizedName)
		if err != nil {
			return fmt.Errorf("find by normalized name: %w", err)
		}

		if existing == nil {
			record, err := tx.Create(ctx, collectionID, guestToFields(guest))
			if err != nil {
				return fmt.Errorf("create record: %w", err)
			}
			outcome.Action = ActionCreated
			outcome.RecordID = record.ID
			return nil
		}

		switch strategy {
		case StrategyIgnore:
			outcome.Action = ActionSkipped
			outcome.RecordID = existing.ID
			return nil

		case StrategyUpdate:
			record, err := tx.Update(ctx, existing.ID, mergeFields(existing.GuestFields, guest))
			if err != nil {
				return fmt.Errorf("update record %s: %w", existing.ID, err)
			}
			outcome.Action = ActionUpdated
			outcome.RecordID = record.ID
			return nil

		case StrategyMark:
			// Deliberately a second record, not a merge: the duplicate is
			// preserved for manual review.
			fields := guestToFields(guest)
			fields.Notes = strings.TrimSpace(fields.Notes + " " + duplicateNote)
			record, err := tx.Create(ctx, collectionID, fields)
			if err != nil {
				return fmt.Errorf("create marked duplicate: %w", err)
			}
			outcome.Action = ActionMarked
			outcome.RecordID = record.ID
			return nil

		default:
			return fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
		}
	})
	if err != nil {
		// Storage internals stay out of the ledger; the row fails with a
		// generic reason and the details go to the log.
		r.logger.Error("Row reconciliation failed",
			"collection_id", collectionID,
			"normalized_name", guest.NormalizedName,
			"error", err,
		)
		outcome.Action = ActionFailed
		outcome.Reason = ReasonStorageError
		outcome.RecordID = ""
	}

	return outcome
}

func guestToFields(g ValidatedGuest) GuestFields {
	return GuestFields{
		FullName:       g.FullName,
		NormalizedName: g.NormalizedName,
		Category:       g.Category,
		Phone:          g.Phone,
		Notes:          g.Notes,
		TableNumber:    g.TableNumber,
	}
}

// mergeFields applies the update-strategy fallback rule: incoming values win
// only when non-empty, otherwise the stored value is kept. The name pair is
// never touched; the row matched by normalized name.
func mergeFields(existing GuestFields, incoming ValidatedGuest) GuestFields {
	merged := existing
	if incoming.Category != "" {
		merged.Category = incoming.Category
	}
	if incoming.Phone != "" {
		merged.Phone = incoming.Phone
	}
	if incoming.Notes != "" {
		merged.Notes = incoming.Notes
	}
	if incoming.TableNumber != "" {
		merged.TableNumber = incoming.TableNumber
	}
	return merged
}
