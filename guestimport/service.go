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
)

// ServiceConfig holds configuration for the import service.
type ServiceConfig struct {
	AppName string

	// MaxUploadBytes caps the accepted file size (0 = unlimited).
	MaxUploadBytes int

	// StalePendingAfter is the lease window for pending import jobs. A
	// pending job older than this is treated as abandoned (e.g. the process
	// crashed between job creation and completion) and becomes eligible for
	// a fresh attempt under the same idempotency key.
	StalePendingAfter time.Duration
}

// ImportService is the entry point for the two-step import flow: Preview
// parses, validates and classifies an upload without writing anything;
// Confirm applies the caller's chosen rows under an idempotency key.
type ImportService struct {
	store      GuestStore
	jobs       ImportJobStore
	reconciler *Reconciler
	logger     *slog.Logger
	config     *ServiceConfig
}

// NewImportService creates an import service. jobs may be nil only when
// every caller uses fire-and-forget confirms (no idempotency keys).
func NewImportService(store GuestStore, jobs ImportJobStore, audit AuditSink, config *ServiceConfig, logger *slog.Logger) *ImportService {
	if config == nil {
		config = &ServiceConfig{}
	}
	if config.StalePendingAfter <= 0 {
		config.StalePendingAfter = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportService{
		store:      store,
		jobs:       jobs,
		reconciler: NewReconciler(store, audit, logger),
		logger:     logger,
		config:     config,
	}
}

// Preview is the result of the dry-run half of an import: counts and rows
// the caller reviews before confirming. Nothing has been written yet.
type Preview struct {
	TotalRows           int               `json:"total_rows"`
	New                 []ClassifiedGuest `json:"new"`
	ExistingDuplicates  []ClassifiedGuest `json:"existing_duplicates"`
	IntraFileDuplicates []ClassifiedGuest `json:"intra_file_duplicates"`
	Invalid             []RowError        `json:"invalid"`
}

// PreviewUpload parses, validates and classifies an uploaded file against
// the target collection. Parse failures abort with ErrMalformedFile;
// validation failures come back as data.
func (s *ImportService) PreviewUpload(ctx context.Context, collectionID string, data []byte, contentType string) (*Preview, error) {
	if s.config.MaxUploadBytes > 0 && len(data) > s.config.MaxUploadBytes {
		return nil, fmt.Errorf("%w: upload exceeds %d bytes", ErrMalformedFile, s.config.MaxUploadBytes)
	}

	rows, err := ParseUpload(data, contentType)
	if err != nil {
		return nil, err
	}

	guests, rowErrs := ValidateRows(rows)

	existing, err := s.store.ListNormalizedNames(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("list existing names for collection %s: %w", collectionID, err)
	}

	classification := Classify(guests, existing)

	s.logger.Info("Import preview computed",
		"collection_id", collectionID,
		"total_rows", len(rows),
		"valid", len(guests),
		"invalid_errors", len(rowErrs),
	)

	return &Preview{
		TotalRows:           len(rows),
		New:                 classification.New(),
		ExistingDuplicates:  classification.ExistingDuplicates(),
		IntraFileDuplicates: classification.IntraFileDuplicates(),
		Invalid:             rowErrs,
	}, nil
}

// ConfirmParams is one confirm intent: the rows the caller chose to submit
// (typically preview's new + existing duplicates, never intra-file
// duplicates) plus the strategy and an optional idempotency key.
type ConfirmParams struct {
	RequesterID    string
	CollectionID   string
	IdempotencyKey string
	Rows           []ValidatedGuest
	Strategy       Strategy
}

// Confirm runs the reconciliation engine exactly once per idempotency key.
// The returned bytes are the serialized ledger; on a replayed key they are
// the stored result verbatim, byte for byte, with zero additional writes.
// ErrJobPending signals a confirm already in flight for the same key.
//
// An empty IdempotencyKey runs fire-and-forget: the reconciliation still
// executes, but repeat calls are not deduplicated.
func (s *ImportService) Confirm(ctx context.Context, params ConfirmParams) ([]byte, error) {
	if params.IdempotencyKey == "" {
		ledger, err := s.reconciler.Reconcile(ctx, params.RequesterID, params.CollectionID, params.Rows, params.Strategy)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ledger)
	}
	if s.jobs == nil {
		return nil, errors.New("idempotency key supplied but no job store configured")
	}

	job, err := s.claimJob(ctx, params)
	if err != nil {
		return nil, err
	}
	if job.Status == JobCompleted {
		s.logger.Info("Replaying completed import job",
			"job_id", job.ID,
			"collection_id", params.CollectionID,
			"idempotency_key", params.IdempotencyKey,
		)
		return job.Result, nil
	}

	ledger, err := s.reconciler.Reconcile(ctx, params.RequesterID, params.CollectionID, params.Rows, params.Strategy)
	if err != nil {
		// Store an opaque failure marker, never raw error internals.
		if failErr := s.jobs.FailJob(ctx, job.ID); failErr != nil {
			s.logger.Error("Failed to mark import job failed", "error", failErr, "job_id", job.ID)
		}
		return nil, err
	}

	result, err := json.Marshal(ledger)
	if err != nil {
		return nil, fmt.Errorf("marshal ledger: %w", err)
	}

	if err := s.jobs.CompleteJob(ctx, job.ID, result); err != nil {
		return nil, fmt.Errorf("complete import job %s: %w", job.ID, err)
	}

	return result, nil
}

// claimJob resolves the idempotency key to a job this call may act on.
// Returns a pending job owned by this call, a completed job to replay, or
// ErrJobPending when another confirm holds the key.
func (s *ImportService) claimJob(ctx context.Context, params ConfirmParams) (*ImportJob, error) {
	job, err := s.jobs.FindJob(ctx, params.RequesterID, params.CollectionID, params.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("find import job: %w", err)
	}

	if job == nil {
		created, err := s.jobs.CreatePendingJob(ctx, params.RequesterID, params.CollectionID, params.IdempotencyKey)
		if err != nil {
			if errors.Is(err, ErrDuplicateJob) {
				// Lost the insert race; the winner is in progress.
				return nil, ErrJobPending
			}
			return nil, fmt.Errorf("create pending import job: %w", err)
		}
		return created, nil
	}

	switch job.Status {
	case JobCompleted:
		return job, nil

	case JobPending:
		staleBefore := time.Now().Add(-s.config.StalePendingAfter)
		if job.CreatedAt.After(staleBefore) {
			return nil, ErrJobPending
		}
		claimed, err := s.jobs.ReclaimJob(ctx, job.ID, staleBefore)
		if err != nil {
			return nil, fmt.Errorf("reclaim stale import job %s: %w", job.ID, err)
		}
		if !claimed {
			return nil, ErrJobPending
		}
		s.logger.Warn("Reclaimed stale pending import job",
			"job_id", job.ID,
			"idempotency_key", params.IdempotencyKey,
			"created_at", job.CreatedAt,
		)
		job.Status = JobPending
		return job, nil

	case JobFailed:
		claimed, err := s.jobs.ReclaimJob(ctx, job.ID, time.Now())
		if err != nil {
			return nil, fmt.Errorf("reclaim failed import job %s: %w", job.ID, err)
		}
		if !claimed {
			return nil, ErrJobPending
		}
		job.Status = JobPending
		return job, nil

	default:
		return nil, fmt.Errorf("import job %s has unknown status %q", job.ID, job.Status)
	}
}
