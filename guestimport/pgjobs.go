// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package guestimport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgImportJobStore persists import jobs in guestsync.import_jobs.
type PgImportJobStore struct {
	pool *pgxpool.Pool
}

func NewPgImportJobStore(pool *pgxpool.Pool) *PgImportJobStore {
	return &PgImportJobStore{pool: pool}
}

const jobColumns = `id, requester_id, collection_id, idempotency_key, status, result, created_at`

func (s *PgImportJobStore) FindJob(ctx context.Context, requesterID, collectionID, key string) (*ImportJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM guestsync.import_jobs
		WHERE requester_id = $1 AND collection_id = $2 AND idempotency_key = $3`,
		requesterID, collectionID, key)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find import job: %w", err)
	}
	return job, nil
}

func (s *PgImportJobStore) CreatePendingJob(ctx context.Context, requesterID, collectionID, key string) (*ImportJob, error) {
	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO guestsync.import_jobs (id, requester_id, collection_id, idempotency_key, status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING `+jobColumns,
		id, requesterID, collectionID, key)

	job, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
			// Unique violation on the tuple: a concurrent confirm won.
			return nil, ErrDuplicateJob
		}
		return nil, fmt.Errorf("create pending import job: %w", err)
	}
	return job, nil
}

// ReclaimJob flips an abandoned job back to pending. The WHERE clause makes
// concurrent reclaimers race on the row update: exactly one sees claimed.
func (s *PgImportJobStore) ReclaimJob(ctx context.Context, jobID string, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE guestsync.import_jobs
		SET status = 'pending', result = NULL, created_at = now()
		WHERE id = $1
		  AND (status = 'failed' OR (status = 'pending' AND created_at < $2))`,
		jobID, staleBefore)
	if err != nil {
		return false, fmt.Errorf("reclaim import job %s: %w", jobID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgImportJobStore) CompleteJob(ctx context.Context, jobID string, result []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE guestsync.import_jobs
		SET status = 'completed', result = $2::json
		WHERE id = $1 AND status = 'pending'`,
		jobID, result)
	if err != nil {
		return fmt.Errorf("complete import job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete import job %s: job is not pending", jobID)
	}
	return nil
}

func (s *PgImportJobStore) FailJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE guestsync.import_jobs
		SET status = 'failed', result = NULL
		WHERE id = $1`,
		jobID)
	if err != nil {
		return fmt.Errorf("fail import job %s: %w", jobID, err)
	}
	return nil
}

func scanJob(row pgRow) (*ImportJob, error) {
	var job ImportJob
	if err := row.Scan(&job.ID, &job.RequesterID, &job.CollectionID,
		&job.IdempotencyKey, &job.Status, &job.Result, &job.CreatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}
