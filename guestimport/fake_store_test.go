package guestimport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGuestStore is an in-memory GuestStore with RowScope rollback semantics,
// used by the reconciler and service tests.
type fakeGuestStore struct {
	mu      sync.Mutex
	records map[string]*GuestRecord // id -> record

	// failCreateFor makes Create fail for a given normalized name, to
	// exercise per-row rollback
	failCreateFor map[string]bool
	failWithinTx  error
	failList      error
}

func newFakeGuestStore() *fakeGuestStore {
	return &fakeGuestStore{
		records:       make(map[string]*GuestRecord),
		failCreateFor: make(map[string]bool),
	}
}

func (s *fakeGuestStore) seed(collectionID, fullName string) *GuestRecord {
	rec := &GuestRecord{
		ID:           uuid.New().String(),
		CollectionID: collectionID,
		GuestFields: GuestFields{
			FullName:       fullName,
			NormalizedName: NormalizeName(fullName),
		},
		CreatedAt: time.Now().Add(-time.Hour),
	}
	s.records[rec.ID] = rec
	return rec
}

func (s *fakeGuestStore) WithinTx(ctx context.Context, fn func(tx GuestTx) error) error {
	if s.failWithinTx != nil {
		return s.failWithinTx
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&fakeGuestTx{store: s})
}

func (s *fakeGuestStore) ListNormalizedNames(ctx context.Context, collectionID string) (map[string]struct{}, error) {
	if s.failList != nil {
		return nil, s.failList
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{})
	for _, rec := range s.records {
		if rec.CollectionID == collectionID {
			set[rec.NormalizedName] = struct{}{}
		}
	}
	return set, nil
}

type fakeGuestTx struct {
	store *fakeGuestStore

	// staged writes inside an open RowScope; promoted on success, discarded
	// on error
	staged map[string]*GuestRecord
}

func (tx *fakeGuestTx) RowScope(ctx context.Context, fn func() error) error {
	tx.staged = make(map[string]*GuestRecord)
	err := fn()
	if err == nil {
		for id, rec := range tx.staged {
			tx.store.records[id] = rec
		}
	}
	tx.staged = nil
	return err
}

func (tx *fakeGuestTx) lookup(id string) *GuestRecord {
	if tx.staged != nil {
		if rec, ok := tx.staged[id]; ok {
			return rec
		}
	}
	return tx.store.records[id]
}

func (tx *fakeGuestTx) FindByNormalizedName(ctx context.Context, collectionID, normalizedName string) (*GuestRecord, error) {
	var oldest *GuestRecord
	consider := func(rec *GuestRecord) {
		if rec.CollectionID != collectionID || rec.NormalizedName != normalizedName {
			return
		}
		if oldest == nil || rec.CreatedAt.Before(oldest.CreatedAt) {
			oldest = rec
		}
	}
	for _, rec := range tx.store.records {
		consider(rec)
	}
	if tx.staged != nil {
		for _, rec := range tx.staged {
			consider(rec)
		}
	}
	if oldest == nil {
		return nil, nil
	}
	cp := *oldest
	return &cp, nil
}

func (tx *fakeGuestTx) Create(ctx context.Context, collectionID string, fields GuestFields) (*GuestRecord, error) {
	if tx.store.failCreateFor[fields.NormalizedName] {
		return nil, fmt.Errorf("storage blew up for %s", fields.NormalizedName)
	}
	rec := &GuestRecord{
		ID:           uuid.New().String(),
		CollectionID: collectionID,
		GuestFields:  fields,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if tx.staged != nil {
		tx.staged[rec.ID] = rec
	} else {
		tx.store.records[rec.ID] = rec
	}
	cp := *rec
	return &cp, nil
}

func (tx *fakeGuestTx) Update(ctx context.Context, recordID string, fields GuestFields) (*GuestRecord, error) {
	existing := tx.lookup(recordID)
	if existing == nil {
		return nil, errors.New("record not found")
	}
	updated := *existing
	updated.GuestFields = fields
	updated.UpdatedAt = time.Now()
	if tx.staged != nil {
		tx.staged[recordID] = &updated
	} else {
		tx.store.records[recordID] = &updated
	}
	cp := updated
	return &cp, nil
}

// fakeJobStore is an in-memory ImportJobStore.
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*ImportJob // tuple key -> job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*ImportJob)}
}

func jobKey(requesterID, collectionID, key string) string {
	return requesterID + "|" + collectionID + "|" + key
}

func (s *fakeJobStore) FindJob(ctx context.Context, requesterID, collectionID, key string) (*ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobKey(requesterID, collectionID, key)]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *fakeJobStore) CreatePendingJob(ctx context.Context, requesterID, collectionID, key string) (*ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := jobKey(requesterID, collectionID, key)
	if _, exists := s.jobs[k]; exists {
		return nil, ErrDuplicateJob
	}
	job := &ImportJob{
		ID:             uuid.New().String(),
		RequesterID:    requesterID,
		CollectionID:   collectionID,
		IdempotencyKey: key,
		Status:         JobPending,
		CreatedAt:      time.Now(),
	}
	s.jobs[k] = job
	cp := *job
	return &cp, nil
}

func (s *fakeJobStore) ReclaimJob(ctx context.Context, jobID string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ID != jobID {
			continue
		}
		if job.Status == JobFailed || (job.Status == JobPending && job.CreatedAt.Before(staleBefore)) {
			job.Status = JobPending
			job.CreatedAt = time.Now()
			return true, nil
		}
		return false, nil
	}
	return false, errors.New("job not found")
}

func (s *fakeJobStore) CompleteJob(ctx context.Context, jobID string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ID == jobID {
			job.Status = JobCompleted
			job.Result = result
			return nil
		}
	}
	return errors.New("job not found")
}

func (s *fakeJobStore) FailJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ID == jobID {
			job.Status = JobFailed
			return nil
		}
	}
	return errors.New("job not found")
}

// fakeAuditSink records entries in memory.
type fakeAuditSink struct {
	mu      sync.Mutex
	entries []ImportAuditEntry
	fail    error
}

func (s *fakeAuditSink) RecordImport(ctx context.Context, entry ImportAuditEntry) error {
	if s.fail != nil {
		return s.fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}
