package guestimport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// pgHarness spins up a PostgreSQL TestContainer with the guestsync schema.
type pgHarness struct {
	t         *testing.T
	ctx       context.Context
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	store     *PgGuestStore
	jobs      *PgImportJobStore
	audit     *PgAuditSink
}

func newPgHarness(t *testing.T) *pgHarness {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("guestsync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, InitializeSchema(ctx, pool))

	h := &pgHarness{
		t:         t,
		ctx:       ctx,
		container: container,
		pool:      pool,
		store:     NewPgGuestStore(pool, testLogger()),
		jobs:      NewPgImportJobStore(pool),
		audit:     NewPgAuditSink(pool),
	}
	t.Cleanup(func() {
		pool.Close()
		_ = container.Terminate(ctx)
	})
	return h
}

func TestPgReconcileFlow(t *testing.T) {
	h := newPgHarness(t)
	collection := "col-" + uuid.New().String()
	r := NewReconciler(h.store, h.audit, testLogger())

	// First batch creates everyone
	ledger, err := r.Reconcile(h.ctx, "user1", collection, []ValidatedGuest{
		vg(1, "Ana Silva"),
		vg(2, "Bruno Costa"),
	}, StrategyIgnore)
	require.NoError(t, err)
	require.Equal(t, 2, ledger.Counts.Created)

	names, err := h.store.ListNormalizedNames(h.ctx, collection)
	require.NoError(t, err)
	require.Len(t, names, 2)
	require.Contains(t, names, "ana silva")

	// Re-import under update: merge wins for non-empty fields
	guest := vg(1, "Ana Silva")
	guest.Phone = "119999"
	ledger, err = r.Reconcile(h.ctx, "user1", collection, []ValidatedGuest{guest}, StrategyUpdate)
	require.NoError(t, err)
	require.Equal(t, 1, ledger.Counts.Updated)

	// Mark strategy stores a second record for the same normalized name
	ledger, err = r.Reconcile(h.ctx, "user1", collection, []ValidatedGuest{
		vg(1, "Ana Silva"),
	}, StrategyMark)
	require.NoError(t, err)
	require.Equal(t, 1, ledger.Counts.Marked)

	var count int
	err = h.pool.QueryRow(h.ctx,
		`SELECT COUNT(*) FROM guestsync.guests WHERE collection_id = $1 AND normalized_name = $2`,
		collection, "ana silva").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestPgFindByNormalizedName_OldestWins(t *testing.T) {
	h := newPgHarness(t)
	collection := "col-" + uuid.New().String()

	var firstID string
	err := h.store.WithinTx(h.ctx, func(tx GuestTx) error {
		first, err := tx.Create(h.ctx, collection, GuestFields{
			FullName: "Ana Silva", NormalizedName: "ana silva",
		})
		if err != nil {
			return err
		}
		firstID = first.ID
		_, err = tx.Create(h.ctx, collection, GuestFields{
			FullName: "Ana Silva", NormalizedName: "ana silva", Notes: duplicateNote,
		})
		return err
	})
	require.NoError(t, err)

	err = h.store.WithinTx(h.ctx, func(tx GuestTx) error {
		found, err := tx.FindByNormalizedName(h.ctx, collection, "ana silva")
		require.NoError(t, err)
		require.NotNil(t, found)
		require.Equal(t, firstID, found.ID, "ties resolve to the oldest record")

		missing, err := tx.FindByNormalizedName(h.ctx, collection, "nobody home")
		require.NoError(t, err)
		require.Nil(t, missing)
		return nil
	})
	require.NoError(t, err)
}

func TestPgImportJobLifecycle(t *testing.T) {
	h := newPgHarness(t)
	collection := "col-" + uuid.New().String()

	// Missing job reads as nil, nil
	job, err := h.jobs.FindJob(h.ctx, "user1", collection, "key-1")
	require.NoError(t, err)
	require.Nil(t, job)

	created, err := h.jobs.CreatePendingJob(h.ctx, "user1", collection, "key-1")
	require.NoError(t, err)
	require.Equal(t, JobPending, created.Status)

	// The unique triplet closes the insert race
	_, err = h.jobs.CreatePendingJob(h.ctx, "user1", collection, "key-1")
	require.ErrorIs(t, err, ErrDuplicateJob)

	// A fresh pending job cannot be reclaimed
	claimed, err := h.jobs.ReclaimJob(h.ctx, created.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.False(t, claimed)

	result := []byte(`{"outcomes":[],"counts":{"created":0,"updated":0,"skipped":0,"marked":0,"failed":0}}`)
	require.NoError(t, h.jobs.CompleteJob(h.ctx, created.ID, result))

	job, err = h.jobs.FindJob(h.ctx, "user1", collection, "key-1")
	require.NoError(t, err)
	require.Equal(t, JobCompleted, job.Status)
	require.Equal(t, result, job.Result)

	// Completing twice is an error; the job is no longer pending
	require.Error(t, h.jobs.CompleteJob(h.ctx, created.ID, result))

	// Different key is independent
	other, err := h.jobs.CreatePendingJob(h.ctx, "user1", collection, "key-2")
	require.NoError(t, err)
	require.NoError(t, h.jobs.FailJob(h.ctx, other.ID))

	// Failed jobs reclaim immediately, exactly once
	claimed, err = h.jobs.ReclaimJob(h.ctx, other.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = h.jobs.ReclaimJob(h.ctx, other.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.False(t, claimed, "second racer loses")
}

func TestPgMutationsAndChangeFeed(t *testing.T) {
	h := newPgHarness(t)
	collection := "col-" + uuid.New().String()

	rec, err := h.store.CreateGuest(h.ctx, collection, GuestFields{
		FullName: "Ana Silva", NormalizedName: "ana silva", TableNumber: "7",
	})
	require.NoError(t, err)
	require.False(t, rec.CheckedIn)

	checked, err := h.store.SetCheckedIn(h.ctx, collection, rec.ID, true)
	require.NoError(t, err)
	require.True(t, checked.CheckedIn)

	_, err = h.store.SetCheckedIn(h.ctx, collection, uuid.New().String(), true)
	require.ErrorIs(t, err, ErrGuestNotFound)

	require.NoError(t, h.store.DeleteGuest(h.ctx, collection, rec.ID))
	require.ErrorIs(t, h.store.DeleteGuest(h.ctx, collection, rec.ID), ErrGuestNotFound)

	// The feed recorded INSERT, UPDATE, DELETE in seq order
	changes, nextAfter, err := h.store.ChangesSince(h.ctx, collection, 0, 100)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	require.Equal(t, "INSERT", changes[0].Op)
	require.Equal(t, "UPDATE", changes[1].Op)
	require.Equal(t, "DELETE", changes[2].Op)
	require.Equal(t, changes[2].Seq, nextAfter)

	for _, ch := range changes {
		require.Equal(t, rec.ID, ch.GuestID)
	}

	// Resuming from the watermark yields nothing new
	changes, _, err = h.store.ChangesSince(h.ctx, collection, nextAfter, 100)
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestPgAuditSinkRecordsEntry(t *testing.T) {
	h := newPgHarness(t)
	collection := "col-" + uuid.New().String()

	err := h.audit.RecordImport(h.ctx, ImportAuditEntry{
		RequesterID:  "user1",
		CollectionID: collection,
		Strategy:     StrategyMark,
		Counts:       OutcomeCounts{Created: 3, Marked: 1},
		Timestamp:    time.Now().UTC(),
	})
	require.NoError(t, err)

	var created, marked int
	var strategy string
	err = h.pool.QueryRow(h.ctx, `
		SELECT strategy, created_count, marked_count
		FROM guestsync.import_audit WHERE collection_id = $1`, collection).
		Scan(&strategy, &created, &marked)
	require.NoError(t, err)
	require.Equal(t, "mark", strategy)
	require.Equal(t, 3, created)
	require.Equal(t, 1, marked)
}

func TestPgChangesSince_FullPageProbeNotClamped(t *testing.T) {
	h := newPgHarness(t)
	collection := "col-" + uuid.New().String()

	// Seed one more change row than the largest page a client may request
	_, err := h.pool.Exec(h.ctx, `
		INSERT INTO guestsync.guest_change_log (collection_id, guest_id, op)
		SELECT $1, gen_random_uuid(), 'INSERT'
		FROM generate_series(1, $2)`, collection, MaxChangesFetch)
	require.NoError(t, err)

	// A caller probing one past the page maximum must get all of it back,
	// otherwise has_more reads false on an exactly-full page
	changes, nextAfter, err := h.store.ChangesSince(h.ctx, collection, 0, MaxChangesFetch)
	require.NoError(t, err)
	require.Len(t, changes, MaxChangesFetch)
	require.Equal(t, changes[len(changes)-1].Seq, nextAfter)
}
