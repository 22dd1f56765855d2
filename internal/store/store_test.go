//go:build integration

// These tests exercise the SQL invariants against a real Postgres, pointed
// at by TEST_POSTGRES_DSN. Run with: go test -tags integration ./internal/store
package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-job-scheduler/internal/models"
)

func testStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	_, err = st.pool.Exec(ctx, `
		TRUNCATE job_results, job_locks, job_queues, job_processors, user_portfolio_priority
		RESTART IDENTITY CASCADE
	`)
	require.NoError(t, err)
	return st, ctx
}

func registerProc(t *testing.T, st *Store, ctx context.Context, id string) {
	t.Helper()
	require.NoError(t, st.RegisterProcessor(ctx, id, "host-"+id, models.QueueBackgroundFetch, 4))
}

func enqueueJob(t *testing.T, st *Store, ctx context.Context) int64 {
	t.Helper()
	id, err := st.Enqueue(ctx, EnqueueParams{
		QueueName: models.QueueBackgroundFetch,
		JobType:   "price_update",
		Priority:  5,
	})
	require.NoError(t, err)
	return id
}

func TestClaimRaceHasExactlyOneWinner(t *testing.T) {
	st, ctx := testStore(t)
	registerProc(t, st, ctx, "p1")
	registerProc(t, st, ctx, "p2")
	jobID := enqueueJob(t, st, ctx)

	type outcome struct {
		job models.Job
		err error
	}
	results := make(chan outcome, 2)
	for _, proc := range []string{"p1", "p2"} {
		proc := proc
		go func() {
			job, err := st.Claim(ctx, models.QueueBackgroundFetch, proc)
			results <- outcome{job: job, err: err}
		}()
	}

	var wins, empties int
	for i := 0; i < 2; i++ {
		o := <-results
		switch {
		case o.err == nil:
			wins++
			assert.Equal(t, jobID, o.job.ID)
			assert.Equal(t, models.StatusProcessing, o.job.Status)
		case errors.Is(o.err, models.ErrNoJob):
			empties++
		default:
			t.Fatalf("unexpected claim error: %v", o.err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one claimer owns the job")
	assert.Equal(t, 1, empties)
}

func TestAcquireLockConflictAndExpiry(t *testing.T) {
	st, ctx := testStore(t)
	registerProc(t, st, ctx, "p1")
	registerProc(t, st, ctx, "p2")
	first := enqueueJob(t, st, ctx)
	second := enqueueJob(t, st, ctx)

	_, err := st.AcquireLock(ctx, "AAPL:fetch", "p1", first, 100*time.Millisecond, models.LockTypeFetch)
	require.NoError(t, err)

	_, err = st.AcquireLock(ctx, "AAPL:fetch", "p2", second, time.Minute, models.LockTypeFetch)
	assert.ErrorIs(t, err, models.ErrConflict, "unexpired lock is exclusive")

	time.Sleep(150 * time.Millisecond)

	lock, err := st.AcquireLock(ctx, "AAPL:fetch", "p2", second, time.Minute, models.LockTypeFetch)
	require.NoError(t, err, "expired lock is claimable")
	assert.Equal(t, "p2", lock.ProcessorID)
}

func TestPurgeSparesLiveJobs(t *testing.T) {
	st, ctx := testStore(t)
	registerProc(t, st, ctx, "p1")

	oldCompleted := enqueueJob(t, st, ctx)
	oldFailed := enqueueJob(t, st, ctx)
	oldPending := enqueueJob(t, st, ctx)
	processing := enqueueJob(t, st, ctx)

	_, err := st.pool.Exec(ctx, `
		UPDATE job_queues SET status = 'completed', completed_at = NOW() - INTERVAL '8 days' WHERE id = $1
	`, oldCompleted)
	require.NoError(t, err)
	_, err = st.pool.Exec(ctx, `
		UPDATE job_queues SET status = 'failed', completed_at = NOW() - INTERVAL '8 days' WHERE id = $1
	`, oldFailed)
	require.NoError(t, err)
	_, err = st.pool.Exec(ctx, `
		UPDATE job_queues SET created_at = NOW() - INTERVAL '30 days' WHERE id = $1
	`, oldPending)
	require.NoError(t, err)
	_, err = st.pool.Exec(ctx, `
		UPDATE job_queues SET status = 'processing', processor_id = 'p1',
			started_at = NOW() - INTERVAL '30 days', created_at = NOW() - INTERVAL '30 days'
		WHERE id = $1
	`, processing)
	require.NoError(t, err)

	removed, err := st.PurgeTerminalJobs(ctx, time.Now().AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = st.GetJob(ctx, oldPending)
	assert.NoError(t, err, "old pending job survives")
	_, err = st.GetJob(ctx, processing)
	assert.NoError(t, err, "old processing job survives")
	_, err = st.GetJob(ctx, oldCompleted)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestQueueStatsShape(t *testing.T) {
	st, ctx := testStore(t)

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, enqueueJob(t, st, ctx))
	}
	_, err := st.pool.Exec(ctx, `
		UPDATE job_queues SET status = 'completed', completed_at = NOW() WHERE id = ANY($1)
	`, ids[:2])
	require.NoError(t, err)

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, models.QueueStat{QueueName: models.QueueBackgroundFetch, Status: models.StatusCompleted, Count: 2}, stats[0])
	assert.Equal(t, models.QueueStat{QueueName: models.QueueBackgroundFetch, Status: models.StatusPending, Count: 3}, stats[1])
}

func TestTerminalTransitionsRequireOwnership(t *testing.T) {
	st, ctx := testStore(t)
	registerProc(t, st, ctx, "p1")
	registerProc(t, st, ctx, "p2")
	jobID := enqueueJob(t, st, ctx)

	_, err := st.Claim(ctx, models.QueueBackgroundFetch, "p1")
	require.NoError(t, err)

	// p1 goes dark: stale heartbeat, no lock. The reclaim pass requeues the
	// job and p2 picks it up.
	_, err = st.pool.Exec(ctx, `
		UPDATE job_processors SET last_heartbeat = NOW() - INTERVAL '1 hour' WHERE id = 'p1'
	`)
	require.NoError(t, err)
	reclaimed, err := st.ReclaimStaleJobs(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), reclaimed)

	job, err := st.Claim(ctx, models.QueueBackgroundFetch, "p2")
	require.NoError(t, err)
	require.Equal(t, jobID, job.ID)

	// Zombie p1 returns from its handler: none of its transitions may touch
	// the row p2 now owns.
	assert.ErrorIs(t, st.MarkFailed(ctx, jobID, "p1", 1, "boom"), models.ErrConflict)
	assert.ErrorIs(t, st.MarkRetrying(ctx, jobID, "p1", 1, time.Now(), "boom"), models.ErrConflict)
	assert.ErrorIs(t, st.MarkCompleted(ctx, jobID, "p1"), models.ErrConflict)

	got, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	require.NotNil(t, got.ProcessorID)
	assert.Equal(t, "p2", *got.ProcessorID)

	require.NoError(t, st.MarkCompleted(ctx, jobID, "p2"))
	got, err = st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}
