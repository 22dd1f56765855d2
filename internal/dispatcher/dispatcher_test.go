package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-job-scheduler/internal/models"
)

type fakeStore struct {
	mu sync.Mutex

	claimQueue  []models.Job
	lockErr     error
	completeErr error

	claimed      []int64
	requeued     []int64
	completed    []completeCall
	retried      []retryCall
	failed       []failCall
	results      []models.Result
	touched      []string
	acquired     []string
	released     []string
	extended     []string
	completions  []bool
}

type retryCall struct {
	jobID       int64
	processorID string
	attempts    int
	nextAttempt time.Time
	errMsg      string
}

type failCall struct {
	jobID       int64
	processorID string
	attempts    int
	errMsg      string
}

type completeCall struct {
	jobID       int64
	processorID string
}

func (f *fakeStore) Claim(ctx context.Context, queueName, processorID string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claimQueue) == 0 {
		return models.Job{}, models.ErrNoJob
	}
	job := f.claimQueue[0]
	f.claimQueue = f.claimQueue[1:]
	f.claimed = append(f.claimed, job.ID)
	return job, nil
}

func (f *fakeStore) Requeue(ctx context.Context, jobID int64, processorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, jobID)
	return nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, jobID int64, processorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, completeCall{jobID: jobID, processorID: processorID})
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, jobID int64, processorID string, attempts int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, failCall{jobID: jobID, processorID: processorID, attempts: attempts, errMsg: errMsg})
	return nil
}

func (f *fakeStore) MarkRetrying(ctx context.Context, jobID int64, processorID string, attempts int, nextAttempt time.Time, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, retryCall{jobID: jobID, processorID: processorID, attempts: attempts, nextAttempt: nextAttempt, errMsg: errMsg})
	return nil
}

func (f *fakeStore) InsertResult(ctx context.Context, r models.Result) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
	return int64(len(f.results)), nil
}

func (f *fakeStore) TouchPortfolioPriority(ctx context.Context, userID int64, symbol, jobType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, symbol)
	return nil
}

func (f *fakeStore) AcquireLock(ctx context.Context, lockKey, processorID string, jobID int64, ttl time.Duration, lockType string) (models.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockErr != nil {
		return models.Lock{}, f.lockErr
	}
	f.acquired = append(f.acquired, lockKey)
	return models.Lock{LockKey: lockKey, ProcessorID: processorID}, nil
}

func (f *fakeStore) ReleaseLock(ctx context.Context, lockKey, processorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, lockKey)
	return nil
}

func (f *fakeStore) ExtendLock(ctx context.Context, lockKey, processorID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extended = append(f.extended, lockKey)
	return nil
}

func (f *fakeStore) RecordCompletion(ctx context.Context, id string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, success)
	return nil
}

func newTestDispatcher(st Store) *Dispatcher {
	return New(Config{
		QueueName:      models.QueueBackgroundFetch,
		ProcessorID:    "proc-1",
		MaxConcurrent:  2,
		PollInterval:   time.Millisecond,
		LockTTL:        time.Minute,
		BackoffPolicy:  "fixed",
		BackoffInitial: time.Second,
	}, st, zerolog.Nop())
}

func symbolJob(id int64, attempts, maxAttempts int) models.Job {
	symbol := "AAPL"
	userID := int64(42)
	return models.Job{
		ID:          id,
		QueueName:   models.QueueBackgroundFetch,
		JobType:     "price_update",
		Status:      models.StatusProcessing,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		UserID:      &userID,
		StockSymbol: &symbol,
	}
}

func TestProcessSuccess(t *testing.T) {
	st := &fakeStore{}
	d := newTestDispatcher(st)
	d.RegisterHandler("price_update", func(ctx context.Context, job models.Job) (*models.Result, error) {
		return &models.Result{ResultType: "price_data", ResultData: map[string]any{"close": 191.2}}, nil
	})

	job := symbolJob(1, 0, 3)
	d.process(context.Background(), job, "AAPL:fetch")

	require.Len(t, st.results, 1)
	assert.Equal(t, int64(1), st.results[0].JobID)
	require.Len(t, st.completed, 1)
	assert.Equal(t, completeCall{jobID: 1, processorID: "proc-1"}, st.completed[0])
	assert.Equal(t, []string{"AAPL"}, st.touched)
	assert.Equal(t, []string{"AAPL:fetch"}, st.released)
	assert.Equal(t, []bool{true}, st.completions)
	assert.Empty(t, st.failed)
	assert.Empty(t, st.retried)
}

func TestProcessTransientFailureSchedulesRetry(t *testing.T) {
	st := &fakeStore{}
	d := newTestDispatcher(st)
	d.RegisterHandler("price_update", func(ctx context.Context, job models.Job) (*models.Result, error) {
		return nil, models.Transient(errors.New("upstream timeout"))
	})

	d.process(context.Background(), symbolJob(2, 0, 3), "AAPL:fetch")

	require.Len(t, st.retried, 1)
	assert.Equal(t, int64(2), st.retried[0].jobID)
	assert.Equal(t, "proc-1", st.retried[0].processorID)
	assert.Equal(t, 1, st.retried[0].attempts)
	assert.False(t, st.retried[0].nextAttempt.IsZero())
	assert.Equal(t, []string{"AAPL:fetch"}, st.released)
	assert.Equal(t, []bool{false}, st.completions)
	assert.Empty(t, st.failed)
}

func TestProcessExhaustedAttemptsFailsTerminally(t *testing.T) {
	st := &fakeStore{}
	d := newTestDispatcher(st)
	d.RegisterHandler("price_update", func(ctx context.Context, job models.Job) (*models.Result, error) {
		return nil, models.Transient(errors.New("still broken"))
	})

	// Third transient failure of a max_attempts=3 job.
	d.process(context.Background(), symbolJob(3, 2, 3), "AAPL:fetch")

	require.Len(t, st.failed, 1)
	assert.Equal(t, int64(3), st.failed[0].jobID)
	assert.Equal(t, "proc-1", st.failed[0].processorID)
	assert.Equal(t, 3, st.failed[0].attempts)
	assert.Empty(t, st.retried)
	assert.Equal(t, []string{"AAPL:fetch"}, st.released)
}

func TestProcessFatalFailureSkipsRetry(t *testing.T) {
	st := &fakeStore{}
	d := newTestDispatcher(st)
	d.RegisterHandler("price_update", func(ctx context.Context, job models.Job) (*models.Result, error) {
		return nil, models.Fatal(errors.New("symbol delisted"))
	})

	d.process(context.Background(), symbolJob(4, 0, 3), "AAPL:fetch")

	require.Len(t, st.failed, 1)
	assert.Equal(t, 1, st.failed[0].attempts)
	assert.Empty(t, st.retried)
}

func TestProcessUnknownJobTypeIsFatal(t *testing.T) {
	st := &fakeStore{}
	d := newTestDispatcher(st)

	d.process(context.Background(), symbolJob(5, 0, 3), "AAPL:fetch")

	require.Len(t, st.failed, 1)
	assert.Contains(t, st.failed[0].errMsg, "no handler registered")
}

func TestProcessReclaimedJobStillReleasesLock(t *testing.T) {
	// The job was reclaimed and re-claimed elsewhere while the handler ran;
	// the completion transition loses the ownership guard but the lock and
	// concurrency bookkeeping must still be released.
	st := &fakeStore{completeErr: models.ErrConflict}
	d := newTestDispatcher(st)
	d.RegisterHandler("price_update", func(ctx context.Context, job models.Job) (*models.Result, error) {
		return nil, nil
	})

	d.process(context.Background(), symbolJob(8, 0, 3), "AAPL:fetch")

	assert.Empty(t, st.completed)
	assert.Equal(t, []string{"AAPL:fetch"}, st.released)
	assert.Equal(t, []bool{true}, st.completions)
}

func TestDispatchOnceRequeuesOnLockConflict(t *testing.T) {
	st := &fakeStore{
		claimQueue: []models.Job{symbolJob(6, 0, 3)},
		lockErr:    models.ErrConflict,
	}
	d := newTestDispatcher(st)

	err := d.dispatchOnce(context.Background())
	require.ErrorIs(t, err, models.ErrConflict)
	assert.Equal(t, []int64{6}, st.claimed)
	assert.Equal(t, []int64{6}, st.requeued)
	assert.Empty(t, st.completed)
	assert.Empty(t, st.failed)
}

func TestDispatchOnceEmptyQueue(t *testing.T) {
	st := &fakeStore{}
	d := newTestDispatcher(st)

	err := d.dispatchOnce(context.Background())
	require.ErrorIs(t, err, models.ErrNoJob)
}

func TestDispatchOnceRunsHandlerAsync(t *testing.T) {
	st := &fakeStore{claimQueue: []models.Job{symbolJob(7, 0, 3)}}
	d := newTestDispatcher(st)

	handled := make(chan int64, 1)
	d.RegisterHandler("price_update", func(ctx context.Context, job models.Job) (*models.Result, error) {
		handled <- job.ID
		return nil, nil
	})

	require.NoError(t, d.dispatchOnce(context.Background()))

	select {
	case id := <-handled:
		assert.Equal(t, int64(7), id)
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	d.wg.Wait()

	require.Len(t, st.completed, 1)
	assert.Equal(t, completeCall{jobID: 7, processorID: "proc-1"}, st.completed[0])
	assert.Empty(t, st.results) // nil result means nothing to record
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	assert.GreaterOrEqual(t, b1, base/2)
	assert.LessOrEqual(t, b1, max)

	b3 := backoffWithJitter(base, max, 3)
	assert.GreaterOrEqual(t, b3, 2*time.Second)
	assert.LessOrEqual(t, b3, max)

	bCapped := backoffWithJitter(base, max, 30)
	assert.LessOrEqual(t, bCapped, max)
}

func TestFixedBackoffPolicy(t *testing.T) {
	d := newTestDispatcher(&fakeStore{})
	assert.Equal(t, time.Second, d.nextBackoff(1))
	assert.Equal(t, time.Second, d.nextBackoff(5))
}
