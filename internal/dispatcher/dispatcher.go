package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stock-job-scheduler/internal/models"
	"stock-job-scheduler/internal/telemetry"
)

// Store is the slice of the persistence layer the dispatcher drives. The
// Postgres store satisfies it; tests substitute fakes.
type Store interface {
	Claim(ctx context.Context, queueName, processorID string) (models.Job, error)
	Requeue(ctx context.Context, jobID int64, processorID string) error
	MarkCompleted(ctx context.Context, jobID int64, processorID string) error
	MarkFailed(ctx context.Context, jobID int64, processorID string, attempts int, errMsg string) error
	MarkRetrying(ctx context.Context, jobID int64, processorID string, attempts int, nextAttempt time.Time, errMsg string) error
	InsertResult(ctx context.Context, r models.Result) (int64, error)
	TouchPortfolioPriority(ctx context.Context, userID int64, symbol, jobType string) error
	AcquireLock(ctx context.Context, lockKey, processorID string, jobID int64, ttl time.Duration, lockType string) (models.Lock, error)
	ReleaseLock(ctx context.Context, lockKey, processorID string) error
	ExtendLock(ctx context.Context, lockKey, processorID string, ttl time.Duration) error
	RecordCompletion(ctx context.Context, id string, success bool) error
}

// Handler executes one claimed job. It is the surrounding application's
// fetch/analysis logic; a nil Result is valid for jobs with no output.
// Wrap returned errors with models.Transient or models.Fatal to steer the
// retry policy; unwrapped errors are treated as transient.
type Handler func(ctx context.Context, job models.Job) (*models.Result, error)

// Config tunes one dispatcher instance.
type Config struct {
	QueueName      string
	ProcessorID    string
	MaxConcurrent  int
	PollInterval   time.Duration
	LockTTL        time.Duration
	BackoffPolicy  string // "exponential" or "fixed"
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Dispatcher polls its queue, claims the best eligible job, takes the
// resource lock, and hands the job to a handler on a bounded pool. The
// dispatch loop itself never blocks on job execution.
type Dispatcher struct {
	cfg      Config
	store    Store
	handlers map[string]Handler
	log      zerolog.Logger
	sem      chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// New constructs a Dispatcher for one processor.
func New(cfg Config, st Store, log zerolog.Logger) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		handlers: make(map[string]Handler),
		log:      log.With().Str("component", "dispatcher").Str("queue", cfg.QueueName).Logger(),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to a job type.
func (d *Dispatcher) RegisterHandler(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	d.handlers[jobType] = h
}

// Run polls until context cancellation, then waits for in-flight jobs.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		default:
		}

		err := d.dispatchOnce(ctx)
		switch {
		case err == nil:
			// Claimed and dispatched; immediately try for the next one.
		case errors.Is(err, models.ErrNoJob):
			d.sleep(ctx, d.cfg.PollInterval)
		case errors.Is(err, models.ErrConflict):
			// Lost the lock race after claiming; the job went back to
			// pending. Another processor owns the resource, move on.
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			d.wg.Wait()
			return ctx.Err()
		default:
			d.log.Error().Err(err).Msg("dispatch failed")
			d.sleep(ctx, d.cfg.PollInterval)
		}
	}
}

// dispatchOnce reserves a concurrency slot, claims one job, acquires its
// resource lock, and starts execution. The slot is released by the
// execution goroutine, or here on any path that does not dispatch.
func (d *Dispatcher) dispatchOnce(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	job, err := d.store.Claim(ctx, d.cfg.QueueName, d.cfg.ProcessorID)
	if err != nil {
		<-d.sem
		return err
	}
	telemetry.ClaimCounter.Inc()

	var lockKey string
	if job.StockSymbol != nil {
		lockKey = models.LockKeyFor(*job.StockSymbol, job.JobType)
		_, err := d.store.AcquireLock(ctx, lockKey, d.cfg.ProcessorID, job.ID,
			d.cfg.LockTTL, models.LockTypeForJob(job.JobType))
		if err != nil {
			// Claimed but could not lock the resource: requeue instead of
			// leaving the job orphaned in processing.
			if reqErr := d.store.Requeue(ctx, job.ID, d.cfg.ProcessorID); reqErr != nil {
				d.log.Error().Err(reqErr).Int64("job_id", job.ID).Msg("requeue after lock conflict failed")
			}
			<-d.sem
			if errors.Is(err, models.ErrConflict) {
				telemetry.LockConflicts.Inc()
				d.log.Debug().Int64("job_id", job.ID).Str("lock_key", lockKey).Msg("lock held elsewhere, job requeued")
				return models.ErrConflict
			}
			return fmt.Errorf("acquire lock for job %d: %w", job.ID, err)
		}
	}

	d.wg.Add(1)
	telemetry.InFlightGauge.Inc()
	go func() {
		defer d.wg.Done()
		defer telemetry.InFlightGauge.Dec()
		defer func() { <-d.sem }()
		d.process(ctx, job, lockKey)
	}()
	return nil
}

// process runs the handler and drives the job's terminal transition. Every
// outcome releases the lock and returns the concurrency slot via the caller.
func (d *Dispatcher) process(ctx context.Context, job models.Job, lockKey string) {
	log := d.log.With().Int64("job_id", job.ID).Str("job_type", job.JobType).Logger()

	stopRenew := d.keepLockAlive(ctx, lockKey)
	result, err := d.runHandler(ctx, job)
	stopRenew()

	if err == nil {
		d.finishSuccess(ctx, job, result, lockKey, log)
		return
	}
	d.finishFailure(ctx, job, err, lockKey, log)
}

func (d *Dispatcher) runHandler(ctx context.Context, job models.Job) (*models.Result, error) {
	h, ok := d.handlers[job.JobType]
	if !ok {
		return nil, models.Fatal(fmt.Errorf("no handler registered for type %q", job.JobType))
	}
	return h(ctx, job)
}

func (d *Dispatcher) finishSuccess(ctx context.Context, job models.Job, result *models.Result, lockKey string, log zerolog.Logger) {
	if result != nil {
		result.JobID = job.ID
		if _, err := d.store.InsertResult(ctx, *result); err != nil {
			log.Error().Err(err).Msg("record result failed")
		}
	}
	if err := d.store.MarkCompleted(ctx, job.ID, d.cfg.ProcessorID); err != nil {
		if errors.Is(err, models.ErrConflict) {
			log.Warn().Msg("job was reclaimed during execution, skipping completion")
		} else {
			log.Error().Err(err).Msg("mark completed failed")
		}
	}
	if job.UserID != nil && job.StockSymbol != nil {
		if err := d.store.TouchPortfolioPriority(ctx, *job.UserID, *job.StockSymbol, job.JobType); err != nil {
			log.Error().Err(err).Msg("touch portfolio priority failed")
		}
	}
	d.releaseLock(ctx, lockKey, log)
	if err := d.store.RecordCompletion(ctx, d.cfg.ProcessorID, true); err != nil {
		log.Error().Err(err).Msg("record completion failed")
	}
	telemetry.CompletedCounter.Inc()
	log.Info().Msg("job completed")
}

func (d *Dispatcher) finishFailure(ctx context.Context, job models.Job, execErr error, lockKey string, log zerolog.Logger) {
	attempts := job.Attempts + 1

	if !models.IsFatal(execErr) && attempts < job.MaxAttempts {
		next := d.now().Add(d.nextBackoff(attempts))
		if err := d.store.MarkRetrying(ctx, job.ID, d.cfg.ProcessorID, attempts, next, execErr.Error()); err != nil {
			if errors.Is(err, models.ErrConflict) {
				log.Warn().Msg("job was reclaimed during execution, skipping retry transition")
			} else {
				log.Error().Err(err).Msg("mark retrying failed")
			}
		}
		telemetry.RetriedCounter.Inc()
		log.Warn().Err(execErr).Int("attempts", attempts).Time("next_attempt_at", next).Msg("job will retry")
	} else {
		if err := d.store.MarkFailed(ctx, job.ID, d.cfg.ProcessorID, attempts, execErr.Error()); err != nil {
			if errors.Is(err, models.ErrConflict) {
				log.Warn().Msg("job was reclaimed during execution, skipping failure transition")
			} else {
				log.Error().Err(err).Msg("mark failed failed")
			}
		}
		telemetry.FailedCounter.Inc()
		log.Error().Err(execErr).Int("attempts", attempts).Msg("job failed terminally")
	}

	d.releaseLock(ctx, lockKey, log)
	if err := d.store.RecordCompletion(ctx, d.cfg.ProcessorID, false); err != nil {
		log.Error().Err(err).Msg("record completion failed")
	}
}

func (d *Dispatcher) releaseLock(ctx context.Context, lockKey string, log zerolog.Logger) {
	if lockKey == "" {
		return
	}
	if err := d.store.ReleaseLock(ctx, lockKey, d.cfg.ProcessorID); err != nil {
		log.Error().Err(err).Str("lock_key", lockKey).Msg("release lock failed")
	}
}

// keepLockAlive renews the lock at half its TTL while the handler runs.
// The returned stop function is idempotent enough for a single deferred use.
func (d *Dispatcher) keepLockAlive(ctx context.Context, lockKey string) func() {
	if lockKey == "" || d.cfg.LockTTL <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(d.cfg.LockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.store.ExtendLock(ctx, lockKey, d.cfg.ProcessorID, d.cfg.LockTTL); err != nil {
					d.log.Warn().Err(err).Str("lock_key", lockKey).Msg("extend lock failed")
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (d *Dispatcher) nextBackoff(attempt int) time.Duration {
	if d.cfg.BackoffPolicy == "fixed" {
		return d.cfg.BackoffInitial
	}
	return backoffWithJitter(d.cfg.BackoffInitial, d.cfg.BackoffMax, attempt)
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// backoffWithJitter doubles the delay per attempt up to max, then keeps
// half and adds up to half again as jitter so retries spread out.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
