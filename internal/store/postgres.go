package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"stock-job-scheduler/internal/models"
)

// Store wraps pgxpool for Postgres persistence. The database is the only
// shared mutable state between processors; every coordination step is an
// atomic conditional update against it.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, queue_name, job_type, priority, payload, status, attempts, max_attempts,
	processor_id, user_id, stock_symbol, next_attempt_at, created_at, started_at, completed_at, error_message`

const jobColumnsQualified = `j.id, j.queue_name, j.job_type, j.priority, j.payload, j.status, j.attempts, j.max_attempts,
	j.processor_id, j.user_id, j.stock_symbol, j.next_attempt_at, j.created_at, j.started_at, j.completed_at, j.error_message`

// EnqueueParams collects the inputs for one enqueue call. Priority arrives
// already resolved; callers never pass raw tiers.
type EnqueueParams struct {
	QueueName   string
	JobType     string
	Payload     map[string]any
	Priority    int
	MaxAttempts int
	UserID      *int64
	StockSymbol *string

	// DedupeOnConflict rejects the enqueue when an unexpired lock covers
	// the same symbol/operation; otherwise ConflictPenalty is added to the
	// priority and the insert proceeds.
	DedupeOnConflict bool
	ConflictPenalty  int
}

// Enqueue validates and inserts one pending job, returning its id.
// No lock is taken here; locks are acquired at claim time.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (int64, error) {
	if !models.ValidQueue(p.QueueName) {
		return 0, &models.ValidationError{Field: "queue_name", Reason: fmt.Sprintf("unknown queue %q", p.QueueName)}
	}
	if p.JobType == "" {
		return 0, &models.ValidationError{Field: "job_type", Reason: "must not be empty"}
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}

	priority := p.Priority
	if p.StockSymbol != nil {
		key := models.LockKeyFor(*p.StockSymbol, p.JobType)
		held, err := s.LockHeld(ctx, key)
		if err != nil {
			return 0, err
		}
		if held {
			if p.DedupeOnConflict {
				return 0, &models.DuplicateWorkError{LockKey: key}
			}
			priority += p.ConflictPenalty
		}
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO job_queues (queue_name, job_type, priority, payload, status, max_attempts, user_id, stock_symbol)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, p.QueueName, p.JobType, priority, payloadJSON, models.StatusPending, p.MaxAttempts, p.UserID, p.StockSymbol).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_queues WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// Claim atomically transfers the single best eligible job of the queue to
// the processor. FOR UPDATE SKIP LOCKED makes concurrent claimers pick
// disjoint rows, so exactly one caller wins any given job. The winning
// processor's current_jobs counter is bumped in the same transaction.
func (s *Store) Claim(ctx context.Context, queueName, processorID string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id FROM job_queues
			WHERE queue_name = $1
			  AND (status = 'pending' OR (status = 'retrying' AND next_attempt_at <= NOW()))
			ORDER BY priority ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE job_queues j
		SET status = 'processing', processor_id = $2, started_at = NOW()
		FROM candidate
		WHERE j.id = candidate.id
		RETURNING `+jobColumnsQualified,
		queueName, processorID)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNoJob
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE job_processors SET current_jobs = current_jobs + 1, status = 'active'
		WHERE id = $1
	`, processorID); err != nil {
		return models.Job{}, fmt.Errorf("bump current_jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// Requeue returns a just-claimed job to pending, used when lock acquisition
// lost the race after the claim succeeded. The processor's counter is
// released in the same transaction so the job is never orphaned.
func (s *Store) Requeue(ctx context.Context, jobID int64, processorID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin requeue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE job_queues SET status = 'pending', processor_id = NULL, started_at = NULL
		WHERE id = $1 AND status = 'processing' AND processor_id = $2
	`, jobID, processorID)
	if err != nil {
		return fmt.Errorf("requeue job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	if _, err := tx.Exec(ctx, `
		UPDATE job_processors SET current_jobs = GREATEST(current_jobs - 1, 0) WHERE id = $1
	`, processorID); err != nil {
		return fmt.Errorf("release current_jobs: %w", err)
	}
	return tx.Commit(ctx)
}

// MarkCompleted finalizes a successful execution. Guarded on ownership: a
// zombie processor whose job was reclaimed and re-claimed elsewhere gets
// ErrConflict instead of finalizing someone else's execution.
func (s *Store) MarkCompleted(ctx context.Context, jobID int64, processorID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queues SET status = 'completed', completed_at = NOW(), error_message = NULL
		WHERE id = $1 AND status = 'processing' AND processor_id = $2
	`, jobID, processorID)
	if err != nil {
		return fmt.Errorf("mark completed %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

// MarkFailed records a terminal failure. Owner-guarded like MarkCompleted.
func (s *Store) MarkFailed(ctx context.Context, jobID int64, processorID string, attempts int, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queues SET status = 'failed', attempts = $3, completed_at = NOW(), error_message = $4
		WHERE id = $1 AND status = 'processing' AND processor_id = $2
	`, jobID, processorID, attempts, errMsg)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

// MarkRetrying schedules a transient failure for re-claim once
// next_attempt_at passes. Ownership is cleared so any processor may take it.
// Owner-guarded like MarkCompleted.
func (s *Store) MarkRetrying(ctx context.Context, jobID int64, processorID string, attempts int, nextAttempt time.Time, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queues
		SET status = 'retrying', attempts = $3, next_attempt_at = $4, error_message = $5,
		    processor_id = NULL, started_at = NULL
		WHERE id = $1 AND status = 'processing' AND processor_id = $2
	`, jobID, processorID, attempts, nextAttempt, errMsg)
	if err != nil {
		return fmt.Errorf("mark retrying %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

// CancelPending cancels a job that has not started. In-flight jobs are
// never preempted; the guard on status makes this a no-op for them.
func (s *Store) CancelPending(ctx context.Context, jobID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queues SET status = 'failed', completed_at = NOW(), error_message = 'cancelled'
		WHERE id = $1 AND status = 'pending'
	`, jobID)
	if err != nil {
		return fmt.Errorf("cancel job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

// ReclaimStaleJobs requeues processing jobs whose exclusivity has lapsed:
// no unexpired lock covers them and their owner has not heartbeated within
// staleAfter (or is gone entirely). This pass is what upholds the
// at-least-once guarantee across processor crashes.
func (s *Store) ReclaimStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queues j
		SET status = 'pending', processor_id = NULL, started_at = NULL
		WHERE j.status = 'processing'
		  AND NOT EXISTS (
			SELECT 1 FROM job_locks l WHERE l.job_id = j.id AND l.expires_at > NOW()
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM job_processors p
			WHERE p.id = j.processor_id AND p.last_heartbeat > $1
		  )
	`, time.Now().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeTerminalJobs deletes completed/failed jobs whose terminal timestamp
// is older than the retention cutoff. Results cascade with the job rows.
// Pending, processing, and retrying jobs are never touched regardless of age.
func (s *Store) PurgeTerminalJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM job_queues
		WHERE status IN ('completed', 'failed') AND completed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListPurgeableJobs returns the terminal jobs the next purge would remove,
// so the janitor can archive their results first.
func (s *Store) ListPurgeableJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM job_queues
		WHERE status IN ('completed', 'failed') AND completed_at < $1
		ORDER BY completed_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list purgeable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purgeable job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// QueueStats returns a (queue, status, count) breakdown for monitoring.
func (s *Store) QueueStats(ctx context.Context) ([]models.QueueStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT queue_name, status, COUNT(*)
		FROM job_queues
		GROUP BY queue_name, status
		ORDER BY queue_name, status
	`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats []models.QueueStat
	for rows.Next() {
		var st models.QueueStat
		if err := rows.Scan(&st.QueueName, &st.Status, &st.Count); err != nil {
			return nil, fmt.Errorf("scan queue stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// VisibleJobs counts jobs currently eligible for claim on a queue.
func (s *Store) VisibleJobs(ctx context.Context, queueName string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_queues
		WHERE queue_name = $1
		  AND (status = 'pending' OR (status = 'retrying' AND next_attempt_at <= NOW()))
	`, queueName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count visible jobs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job         models.Job
		payloadJSON []byte
		procID      pgtype.Text
		userID      pgtype.Int8
		symbol      pgtype.Text
		nextAttempt pgtype.Timestamptz
		startedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
		errMsg      pgtype.Text
	)
	err := row.Scan(&job.ID, &job.QueueName, &job.JobType, &job.Priority, &payloadJSON,
		&job.Status, &job.Attempts, &job.MaxAttempts, &procID, &userID, &symbol,
		&nextAttempt, &job.CreatedAt, &startedAt, &completedAt, &errMsg)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.ProcessorID = textPtr(procID)
	job.UserID = int8Ptr(userID)
	job.StockSymbol = textPtr(symbol)
	job.NextAttemptAt = timePtr(nextAttempt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.ErrorMessage = textPtr(errMsg)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func int8Ptr(v pgtype.Int8) *int64 {
	if v.Valid {
		return &v.Int64
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}
