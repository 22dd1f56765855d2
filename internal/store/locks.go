package store

import (
	"context"
	"fmt"
	"time"

	"stock-job-scheduler/internal/models"
)

// AcquireLock takes the mutual-exclusion record for lockKey. The upsert
// succeeds when no row exists or the existing row has expired, so a crashed
// owner's exclusivity lapses deterministically without crash detection.
// Returns models.ErrConflict when an unexpired lock is held elsewhere.
func (s *Store) AcquireLock(ctx context.Context, lockKey, processorID string, jobID int64, ttl time.Duration, lockType string) (models.Lock, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO job_locks (lock_key, processor_id, job_id, locked_at, expires_at, lock_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (lock_key) DO UPDATE
		SET processor_id = EXCLUDED.processor_id,
		    job_id       = EXCLUDED.job_id,
		    locked_at    = EXCLUDED.locked_at,
		    expires_at   = EXCLUDED.expires_at,
		    lock_type    = EXCLUDED.lock_type
		WHERE job_locks.expires_at <= NOW()
	`, lockKey, processorID, jobID, now, expires, lockType)
	if err != nil {
		return models.Lock{}, fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	if tag.RowsAffected() == 0 {
		return models.Lock{}, models.ErrConflict
	}

	return models.Lock{
		LockKey:     lockKey,
		ProcessorID: processorID,
		JobID:       &jobID,
		LockedAt:    now,
		ExpiresAt:   expires,
		LockType:    lockType,
	}, nil
}

// ReleaseLock drops the lock if this processor still owns it. Releasing an
// absent lock, or one taken over after expiry, is a silent no-op.
func (s *Store) ReleaseLock(ctx context.Context, lockKey, processorID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM job_locks WHERE lock_key = $1 AND processor_id = $2
	`, lockKey, processorID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lockKey, err)
	}
	return nil
}

// ExtendLock pushes the expiry forward for a lock this processor holds, so
// a healthy long-running job is not reclaimed mid-execution.
func (s *Store) ExtendLock(ctx context.Context, lockKey, processorID string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_locks SET expires_at = $3
		WHERE lock_key = $1 AND processor_id = $2 AND expires_at > NOW()
	`, lockKey, processorID, time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", lockKey, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

// LockHeld reports whether an unexpired lock exists for the key. Read-only,
// used by enqueue-time dedupe.
func (s *Store) LockHeld(ctx context.Context, lockKey string) (bool, error) {
	var held bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM job_locks WHERE lock_key = $1 AND expires_at > NOW())
	`, lockKey).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", lockKey, err)
	}
	return held, nil
}

// ReapExpiredLocks deletes locks past their expiry. Safe to run alongside
// acquire/release; it only removes rows that no longer confer exclusivity.
func (s *Store) ReapExpiredLocks(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_locks WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("reap expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}
