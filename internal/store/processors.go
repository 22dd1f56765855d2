package store

import (
	"context"
	"fmt"
	"time"

	"stock-job-scheduler/internal/models"
)

// RegisterProcessor upserts a worker identity. Idempotent on restart with
// the same id: counters survive, capacity and affinity are refreshed.
func (s *Store) RegisterProcessor(ctx context.Context, id, hostname, queueName string, maxConcurrent int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_processors (id, hostname, queue_name, status, last_heartbeat, max_concurrent_jobs, current_jobs)
		VALUES ($1, $2, $3, 'active', NOW(), $4, 0)
		ON CONFLICT (id) DO UPDATE
		SET hostname            = EXCLUDED.hostname,
		    queue_name          = EXCLUDED.queue_name,
		    status              = 'active',
		    last_heartbeat      = NOW(),
		    max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
		    current_jobs        = 0
	`, id, hostname, queueName, maxConcurrent)
	if err != nil {
		return fmt.Errorf("register processor %s: %w", id, err)
	}
	return nil
}

// Heartbeat refreshes liveness. A missing row means the janitor aged this
// processor out; the caller should re-register.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_processors SET last_heartbeat = NOW(), status = 'active' WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &models.StaleProcessorError{ProcessorID: id}
	}
	return nil
}

// RecordCompletion updates throughput counters and releases one concurrency
// slot after a job finishes, successfully or not. A processor whose last
// in-flight job finished goes idle until its next claim or heartbeat.
func (s *Store) RecordCompletion(ctx context.Context, id string, success bool) error {
	counter := "jobs_processed"
	if !success {
		counter = "jobs_failed"
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE job_processors
		SET `+counter+` = `+counter+` + 1,
		    current_jobs = GREATEST(current_jobs - 1, 0),
		    status = CASE WHEN GREATEST(current_jobs - 1, 0) = 0 THEN $2 ELSE status END
		WHERE id = $1
	`, id, models.ProcessorIdle)
	if err != nil {
		return fmt.Errorf("record completion %s: %w", id, err)
	}
	return nil
}

// MarkOfflineProcessors flags processors without a heartbeat inside the
// freshness window as offline. They stay visible to dashboards until the
// retention pass deletes them for good.
func (s *Store) MarkOfflineProcessors(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_processors SET status = $2
		WHERE last_heartbeat < $1 AND status <> $2
	`, time.Now().Add(-staleAfter), models.ProcessorOffline)
	if err != nil {
		return 0, fmt.Errorf("mark offline processors: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetProcessor fetches one registry row.
func (s *Store) GetProcessor(ctx context.Context, id string) (models.Processor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, hostname, queue_name, status, last_heartbeat, jobs_processed, jobs_failed,
		       max_concurrent_jobs, current_jobs, created_at
		FROM job_processors WHERE id = $1
	`, id)
	var p models.Processor
	err := row.Scan(&p.ID, &p.Hostname, &p.QueueName, &p.Status, &p.LastHeartbeat,
		&p.JobsProcessed, &p.JobsFailed, &p.MaxConcurrentJobs, &p.CurrentJobs, &p.CreatedAt)
	if err != nil {
		return models.Processor{}, fmt.Errorf("get processor %s: %w", id, err)
	}
	return p, nil
}

// ListFreshProcessors returns processors of a queue with a heartbeat inside
// the freshness window, for dashboards. An empty queueName matches all.
func (s *Store) ListFreshProcessors(ctx context.Context, queueName string, window time.Duration) ([]models.Processor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, queue_name, status, last_heartbeat, jobs_processed, jobs_failed,
		       max_concurrent_jobs, current_jobs, created_at
		FROM job_processors
		WHERE last_heartbeat > $1 AND ($2 = '' OR queue_name = $2)
		ORDER BY queue_name, id
	`, time.Now().Add(-window), queueName)
	if err != nil {
		return nil, fmt.Errorf("list fresh processors: %w", err)
	}
	defer rows.Close()

	var procs []models.Processor
	for rows.Next() {
		var p models.Processor
		if err := rows.Scan(&p.ID, &p.Hostname, &p.QueueName, &p.Status, &p.LastHeartbeat,
			&p.JobsProcessed, &p.JobsFailed, &p.MaxConcurrentJobs, &p.CurrentJobs, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan processor: %w", err)
		}
		procs = append(procs, p)
	}
	return procs, rows.Err()
}

// DeleteDeadProcessors removes registry rows without a heartbeat inside ttl.
// Their locks cascade away with them.
func (s *Store) DeleteDeadProcessors(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM job_processors WHERE last_heartbeat < $1
	`, time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("delete dead processors: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ProcessorStats aggregates the registry per (queue, status) for monitoring.
func (s *Store) ProcessorStats(ctx context.Context) ([]models.ProcessorStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT queue_name, status, COUNT(*), SUM(current_jobs), SUM(jobs_processed), SUM(jobs_failed)
		FROM job_processors
		GROUP BY queue_name, status
		ORDER BY queue_name, status
	`)
	if err != nil {
		return nil, fmt.Errorf("processor stats: %w", err)
	}
	defer rows.Close()

	var stats []models.ProcessorStat
	for rows.Next() {
		var st models.ProcessorStat
		if err := rows.Scan(&st.QueueName, &st.Status, &st.ProcessorCount,
			&st.ActiveJobs, &st.TotalProcessed, &st.TotalFailed); err != nil {
			return nil, fmt.Errorf("scan processor stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
