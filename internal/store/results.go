package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"stock-job-scheduler/internal/models"
)

// InsertResult records the output of one successful execution. Results are
// written once and never mutated; they are removed only by the cascade when
// the owning job is purged.
func (s *Store) InsertResult(ctx context.Context, r models.Result) (int64, error) {
	dataJSON, err := json.Marshal(r.ResultData)
	if err != nil {
		return 0, fmt.Errorf("marshal result data: %w", err)
	}
	var metaJSON []byte
	if r.Metadata != nil {
		metaJSON, err = json.Marshal(r.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal result metadata: %w", err)
		}
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO job_results (job_id, result_type, result_data, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, r.JobID, r.ResultType, dataJSON, metaJSON).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert result: %w", err)
	}
	return id, nil
}

// ResultsForJob lists all results recorded for a job, oldest first.
func (s *Store) ResultsForJob(ctx context.Context, jobID int64) ([]models.Result, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, result_type, result_data, metadata, created_at
		FROM job_results WHERE job_id = $1 ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list results for job %d: %w", jobID, err)
	}
	defer rows.Close()

	var results []models.Result
	for rows.Next() {
		var (
			r        models.Result
			dataJSON []byte
			metaJSON []byte
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.ResultType, &dataJSON, &metaJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal(dataJSON, &r.ResultData); err != nil {
			return nil, fmt.Errorf("unmarshal result data: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal result metadata: %w", err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// TouchPortfolioPriority refreshes the (user, symbol) staleness signal after
// a job completes. Fetch jobs bump last_data_fetch, analysis jobs bump
// last_analysis_update.
func (s *Store) TouchPortfolioPriority(ctx context.Context, userID int64, symbol, jobType string) error {
	column := "last_data_fetch"
	if models.LockTypeForJob(jobType) == models.LockTypeAnalyze {
		column = "last_analysis_update"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_portfolio_priority (user_id, stock_symbol, `+column+`, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (user_id, stock_symbol) DO UPDATE
		SET `+column+` = NOW(), updated_at = NOW()
	`, userID, symbol)
	if err != nil {
		return fmt.Errorf("touch portfolio priority %d/%s: %w", userID, symbol, err)
	}
	return nil
}

// LastDataFetch reports when data for the (user, symbol) pair was last
// fetched. The second return is false when the pair has never been seen.
func (s *Store) LastDataFetch(ctx context.Context, userID int64, symbol string) (time.Time, bool, error) {
	var last pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT last_data_fetch FROM user_portfolio_priority
		WHERE user_id = $1 AND stock_symbol = $2 AND is_active
	`, userID, symbol).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last data fetch %d/%s: %w", userID, symbol, err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return last.Time, true, nil
}
