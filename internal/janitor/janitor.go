package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"stock-job-scheduler/internal/models"
	"stock-job-scheduler/internal/telemetry"
)

// Store is the slice of the persistence layer the janitor sweeps.
type Store interface {
	ListPurgeableJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	ResultsForJob(ctx context.Context, jobID int64) ([]models.Result, error)
	PurgeTerminalJobs(ctx context.Context, cutoff time.Time) (int64, error)
	ReapExpiredLocks(ctx context.Context) (int64, error)
	MarkOfflineProcessors(ctx context.Context, staleAfter time.Duration) (int64, error)
	DeleteDeadProcessors(ctx context.Context, ttl time.Duration) (int64, error)
	ReclaimStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// Archiver persists a purged job and its results somewhere cold. Optional.
type Archiver interface {
	Archive(ctx context.Context, job models.Job, results []models.Result) error
}

const archiveBatch = 500

// Janitor runs the periodic retention sweeps. It never touches pending,
// processing, or retrying jobs; a stuck job is a bug to surface, not
// something to delete quietly.
type Janitor struct {
	store        Store
	archiver     Archiver
	processorTTL time.Duration
	staleAfter   time.Duration
	log          zerolog.Logger
	now          func() time.Time
}

// New builds a Janitor. archiver may be nil to skip cold storage.
func New(st Store, archiver Archiver, processorTTL, staleAfter time.Duration, log zerolog.Logger) *Janitor {
	if processorTTL <= 0 {
		processorTTL = time.Hour
	}
	return &Janitor{
		store:        st,
		archiver:     archiver,
		processorTTL: processorTTL,
		staleAfter:   staleAfter,
		log:          log.With().Str("component", "janitor").Logger(),
		now:          time.Now,
	}
}

// CleanupOldJobs runs the three retention phases. Each is independent and
// best-effort: a failure is logged and the next phase still runs. Returns
// how many terminal jobs were removed.
func (j *Janitor) CleanupOldJobs(ctx context.Context, daysToKeep int) int64 {
	cutoff := j.now().AddDate(0, 0, -daysToKeep)

	var removed int64
	j.archivePurgeable(ctx, cutoff)
	n, err := j.store.PurgeTerminalJobs(ctx, cutoff)
	if err != nil {
		j.log.Error().Err(err).Msg("purge terminal jobs failed")
	} else {
		removed = n
		telemetry.PurgedCounter.Add(float64(n))
	}

	if n, err := j.store.ReapExpiredLocks(ctx); err != nil {
		j.log.Error().Err(err).Msg("reap expired locks failed")
	} else if n > 0 {
		j.log.Info().Int64("locks", n).Msg("reaped expired locks")
	}

	if n, err := j.store.MarkOfflineProcessors(ctx, j.staleAfter); err != nil {
		j.log.Error().Err(err).Msg("mark offline processors failed")
	} else if n > 0 {
		j.log.Info().Int64("processors", n).Msg("marked stale processors offline")
	}

	if n, err := j.store.DeleteDeadProcessors(ctx, j.processorTTL); err != nil {
		j.log.Error().Err(err).Msg("delete dead processors failed")
	} else if n > 0 {
		j.log.Info().Int64("processors", n).Msg("removed dead processors")
	}

	j.log.Info().Int64("jobs_removed", removed).Int("days_kept", daysToKeep).Msg("cleanup pass done")
	return removed
}

// ReclaimStale requeues processing jobs abandoned by dead processors. Run
// on a tighter schedule than the retention sweep; this is the recovery path
// that makes at-least-once hold across crashes.
func (j *Janitor) ReclaimStale(ctx context.Context) int64 {
	n, err := j.store.ReclaimStaleJobs(ctx, j.staleAfter)
	if err != nil {
		j.log.Error().Err(err).Msg("reclaim stale jobs failed")
		return 0
	}
	if n > 0 {
		telemetry.ReclaimedCounter.Add(float64(n))
		j.log.Warn().Int64("jobs", n).Msg("reclaimed stale processing jobs")
	}
	return n
}

// archivePurgeable copies doomed jobs and their results to cold storage.
// Archive failures are logged and do not block the purge.
func (j *Janitor) archivePurgeable(ctx context.Context, cutoff time.Time) {
	if j.archiver == nil {
		return
	}
	jobs, err := j.store.ListPurgeableJobs(ctx, cutoff, archiveBatch)
	if err != nil {
		j.log.Error().Err(err).Msg("list purgeable jobs failed")
		return
	}
	for _, job := range jobs {
		results, err := j.store.ResultsForJob(ctx, job.ID)
		if err != nil {
			j.log.Error().Err(err).Int64("job_id", job.ID).Msg("load results for archive failed")
			continue
		}
		if err := j.archiver.Archive(ctx, job, results); err != nil {
			j.log.Error().Err(err).Int64("job_id", job.ID).Msg("archive job failed")
		}
	}
}
