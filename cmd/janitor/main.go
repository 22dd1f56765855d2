package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"stock-job-scheduler/internal/archive"
	"stock-job-scheduler/internal/config"
	"stock-job-scheduler/internal/janitor"
	"stock-job-scheduler/internal/store"
	"stock-job-scheduler/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// archive.New returns a nil pointer when no bucket is configured; keep
	// the interface nil in that case so the janitor skips archiving.
	var archiver janitor.Archiver
	s3arch, err := archive.New(ctx, archive.Config{
		Bucket:    cfg.ArchiveS3Bucket,
		Region:    cfg.ArchiveS3Region,
		Endpoint:  cfg.ArchiveS3Endpoint,
		PathStyle: cfg.ArchiveS3PathStyle,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init s3 archiver")
	}
	if s3arch != nil {
		archiver = s3arch
		log.Info().Str("bucket", cfg.ArchiveS3Bucket).Msg("archiving purged jobs to s3")
	}

	j := janitor.New(st, archiver, cfg.ProcessorTTL, cfg.HeartbeatFresh, log)

	c := cron.New()
	if _, err := c.AddFunc(cfg.JanitorSchedule, func() {
		j.CleanupOldJobs(ctx, cfg.RetentionDays)
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.JanitorSchedule).Msg("bad janitor schedule")
	}
	if _, err := c.AddFunc(cfg.ReclaimSchedule, func() {
		j.ReclaimStale(ctx)
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.ReclaimSchedule).Msg("bad reclaim schedule")
	}

	// One reclaim pass right away so a restart after a crash does not wait a
	// full schedule interval to recover orphaned jobs.
	j.ReclaimStale(ctx)

	c.Start()
	log.Info().
		Str("cleanup", cfg.JanitorSchedule).
		Str("reclaim", cfg.ReclaimSchedule).
		Int("retention_days", cfg.RetentionDays).
		Msg("janitor started")

	<-ctx.Done()
	<-c.Stop().Done()
}
