package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stock-job-scheduler/internal/config"
	"stock-job-scheduler/internal/dispatcher"
	"stock-job-scheduler/internal/handlers"
	"stock-job-scheduler/internal/models"
	"stock-job-scheduler/internal/store"
	"stock-job-scheduler/internal/telemetry"
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

	processorID := processorIdentity()
	hostname, _ := os.Hostname()
	if err := st.RegisterProcessor(ctx, processorID, hostname, cfg.QueueName, cfg.MaxConcurrentJobs); err != nil {
		log.Fatal().Err(err).Msg("register processor")
	}
	log = log.With().Str("processor_id", processorID).Logger()

	go heartbeatLoop(ctx, st, cfg, processorID, hostname, log)

	d := dispatcher.New(dispatcher.Config{
		QueueName:      cfg.QueueName,
		ProcessorID:    processorID,
		MaxConcurrent:  cfg.MaxConcurrentJobs,
		PollInterval:   cfg.WorkerPollInterval,
		LockTTL:        cfg.LockTTL,
		BackoffPolicy:  cfg.BackoffPolicy,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, st, log)

	d.RegisterHandler("price_update", handlers.NewPriceFetchHandler(cfg).Handle)
	d.RegisterHandler("portfolio_analysis", handlers.NewAnalysisHandler().Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("queue", cfg.QueueName).
		Int("max_concurrent", cfg.MaxConcurrentJobs).
		Dur("lock_ttl", cfg.LockTTL).
		Msg("worker started")

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
	}
}

// processorIdentity derives a stable processor id: explicit env var first,
// hostname second, random last.
func processorIdentity() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%s", uuid.NewString()[:8])
}

// heartbeatLoop keeps the registry row fresh. If the janitor aged the row
// out during a long partition, the processor re-registers itself.
func heartbeatLoop(ctx context.Context, st *store.Store, cfg config.Config, processorID, hostname string, log zerolog.Logger) {
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := st.Heartbeat(ctx, processorID)
			var stale *models.StaleProcessorError
			if errors.As(err, &stale) {
				log.Warn().Msg("registry row aged out, re-registering")
				if err := st.RegisterProcessor(ctx, processorID, hostname, cfg.QueueName, cfg.MaxConcurrentJobs); err != nil {
					log.Error().Err(err).Msg("re-register failed")
				}
			} else if err != nil {
				log.Error().Err(err).Msg("heartbeat failed")
			}
		}
	}
}
