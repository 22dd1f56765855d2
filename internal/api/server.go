package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"stock-job-scheduler/internal/config"
	"stock-job-scheduler/internal/models"
	"stock-job-scheduler/internal/priority"
	"stock-job-scheduler/internal/ratelimit"
	"stock-job-scheduler/internal/store"
	"stock-job-scheduler/internal/telemetry"
)

// Store is the slice of the persistence layer the API serves. The Postgres
// store satisfies it; tests substitute fakes.
type Store interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (int64, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	ResultsForJob(ctx context.Context, jobID int64) ([]models.Result, error)
	CancelPending(ctx context.Context, jobID int64) error
	QueueStats(ctx context.Context) ([]models.QueueStat, error)
	VisibleJobs(ctx context.Context, queueName string) (int64, error)
	ProcessorStats(ctx context.Context) ([]models.ProcessorStat, error)
	ListFreshProcessors(ctx context.Context, queueName string, window time.Duration) ([]models.Processor, error)
}

// Server wires the HTTP surface for producers and dashboards.
type Server struct {
	cfg      config.Config
	store    Store
	resolver *priority.Resolver
	limiter  *ratelimit.TokenBucket
	log      zerolog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st Store, resolver *priority.Resolver, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		resolver: resolver,
		limiter:  limiter,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/results", s.handleJobResults)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/stats/queues", s.handleQueueStats)
	r.Get("/stats/processors", s.handleProcessorStats)
	r.Get("/processors", s.handleProcessors)
	return r
}

// enqueueRequest deliberately has no priority field: priority is always
// computed by the resolver so tie-break logic stays centralized.
type enqueueRequest struct {
	QueueName   string         `json:"queue_name"`
	JobType     string         `json:"job_type"`
	Payload     map[string]any `json:"payload"`
	Reason      string         `json:"reason"`
	MaxAttempts int            `json:"max_attempts"`
	UserID      *int64         `json:"user_id"`
	StockSymbol *string        `json:"stock_symbol"`
}

type enqueueResponse struct {
	JobID    int64 `json:"job_id"`
	Priority int   `json:"priority"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}

	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Allow(r.Context(), callerFromRequest(r, req.UserID))
		if err != nil {
			s.log.Error().Err(err).Msg("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			if retryAfter > 0 {
				secs := int((retryAfter + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	prio, err := s.resolver.Resolve(r.Context(), req.Reason, req.UserID, req.StockSymbol)
	if err != nil {
		s.log.Error().Err(err).Str("reason", req.Reason).Msg("priority resolution failed")
		writeError(w, http.StatusInternalServerError, "priority resolution failed")
		return
	}

	id, err := s.store.Enqueue(r.Context(), store.EnqueueParams{
		QueueName:        req.QueueName,
		JobType:          req.JobType,
		Payload:          req.Payload,
		Priority:         prio,
		MaxAttempts:      req.MaxAttempts,
		UserID:           req.UserID,
		StockSymbol:      req.StockSymbol,
		DedupeOnConflict: s.cfg.DedupeOnEnqueue,
		ConflictPenalty:  s.cfg.DedupePenalty,
	})
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		var dup *models.DuplicateWorkError
		if errors.As(err, &dup) {
			telemetry.DedupeRejects.Inc()
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":    "duplicate work in flight",
				"lock_key": dup.LockKey,
			})
			return
		}
		s.log.Error().Err(err).Str("queue", req.QueueName).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: id, Priority: prio})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetJob(r.Context(), id); errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	results, err := s.store.ResultsForJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "results lookup failed")
		return
	}
	if results == nil {
		results = []models.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "results": results})
}

// handleCancel cancels a job that has not started. Processing, retrying, and
// terminal jobs report a conflict rather than being preempted.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	err := s.store.CancelPending(r.Context(), id)
	if errors.Is(err, models.ErrConflict) {
		writeError(w, http.StatusConflict, "job is not pending")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue stats failed")
		return
	}
	for _, q := range models.Queues() {
		depth, err := s.store.VisibleJobs(r.Context(), q)
		if err == nil {
			telemetry.QueueDepthGauge.WithLabelValues(q).Set(float64(depth))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

func (s *Server) handleProcessorStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ProcessorStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "processor stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processors": stats})
}

// handleProcessors lists processors with a recent heartbeat. window defaults
// to the configured freshness horizon; queue filters when present.
func (s *Server) handleProcessors(w http.ResponseWriter, r *http.Request) {
	window := s.cfg.HeartbeatFresh
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	procs, err := s.store.ListFreshProcessors(r.Context(), r.URL.Query().Get("queue"), window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "processor list failed")
		return
	}
	if procs == nil {
		procs = []models.Processor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"processors": procs})
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

// callerFromRequest picks the rate-limit identity: the authenticated user
// when known, else per-IP via the standard proxy header, else a shared bucket.
func callerFromRequest(r *http.Request, userID *int64) string {
	if userID != nil {
		return fmt.Sprintf("user:%d", *userID)
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		return "ip:" + v
	}
	return "anonymous"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
