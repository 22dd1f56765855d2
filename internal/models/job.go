package models

import (
	"strings"
	"time"
)

// Queue names understood by the scheduler. Every job belongs to exactly one.
const (
	QueueForeground        = "foreground"
	QueueBackgroundFetch   = "background-fetch"
	QueueBackgroundAnalyze = "background-analyze"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRetrying   = "retrying"
)

// Processor liveness states.
const (
	ProcessorActive  = "active"
	ProcessorIdle    = "idle"
	ProcessorOffline = "offline"
)

// Lock types keyed alongside the stock symbol for mutual exclusion.
const (
	LockTypeFetch     = "fetch"
	LockTypeAnalyze   = "analyze"
	LockTypePortfolio = "portfolio"
)

// Reasons a producer enqueues work; mapped to priority tiers by the resolver.
const (
	ReasonUserLogin          = "user_login"
	ReasonUserRequest        = "user_request"
	ReasonScheduledUpdate    = "scheduled_update"
	ReasonBackgroundAnalysis = "background_analysis"
)

// Job is one unit of work in the job_queues table.
type Job struct {
	ID            int64          `json:"id"`
	QueueName     string         `json:"queue_name"`
	JobType       string         `json:"job_type"`
	Priority      int            `json:"priority"`
	Payload       map[string]any `json:"payload"`
	Status        string         `json:"status"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	ProcessorID   *string        `json:"processor_id,omitempty"`
	UserID        *int64         `json:"user_id,omitempty"`
	StockSymbol   *string        `json:"stock_symbol,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
}

// Processor is a registered worker identity in the job_processors table.
type Processor struct {
	ID                string    `json:"id"`
	Hostname          string    `json:"hostname"`
	QueueName         string    `json:"queue_name"`
	Status            string    `json:"status"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	JobsProcessed     int64     `json:"jobs_processed"`
	JobsFailed        int64     `json:"jobs_failed"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs"`
	CurrentJobs       int       `json:"current_jobs"`
	CreatedAt         time.Time `json:"created_at"`
}

// Lock is a TTL-bounded mutual-exclusion record in the job_locks table.
// At most one unexpired lock exists per LockKey.
type Lock struct {
	LockKey     string    `json:"lock_key"`
	ProcessorID string    `json:"processor_id"`
	JobID       *int64    `json:"job_id,omitempty"`
	LockedAt    time.Time `json:"locked_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	LockType    string    `json:"lock_type"`
}

// Result captures the output of one successful job execution.
type Result struct {
	ID         int64          `json:"id"`
	JobID      int64          `json:"job_id"`
	ResultType string         `json:"result_type"`
	ResultData map[string]any `json:"result_data"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// PortfolioPriority is the per-(user, symbol) staleness signal consulted at
// enqueue time and refreshed when fetch/analysis jobs complete.
type PortfolioPriority struct {
	ID                 int64      `json:"id"`
	UserID             int64      `json:"user_id"`
	StockSymbol        string     `json:"stock_symbol"`
	LastDataFetch      *time.Time `json:"last_data_fetch,omitempty"`
	LastAnalysisUpdate *time.Time `json:"last_analysis_update,omitempty"`
	PriorityScore      int        `json:"priority_score"`
	IsActive           bool       `json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// QueueStat is one row of the per-queue status breakdown.
type QueueStat struct {
	QueueName string `json:"queue_name"`
	Status    string `json:"status"`
	Count     int64  `json:"count"`
}

// ProcessorStat is one row of the per-queue processor breakdown.
type ProcessorStat struct {
	QueueName      string `json:"queue_name"`
	Status         string `json:"status"`
	ProcessorCount int64  `json:"processor_count"`
	ActiveJobs     int64  `json:"active_jobs"`
	TotalProcessed int64  `json:"total_processed"`
	TotalFailed    int64  `json:"total_failed"`
}

// Queues lists every defined queue name.
func Queues() []string {
	return []string{QueueForeground, QueueBackgroundFetch, QueueBackgroundAnalyze}
}

// ValidQueue reports whether name is one of the defined queues.
func ValidQueue(name string) bool {
	switch name {
	case QueueForeground, QueueBackgroundFetch, QueueBackgroundAnalyze:
		return true
	}
	return false
}

// LockTypeForJob maps a job type tag onto its lock operation class, so a
// foreground fetch and a background analyze of the same symbol contend on
// different keys while two fetches contend on the same one.
func LockTypeForJob(jobType string) string {
	// Portfolio wins over analyze: "portfolio_analysis" is a portfolio op.
	switch {
	case strings.Contains(jobType, "portfolio"):
		return LockTypePortfolio
	case strings.Contains(jobType, "analy"):
		return LockTypeAnalyze
	default:
		return LockTypeFetch
	}
}

// LockKeyFor builds the resource key for a symbol/job-type pair.
func LockKeyFor(symbol, jobType string) string {
	return symbol + ":" + LockTypeForJob(jobType)
}

// Terminal reports whether a status can never change again.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}
