package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-job-scheduler/internal/config"
	"stock-job-scheduler/internal/models"
	"stock-job-scheduler/internal/priority"
	"stock-job-scheduler/internal/store"
)

type fakeStore struct {
	enqueued   []store.EnqueueParams
	enqueueErr error
	job        models.Job
	jobErr     error
	cancelErr  error
}

func (f *fakeStore) Enqueue(ctx context.Context, p store.EnqueueParams) (int64, error) {
	if f.enqueueErr != nil {
		return 0, f.enqueueErr
	}
	f.enqueued = append(f.enqueued, p)
	return int64(len(f.enqueued)), nil
}

func (f *fakeStore) GetJob(ctx context.Context, id int64) (models.Job, error) {
	return f.job, f.jobErr
}

func (f *fakeStore) ResultsForJob(ctx context.Context, jobID int64) ([]models.Result, error) {
	return nil, nil
}

func (f *fakeStore) CancelPending(ctx context.Context, jobID int64) error {
	return f.cancelErr
}

func (f *fakeStore) QueueStats(ctx context.Context) ([]models.QueueStat, error) {
	return nil, nil
}

func (f *fakeStore) VisibleJobs(ctx context.Context, queueName string) (int64, error) {
	return 0, nil
}

func (f *fakeStore) ProcessorStats(ctx context.Context) ([]models.ProcessorStat, error) {
	return nil, nil
}

func (f *fakeStore) ListFreshProcessors(ctx context.Context, queueName string, window time.Duration) ([]models.Processor, error) {
	return nil, nil
}

func newTestServer(st Store) *Server {
	cfg := config.Config{
		MaxAttempts:     3,
		DedupeOnEnqueue: true,
		DedupePenalty:   5,
		HeartbeatFresh:  5 * time.Minute,
	}
	return New(cfg, st, priority.New(priority.DefaultTiers()), nil, zerolog.Nop())
}

func post(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestEnqueuePriorityComesFromResolver(t *testing.T) {
	st := &fakeStore{}
	s := newTestServer(st)

	rec := post(t, s, "/jobs", `{
		"queue_name": "background-fetch",
		"job_type": "price_update",
		"reason": "scheduled_update",
		"stock_symbol": "AAPL"
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, st.enqueued, 1)
	assert.Equal(t, 5, st.enqueued[0].Priority, "scheduled_update tier")
	assert.Equal(t, 3, st.enqueued[0].MaxAttempts, "config default applied")

	var resp struct {
		JobID    int64 `json:"job_id"`
		Priority int   `json:"priority"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Priority)
}

func TestEnqueueIgnoresCallerSuppliedPriority(t *testing.T) {
	st := &fakeStore{}
	s := newTestServer(st)

	// A raw priority in the request body must not bypass the resolver.
	rec := post(t, s, "/jobs", `{
		"queue_name": "background-fetch",
		"job_type": "price_update",
		"reason": "background_analysis",
		"priority": 0
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, st.enqueued, 1)
	assert.Equal(t, 8, st.enqueued[0].Priority, "background_analysis tier, not the raw 0")
}

func TestEnqueueValidationError(t *testing.T) {
	st := &fakeStore{enqueueErr: &models.ValidationError{Field: "queue_name", Reason: "unknown queue"}}
	s := newTestServer(st)

	rec := post(t, s, "/jobs", `{"queue_name": "bogus", "job_type": "price_update"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueDuplicateWorkConflict(t *testing.T) {
	st := &fakeStore{enqueueErr: &models.DuplicateWorkError{LockKey: "MSFT:fetch"}}
	s := newTestServer(st)

	rec := post(t, s, "/jobs", `{
		"queue_name": "background-fetch",
		"job_type": "price_update",
		"stock_symbol": "MSFT"
	}`)

	require.Equal(t, http.StatusConflict, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "MSFT:fetch", resp["lock_key"])
}

func TestCancelNonPendingConflict(t *testing.T) {
	st := &fakeStore{cancelErr: models.ErrConflict}
	s := newTestServer(st)

	rec := post(t, s, "/jobs/7/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetJobNotFound(t *testing.T) {
	st := &fakeStore{jobErr: models.ErrNotFound}
	s := newTestServer(st)

	req := httptest.NewRequest(http.MethodGet, "/jobs/404", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
