package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-job-scheduler/internal/config"
	"stock-job-scheduler/internal/models"
)

func newFetchHandler(baseURL string) *PriceFetchHandler {
	return NewPriceFetchHandler(config.Config{
		QuoteAPIBaseURL: baseURL,
		QuoteTimeout:    2 * time.Second,
		QuoteMaxBytes:   1 << 20,
	})
}

func TestPriceFetchRecordsQuoteData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/AAPL", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"AAPL","price":187.42}`))
	}))
	defer srv.Close()

	h := newFetchHandler(srv.URL)
	job := models.Job{ID: 1, JobType: "price_update", Payload: map[string]any{"symbol": "AAPL"}}

	result, err := h.Handle(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "price_data", result.ResultType)
	assert.Equal(t, "AAPL", result.ResultData["symbol"])
	assert.Equal(t, 187.42, result.ResultData["price"])
}

func TestPriceFetchSymbolFallsBackToJobColumn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/MSFT", r.URL.Path)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	symbol := "MSFT"
	h := newFetchHandler(srv.URL)
	_, err := h.Handle(context.Background(), models.Job{ID: 2, StockSymbol: &symbol, Payload: map[string]any{}})
	require.NoError(t, err)
}

func TestPriceFetchMissingSymbolIsFatal(t *testing.T) {
	h := newFetchHandler("http://unused")
	_, err := h.Handle(context.Background(), models.Job{ID: 3, Payload: map[string]any{}})
	require.Error(t, err)
	assert.True(t, models.IsFatal(err))
}

func TestPriceFetchUpstreamErrors(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	h := newFetchHandler(srv.URL)
	job := models.Job{ID: 4, Payload: map[string]any{"symbol": "AAPL"}}

	_, err := h.Handle(context.Background(), job)
	require.Error(t, err)
	assert.False(t, models.IsFatal(err), "5xx should retry")

	status = http.StatusNotFound
	_, err = h.Handle(context.Background(), job)
	require.Error(t, err)
	assert.True(t, models.IsFatal(err), "4xx should not retry")
}
