package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-job-scheduler/internal/models"
)

func TestAnalysisComputesSeriesStats(t *testing.T) {
	h := NewAnalysisHandler()
	job := models.Job{
		ID:      1,
		JobType: "portfolio_analysis",
		Payload: map[string]any{
			"symbol": "AAPL",
			"prices": []any{100.0, 102.0, 101.0, 104.0},
			"window": 2,
		},
	}

	result, err := h.Handle(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "analysis", result.ResultType)
	assert.Equal(t, "AAPL", result.ResultData["symbol"])
	assert.Equal(t, 104.0, result.ResultData["last_price"])
	assert.InDelta(t, 102.5, result.ResultData["moving_average"].(float64), 1e-9)
	assert.InDelta(t, 0.04, result.ResultData["period_return"].(float64), 1e-9)
	assert.Greater(t, result.ResultData["volatility"].(float64), 0.0)
}

func TestAnalysisWindowLargerThanSeries(t *testing.T) {
	avg := movingAverage([]float64{10, 20}, 50)
	assert.InDelta(t, 15.0, avg, 1e-9)
}

func TestAnalysisRejectsBadSeries(t *testing.T) {
	h := NewAnalysisHandler()

	_, err := h.Handle(context.Background(), models.Job{ID: 2, Payload: map[string]any{
		"symbol": "AAPL",
		"prices": []any{100.0},
	}})
	require.Error(t, err)
	assert.True(t, models.IsFatal(err))

	_, err = h.Handle(context.Background(), models.Job{ID: 3, Payload: map[string]any{
		"symbol": "AAPL",
		"prices": []any{100.0, -3.0},
	}})
	require.Error(t, err)
	assert.True(t, models.IsFatal(err))
}
