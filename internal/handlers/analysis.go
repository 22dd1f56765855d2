package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"stock-job-scheduler/internal/models"
)

// AnalysisHandler computes summary statistics over a price series carried in
// the job payload: moving average, period return, and annualized volatility.
type AnalysisHandler struct {
	// window is the moving-average window when the payload omits one.
	window int
}

type analysisPayload struct {
	Symbol string    `json:"symbol"`
	Prices []float64 `json:"prices"`
	Window int       `json:"window"`
}

// NewAnalysisHandler builds a handler with a default 20-sample window.
func NewAnalysisHandler() *AnalysisHandler {
	return &AnalysisHandler{window: 20}
}

// Handle runs the analysis. Bad input is fatal; there is nothing transient
// about a malformed price series.
func (h *AnalysisHandler) Handle(ctx context.Context, job models.Job) (*models.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := decodeAnalysisPayload(job, h.window)
	if err != nil {
		return nil, models.Fatal(err)
	}

	last := payload.Prices[len(payload.Prices)-1]
	first := payload.Prices[0]

	result := map[string]any{
		"symbol":         payload.Symbol,
		"samples":        len(payload.Prices),
		"last_price":     last,
		"moving_average": movingAverage(payload.Prices, payload.Window),
		"period_return":  (last - first) / first,
		"volatility":     annualizedVolatility(payload.Prices),
	}
	return &models.Result{
		ResultType: "analysis",
		ResultData: result,
		Metadata:   map[string]any{"window": payload.Window},
	}, nil
}

func decodeAnalysisPayload(job models.Job, defaultWindow int) (analysisPayload, error) {
	var payload analysisPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.Symbol == "" && job.StockSymbol != nil {
		payload.Symbol = *job.StockSymbol
	}
	if len(payload.Prices) < 2 {
		return payload, errors.New("prices requires at least two samples")
	}
	for i, p := range payload.Prices {
		if p <= 0 {
			return payload, fmt.Errorf("prices[%d] must be positive", i)
		}
	}
	if payload.Window <= 0 {
		payload.Window = defaultWindow
	}
	return payload, nil
}

// movingAverage averages the trailing window, or the whole series when it is
// shorter than the window.
func movingAverage(prices []float64, window int) float64 {
	if window > len(prices) {
		window = len(prices)
	}
	tail := prices[len(prices)-window:]
	var sum float64
	for _, p := range tail {
		sum += p
	}
	return sum / float64(len(tail))
}

// annualizedVolatility is the standard deviation of daily log returns scaled
// by sqrt(252 trading days).
func annualizedVolatility(prices []float64) float64 {
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	if len(returns) > 1 {
		variance /= float64(len(returns) - 1)
	}
	return math.Sqrt(variance) * math.Sqrt(252)
}
