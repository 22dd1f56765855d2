package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"stock-job-scheduler/internal/config"
	"stock-job-scheduler/internal/models"
)

// PriceFetchHandler pulls current quote data for a symbol from the upstream
// market data API and records it as a price_data result.
type PriceFetchHandler struct {
	baseURL    string
	maxBytes   int64
	httpClient *http.Client
}

type priceFetchPayload struct {
	Symbol string `json:"symbol"`
	Range  string `json:"range"`
}

// NewPriceFetchHandler builds the handler from the shared config.
func NewPriceFetchHandler(cfg config.Config) *PriceFetchHandler {
	timeout := cfg.QuoteTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.QuoteMaxBytes
	if maxBytes == 0 {
		maxBytes = 1 << 20
	}
	return &PriceFetchHandler{
		baseURL:  cfg.QuoteAPIBaseURL,
		maxBytes: maxBytes,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Handle fetches one symbol's quote data. Upstream 4xx responses are fatal
// (the symbol is wrong, retrying cannot help); network errors and 5xx are
// transient and go back through the retry schedule.
func (h *PriceFetchHandler) Handle(ctx context.Context, job models.Job) (*models.Result, error) {
	payload, err := decodePriceFetchPayload(job)
	if err != nil {
		return nil, models.Fatal(err)
	}

	data, err := h.fetch(ctx, payload)
	if err != nil {
		return nil, err
	}

	return &models.Result{
		ResultType: "price_data",
		ResultData: data,
		Metadata: map[string]any{
			"symbol":     payload.Symbol,
			"source":     h.baseURL,
			"fetched_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

func (h *PriceFetchHandler) fetch(ctx context.Context, payload priceFetchPayload) (map[string]any, error) {
	url := fmt.Sprintf("%s/%s", h.baseURL, payload.Symbol)
	if payload.Range != "" {
		url += "?range=" + payload.Range
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, models.Fatal(fmt.Errorf("build quote request: %w", err))
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("fetch quote: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, models.Transient(fmt.Errorf("quote api status %d", resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, models.Fatal(fmt.Errorf("quote api status %d for %s", resp.StatusCode, payload.Symbol))
	}

	limited := io.LimitReader(resp.Body, h.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("read quote body: %w", err))
	}
	if int64(len(body)) > h.maxBytes {
		return nil, models.Fatal(fmt.Errorf("quote response too large (>%d bytes)", h.maxBytes))
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, models.Fatal(fmt.Errorf("decode quote body: %w", err))
	}
	return data, nil
}

func decodePriceFetchPayload(job models.Job) (priceFetchPayload, error) {
	var payload priceFetchPayload
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
	if payload.Symbol == "" {
		return payload, errors.New("symbol is required")
	}
	return payload, nil
}
