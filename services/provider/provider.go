// Package provider talks to the upstream market-data provider. Calls respect
// a configured requests-per-minute budget and are normally routed through the
// circuit breaker by the retrieval service.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketdata_backend/config"
	"marketdata_backend/models"
)

// BarRequest describes one upstream fetch for one symbol.
type BarRequest struct {
	Symbol               string
	Frequency            models.Frequency
	Start                time.Time
	End                  time.Time
	AssetClass           models.AssetClass
	IncludeExtendedHours bool
	ContinuousSeries     bool
	RollPolicy           string
	MaxRecords           int
}

// Provider is the upstream contract the retrieval service depends on.
type Provider interface {
	// Name identifies the provider for cache keys and provenance.
	Name() string
	// FetchBars returns bars for one symbol within [Start, End).
	FetchBars(ctx context.Context, req BarRequest) ([]models.MarketDataBar, error)
	// Source returns the data source row describing this provider's
	// capabilities.
	Source() *models.DataSource
}

// RateLimiter enforces a minimum spacing between upstream requests so a
// configured requests-per-minute budget is never exceeded.
type RateLimiter struct {
	mu          sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
}

// NewRateLimiter builds a limiter for the given per-minute budget.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	return &RateLimiter{minInterval: time.Minute / time.Duration(requestsPerMinute)}
}

// Wait blocks until the next request is allowed or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	now := time.Now()
	var wait time.Duration
	if !r.lastRequest.IsZero() {
		if elapsed := now.Sub(r.lastRequest); elapsed < r.minInterval {
			wait = r.minInterval - elapsed
		}
	}
	r.lastRequest = now.Add(wait)
	r.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// vndirectResponse mirrors the upstream price API payload.
type vndirectResponse struct {
	Data          []vndirectBar `json:"data"`
	CurrentPage   int           `json:"currentPage"`
	Size          int           `json:"size"`
	TotalElements int           `json:"totalElements"`
	TotalPages    int           `json:"totalPages"`
}

type vndirectBar struct {
	Code     string  `json:"code"`
	Date     string  `json:"date"`
	Time     string  `json:"time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Average  float64 `json:"average"`
	NmVolume float64 `json:"nmVolume"`
}

// VNDirectProvider fetches daily bars from the VNDirect price API.
type VNDirectProvider struct {
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	source     *models.DataSource
}

// NewVNDirectProvider builds the provider from config and its data source row.
func NewVNDirectProvider(cfg config.ProviderConfig, source *models.DataSource) *VNDirectProvider {
	baseURL := cfg.BaseURL
	if source != nil && source.BaseURL != "" {
		baseURL = source.BaseURL
	}
	return &VNDirectProvider{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    NewRateLimiter(cfg.RequestsPerMinute),
		source:     source,
	}
}

// Name implements Provider.
func (p *VNDirectProvider) Name() string {
	if p.source != nil {
		return p.source.Name
	}
	return "vndirect"
}

// Source implements Provider.
func (p *VNDirectProvider) Source() *models.DataSource {
	return p.source
}

// FetchBars implements Provider. The request honors the rate-limit budget
// and the caller's context deadline.
func (p *VNDirectProvider) FetchBars(ctx context.Context, req BarRequest) ([]models.MarketDataBar, error) {
	if p.source != nil {
		if !p.source.SupportsFrequency(req.Frequency) {
			return nil, fmt.Errorf("provider %s does not serve frequency %s natively", p.Name(), req.Frequency)
		}
		if req.AssetClass != "" && !p.source.SupportsAssetClass(req.AssetClass) {
			return nil, fmt.Errorf("provider %s does not serve asset class %s", p.Name(), req.AssetClass)
		}
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	size := req.MaxRecords
	if size <= 0 {
		size = req.Frequency.ApproxBarCount(req.Start, req.End)
	}
	q := fmt.Sprintf("code:%s~date:gte:%s~date:lte:%s",
		req.Symbol, req.Start.Format("2006-01-02"), req.End.Format("2006-01-02"))
	reqURL := fmt.Sprintf("%s?sort=date:desc&q=%s&size=%d", p.baseURL, url.QueryEscape(q), size)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("provider error (status %d): %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed vndirectResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	bars := make([]models.MarketDataBar, 0, len(parsed.Data))
	for _, raw := range parsed.Data {
		ts, err := time.ParseInLocation("2006-01-02", raw.Date, time.UTC)
		if err != nil {
			continue
		}
		bar := models.MarketDataBar{
			Symbol:    req.Symbol,
			Timestamp: ts,
			Frequency: req.Frequency,
			Open:      decimal.NewFromFloat(raw.Open),
			High:      decimal.NewFromFloat(raw.High),
			Low:       decimal.NewFromFloat(raw.Low),
			Close:     decimal.NewFromFloat(raw.Close),
			Volume:    int64(raw.NmVolume),
		}
		if raw.Average > 0 {
			vwap := decimal.NewFromFloat(raw.Average)
			bar.VWAP = &vwap
		}
		if p.source != nil {
			bar.SourceID = p.source.ID
		}
		if err := bar.Validate(); err != nil {
			// Bad upstream row, drop it rather than poison storage
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}
