package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketdata_backend/config"
	"marketdata_backend/models"
)

func Test_RateLimiter_SpacesRequests(t *testing.T) {
	// 1200 rpm = one request every 50ms
	limiter := NewRateLimiter(1200)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(ctx))
	}
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond,
		"three requests at 50ms spacing need at least 100ms")
}

func Test_RateLimiter_FirstRequestImmediate(t *testing.T) {
	limiter := NewRateLimiter(1)

	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func Test_RateLimiter_RespectsCancellation(t *testing.T) {
	limiter := NewRateLimiter(1) // one per minute
	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func testProviderConfig(baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		BaseURL:           baseURL,
		RequestTimeout:    5 * time.Second,
		RequestsPerMinute: 6000,
	}
}

func testSource() *models.DataSource {
	return &models.DataSource{
		ID:           1,
		Name:         "vndirect",
		Frequencies:  "1m,1d",
		AssetClasses: "stock,index",
		Active:       true,
	}
}

func Test_FetchBars_ParsesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "HPG")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": [
				{"code":"HPG","date":"2024-01-03","open":28.1,"high":28.5,"low":27.9,"close":28.3,"average":28.2,"nmVolume":1500000},
				{"code":"HPG","date":"2024-01-02","open":27.8,"high":28.2,"low":27.6,"close":28.1,"average":27.9,"nmVolume":1200000}
			],
			"currentPage": 1, "size": 2, "totalElements": 2, "totalPages": 1
		}`))
	}))
	defer server.Close()

	prov := NewVNDirectProvider(testProviderConfig(server.URL), testSource())

	bars, err := prov.FetchBars(context.Background(), BarRequest{
		Symbol:    "HPG",
		Frequency: models.Freq1Day,
		Start:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, "HPG", bars[0].Symbol)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), bars[0].Timestamp)
	assert.Equal(t, models.Freq1Day, bars[0].Frequency)
	assert.Equal(t, "28.3", bars[0].Close.String())
	assert.Equal(t, int64(1500000), bars[0].Volume)
	require.NotNil(t, bars[0].VWAP)
	assert.Equal(t, "28.2", bars[0].VWAP.String())
	assert.Equal(t, uint(1), bars[0].SourceID)
}

func Test_FetchBars_DropsInvalidRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"data": [
				{"code":"HPG","date":"2024-01-02","open":27.8,"high":28.2,"low":27.6,"close":28.1,"nmVolume":1200000},
				{"code":"HPG","date":"not-a-date","open":1,"high":1,"low":1,"close":1,"nmVolume":10},
				{"code":"HPG","date":"2024-01-03","open":30,"high":20,"low":25,"close":28,"nmVolume":10}
			]
		}`))
	}))
	defer server.Close()

	prov := NewVNDirectProvider(testProviderConfig(server.URL), testSource())

	bars, err := prov.FetchBars(context.Background(), BarRequest{
		Symbol:    "HPG",
		Frequency: models.Freq1Day,
		Start:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Len(t, bars, 1, "unparseable dates and OHLC violations are dropped, not stored")
}

func Test_FetchBars_ErrorStatusSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))
	defer server.Close()

	prov := NewVNDirectProvider(testProviderConfig(server.URL), testSource())

	_, err := prov.FetchBars(context.Background(), BarRequest{
		Symbol:    "HPG",
		Frequency: models.Freq1Day,
		Start:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func Test_FetchBars_CapabilityCheckBeforeDialing(t *testing.T) {
	dialed := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dialed = true
	}))
	defer server.Close()

	prov := NewVNDirectProvider(testProviderConfig(server.URL), testSource())

	_, err := prov.FetchBars(context.Background(), BarRequest{
		Symbol:    "HPG",
		Frequency: models.Freq1Hour, // not in the source's native set
		Start:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.False(t, dialed, "unsupported frequency fails before any network call")

	_, err = prov.FetchBars(context.Background(), BarRequest{
		Symbol:     "HPG",
		Frequency:  models.Freq1Day,
		AssetClass: models.AssetFuture,
		Start:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.False(t, dialed, "unsupported asset class fails before any network call")
}

func Test_Name_FallsBackWithoutSource(t *testing.T) {
	prov := NewVNDirectProvider(testProviderConfig("http://example.invalid"), nil)
	assert.Equal(t, "vndirect", prov.Name())
	assert.Nil(t, prov.Source())
}
