package retrieval

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"marketdata_backend/config"
	"marketdata_backend/models"
	"marketdata_backend/services/aggregation"
	"marketdata_backend/services/breaker"
	"marketdata_backend/services/cache"
	"marketdata_backend/services/partition"
	"marketdata_backend/services/provider"
)

// fakeProvider serves canned bars and counts upstream calls.
type fakeProvider struct {
	mu     sync.Mutex
	calls  int
	bars   map[string][]models.MarketDataBar
	err    error
	source *models.DataSource
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		bars: make(map[string][]models.MarketDataBar),
		source: &models.DataSource{
			ID:           1,
			Name:         "fake",
			Frequencies:  "1m,1d",
			AssetClasses: "stock,index",
			Active:       true,
		},
	}
}

func (f *fakeProvider) Name() string               { return "fake" }
func (f *fakeProvider) Source() *models.DataSource { return f.source }

func (f *fakeProvider) FetchBars(ctx context.Context, req provider.BarRequest) ([]models.MarketDataBar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.bars[req.Symbol], nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testService(t *testing.T, prov provider.Provider) (*Service, *gorm.DB, *cache.Store) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// A pooled second connection to :memory: would see a different empty
	// database; pin the pool to one connection
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.MigratePartitionModels(db))
	require.NoError(t, db.AutoMigrate(&models.MarketDataBar{}, &models.DataSource{}, &models.QueryLog{}, &models.DataQuery{}))

	store := cache.NewStore(config.CacheConfig{
		Capacity:      256,
		HistoricalTTL: time.Hour,
		SnapshotTTL:   30 * time.Second,
		QueryTTL:      10 * time.Minute,
	}, nil)

	parts := partition.NewManager(db, config.PartitionConfig{
		LookaheadPeriods: 1,
		ArchiveAfter:     365 * 24 * time.Hour,
		DropAfter:        3 * 365 * 24 * time.Hour,
	}, nil)

	brk := breaker.New(config.BreakerConfig{
		FailureThreshold: 2,
		FailureRate:      0.5,
		WindowSize:       10,
		Cooldown:         30 * time.Second,
		CallTimeout:      5 * time.Second,
	})

	svc := NewService(db, store, parts, aggregation.NewEngine(), brk, prov, nil, nil,
		config.RetrievalConfig{
			MaxRecords:     50000,
			MaxSymbols:     10,
			RequestTimeout: 30 * time.Second,
		})
	return svc, db, store
}

// dailyBars builds count consecutive daily bars starting at start.
func dailyBars(symbol string, start time.Time, count int) []models.MarketDataBar {
	price := decimal.NewFromInt(150)
	bars := make([]models.MarketDataBar, 0, count)
	for i := 0; i < count; i++ {
		bars = append(bars, models.MarketDataBar{
			Symbol:    symbol,
			Timestamp: start.AddDate(0, 0, i),
			Frequency: models.Freq1Day,
			Open:      price, High: price, Low: price, Close: price,
			Volume:   1000,
			SourceID: 1,
		})
	}
	return bars
}

func janRequest(symbols ...string) FetchRequest {
	return FetchRequest{
		Symbols:   symbols,
		Frequency: models.Freq1Day,
		Start:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func Test_Fetch_ColdPathFetchesPersistsAndCaches(t *testing.T) {
	prov := newFakeProvider()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prov.bars["AAPL"] = dailyBars("AAPL", start, 31)

	svc, db, _ := testService(t, prov)

	result, err := svc.Fetch(context.Background(), janRequest("AAPL"))
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.Contains(t, result.Results, "AAPL")
	assert.NotEmpty(t, result.QueryID)

	res := result.Results["AAPL"]
	assert.Len(t, res.Bars, 31)
	assert.False(t, res.Cached)
	assert.Equal(t, 1, prov.callCount())

	// Bars were persisted into the January partition
	var stored int64
	require.NoError(t, db.Model(&models.MarketDataBar{}).Where("symbol = ?", "AAPL").Count(&stored).Error)
	assert.Equal(t, int64(31), stored)

	var bar models.MarketDataBar
	require.NoError(t, db.Where("symbol = ?", "AAPL").First(&bar).Error)
	assert.NotZero(t, bar.PartitionID, "persisted bars carry their owning partition")

	var p models.Partition
	require.NoError(t, db.First(&p, bar.PartitionID).Error)
	assert.Equal(t, partition.BarsTable, p.TableName)
	assert.True(t, p.Covers(bar.Timestamp))
}

func Test_Fetch_SecondRequestServedFromCache(t *testing.T) {
	prov := newFakeProvider()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prov.bars["AAPL"] = dailyBars("AAPL", start, 31)

	svc, _, _ := testService(t, prov)
	req := janRequest("AAPL")

	first, err := svc.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Results["AAPL"].Cached)

	second, err := svc.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Contains(t, second.Results, "AAPL")
	assert.True(t, second.Results["AAPL"].Cached)
	assert.Len(t, second.Results["AAPL"].Bars, 31)
	assert.Equal(t, 1, prov.callCount(), "cache hit must not reach the provider")
}

func Test_Fetch_PartialFailureKeepsGoodSymbols(t *testing.T) {
	prov := newFakeProvider()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prov.bars["AAPL"] = dailyBars("AAPL", start, 31)

	svc, _, _ := testService(t, prov)

	result, err := svc.Fetch(context.Background(), janRequest("AAPL", "bad symbol!"))
	require.NoError(t, err)

	require.Contains(t, result.Results, "AAPL")
	assert.Len(t, result.Results["AAPL"].Bars, 31)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "bad symbol!", result.Errors[0].Symbol)
	assert.Equal(t, KindValidation, result.Errors[0].Kind)
	assert.Equal(t, 1, prov.callCount(), "the invalid symbol never reaches the provider")
}

func Test_Fetch_ValidationBeforeAnyIO(t *testing.T) {
	prov := newFakeProvider()
	svc, _, _ := testService(t, prov)

	tests := []struct {
		name string
		req  FetchRequest
	}{
		{"no symbols", FetchRequest{Frequency: models.Freq1Day}},
		{"bad frequency", FetchRequest{Symbols: []string{"AAPL"}, Frequency: "2h"}},
		{
			"start after end",
			FetchRequest{
				Symbols: []string{"AAPL"}, Frequency: models.Freq1Day,
				Start: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			},
		},
		{
			"range exceeds record limit",
			FetchRequest{
				Symbols: []string{"AAPL"}, Frequency: models.Freq1Min,
				Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			},
		},
		{
			"too many symbols",
			FetchRequest{
				Symbols:   []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K"},
				Frequency: models.Freq1Day,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Fetch(context.Background(), tt.req)
			var symErr *SymbolError
			require.ErrorAs(t, err, &symErr)
			assert.Equal(t, KindValidation, symErr.Kind)
		})
	}
	assert.Equal(t, 0, prov.callCount(), "validation failures never reach the provider")
}

func Test_Fetch_ProviderErrorReportedPerSymbol(t *testing.T) {
	prov := newFakeProvider()
	prov.err = fmt.Errorf("upstream exploded")

	svc, _, _ := testService(t, prov)

	result, err := svc.Fetch(context.Background(), janRequest("AAPL"))
	require.NoError(t, err)
	assert.Empty(t, result.Results)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "AAPL", result.Errors[0].Symbol)
	assert.Equal(t, KindInternal, result.Errors[0].Kind)
}

func Test_Fetch_OpenBreakerDegradesToStaleCache(t *testing.T) {
	prov := newFakeProvider()
	prov.err = fmt.Errorf("upstream down")

	svc, _, store := testService(t, prov)
	req := janRequest("AAPL")

	// Seed an expired cache entry for exactly this request
	key := cache.BarsKey([]string{"AAPL"}, models.Freq1Day, req.Start, req.End, "fake")
	data, err := cache.EncodeBars(dailyBars("AAPL", req.Start, 31))
	require.NoError(t, err)
	store.Set(key, data, -time.Second)

	// Two failing fetches trip the breaker (threshold is 2)
	for i := 0; i < 2; i++ {
		result, err := svc.Fetch(context.Background(), req)
		require.NoError(t, err)
		require.Len(t, result.Errors, 1)
	}

	// With the circuit open, the stale copy is served instead of an error
	result, err := svc.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Contains(t, result.Results, "AAPL")
	res := result.Results["AAPL"]
	assert.True(t, res.Stale)
	assert.True(t, res.Cached)
	assert.Len(t, res.Bars, 31)
	assert.Equal(t, 2, prov.callCount(), "open breaker short-circuits before the provider")
}

func Test_Fetch_OpenBreakerWithoutStaleCopyFails(t *testing.T) {
	prov := newFakeProvider()
	prov.err = fmt.Errorf("upstream down")

	svc, _, _ := testService(t, prov)
	req := janRequest("AAPL")

	for i := 0; i < 2; i++ {
		_, err := svc.Fetch(context.Background(), req)
		require.NoError(t, err)
	}

	result, err := svc.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, KindProviderUnavailable, result.Errors[0].Kind)
}

func Test_Fetch_CancelledContext(t *testing.T) {
	prov := newFakeProvider()
	svc, _, _ := testService(t, prov)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.Fetch(ctx, janRequest("AAPL"))
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, KindCancelled, result.Errors[0].Kind)
	assert.Equal(t, 0, prov.callCount())
}

func Test_Fetch_AggregatesWhenFrequencyNotNative(t *testing.T) {
	prov := newFakeProvider()
	start := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	// Provider serves 1m natively; the request asks for 5m
	price := decimal.NewFromInt(100)
	var minuteBars []models.MarketDataBar
	for i := 0; i < 10; i++ {
		minuteBars = append(minuteBars, models.MarketDataBar{
			Symbol:    "AAPL",
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Frequency: models.Freq1Min,
			Open:      price, High: price, Low: price, Close: price,
			Volume:   100,
			SourceID: 1,
		})
	}
	prov.bars["AAPL"] = minuteBars

	svc, _, _ := testService(t, prov)

	result, err := svc.Fetch(context.Background(), FetchRequest{
		Symbols:   []string{"AAPL"},
		Frequency: models.Freq5Min,
		Start:     start,
		End:       start.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	require.Contains(t, result.Results, "AAPL")

	res := result.Results["AAPL"]
	require.Len(t, res.Bars, 2, "ten 1m bars roll into two 5m buckets")
	assert.Equal(t, models.Freq5Min, res.Bars[0].Frequency)
	assert.Equal(t, int64(500), res.Bars[0].Volume)
	assert.Empty(t, res.Gaps)
}

func Test_Fetch_RefetchDoesNotDuplicateRows(t *testing.T) {
	prov := newFakeProvider()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prov.bars["AAPL"] = dailyBars("AAPL", start, 31)

	svc, db, store := testService(t, prov)
	req := janRequest("AAPL")

	_, err := svc.Fetch(context.Background(), req)
	require.NoError(t, err)

	// Drop the cache entry so the second fetch goes upstream again
	key := cache.BarsKey([]string{"AAPL"}, models.Freq1Day, req.Start, req.End, "fake")
	store.Invalidate(key)

	_, err = svc.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, prov.callCount())

	var stored int64
	require.NoError(t, db.Model(&models.MarketDataBar{}).Where("symbol = ?", "AAPL").Count(&stored).Error)
	assert.Equal(t, int64(31), stored, "re-fetched bars collide on the unique index and are skipped")
}

func Test_Fetch_RecordsQueryLog(t *testing.T) {
	prov := newFakeProvider()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prov.bars["AAPL"] = dailyBars("AAPL", start, 31)

	svc, db, _ := testService(t, prov)

	result, err := svc.Fetch(context.Background(), janRequest("AAPL"))
	require.NoError(t, err)

	var entry models.QueryLog
	require.NoError(t, db.Where("query_id = ?", result.QueryID).First(&entry).Error)
	assert.Equal(t, "AAPL", entry.Symbols)
	assert.Equal(t, models.Freq1Day, entry.Frequency)
	assert.Equal(t, 0, entry.ErrorCount)
	assert.NotZero(t, entry.PartitionID, "query logs live in a quarterly partition")
}

func Test_ExecuteSavedQuery(t *testing.T) {
	prov := newFakeProvider()
	start := time.Now().UTC().AddDate(0, 0, -30)
	prov.bars["AAPL"] = dailyBars("AAPL", start, 5)

	svc, db, _ := testService(t, prov)

	q := models.DataQuery{
		Name:      "watchlist",
		Symbols:   "AAPL",
		Frequency: models.Freq1Day,
	}
	require.NoError(t, db.Create(&q).Error)

	result, err := svc.ExecuteSavedQuery(context.Background(), &q)
	require.NoError(t, err)
	assert.Contains(t, result.Results, "AAPL")

	var reloaded models.DataQuery
	require.NoError(t, db.First(&reloaded, q.ID).Error)
	assert.Equal(t, int64(1), reloaded.ExecutionCount)
	assert.NotNil(t, reloaded.LastExecutedAt)
}

func Test_Snapshot(t *testing.T) {
	prov := newFakeProvider()
	svc, db, _ := testService(t, prov)

	_, err := svc.Snapshot("AAPL")
	assert.ErrorContains(t, err, "no bars stored")

	bars := dailyBars("AAPL", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 3)
	require.NoError(t, db.Create(&bars).Error)

	bar, err := svc.Snapshot("AAPL")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), bar.Timestamp.UTC(),
		"snapshot returns the latest stored bar")

	_, err = svc.Snapshot("not a symbol")
	var symErr *SymbolError
	require.ErrorAs(t, err, &symErr)
	assert.Equal(t, KindValidation, symErr.Kind)
}

func Test_WarmCache(t *testing.T) {
	prov := newFakeProvider()
	svc, db, store := testService(t, prov)

	// A year of daily bars already in storage
	end := time.Now().UTC()
	bars := dailyBars("AAPL", end.AddDate(0, -6, 0), 10)
	require.NoError(t, db.Create(&bars).Error)

	warmed := svc.WarmCache([]string{"AAPL", "EMPTY"})
	assert.Equal(t, 1, warmed, "symbols with no stored bars are skipped")
	assert.Equal(t, 1, store.Stats().Entries)
}

func Test_Fetch_ConcurrentSameKeyCollapsesToOneUpstreamCall(t *testing.T) {
	prov := newFakeProvider()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prov.bars["AAPL"] = dailyBars("AAPL", start, 31)

	svc, _, _ := testService(t, prov)
	req := janRequest("AAPL")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.Fetch(context.Background(), req)
			assert.NoError(t, err)
			assert.Contains(t, result.Results, "AAPL")
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, prov.callCount(), 3,
		"concurrent identical misses collapse into a handful of upstream flights at most")
}
