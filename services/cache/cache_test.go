package cache

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketdata_backend/config"
	"marketdata_backend/models"
)

func testConfig(capacity int) config.CacheConfig {
	return config.CacheConfig{
		Capacity:      capacity,
		HistoricalTTL: time.Hour,
		SnapshotTTL:   30 * time.Second,
		QueryTTL:      10 * time.Minute,
	}
}

func Test_Store_SetGet(t *testing.T) {
	store := NewStore(testConfig(10), nil)

	store.Set("k1", []byte("v1"), time.Minute)

	val, ok := store.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), val)

	_, ok = store.Get("missing")
	assert.False(t, ok)
}

func Test_Store_ExpiredEntryMisses(t *testing.T) {
	store := NewStore(testConfig(10), nil)

	store.Set("k1", []byte("v1"), -time.Second)

	_, ok := store.Get("k1")
	assert.False(t, ok, "expired entry must not be served as a hit")
}

func Test_Store_GetStaleServesExpired(t *testing.T) {
	store := NewStore(testConfig(10), nil)

	store.Set("k1", []byte("v1"), -time.Second)

	// Normal read misses first, as the retrieval flow does
	_, ok := store.Get("k1")
	require.False(t, ok)

	val, ok := store.GetStale("k1")
	require.True(t, ok, "stale read must still find the expired entry")
	assert.Equal(t, []byte("v1"), val)
}

func Test_Store_LRUEviction(t *testing.T) {
	store := NewStore(testConfig(3), nil)

	store.Set("a", []byte("1"), time.Minute)
	store.Set("b", []byte("2"), time.Minute)
	store.Set("c", []byte("3"), time.Minute)

	// Touch "a" so "b" becomes the eviction candidate
	_, ok := store.Get("a")
	require.True(t, ok)

	store.Set("d", []byte("4"), time.Minute)

	_, ok = store.Get("b")
	assert.False(t, ok, "least recently used entry is evicted at capacity")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := store.Get(key)
		assert.True(t, ok, "entry %s should survive eviction", key)
	}
}

func Test_Store_Sweep(t *testing.T) {
	store := NewStore(testConfig(10), nil)

	store.Set("live", []byte("1"), time.Minute)
	store.Set("dead1", []byte("2"), -time.Second)
	store.Set("dead2", []byte("3"), -time.Second)

	removed := store.Sweep()
	assert.Equal(t, 2, removed)

	_, ok := store.Get("live")
	assert.True(t, ok)
	_, ok = store.GetStale("dead1")
	assert.False(t, ok, "swept entries are gone even for stale reads")
}

func Test_Store_Invalidate(t *testing.T) {
	store := NewStore(testConfig(10), nil)

	store.Set("k1", []byte("v1"), time.Minute)
	store.Invalidate("k1")

	_, ok := store.Get("k1")
	assert.False(t, ok)
	_, ok = store.GetStale("k1")
	assert.False(t, ok)
}

func Test_Store_Stats(t *testing.T) {
	store := NewStore(testConfig(10), nil)

	store.Set("k1", []byte("v1"), time.Minute)
	store.Get("k1")
	store.Get("k1")
	store.Get("missing")

	stats := store.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 0.001)
	assert.Equal(t, 1, stats.Entries)
}

func Test_Store_TTLFor(t *testing.T) {
	store := NewStore(testConfig(10), nil)

	assert.Equal(t, time.Hour, store.TTLFor(ClassHistorical))
	assert.Equal(t, 30*time.Second, store.TTLFor(ClassSnapshot))
	assert.Equal(t, 10*time.Minute, store.TTLFor(ClassQuery))
}

func Test_Store_Warm(t *testing.T) {
	store := NewStore(testConfig(10), nil)
	store.Set("already", []byte("x"), time.Minute)

	loads := 0
	warmed := store.Warm([]string{"already", "new", "failing"}, func(key string) ([]byte, time.Duration, error) {
		loads++
		if key == "failing" {
			return nil, 0, fmt.Errorf("no data")
		}
		return []byte("loaded:" + key), time.Minute, nil
	})

	assert.Equal(t, 1, warmed, "only the missing loadable key is warmed")
	assert.Equal(t, 2, loads, "present keys are not reloaded")

	val, ok := store.Get("new")
	require.True(t, ok)
	assert.Equal(t, []byte("loaded:new"), val)
}

func Test_Store_DurableTierFallback(t *testing.T) {
	durable, err := OpenDurableStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer durable.Close()

	writer := NewStore(testConfig(10), durable)
	writer.Set("shared", []byte("payload"), time.Minute)

	// A second store over the same durable tier simulates another process
	reader := NewStore(testConfig(10), durable)
	val, ok := reader.Get("shared")
	require.True(t, ok, "local miss must fall back to the durable tier")
	assert.Equal(t, []byte("payload"), val)

	// The fallback re-populates the local store
	stats := reader.Stats()
	assert.Equal(t, 1, stats.Entries)
}

func Test_Store_DurableExpiredNotServed(t *testing.T) {
	durable, err := OpenDurableStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer durable.Close()

	writer := NewStore(testConfig(10), durable)
	writer.Set("shared", []byte("payload"), -time.Second)

	reader := NewStore(testConfig(10), durable)
	_, ok := reader.Get("shared")
	assert.False(t, ok, "expired durable entries are a miss")
}

func Test_BarsKey_Distinguishes(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	base := BarsKey([]string{"AAPL"}, models.Freq1Day, start, end, "vndirect")

	assert.Equal(t, base, BarsKey([]string{"AAPL"}, models.Freq1Day, start, end, "vndirect"))
	assert.NotEqual(t, base, BarsKey([]string{"MSFT"}, models.Freq1Day, start, end, "vndirect"))
	assert.NotEqual(t, base, BarsKey([]string{"AAPL"}, models.Freq1Min, start, end, "vndirect"))
	assert.NotEqual(t, base, BarsKey([]string{"AAPL"}, models.Freq1Day, start, end.AddDate(0, 1, 0), "vndirect"))
	assert.NotEqual(t, base, BarsKey([]string{"AAPL"}, models.Freq1Day, start, end, "other"))
}

func Test_EncodeDecodeBars(t *testing.T) {
	bars := []models.MarketDataBar{
		{Symbol: "AAPL", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Frequency: models.Freq1Day, Volume: 1000},
	}

	data, err := EncodeBars(bars)
	require.NoError(t, err)

	decoded, err := DecodeBars(data)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, "AAPL", decoded[0].Symbol)
	assert.Equal(t, int64(1000), decoded[0].Volume)

	_, err = DecodeBars([]byte("not json"))
	assert.Error(t, err)
}
