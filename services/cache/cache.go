// Package cache implements the engine's key/value cache layer: a bounded
// in-process LRU store with per-entry TTLs, backed by an optional shared
// durable tier. Reads never fail because the durable backend is down; the
// local store always answers when it holds a live copy.
package cache

import (
	"container/list"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"marketdata_backend/config"
	"marketdata_backend/models"
)

// DataClass selects which TTL policy applies to an entry.
type DataClass string

const (
	ClassHistorical DataClass = "historical" // settled ranges, long TTL
	ClassSnapshot   DataClass = "snapshot"   // near-real-time, short TTL
	ClassQuery      DataClass = "query"      // saved query results, medium TTL
)

// Stats exposes hit/miss counters for observability. Read-only side channel,
// never affects correctness.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Entries int     `json:"entries"`
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Store is the cache layer. All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List // front = most recently used
	items    map[string]*list.Element

	hits   int64
	misses int64

	cfg     config.CacheConfig
	durable *DurableStore // nil when the durable tier is disabled
}

// NewStore builds a cache with the configured capacity and TTL policy.
// durable may be nil.
func NewStore(cfg config.CacheConfig, durable *DurableStore) *Store {
	return &Store{
		capacity: cfg.Capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		cfg:      cfg,
		durable:  durable,
	}
}

// TTLFor returns the configured TTL for a data class.
func (s *Store) TTLFor(class DataClass) time.Duration {
	switch class {
	case ClassSnapshot:
		return s.cfg.SnapshotTTL
	case ClassQuery:
		return s.cfg.QueryTTL
	default:
		return s.cfg.HistoricalTTL
	}
}

// Get returns the value for key, or a miss when absent or expired.
// On a local miss it consults the durable tier; durable errors degrade
// silently to a plain miss.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		ent := el.Value.(*entry)
		if time.Now().Before(ent.expiresAt) {
			s.ll.MoveToFront(el)
			s.hits++
			val := ent.value
			s.mu.Unlock()
			return val, true
		}
		// Expired entries stay in place for GetStale; Sweep evicts them
	}
	s.misses++
	s.mu.Unlock()

	if s.durable != nil {
		if val, expiresAt, err := s.durable.Get(key); err == nil && val != nil {
			// Re-populate the local store with the remaining TTL
			s.setWithDeadline(key, val, expiresAt)
			return val, true
		}
	}
	return nil, false
}

// GetStale returns the value for key even when expired, used to degrade
// gracefully while the upstream provider is unavailable.
func (s *Store) GetStale(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		return el.Value.(*entry).value, true
	}
	return nil, false
}

// Set stores value under key for ttl. Writes through to the durable tier
// when configured; durable write failures are logged and ignored.
func (s *Store) Set(key string, value []byte, ttl time.Duration) {
	deadline := time.Now().Add(ttl)
	s.setWithDeadline(key, value, deadline)

	if s.durable != nil {
		if err := s.durable.Set(key, value, deadline); err != nil {
			log.Printf("Cache durable write failed for %s: %v", key, err)
		}
	}
}

func (s *Store) setWithDeadline(key string, value []byte, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.expiresAt = deadline
		s.ll.MoveToFront(el)
		return
	}

	el := s.ll.PushFront(&entry{key: key, value: value, expiresAt: deadline})
	s.items[key] = el

	// Least-recently-used eviction when over capacity
	for s.ll.Len() > s.capacity {
		oldest := s.ll.Back()
		if oldest == nil {
			break
		}
		s.removeElement(oldest)
	}
}

// Invalidate removes key from both tiers.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		s.removeElement(el)
	}
	s.mu.Unlock()

	if s.durable != nil {
		if err := s.durable.Delete(key); err != nil {
			log.Printf("Cache durable delete failed for %s: %v", key, err)
		}
	}
}

// removeElement must be called with mu held.
func (s *Store) removeElement(el *list.Element) {
	ent := el.Value.(*entry)
	s.ll.Remove(el)
	delete(s.items, ent.key)
}

// Sweep evicts expired entries from both tiers. Run on a schedule.
func (s *Store) Sweep() int {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	for el := s.ll.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*entry).expiresAt) {
			s.removeElement(el)
			removed++
		}
		el = prev
	}
	s.mu.Unlock()

	if s.durable != nil {
		n, err := s.durable.DeleteExpired(now)
		if err != nil {
			log.Printf("Cache durable sweep failed: %v", err)
		} else {
			removed += n
		}
	}
	return removed
}

// Stats returns hit/miss counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Hits: s.hits, Misses: s.misses, Entries: s.ll.Len()}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
	}
	return st
}

// Loader fetches the value for a key during warming.
type Loader func(key string) ([]byte, time.Duration, error)

// Warm pre-populates the given keys using load. Missing keys are skipped;
// warming failures never abort the batch.
func (s *Store) Warm(keys []string, load Loader) int {
	warmed := 0
	for _, key := range keys {
		if _, ok := s.Get(key); ok {
			continue
		}
		value, ttl, err := load(key)
		if err != nil {
			log.Printf("Cache warm skipped %s: %v", key, err)
			continue
		}
		s.Set(key, value, ttl)
		warmed++
	}
	if warmed > 0 {
		log.Printf("Cache warmed %d entries", warmed)
	}
	return warmed
}

// BarsKey derives the cache key for a bar range request. The key pins the
// symbol set, frequency, time range and source so distinct requests never
// collide.
func BarsKey(symbols []string, freq models.Frequency, start, end time.Time, source string) string {
	raw := fmt.Sprintf("bars|%s|%s|%d|%d|%s",
		strings.Join(symbols, ","), freq, start.Unix(), end.Unix(), source)
	sum := sha1.Sum([]byte(raw))
	return "bars:" + hex.EncodeToString(sum[:])
}

// SnapshotKey derives the cache key for a latest-bar snapshot.
func SnapshotKey(symbol string, source string) string {
	return fmt.Sprintf("snap:%s:%s", symbol, source)
}

// QueryKey derives the cache key for a saved query result.
func QueryKey(queryID uint) string {
	return fmt.Sprintf("query:%d", queryID)
}

// EncodeBars serializes a bar slice for storage in the cache.
func EncodeBars(bars []models.MarketDataBar) ([]byte, error) {
	return json.Marshal(bars)
}

// DecodeBars deserializes a cached bar slice.
func DecodeBars(data []byte) ([]models.MarketDataBar, error) {
	var bars []models.MarketDataBar
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("failed to decode cached bars: %w", err)
	}
	return bars, nil
}
