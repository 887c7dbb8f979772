// Package retrieval orchestrates historical data fetches: cache check,
// upstream fetch through the circuit breaker, persistence into the active
// partition, optional aggregation, cache refresh and progress reporting.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketdata_backend/config"
	"marketdata_backend/models"
	"marketdata_backend/services/advisor"
	"marketdata_backend/services/aggregation"
	"marketdata_backend/services/breaker"
	"marketdata_backend/services/broadcast"
	"marketdata_backend/services/cache"
	"marketdata_backend/services/partition"
	"marketdata_backend/services/provider"
)

// symbolPattern is the provider-acceptable symbol shape, checked before any I/O.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9.\-]{1,12}$`)

// ErrorKind classifies per-symbol failures.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindPartition           ErrorKind = "partition"
	KindCancelled           ErrorKind = "cancelled"
	KindInternal            ErrorKind = "internal"
)

// SymbolError is the per-symbol error shape. A batch never collapses into
// one opaque failure; each failed symbol gets its own entry.
type SymbolError struct {
	Symbol  string    `json:"symbol"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Symbol, e.Message, e.Kind)
}

// FetchRequest is the retrieval contract's input.
type FetchRequest struct {
	Symbols              []string
	Frequency            models.Frequency
	Start                time.Time
	End                  time.Time
	AssetClass           models.AssetClass
	IncludeExtendedHours bool
	MaxRecords           int
	ContinuousSeries     bool
	RollPolicy           string
}

// SymbolResult is one symbol's slice of the batch response.
type SymbolResult struct {
	Symbol string            `json:"symbol"`
	Bars   []aggregation.Bar `json:"bars"`
	Cached bool              `json:"cached"`
	Stale  bool              `json:"stale,omitempty"`
	Gaps   []aggregation.Gap `json:"gaps"`
}

// FetchResult is the full batch response: successes and per-symbol errors
// side by side.
type FetchResult struct {
	QueryID string                   `json:"query_id"`
	Results map[string]*SymbolResult `json:"results"`
	Errors  []SymbolError            `json:"errors"`
}

// Service is the historical data retrieval service. Constructed once at
// startup and shared; all methods are safe for concurrent use.
type Service struct {
	db    *gorm.DB
	cache *cache.Store
	parts *partition.Manager
	agg   *aggregation.Engine
	brk   *breaker.Breaker
	prov  provider.Provider
	pub   broadcast.Publisher
	adv   *advisor.Advisor
	cfg   config.RetrievalConfig

	// collapses concurrent misses for the same key into one upstream fetch
	group singleflight.Group
}

// NewService wires the retrieval service from its collaborators.
func NewService(db *gorm.DB, store *cache.Store, parts *partition.Manager,
	agg *aggregation.Engine, brk *breaker.Breaker, prov provider.Provider,
	pub broadcast.Publisher, adv *advisor.Advisor, cfg config.RetrievalConfig) *Service {
	if pub == nil {
		pub = broadcast.NoopPublisher{}
	}
	return &Service{
		db: db, cache: store, parts: parts, agg: agg, brk: brk,
		prov: prov, pub: pub, adv: adv, cfg: cfg,
	}
}

// Fetch resolves each requested symbol independently and concurrently.
// Symbols that fail validation or retrieval appear in Errors; the rest appear
// in Results. Caller cancellation stops further upstream calls and returns
// the partial results already obtained.
func (s *Service) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	started := time.Now()

	if err := s.normalize(&req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	queryID := uuid.NewString()
	result := &FetchResult{
		QueryID: queryID,
		Results: make(map[string]*SymbolResult),
		Errors:  []SymbolError{},
	}

	// Validation errors never reach the provider or storage
	valid := make([]string, 0, len(req.Symbols))
	for _, sym := range req.Symbols {
		if !symbolPattern.MatchString(sym) {
			result.Errors = append(result.Errors, SymbolError{
				Symbol: sym, Kind: KindValidation,
				Message: fmt.Sprintf("symbol %q does not match the accepted pattern", sym),
			})
			continue
		}
		valid = append(valid, sym)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sym := range valid {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			res, symErr := s.fetchSymbol(ctx, queryID, symbol, req)
			mu.Lock()
			defer mu.Unlock()
			if symErr != nil {
				result.Errors = append(result.Errors, *symErr)
				return
			}
			result.Results[symbol] = res
		}(sym)
	}
	wg.Wait()

	status := broadcast.StatusComplete
	var errMsg string
	if len(result.Results) == 0 && len(result.Errors) > 0 {
		status = broadcast.StatusError
		errMsg = result.Errors[0].Message
	}
	s.pub.Publish(broadcast.Event{
		QueryID: queryID, ProgressPercent: 100, Status: status, Error: errMsg,
	})

	s.logQuery(queryID, req, result, time.Since(started))
	if s.adv != nil {
		s.adv.Record("fetch", time.Since(started))
	}
	return result, nil
}

// normalize applies defaults and rejects malformed requests before any I/O.
func (s *Service) normalize(req *FetchRequest) error {
	if len(req.Symbols) == 0 {
		return &SymbolError{Kind: KindValidation, Message: "at least one symbol is required"}
	}
	if len(req.Symbols) > s.cfg.MaxSymbols {
		return &SymbolError{Kind: KindValidation,
			Message: fmt.Sprintf("batch of %d symbols exceeds limit %d", len(req.Symbols), s.cfg.MaxSymbols)}
	}
	if !req.Frequency.Valid() {
		return &SymbolError{Kind: KindValidation,
			Message: fmt.Sprintf("unsupported frequency %q", req.Frequency)}
	}
	if req.End.IsZero() {
		req.End = time.Now().UTC()
	}
	if req.Start.IsZero() {
		req.Start = req.End.AddDate(-1, 0, 0)
	}
	if !req.Start.Before(req.End) {
		return &SymbolError{Kind: KindValidation, Message: "start must be before end"}
	}

	limit := s.cfg.MaxRecords
	if req.MaxRecords > 0 && req.MaxRecords < limit {
		limit = req.MaxRecords
	}
	if req.Frequency.ApproxBarCount(req.Start, req.End) > limit {
		return &SymbolError{Kind: KindValidation,
			Message: fmt.Sprintf("requested range at %s exceeds the %d record limit; narrow the range or paginate", req.Frequency, limit)}
	}
	req.MaxRecords = limit
	return nil
}

// fetchSymbol resolves one symbol: cache, provider, persistence, aggregation.
func (s *Service) fetchSymbol(ctx context.Context, queryID, symbol string, req FetchRequest) (*SymbolResult, *SymbolError) {
	s.progress(queryID, symbol, 10, "cache_check")

	sourceFreq, err := s.sourceFrequency(req.Frequency)
	if err != nil {
		return nil, &SymbolError{Symbol: symbol, Kind: KindValidation, Message: err.Error()}
	}

	key := cache.BarsKey([]string{symbol}, sourceFreq, req.Start, req.End, s.prov.Name())

	var bars []models.MarketDataBar
	cached := false
	stale := false

	if data, ok := s.cache.Get(key); ok {
		if decoded, decErr := cache.DecodeBars(data); decErr == nil {
			bars = decoded
			cached = true
		}
	}

	if !cached {
		if ctx.Err() != nil {
			return nil, &SymbolError{Symbol: symbol, Kind: KindCancelled, Message: "request cancelled before upstream fetch"}
		}
		s.progress(queryID, symbol, 30, "provider_fetch")

		fetched, fetchErr := s.fetchUpstream(ctx, key, symbol, sourceFreq, req)
		if fetchErr != nil {
			// Degrade to stale cache while the provider is unavailable
			if errors.Is(fetchErr, breaker.ErrOpen) {
				if data, ok := s.cache.GetStale(key); ok {
					if decoded, decErr := cache.DecodeBars(data); decErr == nil {
						bars = decoded
						cached = true
						stale = true
						log.Printf("Serving stale cache for %s: provider unavailable", symbol)
					}
				}
			}
			if !stale {
				return nil, s.classify(symbol, fetchErr)
			}
		} else {
			bars = fetched
		}
	}

	// Cached entries may cover a wider window; trim to the requested range
	bars = filterRange(bars, req.Start, req.End)

	result := &SymbolResult{
		Symbol: symbol,
		Cached: cached,
		Stale:  stale,
		Bars:   make([]aggregation.Bar, 0, len(bars)),
		Gaps:   []aggregation.Gap{},
	}

	if req.Frequency != sourceFreq {
		s.progress(queryID, symbol, 80, "aggregate")
		aggStart := time.Now()
		aggRes, aggErr := s.agg.Aggregate(symbol, sourceFreq, req.Frequency, bars, req.Start, req.End)
		if aggErr != nil {
			return nil, &SymbolError{Symbol: symbol, Kind: KindInternal, Message: aggErr.Error()}
		}
		if s.adv != nil {
			s.adv.Record("aggregate", time.Since(aggStart))
		}
		result.Bars = aggRes.Bars
		result.Gaps = aggRes.Gaps
	} else {
		for _, b := range bars {
			result.Bars = append(result.Bars, aggregation.Bar{MarketDataBar: b})
		}
	}

	s.progress(queryID, symbol, 100, "done")
	return result, nil
}

// fetchUpstream performs the guarded provider call, persists the bars and
// refreshes the cache. Concurrent misses for the same key collapse into a
// single flight.
func (s *Service) fetchUpstream(ctx context.Context, key, symbol string, sourceFreq models.Frequency, req FetchRequest) ([]models.MarketDataBar, error) {
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		var bars []models.MarketDataBar
		callErr := s.brk.Execute(ctx, func(callCtx context.Context) error {
			fetched, fetchErr := s.prov.FetchBars(callCtx, provider.BarRequest{
				Symbol:               symbol,
				Frequency:            sourceFreq,
				Start:                req.Start,
				End:                  req.End,
				AssetClass:           req.AssetClass,
				IncludeExtendedHours: req.IncludeExtendedHours,
				ContinuousSeries:     req.ContinuousSeries,
				RollPolicy:           req.RollPolicy,
				MaxRecords:           req.MaxRecords,
			})
			if fetchErr != nil {
				return fetchErr
			}
			bars = fetched
			return nil
		})
		if callErr != nil {
			return nil, callErr
		}

		if persistErr := s.persistBars(bars); persistErr != nil {
			return nil, persistErr
		}

		if data, encErr := cache.EncodeBars(bars); encErr == nil {
			s.cache.Set(key, data, s.cache.TTLFor(cache.ClassHistorical))
		}
		return bars, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.MarketDataBar), nil
}

// persistBars writes bars into their owning partitions. The retrieval
// service is the sole writer of bar rows. A partition allocation failure
// fails the write loudly rather than writing into the wrong partition.
func (s *Service) persistBars(bars []models.MarketDataBar) error {
	if len(bars) == 0 {
		return nil
	}

	// One partition lookup per distinct window
	partByWindow := make(map[time.Time]*models.Partition)
	for i := range bars {
		b := &bars[i]
		if err := b.Validate(); err != nil {
			return fmt.Errorf("refusing to persist invalid bar: %w", err)
		}
		window := time.Date(b.Timestamp.Year(), b.Timestamp.Month(), 1, 0, 0, 0, 0, time.UTC)
		p, ok := partByWindow[window]
		if !ok {
			var err error
			p, err = s.parts.EnsureActivePartition(partition.BarsTable, b.Timestamp)
			if err != nil {
				return err
			}
			partByWindow[window] = p
		}
		b.PartitionID = p.ID
	}

	// Bars are unique per (symbol, timestamp, frequency); re-fetches collide
	// with existing rows and are skipped
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(bars, 500).Error
}

// sourceFrequency picks the frequency to fetch upstream: the requested one
// when native, otherwise the coarsest natively supported frequency that is
// still finer than the request.
func (s *Service) sourceFrequency(requested models.Frequency) (models.Frequency, error) {
	src := s.prov.Source()
	if src == nil || src.SupportsFrequency(requested) {
		return requested, nil
	}

	var best models.Frequency
	for _, f := range models.AllFrequencies {
		if requested.CoarserThan(f) && src.SupportsFrequency(f) {
			best = f
		}
	}
	if best == "" {
		return "", fmt.Errorf("frequency %s is neither native to %s nor aggregatable from a finer one", requested, s.prov.Name())
	}
	return best, nil
}

// classify maps an internal error onto the per-symbol error shape.
func (s *Service) classify(symbol string, err error) *SymbolError {
	switch {
	case errors.Is(err, breaker.ErrOpen):
		return &SymbolError{Symbol: symbol, Kind: KindProviderUnavailable,
			Message: "upstream provider unavailable (circuit open)"}
	case errors.Is(err, context.Canceled):
		return &SymbolError{Symbol: symbol, Kind: KindCancelled, Message: "request cancelled"}
	case errors.Is(err, context.DeadlineExceeded):
		return &SymbolError{Symbol: symbol, Kind: KindProviderUnavailable, Message: "upstream request timed out"}
	case strings.Contains(err.Error(), "partition error"):
		return &SymbolError{Symbol: symbol, Kind: KindPartition, Message: err.Error()}
	default:
		return &SymbolError{Symbol: symbol, Kind: KindInternal, Message: err.Error()}
	}
}

// progress emits a best-effort progress event for one symbol step.
func (s *Service) progress(queryID, symbol string, percent int, step string) {
	s.pub.Publish(broadcast.Event{
		QueryID:         queryID,
		Symbol:          symbol,
		ProgressPercent: percent,
		Step:            step,
		Status:          broadcast.StatusProgress,
	})
}

// logQuery records the retrieval into the quarterly-partitioned query log.
// Logging failures never affect the in-flight request.
func (s *Service) logQuery(queryID string, req FetchRequest, result *FetchResult, dur time.Duration) {
	now := time.Now().UTC()
	p, err := s.parts.EnsureActivePartition(partition.QueryLogTable, now)
	if err != nil {
		log.Printf("Query log partition unavailable: %v", err)
		return
	}

	anyCacheHit := false
	for _, r := range result.Results {
		if r.Cached {
			anyCacheHit = true
			break
		}
	}
	entry := models.QueryLog{
		QueryID:     queryID,
		Symbols:     strings.Join(req.Symbols, ","),
		Frequency:   req.Frequency,
		CacheHit:    anyCacheHit,
		DurationMS:  dur.Milliseconds(),
		ErrorCount:  len(result.Errors),
		PartitionID: p.ID,
	}
	if err := s.db.Create(&entry).Error; err != nil {
		log.Printf("Failed to record query log: %v", err)
	}
}

// ExecuteSavedQuery replays a saved query through Fetch and bumps its
// execution counters.
func (s *Service) ExecuteSavedQuery(ctx context.Context, q *models.DataQuery) (*FetchResult, error) {
	req := FetchRequest{
		Symbols:              q.SymbolList(),
		Frequency:            q.Frequency,
		AssetClass:           q.AssetClass,
		IncludeExtendedHours: q.IncludeExtendedHours,
		ContinuousSeries:     q.ContinuousSeries,
		RollPolicy:           q.RollPolicy,
	}
	result, err := s.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := q.MarkExecuted(s.db); err != nil {
		log.Printf("Failed to bump execution counters for query %d: %v", q.ID, err)
	}
	return result, nil
}

// Snapshot returns the latest stored bar for a symbol through the short-TTL
// snapshot cache class.
func (s *Service) Snapshot(symbol string) (*models.MarketDataBar, error) {
	if !symbolPattern.MatchString(symbol) {
		return nil, &SymbolError{Symbol: symbol, Kind: KindValidation,
			Message: fmt.Sprintf("symbol %q does not match the accepted pattern", symbol)}
	}

	key := cache.SnapshotKey(symbol, s.prov.Name())
	if data, ok := s.cache.Get(key); ok {
		if bars, err := cache.DecodeBars(data); err == nil && len(bars) == 1 {
			return &bars[0], nil
		}
	}

	var bar models.MarketDataBar
	if err := s.db.Where("symbol = ?", symbol).Order("timestamp DESC").First(&bar).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("no bars stored for %s", symbol)
		}
		return nil, err
	}

	if data, err := cache.EncodeBars([]models.MarketDataBar{bar}); err == nil {
		s.cache.Set(key, data, s.cache.TTLFor(cache.ClassSnapshot))
	}
	return &bar, nil
}

// WarmCache pre-populates bar caches for the configured symbols by loading
// the last year of daily bars from storage. Run at startup and on schedule.
func (s *Service) WarmCache(symbols []string) int {
	if len(symbols) == 0 {
		return 0
	}

	end := time.Now().UTC()
	start := end.AddDate(-1, 0, 0)
	keys := make([]string, 0, len(symbols))
	keyToSymbol := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		key := cache.BarsKey([]string{sym}, models.Freq1Day, start, end, s.prov.Name())
		keys = append(keys, key)
		keyToSymbol[key] = sym
	}

	return s.cache.Warm(keys, func(key string) ([]byte, time.Duration, error) {
		sym := keyToSymbol[key]
		var bars []models.MarketDataBar
		err := s.db.Where("symbol = ? AND frequency = ? AND timestamp >= ? AND timestamp < ?",
			sym, models.Freq1Day, start, end).
			Order("timestamp ASC").Find(&bars).Error
		if err != nil {
			return nil, 0, err
		}
		if len(bars) == 0 {
			return nil, 0, fmt.Errorf("no stored bars for %s", sym)
		}
		data, err := cache.EncodeBars(bars)
		if err != nil {
			return nil, 0, err
		}
		return data, s.cache.TTLFor(cache.ClassHistorical), nil
	})
}

// filterRange trims bars to [start, end).
func filterRange(bars []models.MarketDataBar, start, end time.Time) []models.MarketDataBar {
	out := make([]models.MarketDataBar, 0, len(bars))
	for _, b := range bars {
		if b.Timestamp.Before(start) || !b.Timestamp.Before(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}
