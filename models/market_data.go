package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Frequency identifies the time granularity of a bar.
type Frequency string

const (
	Freq1Min   Frequency = "1m"
	Freq5Min   Frequency = "5m"
	Freq15Min  Frequency = "15m"
	Freq30Min  Frequency = "30m"
	Freq1Hour  Frequency = "1h"
	Freq1Day   Frequency = "1d"
	Freq1Week  Frequency = "1w"
	Freq1Month Frequency = "1M"
)

// frequencyRank orders frequencies from finest to coarsest.
var frequencyRank = map[Frequency]int{
	Freq1Min:   1,
	Freq5Min:   2,
	Freq15Min:  3,
	Freq30Min:  4,
	Freq1Hour:  5,
	Freq1Day:   6,
	Freq1Week:  7,
	Freq1Month: 8,
}

// AllFrequencies lists the supported frequencies, finest first.
var AllFrequencies = []Frequency{
	Freq1Min, Freq5Min, Freq15Min, Freq30Min, Freq1Hour, Freq1Day, Freq1Week, Freq1Month,
}

// Valid reports whether f is a member of the supported set.
func (f Frequency) Valid() bool {
	_, ok := frequencyRank[f]
	return ok
}

// CoarserThan reports whether f is a coarser granularity than other.
func (f Frequency) CoarserThan(other Frequency) bool {
	return frequencyRank[f] > frequencyRank[other]
}

// Interval returns the fixed duration of one bar for sub-day frequencies.
// Day and coarser frequencies are calendar-based and return 0.
func (f Frequency) Interval() time.Duration {
	switch f {
	case Freq1Min:
		return time.Minute
	case Freq5Min:
		return 5 * time.Minute
	case Freq15Min:
		return 15 * time.Minute
	case Freq30Min:
		return 30 * time.Minute
	case Freq1Hour:
		return time.Hour
	}
	return 0
}

// ApproxBarCount estimates how many bars a [start,end) range yields at f.
// Used for MaxRecords admission control before any I/O.
func (f Frequency) ApproxBarCount(start, end time.Time) int {
	if !end.After(start) {
		return 0
	}
	span := end.Sub(start)
	switch f {
	case Freq1Day:
		return int(span.Hours()/24) + 1
	case Freq1Week:
		return int(span.Hours()/(24*7)) + 1
	case Freq1Month:
		return int(span.Hours()/(24*28)) + 1
	}
	return int(span/f.Interval()) + 1
}

// AssetClass restricts what instruments a data source can serve.
type AssetClass string

const (
	AssetStock  AssetClass = "stock"
	AssetIndex  AssetClass = "index"
	AssetFuture AssetClass = "future"
)

// MarketDataBar is one OHLCV record for one symbol, one timestamp, one
// frequency. Bars are unique per (symbol, timestamp, frequency) and owned by
// the time partition covering their timestamp.
type MarketDataBar struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	Symbol      string          `gorm:"uniqueIndex:idx_bar_sym_ts_freq;index:idx_bar_symbol" json:"symbol"`
	Timestamp   time.Time       `gorm:"uniqueIndex:idx_bar_sym_ts_freq" json:"timestamp"`
	Frequency   Frequency       `gorm:"uniqueIndex:idx_bar_sym_ts_freq;type:varchar(4)" json:"frequency"`
	Open        decimal.Decimal `gorm:"type:decimal(18,6)" json:"open"`
	High        decimal.Decimal `gorm:"type:decimal(18,6)" json:"high"`
	Low         decimal.Decimal `gorm:"type:decimal(18,6)" json:"low"`
	Close       decimal.Decimal `gorm:"type:decimal(18,6)" json:"close"`
	Volume      int64           `json:"volume"`
	VWAP        *decimal.Decimal `gorm:"type:decimal(18,6)" json:"vwap,omitempty"`
	TradeCount  *int            `json:"trade_count,omitempty"`
	OpenInterest *int64          `json:"open_interest,omitempty"`
	ContractMonth string         `gorm:"type:varchar(8)" json:"contract_month,omitempty"`
	QualityScore *float64        `json:"quality_score,omitempty"`
	SourceID    uint            `gorm:"index" json:"source_id"`
	PartitionID uint            `gorm:"index" json:"partition_id"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Validate enforces the OHLCV invariants before a bar is persisted.
func (b *MarketDataBar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar missing symbol")
	}
	if !b.Frequency.Valid() {
		return fmt.Errorf("bar %s has invalid frequency %q", b.Symbol, b.Frequency)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s@%s has negative volume %d", b.Symbol, b.Timestamp.Format(time.RFC3339), b.Volume)
	}
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) ||
		b.High.LessThan(b.Open) || b.High.LessThan(b.Close) {
		return fmt.Errorf("bar %s@%s violates low<=open,close<=high", b.Symbol, b.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// TypicalPrice returns (high+low+close)/3, the per-bar price used in VWAP.
func (b *MarketDataBar) TypicalPrice() decimal.Decimal {
	return b.High.Add(b.Low).Add(b.Close).Div(decimal.NewFromInt(3))
}

// DataSource is a named upstream provider configuration. Rows are immutable
// once bars reference them; a configuration change creates a new row so that
// stored bars keep their provenance.
type DataSource struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Name             string    `gorm:"uniqueIndex;not null" json:"name"`
	BaseURL          string    `json:"base_url"`
	RequestsPerMin   int       `json:"requests_per_min"`
	Frequencies      string    `json:"frequencies"`   // comma-separated supported frequencies
	AssetClasses     string    `json:"asset_classes"` // comma-separated supported asset classes
	Active           bool      `gorm:"default:true" json:"active"`
	CreatedAt        time.Time `json:"created_at"`
}

// SupportsFrequency reports whether the source serves bars at f natively.
func (s *DataSource) SupportsFrequency(f Frequency) bool {
	return containsCSV(s.Frequencies, string(f))
}

// SupportsAssetClass reports whether the source serves the given asset class.
func (s *DataSource) SupportsAssetClass(a AssetClass) bool {
	return containsCSV(s.AssetClasses, string(a))
}

func containsCSV(csv, want string) bool {
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if csv[start:i] == want {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// QueryLog records one retrieval for performance analysis. The table is
// partitioned quarterly by the partition manager.
type QueryLog struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	QueryID     string    `gorm:"index" json:"query_id"`
	Symbols     string    `json:"symbols"`
	Frequency   Frequency `gorm:"type:varchar(4)" json:"frequency"`
	CacheHit    bool      `json:"cache_hit"`
	DurationMS  int64     `json:"duration_ms"`
	ErrorCount  int       `json:"error_count"`
	PartitionID uint      `gorm:"index" json:"partition_id"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// MigrateMarketDataModels runs migrations for market data models and seeds
// the default data source.
func MigrateMarketDataModels(db *gorm.DB) error {
	if err := db.AutoMigrate(&MarketDataBar{}, &DataSource{}, &QueryLog{}); err != nil {
		return err
	}
	return SeedDefaultDataSource(db)
}

// SeedDefaultDataSource inserts the built-in provider row if absent.
func SeedDefaultDataSource(db *gorm.DB) error {
	var count int64
	if err := db.Model(&DataSource{}).Where("name = ?", "vndirect").Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	src := DataSource{
		Name:           "vndirect",
		BaseURL:        "https://api-finfo.vndirect.com.vn/v4/stock_prices",
		RequestsPerMin: 60,
		Frequencies:    "1m,1d",
		AssetClasses:   "stock,index",
		Active:         true,
	}
	return db.Create(&src).Error
}
