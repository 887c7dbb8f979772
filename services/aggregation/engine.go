// Package aggregation rolls a sequence of bars at a source granularity into
// bars at a coarser granularity. Buckets align to calendar boundaries:
// 5-minute bars to :00/:05/:10, hourly bars to the top of the hour, daily
// bars to midnight UTC, weekly bars to Monday, monthly bars to the 1st.
// A bucket with no contributing source bars is reported as a gap, never
// zero-filled; callers decide whether to interpolate.
package aggregation

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"marketdata_backend/models"
)

// MaxSourceBars bounds a single aggregation computation.
const MaxSourceBars = 500000

// ErrNotAggregatable is returned when the requested target frequency is not
// strictly coarser than the source frequency.
var ErrNotAggregatable = fmt.Errorf("target frequency must be coarser than source frequency")

// Gap marks a target bucket with zero contributing source bars.
type Gap struct {
	BucketStart time.Time `json:"bucket_start"`
	BucketEnd   time.Time `json:"bucket_end"`
}

// Bar is one aggregated output bucket. Incomplete marks the trailing bucket
// cut off by the query boundary.
type Bar struct {
	models.MarketDataBar
	Incomplete bool `json:"incomplete,omitempty"`
}

// Result holds the aggregated bars and the gaps found along the way.
type Result struct {
	Symbol          string           `json:"symbol"`
	SourceFrequency models.Frequency `json:"source_frequency"`
	TargetFrequency models.Frequency `json:"target_frequency"`
	Bars            []Bar            `json:"bars"`
	Gaps            []Gap            `json:"gaps"`
}

// Engine performs OHLCV roll-ups. It is stateless and safe for concurrent use.
type Engine struct{}

// NewEngine creates an aggregation engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Aggregate rolls bars at sourceFreq into targetFreq buckets covering
// [start, end). Input bars outside the range are ignored; input order does
// not matter.
func (e *Engine) Aggregate(symbol string, sourceFreq, targetFreq models.Frequency, bars []models.MarketDataBar, start, end time.Time) (*Result, error) {
	if !sourceFreq.Valid() || !targetFreq.Valid() {
		return nil, fmt.Errorf("invalid frequency pair %q -> %q", sourceFreq, targetFreq)
	}
	if !targetFreq.CoarserThan(sourceFreq) {
		return nil, ErrNotAggregatable
	}
	if !end.After(start) {
		return nil, fmt.Errorf("aggregation range [%s,%s) is empty", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if len(bars) > MaxSourceBars {
		return nil, fmt.Errorf("aggregation input too large: %d bars exceeds limit %d", len(bars), MaxSourceBars)
	}

	sorted := make([]models.MarketDataBar, 0, len(bars))
	for _, b := range bars {
		if b.Timestamp.Before(start) || !b.Timestamp.Before(end) {
			continue
		}
		sorted = append(sorted, b)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	result := &Result{
		Symbol:          symbol,
		SourceFrequency: sourceFreq,
		TargetFrequency: targetFreq,
		Bars:            []Bar{},
		Gaps:            []Gap{},
	}

	idx := 0
	for bucketStart := AlignToBucket(start, targetFreq); bucketStart.Before(end); bucketStart = NextBucket(bucketStart, targetFreq) {
		bucketEnd := NextBucket(bucketStart, targetFreq)

		var group []models.MarketDataBar
		for idx < len(sorted) && sorted[idx].Timestamp.Before(bucketEnd) {
			if !sorted[idx].Timestamp.Before(bucketStart) {
				group = append(group, sorted[idx])
			}
			idx++
		}

		if len(group) == 0 {
			result.Gaps = append(result.Gaps, Gap{BucketStart: bucketStart, BucketEnd: bucketEnd})
			continue
		}

		bar := rollUp(symbol, targetFreq, bucketStart, group)
		// Trailing bucket cut off by the query boundary is included but flagged
		bar.Incomplete = bucketEnd.After(end)
		result.Bars = append(result.Bars, bar)
	}

	return result, nil
}

// rollUp folds one bucket's source bars into a single target bar.
// open = first bar's open, close = last bar's close, high = max of highs,
// low = min of lows, volume = sum; VWAP uses each source bar's typical price.
func rollUp(symbol string, freq models.Frequency, bucketStart time.Time, group []models.MarketDataBar) Bar {
	out := Bar{
		MarketDataBar: models.MarketDataBar{
			Symbol:    symbol,
			Timestamp: bucketStart,
			Frequency: freq,
			Open:      group[0].Open,
			High:      group[0].High,
			Low:       group[0].Low,
			Close:     group[len(group)-1].Close,
			SourceID:  group[0].SourceID,
		},
	}

	var volume int64
	pv := decimal.Zero // sum of typical price x volume
	trades := 0
	hasTrades := false

	for _, b := range group {
		if b.High.GreaterThan(out.High) {
			out.High = b.High
		}
		if b.Low.LessThan(out.Low) {
			out.Low = b.Low
		}
		volume += b.Volume
		if b.Volume > 0 {
			pv = pv.Add(b.TypicalPrice().Mul(decimal.NewFromInt(b.Volume)))
		}
		if b.TradeCount != nil {
			trades += *b.TradeCount
			hasTrades = true
		}
	}

	out.Volume = volume
	if volume > 0 {
		vwap := pv.Div(decimal.NewFromInt(volume))
		out.VWAP = &vwap
	}
	if hasTrades {
		out.TradeCount = &trades
	}
	return out
}

// AlignToBucket returns the calendar-aligned bucket start covering ts.
func AlignToBucket(ts time.Time, freq models.Frequency) time.Time {
	ts = ts.UTC()
	switch freq {
	case models.Freq1Day:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	case models.Freq1Week:
		// Weeks start Monday
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case models.Freq1Month:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	interval := freq.Interval()
	dayStart := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	into := ts.Sub(dayStart)
	return dayStart.Add(into - into%interval)
}

// NextBucket returns the start of the bucket following bucketStart.
// Month and week steps use the calendar, not fixed day counts.
func NextBucket(bucketStart time.Time, freq models.Frequency) time.Time {
	switch freq {
	case models.Freq1Day:
		return bucketStart.AddDate(0, 0, 1)
	case models.Freq1Week:
		return bucketStart.AddDate(0, 0, 7)
	case models.Freq1Month:
		return bucketStart.AddDate(0, 1, 0)
	}
	return bucketStart.Add(freq.Interval())
}
