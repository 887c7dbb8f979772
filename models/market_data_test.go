package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func Test_Frequency_Valid(t *testing.T) {
	for _, f := range AllFrequencies {
		assert.True(t, f.Valid(), "%s should be valid", f)
	}
	assert.False(t, Frequency("2h").Valid())
	assert.False(t, Frequency("").Valid())
	assert.False(t, Frequency("1M ").Valid())
}

func Test_Frequency_CoarserThan(t *testing.T) {
	assert.True(t, Freq5Min.CoarserThan(Freq1Min))
	assert.True(t, Freq1Month.CoarserThan(Freq1Week))
	assert.False(t, Freq1Min.CoarserThan(Freq1Day))
	assert.False(t, Freq1Day.CoarserThan(Freq1Day))
}

func Test_Frequency_ApproxBarCount(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, Freq1Day.ApproxBarCount(start, start))
	assert.Equal(t, 61, Freq1Min.ApproxBarCount(start, start.Add(time.Hour)))
	assert.Equal(t, 32, Freq1Day.ApproxBarCount(start, start.AddDate(0, 1, 0)))
}

func Test_MarketDataBar_Validate(t *testing.T) {
	base := func() MarketDataBar {
		return MarketDataBar{
			Symbol:    "AAPL",
			Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Frequency: Freq1Day,
			Open:      decimal.NewFromInt(100),
			High:      decimal.NewFromInt(110),
			Low:       decimal.NewFromInt(95),
			Close:     decimal.NewFromInt(105),
			Volume:    1000,
		}
	}

	good := base()
	assert.NoError(t, good.Validate())

	missing := base()
	missing.Symbol = ""
	assert.Error(t, missing.Validate())

	badFreq := base()
	badFreq.Frequency = "2h"
	assert.Error(t, badFreq.Validate())

	negVolume := base()
	negVolume.Volume = -1
	assert.Error(t, negVolume.Validate())

	highBelowClose := base()
	highBelowClose.High = decimal.NewFromInt(100)
	assert.Error(t, highBelowClose.Validate(), "high below close violates OHLC ordering")

	lowAboveOpen := base()
	lowAboveOpen.Low = decimal.NewFromInt(101)
	assert.Error(t, lowAboveOpen.Validate(), "low above open violates OHLC ordering")
}

func Test_MarketDataBar_TypicalPrice(t *testing.T) {
	bar := MarketDataBar{
		High:  decimal.NewFromInt(30),
		Low:   decimal.NewFromInt(20),
		Close: decimal.NewFromInt(25),
	}
	assert.True(t, bar.TypicalPrice().Equal(decimal.NewFromInt(25)))
}

func Test_DataSource_Capabilities(t *testing.T) {
	src := DataSource{Frequencies: "1m,1d", AssetClasses: "stock,index"}

	assert.True(t, src.SupportsFrequency(Freq1Min))
	assert.True(t, src.SupportsFrequency(Freq1Day))
	assert.False(t, src.SupportsFrequency(Freq1Hour))
	assert.False(t, src.SupportsFrequency(Freq1Month), "1M must not match the 1m entry")

	assert.True(t, src.SupportsAssetClass(AssetStock))
	assert.False(t, src.SupportsAssetClass(AssetFuture))
}

func Test_DataQuery_SymbolList(t *testing.T) {
	q := DataQuery{Symbols: "AAPL, MSFT ,,GOOG"}
	assert.Equal(t, []string{"AAPL", "MSFT", "GOOG"}, q.SymbolList())

	empty := DataQuery{}
	assert.Nil(t, empty.SymbolList())
}
