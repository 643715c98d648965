// Package domain holds the core market-data types shared by every module.
// It has no infrastructure dependencies.
package domain

import (
	"time"
)

// Timeframe is a candle aggregation window.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
)

// Timeframes lists every supported window, smallest first.
var Timeframes = []Timeframe{
	Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m,
	Timeframe1h, Timeframe4h, Timeframe1d, Timeframe1w,
}

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
	Timeframe1w:  7 * 24 * time.Hour,
}

// ValidTimeframe reports whether tf is one of the supported windows.
func ValidTimeframe(tf Timeframe) bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Duration returns the wall-clock span of one candle of this timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Candle is an immutable OHLCV bar keyed by (symbol, timeframe, open time).
// Prices and volumes are float64 because the indicator engine consumes float
// slices; money-safe decimal arithmetic lives in the accounting core.
type Candle struct {
	Symbol           string    `json:"symbol"`
	Timeframe        Timeframe `json:"timeframe"`
	OpenTime         time.Time `json:"open_time"`
	Open             float64   `json:"open"`
	High             float64   `json:"high"`
	Low              float64   `json:"low"`
	Close            float64   `json:"close"`
	Volume           float64   `json:"volume"`
	QuoteVolume      float64   `json:"quote_volume"`
	Trades           int64     `json:"trades"`
	TakerBuyVolume   float64   `json:"taker_buy_volume"`
	TakerBuyQuoteVol float64   `json:"taker_buy_quote_volume"`
}

// Validate checks the candle price/volume invariants before insertion.
func (c Candle) Validate() error {
	if c.Symbol == "" {
		return NewError(KindBadRequest, "candle symbol is empty")
	}
	if !ValidTimeframe(c.Timeframe) {
		return Errorf(KindBadRequest, "invalid timeframe %q", c.Timeframe)
	}
	if c.OpenTime.IsZero() {
		return NewError(KindBadRequest, "candle open time is zero")
	}
	lo := c.Open
	if c.Close < lo {
		lo = c.Close
	}
	hi := c.Open
	if c.Close > hi {
		hi = c.Close
	}
	if c.Low > lo || c.High < hi {
		return Errorf(KindBadRequest, "candle OHLC out of order for %s %s", c.Symbol, c.Timeframe)
	}
	if c.Volume < 0 {
		return NewError(KindBadRequest, "candle volume is negative")
	}
	return nil
}

// IndicatorSample is one computed indicator row, keyed by
// (symbol, timeframe, name, ts). Multi-component indicators carry a small
// named-scalar map in Values alongside the representative Value.
type IndicatorSample struct {
	Symbol         string             `json:"symbol"`
	Timeframe      Timeframe          `json:"timeframe"`
	Name           string             `json:"name"`
	Timestamp      time.Time          `json:"timestamp"`
	Value          float64            `json:"value"`
	Values         map[string]float64 `json:"values,omitempty"`
	Signal         string             `json:"signal,omitempty"`
	SignalStrength float64            `json:"signal_strength,omitempty"`
	Overbought     bool               `json:"overbought,omitempty"`
	Oversold       bool               `json:"oversold,omitempty"`
}

// Ticker is the venue's rolling 24 h statistics for one symbol.
type Ticker struct {
	Symbol             string
	LastPrice          float64
	PriceChangePercent float64
	QuoteVolume        float64
	HighPrice          float64
	LowPrice           float64
}

// SymbolInfo describes one tradable symbol from the venue universe.
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
	Status     string `json:"status"`
	Spot       bool   `json:"spot"`
	Margin     bool   `json:"margin"`
}
