// Package indicators computes technical indicators over candle series and
// persists them as idempotent samples keyed by (symbol, timeframe, name, ts).
package indicators

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/avendel/cryptodesk/internal/domain"
)

// Standard parameter set. Strategy handlers rely on these names.
const (
	RSIPeriod     = 14
	RSIOverbought = 70.0
	RSIOversold   = 30.0

	MACDFast   = 12
	MACDSlow   = 26
	MACDSignal = 9

	BBPeriod = 20
	BBStdDev = 2.0

	StochKPeriod = 14
	StochDPeriod = 3

	ATRPeriod = 14
)

// MAPeriods are the SMA/EMA windows computed on every pass.
var MAPeriods = []int{12, 20, 26, 50}

// MinWindow is the shortest series the engine accepts. The slowest component
// is the 50-period moving average.
const MinWindow = 50

// Engine computes the fixed indicator set from chronological candles.
type Engine struct{}

// NewEngine creates an indicator engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Compute returns samples for every indicator at every candle timestamp where
// the indicator is defined. Leading NaN rows (warm-up windows) are dropped.
// Candles must be chronological.
func (e *Engine) Compute(candles []domain.Candle) ([]domain.IndicatorSample, error) {
	if len(candles) < MinWindow {
		return nil, domain.Errorf(domain.KindBadRequest,
			"need at least %d candles, got %d", MinWindow, len(candles))
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	var samples []domain.IndicatorSample
	samples = append(samples, e.rsi(candles, closes)...)
	samples = append(samples, e.macd(candles, closes)...)
	samples = append(samples, e.bollinger(candles, closes)...)
	samples = append(samples, e.movingAverages(candles, closes)...)
	samples = append(samples, e.stochastic(candles, highs, lows, closes)...)
	samples = append(samples, e.atr(candles, highs, lows, closes)...)
	return samples, nil
}

// rsi computes Wilder-smoothed RSI(14) with overbought/oversold flags.
func (e *Engine) rsi(candles []domain.Candle, closes []float64) []domain.IndicatorSample {
	values := talib.Rsi(closes, RSIPeriod)

	var samples []domain.IndicatorSample
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		signal := "hold"
		switch {
		case v < RSIOversold:
			signal = "buy"
		case v > RSIOverbought:
			signal = "sell"
		}
		samples = append(samples, domain.IndicatorSample{
			Symbol:     candles[i].Symbol,
			Timeframe:  candles[i].Timeframe,
			Name:       "rsi",
			Timestamp:  candles[i].OpenTime,
			Value:      v,
			Signal:     signal,
			Overbought: v > RSIOverbought,
			Oversold:   v < RSIOversold,
		})
	}
	return samples
}

// macd computes MACD(12,26,9). The representative value is the macd line.
func (e *Engine) macd(candles []domain.Candle, closes []float64) []domain.IndicatorSample {
	macdLine, signalLine, histogram := talib.Macd(closes, MACDFast, MACDSlow, MACDSignal)

	var samples []domain.IndicatorSample
	for i := range macdLine {
		if math.IsNaN(macdLine[i]) || math.IsNaN(signalLine[i]) {
			continue
		}
		signal := "hold"
		if histogram[i] > 0 {
			signal = "buy"
		} else if histogram[i] < 0 {
			signal = "sell"
		}
		samples = append(samples, domain.IndicatorSample{
			Symbol:    candles[i].Symbol,
			Timeframe: candles[i].Timeframe,
			Name:      "macd",
			Timestamp: candles[i].OpenTime,
			Value:     macdLine[i],
			Values: map[string]float64{
				"macd":      macdLine[i],
				"signal":    signalLine[i],
				"histogram": histogram[i],
			},
			Signal: signal,
		})
	}
	return samples
}

// bollinger computes Bollinger Bands(20, 2σ). The representative value is the
// middle band; width is (upper-lower)/middle.
func (e *Engine) bollinger(candles []domain.Candle, closes []float64) []domain.IndicatorSample {
	upper, middle, lower := talib.BBands(closes, BBPeriod, BBStdDev, BBStdDev, talib.SMA)

	var samples []domain.IndicatorSample
	for i := range middle {
		if math.IsNaN(middle[i]) || middle[i] == 0 {
			continue
		}
		price := closes[i]
		signal := "hold"
		if price <= lower[i] {
			signal = "buy"
		} else if price >= upper[i] {
			signal = "sell"
		}
		samples = append(samples, domain.IndicatorSample{
			Symbol:    candles[i].Symbol,
			Timeframe: candles[i].Timeframe,
			Name:      "bollinger_bands",
			Timestamp: candles[i].OpenTime,
			Value:     middle[i],
			Values: map[string]float64{
				"upper":  upper[i],
				"middle": middle[i],
				"lower":  lower[i],
				"width":  (upper[i] - lower[i]) / middle[i],
			},
			Signal: signal,
		})
	}
	return samples
}

// movingAverages computes SMA(p) and EMA(p) for each standard period.
func (e *Engine) movingAverages(candles []domain.Candle, closes []float64) []domain.IndicatorSample {
	var samples []domain.IndicatorSample
	for _, period := range MAPeriods {
		sma := talib.Sma(closes, period)
		ema := talib.Ema(closes, period)
		for i := range closes {
			if !math.IsNaN(sma[i]) {
				samples = append(samples, domain.IndicatorSample{
					Symbol:    candles[i].Symbol,
					Timeframe: candles[i].Timeframe,
					Name:      fmt.Sprintf("sma_%d", period),
					Timestamp: candles[i].OpenTime,
					Value:     sma[i],
				})
			}
			if !math.IsNaN(ema[i]) {
				samples = append(samples, domain.IndicatorSample{
					Symbol:    candles[i].Symbol,
					Timeframe: candles[i].Timeframe,
					Name:      fmt.Sprintf("ema_%d", period),
					Timestamp: candles[i].OpenTime,
					Value:     ema[i],
				})
			}
		}
	}
	return samples
}

// stochastic computes the Stochastic oscillator (14,3). %K is the
// representative value; %D is the SMA(3) of %K.
func (e *Engine) stochastic(candles []domain.Candle, highs, lows, closes []float64) []domain.IndicatorSample {
	k, d := talib.Stoch(highs, lows, closes, StochKPeriod, StochDPeriod, talib.SMA, StochDPeriod, talib.SMA)

	var samples []domain.IndicatorSample
	for i := range k {
		if math.IsNaN(k[i]) || math.IsNaN(d[i]) {
			continue
		}
		signal := "hold"
		if k[i] < 20 {
			signal = "buy"
		} else if k[i] > 80 {
			signal = "sell"
		}
		samples = append(samples, domain.IndicatorSample{
			Symbol:    candles[i].Symbol,
			Timeframe: candles[i].Timeframe,
			Name:      "stochastic",
			Timestamp: candles[i].OpenTime,
			Value:     k[i],
			Values: map[string]float64{
				"k": k[i],
				"d": d[i],
			},
			Signal:     signal,
			Overbought: k[i] > 80,
			Oversold:   k[i] < 20,
		})
	}
	return samples
}

// atr computes Wilder-smoothed ATR(14).
func (e *Engine) atr(candles []domain.Candle, highs, lows, closes []float64) []domain.IndicatorSample {
	values := talib.Atr(highs, lows, closes, ATRPeriod)

	var samples []domain.IndicatorSample
	for i, v := range values {
		if math.IsNaN(v) || v == 0 {
			continue
		}
		samples = append(samples, domain.IndicatorSample{
			Symbol:    candles[i].Symbol,
			Timeframe: candles[i].Timeframe,
			Name:      "atr",
			Timestamp: candles[i].OpenTime,
			Value:     v,
		})
	}
	return samples
}
