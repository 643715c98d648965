package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avendel/cryptodesk/internal/domain"
)

func frameWithCloses(closes []float64) Frame {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]domain.Candle, len(closes))
	for i, c := range closes {
		candles[i] = domain.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: domain.Timeframe1h,
			OpenTime:  base.Add(time.Duration(i) * time.Hour),
			Open:      c,
			High:      c * 1.01,
			Low:       c * 0.99,
			Close:     c,
			Volume:    10,
		}
	}
	return Frame{Candles: candles, Indicators: map[string]domain.IndicatorSample{}, Params: Params{}}
}

func sample(name string, value float64, values map[string]float64) domain.IndicatorSample {
	return domain.IndicatorSample{Name: name, Value: value, Values: values}
}

func TestHandlerRegistry(t *testing.T) {
	assert.Len(t, HandlerNames(), 8)

	for _, name := range HandlerNames() {
		h, err := HandlerFor(name)
		require.NoError(t, err)
		require.NotNil(t, h)
	}

	_, err := HandlerFor("martingale")
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))
}

func TestDCAAlwaysBuysFixedAmount(t *testing.T) {
	f := frameWithCloses([]float64{50000})
	f.Params = Params{"amount": 500.0}

	eval, err := evalDCA(f)
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionBuy, eval.Action)
	require.NotNil(t, eval.Quantity)
	assert.Equal(t, "0.01", eval.Quantity.String(), "quote amount / price")
}

func TestRSIHandlerThresholds(t *testing.T) {
	f := frameWithCloses([]float64{100})

	f.Indicators["rsi"] = sample("rsi", 20, nil)
	eval, err := evalRSI(f)
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionBuy, eval.Action)
	assert.Greater(t, eval.Strength, 0.0)

	f.Indicators["rsi"] = sample("rsi", 85, nil)
	eval, err = evalRSI(f)
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionSell, eval.Action)

	f.Indicators["rsi"] = sample("rsi", 50, nil)
	eval, err = evalRSI(f)
	require.NoError(t, err)
	assert.Nil(t, eval, "neutral RSI emits nothing")
}

func TestMACDFollowsHistogramSign(t *testing.T) {
	f := frameWithCloses([]float64{100})

	f.Indicators["macd"] = sample("macd", 1.2, map[string]float64{
		"macd": 1.2, "signal": 0.8, "histogram": 0.4,
	})
	eval, err := evalMACD(f)
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionBuy, eval.Action)

	f.Indicators["macd"] = sample("macd", -0.5, map[string]float64{
		"macd": -0.5, "signal": 0.1, "histogram": -0.6,
	})
	eval, err = evalMACD(f)
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionSell, eval.Action)
}

func TestMACrossover(t *testing.T) {
	f := frameWithCloses([]float64{100})
	f.Indicators["sma_20"] = sample("sma_20", 105, nil)
	f.Indicators["sma_50"] = sample("sma_50", 100, nil)

	eval, err := evalMACrossover(f)
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionBuy, eval.Action, "fast above slow is bullish")

	f.Indicators["sma_20"] = sample("sma_20", 95, nil)
	eval, err = evalMACrossover(f)
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionSell, eval.Action)

	// Spread inside the dead band emits nothing.
	f.Indicators["sma_20"] = sample("sma_20", 100.01, nil)
	eval, err = evalMACrossover(f)
	require.NoError(t, err)
	assert.Nil(t, eval)
}

func TestBollingerMeanReversion(t *testing.T) {
	bands := map[string]float64{"upper": 110, "middle": 100, "lower": 90}

	f := frameWithCloses([]float64{88})
	f.Indicators["bollinger_bands"] = sample("bollinger_bands", 100, bands)
	eval, err := evalBollinger(f)
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionBuy, eval.Action)

	f = frameWithCloses([]float64{112})
	f.Indicators["bollinger_bands"] = sample("bollinger_bands", 100, bands)
	eval, err = evalBollinger(f)
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionSell, eval.Action)

	f = frameWithCloses([]float64{100})
	f.Indicators["bollinger_bands"] = sample("bollinger_bands", 100, bands)
	eval, err = evalBollinger(f)
	require.NoError(t, err)
	assert.Nil(t, eval, "inside the bands emits nothing")
}

func TestRangeTradingQuantiles(t *testing.T) {
	// 30 closes spread 100..129, then the last close pins the extreme.
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}

	bottom := append(append([]float64(nil), closes...), 100)
	eval, err := evalRangeTrading(frameWithCloses(bottom))
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionBuy, eval.Action, "close in the cheap tail")

	top := append(append([]float64(nil), closes...), 129)
	eval, err = evalRangeTrading(frameWithCloses(top))
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionSell, eval.Action, "close in the expensive tail")

	middle := append(append([]float64(nil), closes...), 114)
	eval, err = evalRangeTrading(frameWithCloses(middle))
	require.NoError(t, err)
	assert.Nil(t, eval, "mid-range emits nothing")
}

func TestGridTradingLevelCrossings(t *testing.T) {
	// Range 100..200 with 10 levels: each level spans 10.
	ramp := []float64{100, 200, 150, 150}
	eval, err := evalGridTrading(frameWithCloses(ramp))
	require.NoError(t, err)
	assert.Nil(t, eval, "no level crossed")

	down := []float64{100, 200, 150, 128}
	eval, err = evalGridTrading(frameWithCloses(down))
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionBuy, eval.Action, "stepped down across levels")

	up := []float64{100, 200, 150, 171}
	eval, err = evalGridTrading(frameWithCloses(up))
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionSell, eval.Action, "stepped up across levels")
}

func TestFearGreedExtremes(t *testing.T) {
	// Falling closes, low RSI, shrinking volume: extreme fear.
	falling := make([]float64, 15)
	for i := range falling {
		falling[i] = 100 - float64(i)*2
	}
	f := frameWithCloses(falling)
	for i := range f.Candles {
		f.Candles[i].Volume = 1
	}
	f.Indicators["rsi"] = sample("rsi", 15, nil)

	eval, err := evalFearGreed(f)
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionBuy, eval.Action, "extreme fear is a contrarian buy")

	// Rising closes, high RSI, expanding volume: extreme greed.
	rising := make([]float64, 15)
	for i := range rising {
		rising[i] = 100 + float64(i)*2
	}
	f = frameWithCloses(rising)
	for i := range f.Candles {
		f.Candles[i].Volume = 1
	}
	f.Candles[len(f.Candles)-1].Volume = 10
	f.Indicators["rsi"] = sample("rsi", 90, nil)

	eval, err = evalFearGreed(f)
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, ActionSell, eval.Action, "extreme greed is a contrarian sell")
}
