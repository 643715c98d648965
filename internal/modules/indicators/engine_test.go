package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avendel/cryptodesk/internal/domain"
)

// series builds n chronological 1h candles from a close-price function.
func series(n int, closeAt func(i int) float64) []domain.Candle {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]domain.Candle, n)
	for i := 0; i < n; i++ {
		c := closeAt(i)
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
	return candles
}

func bySample(samples []domain.IndicatorSample, name string) []domain.IndicatorSample {
	var out []domain.IndicatorSample
	for _, s := range samples {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func TestCompute_RejectsShortSeries(t *testing.T) {
	engine := NewEngine()
	_, err := engine.Compute(series(MinWindow-1, func(i int) float64 { return 100 }))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))
}

func TestCompute_RSIBoundsAndSignals(t *testing.T) {
	engine := NewEngine()

	// Monotonically rising closes push RSI to 100 and a sell signal.
	rising, err := engine.Compute(series(100, func(i int) float64 { return 100 + float64(i) }))
	require.NoError(t, err)
	rsi := bySample(rising, "rsi")
	require.NotEmpty(t, rsi)
	last := rsi[len(rsi)-1]
	assert.GreaterOrEqual(t, last.Value, 0.0)
	assert.LessOrEqual(t, last.Value, 100.0)
	assert.True(t, last.Overbought)
	assert.Equal(t, "sell", last.Signal)

	falling, err := engine.Compute(series(100, func(i int) float64 { return 1000 - float64(i) }))
	require.NoError(t, err)
	rsi = bySample(falling, "rsi")
	last = rsi[len(rsi)-1]
	assert.True(t, last.Oversold)
	assert.Equal(t, "buy", last.Signal)
}

func TestCompute_SMAKnownValue(t *testing.T) {
	engine := NewEngine()

	// Constant series: every moving average equals the constant.
	samples, err := engine.Compute(series(100, func(i int) float64 { return 250 }))
	require.NoError(t, err)

	for _, period := range MAPeriods {
		name := "sma_" + itoa(period)
		sma := bySample(samples, name)
		require.NotEmpty(t, sma, name)
		assert.InDelta(t, 250, sma[len(sma)-1].Value, 1e-9)
		// Leading warm-up rows must be dropped: first defined row is at index period-1.
		assert.Len(t, sma, 100-period+1)
	}
}

func TestCompute_MACDComponents(t *testing.T) {
	engine := NewEngine()
	samples, err := engine.Compute(series(120, func(i int) float64 {
		return 100 + 10*math.Sin(float64(i)/8)
	}))
	require.NoError(t, err)

	macd := bySample(samples, "macd")
	require.NotEmpty(t, macd)
	for _, s := range macd {
		require.Contains(t, s.Values, "macd")
		require.Contains(t, s.Values, "signal")
		require.Contains(t, s.Values, "histogram")
		assert.InDelta(t, s.Values["macd"]-s.Values["signal"], s.Values["histogram"], 1e-9)
		assert.Equal(t, s.Value, s.Values["macd"])
	}
}

func TestCompute_BollingerOrderingAndWidth(t *testing.T) {
	engine := NewEngine()
	samples, err := engine.Compute(series(100, func(i int) float64 {
		return 100 + 5*math.Sin(float64(i)/5)
	}))
	require.NoError(t, err)

	bb := bySample(samples, "bollinger_bands")
	require.NotEmpty(t, bb)
	for _, s := range bb {
		assert.LessOrEqual(t, s.Values["lower"], s.Values["middle"])
		assert.LessOrEqual(t, s.Values["middle"], s.Values["upper"])
		expectedWidth := (s.Values["upper"] - s.Values["lower"]) / s.Values["middle"]
		assert.InDelta(t, expectedWidth, s.Values["width"], 1e-9)
	}
}

func TestCompute_StochasticRange(t *testing.T) {
	engine := NewEngine()
	samples, err := engine.Compute(series(100, func(i int) float64 {
		return 100 + 10*math.Sin(float64(i)/4)
	}))
	require.NoError(t, err)

	stoch := bySample(samples, "stochastic")
	require.NotEmpty(t, stoch)
	for _, s := range stoch {
		assert.GreaterOrEqual(t, s.Values["k"], 0.0)
		assert.LessOrEqual(t, s.Values["k"], 100.0)
		assert.GreaterOrEqual(t, s.Values["d"], 0.0)
		assert.LessOrEqual(t, s.Values["d"], 100.0)
	}
}

func TestCompute_ATRPositive(t *testing.T) {
	engine := NewEngine()
	samples, err := engine.Compute(series(100, func(i int) float64 {
		return 100 + 10*math.Sin(float64(i)/4)
	}))
	require.NoError(t, err)

	atr := bySample(samples, "atr")
	require.NotEmpty(t, atr)
	for _, s := range atr {
		assert.Greater(t, s.Value, 0.0)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
