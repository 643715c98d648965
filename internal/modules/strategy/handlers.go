package strategy

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/avendel/cryptodesk/internal/domain"
)

// Frame is the input to one handler evaluation: a chronological candle
// window, the latest indicator snapshot keyed by name, and the strategy
// parameters.
type Frame struct {
	Candles    []domain.Candle
	Indicators map[string]domain.IndicatorSample
	Params     Params
}

func (f Frame) lastClose() float64 {
	if len(f.Candles) == 0 {
		return 0
	}
	return f.Candles[len(f.Candles)-1].Close
}

func (f Frame) closes() []float64 {
	out := make([]float64, len(f.Candles))
	for i, c := range f.Candles {
		out[i] = c.Close
	}
	return out
}

// Evaluation is a handler's verdict. A nil evaluation means "no signal this
// tick"; hold signals are not persisted.
type Evaluation struct {
	Action     string
	Strength   float64
	Confidence float64
	Quantity   *decimal.Decimal
	Reasoning  string
}

// Handler evaluates one frame. Handlers are pure: they never touch storage or
// the venue.
type Handler func(f Frame) (*Evaluation, error)

// The built-in handler set. Persisted strategies reference these names.
var builtinHandlers = map[string]Handler{
	"dca":             evalDCA,
	"rsi":             evalRSI,
	"macd":            evalMACD,
	"ma_crossover":    evalMACrossover,
	"bollinger_bands": evalBollinger,
	"range_trading":   evalRangeTrading,
	"grid_trading":    evalGridTrading,
	"fear_greed":      evalFearGreed,
}

// HandlerFor resolves a strategy type to its handler.
func HandlerFor(strategyType string) (Handler, error) {
	h, ok := builtinHandlers[strategyType]
	if !ok {
		return nil, domain.Errorf(domain.KindBadRequest, "unknown strategy type %q", strategyType)
	}
	return h, nil
}

// HandlerNames lists the built-in strategy types, sorted.
func HandlerNames() []string {
	names := make([]string, 0, len(builtinHandlers))
	for name := range builtinHandlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// evalDCA buys a fixed quote amount on every tick, regardless of price.
func evalDCA(f Frame) (*Evaluation, error) {
	price := f.lastClose()
	if price <= 0 {
		return nil, nil
	}
	amount := f.Params.Float("amount", 100)
	qty := decimal.NewFromFloat(amount).DivRound(decimal.NewFromFloat(price), 8)
	return &Evaluation{
		Action:     ActionBuy,
		Strength:   1,
		Confidence: 1,
		Quantity:   &qty,
		Reasoning:  fmt.Sprintf("periodic purchase of %.2f quote at %.2f", amount, price),
	}, nil
}

// evalRSI buys oversold and sells overbought conditions.
func evalRSI(f Frame) (*Evaluation, error) {
	sample, ok := f.Indicators["rsi"]
	if !ok {
		return nil, nil
	}
	oversold := f.Params.Float("oversold", 30)
	overbought := f.Params.Float("overbought", 70)

	switch {
	case sample.Value <= oversold:
		strength := clamp01((oversold - sample.Value) / oversold)
		return &Evaluation{
			Action:     ActionBuy,
			Strength:   strength,
			Confidence: 0.5 + strength/2,
			Reasoning:  fmt.Sprintf("RSI %.1f below oversold threshold %.0f", sample.Value, oversold),
		}, nil
	case sample.Value >= overbought:
		strength := clamp01((sample.Value - overbought) / (100 - overbought))
		return &Evaluation{
			Action:     ActionSell,
			Strength:   strength,
			Confidence: 0.5 + strength/2,
			Reasoning:  fmt.Sprintf("RSI %.1f above overbought threshold %.0f", sample.Value, overbought),
		}, nil
	}
	return nil, nil
}

// evalMACD follows the histogram sign: macd line above its signal line is
// bullish.
func evalMACD(f Frame) (*Evaluation, error) {
	sample, ok := f.Indicators["macd"]
	if !ok || sample.Values == nil {
		return nil, nil
	}
	histogram := sample.Values["histogram"]
	signalLine := sample.Values["signal"]
	if histogram == 0 {
		return nil, nil
	}

	strength := clamp01(math.Abs(histogram) / (math.Abs(signalLine) + 1e-9))
	action := ActionBuy
	if histogram < 0 {
		action = ActionSell
	}
	return &Evaluation{
		Action:     action,
		Strength:   strength,
		Confidence: 0.4 + strength/2,
		Reasoning:  fmt.Sprintf("MACD histogram %.4f (macd %.4f vs signal %.4f)", histogram, sample.Value, signalLine),
	}, nil
}

// evalMACrossover compares a fast and a slow moving average. The spread must
// clear min_spread (fraction of the slow MA) to emit a signal.
func evalMACrossover(f Frame) (*Evaluation, error) {
	fastPeriod := f.Params.Int("fast_period", 20)
	slowPeriod := f.Params.Int("slow_period", 50)
	fast, okFast := f.Indicators[fmt.Sprintf("sma_%d", fastPeriod)]
	slow, okSlow := f.Indicators[fmt.Sprintf("sma_%d", slowPeriod)]
	if !okFast || !okSlow || slow.Value == 0 {
		return nil, nil
	}

	spread := (fast.Value - slow.Value) / slow.Value
	minSpread := f.Params.Float("min_spread", 0.001)
	if math.Abs(spread) < minSpread {
		return nil, nil
	}

	action := ActionBuy
	if spread < 0 {
		action = ActionSell
	}
	strength := clamp01(math.Abs(spread) / (minSpread * 10))
	return &Evaluation{
		Action:     action,
		Strength:   strength,
		Confidence: 0.5 + strength/2,
		Reasoning: fmt.Sprintf("SMA%d %.2f vs SMA%d %.2f, spread %.3f%%",
			fastPeriod, fast.Value, slowPeriod, slow.Value, spread*100),
	}, nil
}

// evalBollinger buys closes at or under the lower band and sells closes at or
// over the upper band.
func evalBollinger(f Frame) (*Evaluation, error) {
	sample, ok := f.Indicators["bollinger_bands"]
	if !ok || sample.Values == nil {
		return nil, nil
	}
	price := f.lastClose()
	upper := sample.Values["upper"]
	lower := sample.Values["lower"]
	width := upper - lower
	if price <= 0 || width <= 0 {
		return nil, nil
	}

	switch {
	case price <= lower:
		strength := clamp01((lower - price) / width)
		return &Evaluation{
			Action:     ActionBuy,
			Strength:   strength,
			Confidence: 0.5 + strength/2,
			Reasoning:  fmt.Sprintf("close %.2f at or under lower band %.2f", price, lower),
		}, nil
	case price >= upper:
		strength := clamp01((price - upper) / width)
		return &Evaluation{
			Action:     ActionSell,
			Strength:   strength,
			Confidence: 0.5 + strength/2,
			Reasoning:  fmt.Sprintf("close %.2f at or over upper band %.2f", price, upper),
		}, nil
	}
	return nil, nil
}

// evalRangeTrading buys in the cheap tail and sells in the expensive tail of
// the empirical close distribution over the frame.
func evalRangeTrading(f Frame) (*Evaluation, error) {
	closes := f.closes()
	if len(closes) < 20 {
		return nil, nil
	}
	price := f.lastClose()

	sorted := append([]float64(nil), closes...)
	sort.Float64s(sorted)
	buyQ := f.Params.Float("buy_quantile", 0.25)
	sellQ := f.Params.Float("sell_quantile", 0.75)
	low := stat.Quantile(buyQ, stat.Empirical, sorted, nil)
	high := stat.Quantile(sellQ, stat.Empirical, sorted, nil)
	floor := sorted[0]
	ceil := sorted[len(sorted)-1]

	switch {
	case price <= low:
		strength := 1.0
		if low > floor {
			strength = clamp01((low - price) / (low - floor))
		}
		return &Evaluation{
			Action:     ActionBuy,
			Strength:   strength,
			Confidence: 0.5 + strength/2,
			Reasoning:  fmt.Sprintf("close %.2f under the %.0fth percentile %.2f of the range", price, buyQ*100, low),
		}, nil
	case price >= high:
		strength := 1.0
		if ceil > high {
			strength = clamp01((price - high) / (ceil - high))
		}
		return &Evaluation{
			Action:     ActionSell,
			Strength:   strength,
			Confidence: 0.5 + strength/2,
			Reasoning:  fmt.Sprintf("close %.2f over the %.0fth percentile %.2f of the range", price, sellQ*100, high),
		}, nil
	}
	return nil, nil
}

// evalGridTrading lays a uniform grid over the frame's price range and
// signals when the close steps down (buy) or up (sell) across a level.
func evalGridTrading(f Frame) (*Evaluation, error) {
	closes := f.closes()
	if len(closes) < 2 {
		return nil, nil
	}
	levels := f.Params.Int("levels", 10)
	if levels < 2 {
		levels = 2
	}

	low, high := closes[0], closes[0]
	for _, c := range closes {
		if c < low {
			low = c
		}
		if c > high {
			high = c
		}
	}
	step := (high - low) / float64(levels)
	if step <= 0 {
		return nil, nil
	}

	prev := gridLevel(closes[len(closes)-2], low, step, levels)
	curr := gridLevel(closes[len(closes)-1], low, step, levels)
	if prev == curr {
		return nil, nil
	}

	crossed := math.Abs(float64(curr - prev))
	strength := clamp01(crossed / float64(levels))
	price := f.lastClose()
	if curr < prev {
		return &Evaluation{
			Action:     ActionBuy,
			Strength:   strength,
			Confidence: 0.5,
			Reasoning:  fmt.Sprintf("close %.2f stepped down to grid level %d of %d", price, curr, levels),
		}, nil
	}
	return &Evaluation{
		Action:     ActionSell,
		Strength:   strength,
		Confidence: 0.5,
		Reasoning:  fmt.Sprintf("close %.2f stepped up to grid level %d of %d", price, curr, levels),
	}, nil
}

func gridLevel(price, low, step float64, levels int) int {
	level := int((price - low) / step)
	if level < 0 {
		return 0
	}
	if level >= levels {
		return levels - 1
	}
	return level
}

// evalFearGreed scores the market 0 (extreme fear) to 100 (extreme greed)
// from RSI, short-term momentum, and volume expansion, then trades the
// extremes contrarian.
func evalFearGreed(f Frame) (*Evaluation, error) {
	rsi, ok := f.Indicators["rsi"]
	if !ok || len(f.Candles) < 11 {
		return nil, nil
	}

	// Momentum: close change over the last 10 candles, ±10% spans the scale.
	last := f.lastClose()
	base := f.Candles[len(f.Candles)-11].Close
	momentumScore := 50.0
	if base > 0 {
		momentumScore = clampRange(50+(last-base)/base*500, 0, 100)
	}

	// Volume: last candle volume against the frame average.
	var totalVol float64
	for _, c := range f.Candles {
		totalVol += c.Volume
	}
	avgVol := totalVol / float64(len(f.Candles))
	volumeScore := 50.0
	if avgVol > 0 {
		volumeScore = clampRange(f.Candles[len(f.Candles)-1].Volume/avgVol*50, 0, 100)
	}

	index := 0.4*rsi.Value + 0.3*momentumScore + 0.3*volumeScore
	fearLevel := f.Params.Float("fear_threshold", 25)
	greedLevel := f.Params.Float("greed_threshold", 75)

	switch {
	case index <= fearLevel:
		strength := clamp01((fearLevel - index) / fearLevel)
		return &Evaluation{
			Action:     ActionBuy,
			Strength:   strength,
			Confidence: 0.4 + strength/2,
			Reasoning:  fmt.Sprintf("fear/greed index %.0f in extreme fear (rsi %.0f, momentum %.0f, volume %.0f)", index, rsi.Value, momentumScore, volumeScore),
		}, nil
	case index >= greedLevel:
		strength := clamp01((index - greedLevel) / (100 - greedLevel))
		return &Evaluation{
			Action:     ActionSell,
			Strength:   strength,
			Confidence: 0.4 + strength/2,
			Reasoning:  fmt.Sprintf("fear/greed index %.0f in extreme greed (rsi %.0f, momentum %.0f, volume %.0f)", index, rsi.Value, momentumScore, volumeScore),
		}, nil
	}
	return nil, nil
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
