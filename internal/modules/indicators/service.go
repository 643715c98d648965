package indicators

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/avendel/cryptodesk/internal/domain"
	"github.com/avendel/cryptodesk/internal/modules/marketdata"
)

// DefaultLookback is how many candles a recomputation pass loads.
const DefaultLookback = 100

// Service recomputes indicators for a series and persists the samples.
type Service struct {
	engine  *Engine
	candles *marketdata.CandleRepository
	samples *marketdata.IndicatorRepository
	log     zerolog.Logger
}

// NewService creates an indicator service.
func NewService(candles *marketdata.CandleRepository, samples *marketdata.IndicatorRepository, log zerolog.Logger) *Service {
	return &Service{
		engine:  NewEngine(),
		candles: candles,
		samples: samples,
		log:     log.With().Str("component", "indicator_service").Logger(),
	}
}

// Recompute loads the recent candle series for (symbol, timeframe), computes
// the full indicator set, and upserts every sample. Existing keys are
// untouched, so re-runs are idempotent. Returns the number of new rows.
func (s *Service) Recompute(ctx context.Context, symbol string, tf domain.Timeframe, lookback int) (int, error) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}

	candles, err := s.candles.Recent(symbol, tf, lookback)
	if err != nil {
		return 0, err
	}
	if len(candles) < MinWindow {
		// Not enough history yet; nothing to compute is not a failure.
		s.log.Debug().
			Str("symbol", symbol).
			Str("timeframe", string(tf)).
			Int("candles", len(candles)).
			Msg("Series too short for indicator recomputation")
		return 0, nil
	}

	computed, err := s.engine.Compute(candles)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, sample := range computed {
		if err := ctx.Err(); err != nil {
			return inserted, domain.WrapError(domain.KindInternal, "indicator recomputation cancelled", err)
		}
		ok, err := s.samples.Upsert(sample)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}

	s.log.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int("computed", len(computed)).
		Int("inserted", inserted).
		Msg("Indicators recomputed")
	return inserted, nil
}

// Snapshot returns the latest value of each named indicator for a series,
// keyed by indicator name. Missing indicators are simply absent.
func (s *Service) Snapshot(symbol string, tf domain.Timeframe, names []string) (map[string]domain.IndicatorSample, error) {
	snapshot := make(map[string]domain.IndicatorSample, len(names))
	for _, name := range names {
		sample, err := s.samples.Latest(symbol, tf, name)
		if err != nil {
			return nil, err
		}
		if sample != nil {
			snapshot[name] = *sample
		}
	}
	return snapshot, nil
}
