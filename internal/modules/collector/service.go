package collector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avendel/cryptodesk/internal/clients/binance"
	"github.com/avendel/cryptodesk/internal/domain"
	"github.com/avendel/cryptodesk/internal/events"
	"github.com/avendel/cryptodesk/internal/modules/marketdata"
	"github.com/avendel/cryptodesk/internal/scheduler"
)

// HandlerName is the scheduler handler identity for collection fires.
const HandlerName = "collect_data"

const (
	// DefaultFetchLimit is how many recent candles one pass pulls per
	// timeframe.
	DefaultFetchLimit = 100

	retryAttempts = 3
	retryBase     = time.Second
	retryCap      = 30 * time.Second
)

// KlinesSource is the slice of the exchange adapter the collector needs.
type KlinesSource interface {
	Klines(ctx context.Context, symbol string, tf domain.Timeframe, q binance.KlinesQuery) ([]domain.Candle, error)
}

// IndicatorRecomputer triggers indicator recomputation after ingestion.
type IndicatorRecomputer interface {
	Recompute(ctx context.Context, symbol string, tf domain.Timeframe, lookback int) (int, error)
}

// Service runs collection passes and owns the config/scheduler-job binding.
type Service struct {
	configs    *Repository
	candles    *marketdata.CandleRepository
	indicators IndicatorRecomputer
	venue      KlinesSource
	sched      scheduler.Scheduler
	bus        *events.Bus
	log        zerolog.Logger

	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewService creates a collector service.
func NewService(configs *Repository, candles *marketdata.CandleRepository, indicators IndicatorRecomputer,
	venue KlinesSource, sched scheduler.Scheduler, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		configs:     configs,
		candles:     candles,
		indicators:  indicators,
		venue:       venue,
		sched:       sched,
		bus:         bus,
		log:         log.With().Str("component", "collector").Logger(),
		backoffBase: retryBase,
		backoffCap:  retryCap,
	}
}

// Handler adapts Collect to the scheduler handler contract.
func (s *Service) Handler() scheduler.Handler {
	return func(ctx context.Context, args map[string]any) (scheduler.Result, error) {
		configID, _ := args["config_id"].(string)
		if configID == "" {
			return scheduler.Result{}, domain.Errorf(domain.KindBadRequest, "collect_data requires a config_id arg")
		}
		symbol, _ := args["symbol"].(string)
		records, err := s.Collect(ctx, configID)
		return scheduler.Result{Records: records, Symbol: symbol}, err
	}
}

// Collect runs one ingestion pass for a config: fetch recent candles per
// timeframe, dedup-insert them, recompute indicators, and publish the latest
// candle. Returns the number of newly inserted candle rows.
func (s *Service) Collect(ctx context.Context, configID string) (int, error) {
	cfg, err := s.configs.Get(configID)
	if err != nil {
		return 0, err
	}
	if !cfg.Enabled {
		s.log.Debug().Str("config_id", configID).Msg("Skipping collection for disabled config")
		return 0, nil
	}

	records := 0
	for _, tf := range cfg.Timeframes {
		candles, err := s.fetchWithRetry(ctx, cfg.Symbol, tf)
		if err != nil {
			return records, err
		}

		inserted := 0
		for _, candle := range candles {
			ok, err := s.candles.Upsert(candle)
			if err != nil {
				return records, err
			}
			if ok {
				inserted++
			}
		}
		records += inserted

		if _, err := s.indicators.Recompute(ctx, cfg.Symbol, tf, DefaultFetchLimit); err != nil {
			return records, err
		}

		if len(candles) > 0 {
			latest := candles[len(candles)-1]
			s.bus.EmitData(events.MarketDataUpdated, "collector", "", map[string]any{
				"symbol":    latest.Symbol,
				"timeframe": string(latest.Timeframe),
				"open_time": latest.OpenTime.UnixMilli(),
				"close":     latest.Close,
				"volume":    latest.Volume,
			})
		}

		s.log.Debug().
			Str("symbol", cfg.Symbol).
			Str("timeframe", string(tf)).
			Int("fetched", len(candles)).
			Int("inserted", inserted).
			Msg("Timeframe collected")
	}

	s.log.Info().
		Str("symbol", cfg.Symbol).
		Int("records", records).
		Msg("Collection pass finished")
	return records, nil
}

// fetchWithRetry pulls klines, retrying transient venue failures with
// exponential backoff.
func (s *Service) fetchWithRetry(ctx context.Context, symbol string, tf domain.Timeframe) ([]domain.Candle, error) {
	delay := s.backoffBase
	for attempt := 1; ; attempt++ {
		candles, err := s.venue.Klines(ctx, symbol, tf, binance.KlinesQuery{Limit: DefaultFetchLimit})
		if err == nil {
			return candles, nil
		}
		if !domain.Retryable(err) || attempt >= retryAttempts {
			return nil, err
		}

		s.log.Warn().
			Err(err).
			Str("symbol", symbol).
			Str("timeframe", string(tf)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Transient fetch failure, retrying")
		select {
		case <-ctx.Done():
			return nil, domain.WrapError(domain.KindTransient, "collection cancelled during backoff", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.backoffCap {
			delay = s.backoffCap
		}
	}
}

// CreateConfig persists a new config and, when enabled, binds its scheduler
// job.
func (s *Service) CreateConfig(cfg DataCollectionConfig) (*DataCollectionConfig, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "binance"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	if cfg.Enabled {
		cfg.JobID = jobIDFor(cfg.ID)
	}
	if err := s.configs.Create(cfg); err != nil {
		return nil, err
	}
	if cfg.Enabled {
		if err := s.addJob(cfg); err != nil {
			// Roll the row back so config and job stay in lockstep.
			_ = s.configs.Delete(cfg.ID)
			return nil, err
		}
	}
	s.log.Info().
		Str("config_id", cfg.ID).
		Str("symbol", cfg.Symbol).
		Bool("enabled", cfg.Enabled).
		Msg("Collection config created")
	return &cfg, nil
}

// UpdateConfig rewrites a config; an enabled config's job is replaced so the
// new interval and timeframes take effect immediately.
func (s *Service) UpdateConfig(cfg DataCollectionConfig) (*DataCollectionConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	existing, err := s.configs.Get(cfg.ID)
	if err != nil {
		return nil, err
	}

	cfg.Enabled = existing.Enabled
	if cfg.Exchange == "" {
		cfg.Exchange = existing.Exchange
	}
	if cfg.Enabled {
		cfg.JobID = jobIDFor(cfg.ID)
	}
	if err := s.configs.Update(cfg); err != nil {
		return nil, err
	}
	if cfg.Enabled {
		// AddJob with the same id replaces the job atomically.
		if err := s.addJob(cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// EnableConfig turns collection on and schedules its job.
func (s *Service) EnableConfig(id string) error {
	cfg, err := s.configs.Get(id)
	if err != nil {
		return err
	}
	if cfg.Enabled {
		return nil
	}
	cfg.Enabled = true
	cfg.JobID = jobIDFor(cfg.ID)
	if err := s.configs.Update(*cfg); err != nil {
		return err
	}
	return s.addJob(*cfg)
}

// DisableConfig turns collection off and removes its job.
func (s *Service) DisableConfig(id string) error {
	cfg, err := s.configs.Get(id)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}
	cfg.Enabled = false
	cfg.JobID = ""
	if err := s.configs.Update(*cfg); err != nil {
		return err
	}
	s.removeJob(id)
	return nil
}

// DeleteConfig removes the config and its scheduler job.
func (s *Service) DeleteConfig(id string) error {
	if err := s.configs.Delete(id); err != nil {
		return err
	}
	s.removeJob(id)
	return nil
}

// GetConfig returns one config.
func (s *Service) GetConfig(id string) (*DataCollectionConfig, error) {
	return s.configs.Get(id)
}

// ListConfigs returns all configs.
func (s *Service) ListConfigs() ([]DataCollectionConfig, error) {
	return s.configs.List(false)
}

// ReloadJobs re-binds scheduler jobs for every enabled config. Called once at
// startup after the scheduler is running.
func (s *Service) ReloadJobs() error {
	configs, err := s.configs.List(true)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if err := s.addJob(cfg); err != nil {
			return err
		}
	}
	s.log.Info().Int("configs", len(configs)).Msg("Collection jobs reloaded")
	return nil
}

func (s *Service) addJob(cfg DataCollectionConfig) error {
	_, err := s.sched.AddJob(scheduler.JobSpec{
		ID:          jobIDFor(cfg.ID),
		Trigger:     scheduler.Every(cfg.Interval()),
		HandlerName: HandlerName,
		HandlerArgs: map[string]any{
			"config_id": cfg.ID,
			"symbol":    cfg.Symbol,
		},
		// One fire at a time per config; overlapping fires coalesce.
		MaxInstances: 1,
	})
	return err
}

func (s *Service) removeJob(configID string) {
	if err := s.sched.RemoveJob(jobIDFor(configID)); err != nil && !domain.IsKind(err, domain.KindNotFound) {
		s.log.Error().Err(err).Str("config_id", configID).Msg("Failed to remove collection job")
	}
}

func jobIDFor(configID string) string {
	return "collect:" + configID
}
