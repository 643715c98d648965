package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/avendel/cryptodesk/internal/domain"
	"github.com/avendel/cryptodesk/internal/events"
	"github.com/avendel/cryptodesk/internal/modules/marketdata"
	"github.com/avendel/cryptodesk/internal/modules/paper"
	"github.com/avendel/cryptodesk/internal/modules/trading"
	"github.com/avendel/cryptodesk/internal/scheduler"
)

// HandlerName is the scheduler handler executing strategy ticks.
const HandlerName = "execute_strategy"

const (
	// CandleWindow is how many candles a tick loads; it must cover the
	// longest indicator warm-up.
	CandleWindow = 100

	// ErrorBudgetLimit consecutive handler failures within ErrorBudgetWindow
	// flip the strategy to error. The scheduler job stays registered.
	ErrorBudgetLimit  = 5
	ErrorBudgetWindow = 10 * time.Minute

	// DefaultPositionSize is the quote amount an order falls back to when
	// neither the handler nor the parameters size it.
	DefaultPositionSize = 100.0
)

// snapshotNames is the indicator set handed to every handler.
var snapshotNames = []string{
	"rsi", "macd", "bollinger_bands", "stochastic", "atr",
	"sma_12", "sma_20", "sma_26", "sma_50",
	"ema_12", "ema_20", "ema_26", "ema_50",
}

// IndicatorSource recomputes and reads indicator samples.
type IndicatorSource interface {
	Recompute(ctx context.Context, symbol string, tf domain.Timeframe, lookback int) (int, error)
	Snapshot(symbol string, tf domain.Timeframe, names []string) (map[string]domain.IndicatorSample, error)
}

// OrderRouter resolves the trading engine for a mode. Satisfied by
// trading.Router.
type OrderRouter interface {
	Engine(mode string) (trading.Engine, error)
}

// Service owns the strategy lifecycle and the per-strategy tick.
type Service struct {
	strategies *Repository
	signals    *SignalRepository
	candles    *marketdata.CandleRepository
	indicators IndicatorSource
	router     OrderRouter
	sched      scheduler.Scheduler
	bus        *events.Bus
	log        zerolog.Logger

	mu       sync.Mutex
	failures map[string][]time.Time
}

// NewService creates the strategy executor.
func NewService(
	strategies *Repository,
	signals *SignalRepository,
	candles *marketdata.CandleRepository,
	indicators IndicatorSource,
	router OrderRouter,
	sched scheduler.Scheduler,
	bus *events.Bus,
	log zerolog.Logger,
) *Service {
	return &Service{
		strategies: strategies,
		signals:    signals,
		candles:    candles,
		indicators: indicators,
		router:     router,
		sched:      sched,
		bus:        bus,
		log:        log.With().Str("component", "strategy").Logger(),
		failures:   make(map[string][]time.Time),
	}
}

// Handler adapts Tick to the scheduler handler contract.
func (s *Service) Handler() scheduler.Handler {
	return func(ctx context.Context, args map[string]any) (scheduler.Result, error) {
		strategyID, _ := args["strategy_id"].(string)
		if strategyID == "" {
			return scheduler.Result{}, domain.NewError(domain.KindBadRequest, "missing strategy_id argument")
		}
		symbol, _ := args["symbol"].(string)
		signals, err := s.Tick(ctx, strategyID)
		return scheduler.Result{Records: signals, Symbol: symbol}, err
	}
}

// Tick runs one evaluation: load candles, refresh indicators, evaluate the
// handler, persist the signal, and dispatch the order in trading modes.
// Returns the number of signals generated (0 or 1).
func (s *Service) Tick(ctx context.Context, strategyID string) (int, error) {
	strat, err := s.strategies.Get(strategyID)
	if err != nil {
		return 0, err
	}
	if strat.Status != StatusActive {
		s.log.Debug().Str("strategy_id", strategyID).Str("status", strat.Status).
			Msg("Skipping tick for non-active strategy")
		return 0, nil
	}

	candles, err := s.candles.Recent(strat.Symbol, strat.Timeframe, CandleWindow)
	if err != nil {
		return 0, s.recordFailure(strat, err)
	}
	if len(candles) == 0 {
		// The collector has not filled this series yet.
		s.log.Debug().Str("strategy_id", strategyID).Str("symbol", strat.Symbol).
			Msg("No candles for strategy tick")
		return 0, nil
	}

	// Samples are keyed idempotently, so refreshing is safe even when
	// another pass already wrote them.
	if _, err := s.indicators.Recompute(ctx, strat.Symbol, strat.Timeframe, CandleWindow); err != nil {
		return 0, s.recordFailure(strat, err)
	}
	snapshot, err := s.indicators.Snapshot(strat.Symbol, strat.Timeframe, snapshotNames)
	if err != nil {
		return 0, s.recordFailure(strat, err)
	}

	handler, err := HandlerFor(strat.Type)
	if err != nil {
		return 0, s.recordFailure(strat, err)
	}
	eval, err := handler(Frame{Candles: candles, Indicators: snapshot, Params: strat.Parameters})
	if err != nil {
		return 0, s.recordFailure(strat, err)
	}

	now := time.Now().UTC()
	s.clearFailures(strategyID)
	if eval == nil || eval.Action == ActionHold {
		_ = s.strategies.RecordRun(strategyID, 0, now)
		return 0, nil
	}

	lastCandle := candles[len(candles)-1]
	sig := &Signal{
		StrategyID: strategyID,
		Symbol:     strat.Symbol,
		Timestamp:  lastCandle.OpenTime,
		Action:     eval.Action,
		Strength:   eval.Strength,
		Confidence: eval.Confidence,
		Price:      lastCandle.Close,
		Quantity:   eval.Quantity,
		Indicators: snapshotValues(snapshot),
		Reasoning:  eval.Reasoning,
	}
	if err := s.signals.Insert(sig); err != nil {
		return 0, s.recordFailure(strat, err)
	}

	if strat.Mode != ModeAdvisory {
		if err := s.dispatch(ctx, strat, eval, lastCandle.Close); err != nil {
			return 1, s.recordFailure(strat, err)
		}
	}

	_ = s.strategies.RecordRun(strategyID, 1, now)
	s.bus.EmitData(events.SignalGenerated, "strategy", strat.Owner, map[string]interface{}{
		"strategy_id": strategyID,
		"symbol":      strat.Symbol,
		"action":      sig.Action,
		"strength":    sig.Strength,
		"confidence":  sig.Confidence,
		"price":       sig.Price,
		"reasoning":   sig.Reasoning,
	})
	return 1, nil
}

// dispatch routes the order for a non-advisory strategy through the unified
// trading surface.
func (s *Service) dispatch(ctx context.Context, strat *Strategy, eval *Evaluation, price float64) error {
	engine, err := s.router.Engine(strat.Mode)
	if err != nil {
		return err
	}

	switch eval.Action {
	case ActionBuy:
		qty := eval.Quantity
		if qty == nil {
			amount := strat.Parameters.Float("position_size", DefaultPositionSize)
			q := decimal.NewFromFloat(amount).DivRound(decimal.NewFromFloat(price), 8)
			qty = &q
		}
		_, err = engine.Buy(ctx, strat.PortfolioID, paper.OrderRequest{
			Symbol:   strat.Symbol,
			Quantity: *qty,
		})
	case ActionSell:
		if eval.Quantity != nil {
			_, err = engine.Sell(ctx, strat.PortfolioID, paper.OrderRequest{
				Symbol:   strat.Symbol,
				Quantity: *eval.Quantity,
			})
		} else {
			_, err = engine.ClosePosition(ctx, strat.PortfolioID, strat.Symbol, nil)
		}
	}
	// A sell against a flat book is a no-op, not a strategy failure.
	if domain.IsKind(err, domain.KindBadRequest) {
		s.log.Debug().Err(err).Str("strategy_id", strat.ID).Msg("Order skipped")
		return nil
	}
	return err
}

// recordFailure counts a tick failure against the error budget. Exhausting
// the budget flips the strategy to error; the scheduler job stays registered
// so an explicit resume can pick up where it left off.
func (s *Service) recordFailure(strat *Strategy, cause error) error {
	_ = s.strategies.RecordError(strat.ID, cause.Error())

	now := time.Now().UTC()
	s.mu.Lock()
	window := s.failures[strat.ID]
	pruned := window[:0]
	for _, at := range window {
		if now.Sub(at) < ErrorBudgetWindow {
			pruned = append(pruned, at)
		}
	}
	pruned = append(pruned, now)
	s.failures[strat.ID] = pruned
	exhausted := len(pruned) >= ErrorBudgetLimit
	s.mu.Unlock()

	if exhausted && strat.Status == StatusActive {
		if err := s.strategies.SetStatus(strat.ID, StatusError, cause.Error()); err != nil {
			s.log.Error().Err(err).Str("strategy_id", strat.ID).Msg("Failed to flip strategy to error")
		} else {
			s.log.Warn().Str("strategy_id", strat.ID).Int("failures", ErrorBudgetLimit).
				Msg("Strategy error budget exhausted")
			s.emitStatus(strat, StatusError)
		}
	}
	return cause
}

func (s *Service) clearFailures(strategyID string) {
	s.mu.Lock()
	delete(s.failures, strategyID)
	s.mu.Unlock()
}

// Create validates and persists a new strategy in the inactive state.
func (s *Service) Create(strat Strategy) (*Strategy, error) {
	if strat.Mode == "" {
		strat.Mode = ModePaper
	}
	if strat.IntervalS == 0 {
		strat.IntervalS = DefaultIntervalS
	}
	if strat.Parameters == nil {
		strat.Parameters = Params{}
	}
	if err := strat.Validate(); err != nil {
		return nil, err
	}
	if strat.Mode == ModePaper && strat.PortfolioID == "" {
		return nil, domain.NewError(domain.KindBadRequest, "paper strategies need a portfolio_id")
	}

	if strat.ID == "" {
		strat.ID = uuid.NewString()
	}
	strat.Status = StatusInactive
	now := time.Now().UTC()
	strat.CreatedAt = now
	strat.UpdatedAt = now
	if err := s.strategies.Create(strat); err != nil {
		return nil, err
	}

	s.log.Info().Str("strategy_id", strat.ID).Str("type", strat.Type).
		Str("symbol", strat.Symbol).Msg("Strategy created")
	return &strat, nil
}

// Get returns one strategy.
func (s *Service) Get(id string) (*Strategy, error) {
	return s.strategies.Get(id)
}

// List returns strategies, optionally filtered by owner.
func (s *Service) List(owner string) ([]Strategy, error) {
	return s.strategies.List(owner)
}

// Signals returns the recent signal history for a strategy.
func (s *Service) Signals(strategyID string, limit int) ([]Signal, error) {
	if _, err := s.strategies.Get(strategyID); err != nil {
		return nil, err
	}
	return s.signals.Recent(strategyID, limit)
}

// Update rewrites a strategy's configuration. A running strategy keeps its
// job; an interval change is pushed to the scheduler.
func (s *Service) Update(strat Strategy) (*Strategy, error) {
	current, err := s.strategies.Get(strat.ID)
	if err != nil {
		return nil, err
	}
	strat.Owner = current.Owner
	strat.Type = current.Type
	if strat.IntervalS == 0 {
		strat.IntervalS = current.IntervalS
	}
	if strat.Parameters == nil {
		strat.Parameters = current.Parameters
	}
	if strat.Mode == "" {
		strat.Mode = current.Mode
	}
	if err := strat.Validate(); err != nil {
		return nil, err
	}

	if err := s.strategies.Update(strat); err != nil {
		return nil, err
	}
	if current.Status == StatusActive && strat.IntervalS != current.IntervalS {
		if err := s.sched.UpdateJob(jobIDFor(strat.ID), scheduler.Every(strat.Interval())); err != nil {
			return nil, err
		}
	}
	return s.strategies.Get(strat.ID)
}

// Delete stops a strategy and removes it. Signal history is retained for the
// retention window.
func (s *Service) Delete(id string) error {
	strat, err := s.strategies.Get(id)
	if err != nil {
		return err
	}
	if strat.Status == StatusActive || strat.Status == StatusPaused || strat.Status == StatusError {
		if err := s.sched.RemoveJob(jobIDFor(id)); err != nil && !domain.IsKind(err, domain.KindNotFound) {
			return err
		}
	}
	s.clearFailures(id)
	return s.strategies.Delete(id)
}

// Start activates a strategy and binds its scheduler job. Starting an active
// strategy is a no-op; paused and errored strategies resume instead.
func (s *Service) Start(id string) error {
	strat, err := s.strategies.Get(id)
	if err != nil {
		return err
	}
	switch strat.Status {
	case StatusActive:
		return nil
	case StatusPaused, StatusError:
		return domain.Errorf(domain.KindConflict, "strategy %q is %s, use resume or stop", id, strat.Status)
	}

	if err := s.strategies.SetStatus(id, StatusActive, ""); err != nil {
		return err
	}
	if err := s.addJob(strat); err != nil {
		// Keep the transition atomic: no job, no active status.
		_ = s.strategies.SetStatus(id, StatusInactive, "")
		return err
	}

	s.log.Info().Str("strategy_id", id).Msg("Strategy started")
	s.emitStatus(strat, StatusActive)
	return nil
}

// Stop deactivates a strategy and removes its job. Stop is the universal
// exit: it also clears paused and errored states.
func (s *Service) Stop(id string) error {
	strat, err := s.strategies.Get(id)
	if err != nil {
		return err
	}
	if strat.Status == StatusInactive {
		return nil
	}

	if err := s.sched.RemoveJob(jobIDFor(id)); err != nil && !domain.IsKind(err, domain.KindNotFound) {
		return err
	}
	if err := s.strategies.SetStatus(id, StatusInactive, ""); err != nil {
		return err
	}
	s.clearFailures(id)

	s.log.Info().Str("strategy_id", id).Msg("Strategy stopped")
	s.emitStatus(strat, StatusInactive)
	return nil
}

// Pause suspends firing without losing the job.
func (s *Service) Pause(id string) error {
	strat, err := s.strategies.Get(id)
	if err != nil {
		return err
	}
	if strat.Status != StatusActive {
		return domain.Errorf(domain.KindConflict, "strategy %q is %s, not active", id, strat.Status)
	}

	if err := s.sched.PauseJob(jobIDFor(id)); err != nil {
		return err
	}
	if err := s.strategies.SetStatus(id, StatusPaused, ""); err != nil {
		return err
	}
	s.emitStatus(strat, StatusPaused)
	return nil
}

// Resume reactivates a paused strategy, or clears the error state of one
// whose budget was exhausted.
func (s *Service) Resume(id string) error {
	strat, err := s.strategies.Get(id)
	if err != nil {
		return err
	}
	if strat.Status != StatusPaused && strat.Status != StatusError {
		return domain.Errorf(domain.KindConflict, "strategy %q is %s, nothing to resume", id, strat.Status)
	}

	// An errored strategy's job kept firing, so the scheduler may consider
	// it active already.
	if err := s.sched.ResumeJob(jobIDFor(id)); err != nil && !domain.IsKind(err, domain.KindConflict) {
		return err
	}
	if err := s.strategies.SetStatus(id, StatusActive, ""); err != nil {
		return err
	}
	s.clearFailures(id)

	s.log.Info().Str("strategy_id", id).Msg("Strategy resumed")
	s.emitStatus(strat, StatusActive)
	return nil
}

// ReloadJobs rebinds scheduler jobs for every strategy that should be firing.
// Called once on startup. Errored strategies keep firing so their ticks stay
// observable; paused strategies stay parked.
func (s *Service) ReloadJobs() error {
	for _, status := range []string{StatusActive, StatusError} {
		strategies, err := s.strategies.ListByStatus(status)
		if err != nil {
			return err
		}
		for i := range strategies {
			if err := s.addJob(&strategies[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) addJob(strat *Strategy) error {
	_, err := s.sched.AddJob(scheduler.JobSpec{
		ID:          jobIDFor(strat.ID),
		Trigger:     scheduler.Every(strat.Interval()),
		HandlerName: HandlerName,
		HandlerArgs: map[string]any{
			"strategy_id": strat.ID,
			"symbol":      strat.Symbol,
		},
		MaxInstances: 1,
	})
	return err
}

func (s *Service) emitStatus(strat *Strategy, status string) {
	s.bus.EmitData(events.StrategyChanged, "strategy", strat.Owner, map[string]interface{}{
		"strategy_id": strat.ID,
		"symbol":      strat.Symbol,
		"status":      status,
	})
}

func jobIDFor(strategyID string) string {
	return "strategy:" + strategyID
}

func snapshotValues(snapshot map[string]domain.IndicatorSample) map[string]float64 {
	if len(snapshot) == 0 {
		return nil
	}
	values := make(map[string]float64, len(snapshot))
	for name, sample := range snapshot {
		values[name] = sample.Value
	}
	return values
}
