// Package strategy runs the per-strategy evaluation loop: load candles,
// consult indicators, evaluate a pluggable handler, persist the signal, and
// optionally dispatch an order. Lifecycle transitions are atomic with the
// scheduler job that drives the ticks.
package strategy

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avendel/cryptodesk/internal/domain"
)

// Strategy statuses. error is reachable from any state when the handler
// exhausts its error budget, and only leavable by resume or stop.
const (
	StatusInactive = "inactive"
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusError    = "error"
)

// Execution modes. Advisory strategies emit signals without dispatching
// orders.
const (
	ModePaper    = "paper"
	ModeLive     = "live"
	ModeAdvisory = "advisory"
)

// Signal actions.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

// DefaultIntervalS is the tick interval when none is configured.
const DefaultIntervalS = 60

// Strategy is one configured trading strategy.
type Strategy struct {
	ID             string           `json:"id"`
	Owner          string           `json:"owner"`
	Type           string           `json:"type"`
	Parameters     Params           `json:"parameters"`
	Symbol         string           `json:"symbol"`
	Timeframe      domain.Timeframe `json:"timeframe"`
	InitialBalance decimal.Decimal  `json:"initial_balance"`
	CommissionRate decimal.Decimal  `json:"commission_rate"`
	Mode           string           `json:"mode"`
	PortfolioID    string           `json:"portfolio_id,omitempty"`
	Status         string           `json:"status"`
	IntervalS      int              `json:"interval_s"`
	TotalSignals   int              `json:"total_signals"`
	TotalErrors    int              `json:"total_errors"`
	LastError      string           `json:"last_error,omitempty"`
	LastRunAt      *time.Time       `json:"last_run_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Validate checks the fields a strategy needs before it can tick.
func (s Strategy) Validate() error {
	if s.Owner == "" {
		return domain.NewError(domain.KindBadRequest, "strategy owner is required")
	}
	if _, ok := builtinHandlers[s.Type]; !ok {
		return domain.Errorf(domain.KindBadRequest, "unknown strategy type %q", s.Type)
	}
	if s.Symbol == "" {
		return domain.NewError(domain.KindBadRequest, "strategy symbol is required")
	}
	if !domain.ValidTimeframe(s.Timeframe) {
		return domain.Errorf(domain.KindBadRequest, "invalid timeframe %q", s.Timeframe)
	}
	switch s.Mode {
	case ModePaper, ModeLive, ModeAdvisory:
	default:
		return domain.Errorf(domain.KindBadRequest, "unknown strategy mode %q", s.Mode)
	}
	if s.IntervalS < 1 {
		return domain.NewError(domain.KindBadRequest, "strategy interval must be at least 1s")
	}
	return nil
}

// Interval returns the tick interval.
func (s Strategy) Interval() time.Duration {
	return time.Duration(s.IntervalS) * time.Second
}

// Params is the free-form per-strategy parameter map persisted as JSON.
type Params map[string]interface{}

// Float reads a numeric parameter, falling back when absent or mistyped.
// JSON decoding yields float64 for all numbers.
func (p Params) Float(key string, fallback float64) float64 {
	v, ok := p[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return fallback
	}
}

// Int reads an integral parameter.
func (p Params) Int(key string, fallback int) int {
	return int(p.Float(key, float64(fallback)))
}

func (p Params) marshal() (string, error) {
	if p == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", domain.WrapError(domain.KindBadRequest, "marshal strategy parameters", err)
	}
	return string(raw), nil
}

func unmarshalParams(raw string) (Params, error) {
	if raw == "" {
		return Params{}, nil
	}
	var p Params
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, domain.WrapError(domain.KindInternal, "unmarshal strategy parameters", err)
	}
	return p, nil
}

// Signal is one append-only evaluation outcome.
type Signal struct {
	ID         int64              `json:"id"`
	StrategyID string             `json:"strategy_id"`
	Symbol     string             `json:"symbol"`
	Timestamp  time.Time          `json:"timestamp"`
	Action     string             `json:"action"`
	Strength   float64            `json:"strength"`
	Confidence float64            `json:"confidence"`
	Price      float64            `json:"price"`
	Quantity   *decimal.Decimal   `json:"quantity,omitempty"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	Reasoning  string             `json:"reasoning,omitempty"`
}
