// Package trading routes order flow to the paper engine or to the live venue
// depending on the caller's mode, behind one contract.
package trading

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/avendel/cryptodesk/internal/domain"
	"github.com/avendel/cryptodesk/internal/modules/paper"
)

// Trading modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Engine is the single trading contract callers see regardless of mode.
// Result shapes follow the paper schema; the live implementation adapts venue
// responses into it.
type Engine interface {
	Buy(ctx context.Context, portfolioID string, req paper.OrderRequest) (*paper.Trade, error)
	Sell(ctx context.Context, portfolioID string, req paper.OrderRequest) (*paper.Trade, error)
	ClosePosition(ctx context.Context, portfolioID, symbol string, price *decimal.Decimal) (*paper.Trade, error)
	MarkToMarket(ctx context.Context, portfolioID string) (*paper.Portfolio, error)
	SetStopLoss(portfolioID, symbol string, price decimal.Decimal) error
	SetTakeProfit(portfolioID, symbol string, price decimal.Decimal) error
	Positions(portfolioID string) ([]paper.Position, error)
	Balances(portfolioID string) ([]paper.Balance, error)
	TradeHistory(portfolioID string, limit int) ([]paper.Trade, error)
}

// Router dispatches to the engine matching a caller's mode.
type Router struct {
	paper Engine
	live  Engine
	log   zerolog.Logger
}

// NewRouter creates the mode dispatcher. live may be nil when no venue
// credentials are configured.
func NewRouter(paperEngine, liveEngine Engine, log zerolog.Logger) *Router {
	return &Router{
		paper: paperEngine,
		live:  liveEngine,
		log:   log.With().Str("component", "trading").Logger(),
	}
}

// Engine returns the engine for a mode. An empty mode defaults to paper.
func (r *Router) Engine(mode string) (Engine, error) {
	switch mode {
	case "", ModePaper:
		return r.paper, nil
	case ModeLive:
		if r.live == nil {
			return nil, domain.NewError(domain.KindNotImplemented, "live trading is not configured")
		}
		return r.live, nil
	default:
		return nil, domain.Errorf(domain.KindBadRequest, "unknown trading mode %q", mode)
	}
}
