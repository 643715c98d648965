// Package paper implements the paper-trading engine: virtual portfolios,
// average-cost positions, and trade ledgers under strict accounting
// invariants. All money math is fixed-point decimal; floats appear only at
// the API boundary.
package paper

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides and the order types the engine accepts.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Portfolio is a virtual account. Invariants, maintained on every commit:
// total_value = cash + invested_value and total_pnl = realized + unrealized.
type Portfolio struct {
	ID             string          `json:"id"`
	Owner          string          `json:"owner"`
	Name           string          `json:"name"`
	Mode           string          `json:"mode"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Cash           decimal.Decimal `json:"cash"`
	InvestedValue  decimal.Decimal `json:"invested_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	MaxDrawdown    decimal.Decimal `json:"max_drawdown"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	TotalTrades    int             `json:"total_trades"`
	WinningTrades  int             `json:"winning_trades"`
	LosingTrades   int             `json:"losing_trades"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// WinRate returns winning trades over closed trades, in [0,1].
func (p Portfolio) WinRate() float64 {
	closed := p.WinningTrades + p.LosingTrades
	if closed == 0 {
		return 0
	}
	return float64(p.WinningTrades) / float64(closed)
}

// Position is an open holding. avg_entry_price is the fee-free average buy
// price; total_cost is cumulative cash outlay including fees. Active iff
// quantity > 0.
type Position struct {
	ID            string           `json:"id"`
	PortfolioID   string           `json:"portfolio_id"`
	Symbol        string           `json:"symbol"`
	Quantity      decimal.Decimal  `json:"quantity"`
	AvgEntryPrice decimal.Decimal  `json:"avg_entry_price"`
	TotalCost     decimal.Decimal  `json:"total_cost"`
	CurrentPrice  decimal.Decimal  `json:"current_price"`
	MarketValue   decimal.Decimal  `json:"market_value"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
	Active        bool             `json:"active"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Trade is one immutable ledger row.
type Trade struct {
	ID             string           `json:"id"`
	PortfolioID    string           `json:"portfolio_id"`
	PositionID     string           `json:"position_id,omitempty"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Price          decimal.Decimal  `json:"price"`
	TotalValue     decimal.Decimal  `json:"total_value"`
	Fee            decimal.Decimal  `json:"fee"`
	NetCost        decimal.Decimal  `json:"net_cost"`
	RealizedPnL    *decimal.Decimal `json:"realized_pnl,omitempty"`
	RealizedPnLPct *decimal.Decimal `json:"realized_pnl_pct,omitempty"`
	OrderType      string           `json:"order_type"`
	Status         string           `json:"status"`
	ExecutedAt     time.Time        `json:"executed_at"`
}

// Balance is a per-asset holding. total = free + locked.
type Balance struct {
	PortfolioID string          `json:"portfolio_id"`
	Asset       string          `json:"asset"`
	Free        decimal.Decimal `json:"free"`
	Locked      decimal.Decimal `json:"locked"`
	USDValue    decimal.Decimal `json:"usd_value"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Total returns free + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// quoteAssets are recognized quote suffixes, longest first so USDT wins over
// USD and BTC quotes don't shadow BTC bases.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB", "EUR", "USD"}

// splitSymbol derives (base, quote) from a concatenated pair symbol.
func splitSymbol(symbol string) (string, string) {
	upper := strings.ToUpper(symbol)
	for _, quote := range quoteAssets {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return upper[:len(upper)-len(quote)], quote
		}
	}
	return upper, "USDT"
}
