package paper

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/avendel/cryptodesk/internal/database"
	"github.com/avendel/cryptodesk/internal/domain"
	"github.com/avendel/cryptodesk/internal/events"
)

// DefaultCommissionRate applies when a portfolio is created without one.
var DefaultCommissionRate = decimal.NewFromFloat(0.001)

// moneyScale is the fixed-point precision for all division results.
const moneyScale = 8

// PriceSource resolves the mark price for a symbol. Satisfied by
// marketdata.CandleRepository.
type PriceSource interface {
	LatestClose(symbol string) (float64, error)
}

// OrderRequest describes a buy or sell. Price nil means "resolve from the
// latest candle close".
type OrderRequest struct {
	Symbol    string
	Quantity  decimal.Decimal
	Price     *decimal.Decimal
	OrderType string
}

// Service is the paper-trading engine. Every mutation runs inside one
// transaction under a per-portfolio mutex, so trade commits for a portfolio
// are totally ordered and either apply fully or not at all.
type Service struct {
	db     *sql.DB
	prices PriceSource
	bus    *events.Bus
	log    zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	portfolios portfolioStore
	positions  positionStore
	trades     tradeStore
	balances   balanceStore
}

// NewService creates the paper-trading service.
func NewService(db *sql.DB, prices PriceSource, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		db:     db,
		prices: prices,
		bus:    bus,
		log:    log.With().Str("component", "paper").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
}

// portfolioLock returns the mutex serializing mutations for one portfolio.
func (s *Service) portfolioLock(portfolioID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[portfolioID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[portfolioID] = l
	}
	return l
}

// CreatePortfolio opens a virtual account and seeds its quote balance with
// the initial capital.
func (s *Service) CreatePortfolio(owner, name string, initialCapital, commissionRate decimal.Decimal) (*Portfolio, error) {
	if owner == "" {
		return nil, domain.NewError(domain.KindBadRequest, "owner is required")
	}
	if !initialCapital.IsPositive() {
		return nil, domain.NewError(domain.KindBadRequest, "initial capital must be positive")
	}
	// Zero is a valid rate; callers wanting the default pass DefaultCommissionRate.
	if commissionRate.IsNegative() {
		return nil, domain.NewError(domain.KindBadRequest, "commission rate must not be negative")
	}

	now := time.Now().UTC()
	p := Portfolio{
		ID:             uuid.NewString(),
		Owner:          owner,
		Name:           name,
		Mode:           "paper",
		InitialCapital: initialCapital,
		Cash:           initialCapital,
		TotalValue:     initialCapital,
		CommissionRate: commissionRate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		if err := s.portfolios.insert(tx, p); err != nil {
			return err
		}
		return s.balances.upsert(tx, Balance{
			PortfolioID: p.ID,
			Asset:       "USDT",
			Free:        initialCapital,
			USDValue:    initialCapital,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("portfolio_id", p.ID).Str("owner", owner).
		Str("initial_capital", initialCapital.String()).Msg("Portfolio created")
	return &p, nil
}

// GetPortfolio returns one portfolio by id.
func (s *Service) GetPortfolio(portfolioID string) (*Portfolio, error) {
	return s.portfolios.get(s.db, portfolioID)
}

// ListPortfolios returns all portfolios for an owner.
func (s *Service) ListPortfolios(owner string) ([]Portfolio, error) {
	return s.portfolios.listByOwner(s.db, owner)
}

// Positions returns the active positions of a portfolio.
func (s *Service) Positions(portfolioID string) ([]Position, error) {
	return s.positions.listActive(s.db, portfolioID)
}

// Balances returns the per-asset balances of a portfolio.
func (s *Service) Balances(portfolioID string) ([]Balance, error) {
	return s.balances.list(s.db, portfolioID)
}

// Balance returns one asset balance, zero-valued when the asset was never
// touched.
func (s *Service) Balance(portfolioID, asset string) (Balance, error) {
	return s.balances.get(s.db, portfolioID, asset)
}

// TradeHistory returns the most recent trades, newest first.
func (s *Service) TradeHistory(portfolioID string, limit int) ([]Trade, error) {
	return s.trades.history(s.db, portfolioID, limit)
}

// Buy opens or averages into a position. Cash decreases by gross + fee; the
// fee-free average entry price is maintained incrementally while total_cost
// carries the full cash outlay.
func (s *Service) Buy(ctx context.Context, portfolioID string, req OrderRequest) (*Trade, error) {
	lock := s.portfolioLock(portfolioID)
	lock.Lock()
	defer lock.Unlock()

	var (
		trade     *Trade
		portfolio *Portfolio
	)
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		p, err := s.portfolios.get(tx, portfolioID)
		if err != nil {
			return err
		}
		qty, price, orderType, err := s.resolveOrder(req)
		if err != nil {
			return err
		}

		gross := qty.Mul(price)
		fee := gross.Mul(p.CommissionRate)
		totalOut := gross.Add(fee)
		if p.Cash.LessThan(totalOut) {
			return domain.Errorf(domain.KindBadRequest,
				"insufficient funds: need %s, have %s", totalOut.String(), p.Cash.String())
		}

		pos, err := s.positions.activeBySymbol(tx, portfolioID, req.Symbol)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if pos == nil {
			pos = &Position{
				ID:            uuid.NewString(),
				PortfolioID:   portfolioID,
				Symbol:        req.Symbol,
				Quantity:      qty,
				AvgEntryPrice: price,
				TotalCost:     totalOut,
				CurrentPrice:  price,
				MarketValue:   gross,
				UnrealizedPnL: gross.Sub(totalOut),
				Active:        true,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := s.positions.insert(tx, *pos); err != nil {
				return err
			}
		} else {
			newQty := pos.Quantity.Add(qty)
			pos.AvgEntryPrice = pos.Quantity.Mul(pos.AvgEntryPrice).Add(gross).DivRound(newQty, moneyScale)
			pos.Quantity = newQty
			pos.TotalCost = pos.TotalCost.Add(totalOut)
			pos.CurrentPrice = price
			pos.MarketValue = newQty.Mul(price)
			pos.UnrealizedPnL = pos.MarketValue.Sub(pos.TotalCost)
			if err := s.positions.update(tx, *pos); err != nil {
				return err
			}
		}

		p.Cash = p.Cash.Sub(totalOut)
		if err := s.adjustBalances(tx, portfolioID, req.Symbol, qty, totalOut.Neg(), price); err != nil {
			return err
		}

		trade = &Trade{
			ID:          uuid.NewString(),
			PortfolioID: portfolioID,
			PositionID:  pos.ID,
			Symbol:      req.Symbol,
			Side:        SideBuy,
			Quantity:    qty,
			Price:       price,
			TotalValue:  gross,
			Fee:         fee,
			NetCost:     totalOut,
			OrderType:   orderType,
			Status:      "filled",
			ExecutedAt:  now,
		}
		if err := s.trades.insert(tx, *trade); err != nil {
			return err
		}

		if err := s.rollup(tx, p); err != nil {
			return err
		}
		portfolio = p
		return s.portfolios.update(tx, *p)
	})
	if err != nil {
		return nil, err
	}

	s.emitTrade(portfolio, trade)
	return trade, nil
}

// Sell reduces or closes a position. The realized P&L is computed against the
// fee-inclusive cost of the sold fraction, so a zero-P&L round trip loses
// exactly the two commissions.
func (s *Service) Sell(ctx context.Context, portfolioID string, req OrderRequest) (*Trade, error) {
	lock := s.portfolioLock(portfolioID)
	lock.Lock()
	defer lock.Unlock()
	return s.sellLocked(portfolioID, req)
}

func (s *Service) sellLocked(portfolioID string, req OrderRequest) (*Trade, error) {
	var (
		trade     *Trade
		portfolio *Portfolio
	)
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		p, err := s.portfolios.get(tx, portfolioID)
		if err != nil {
			return err
		}
		qty, price, orderType, err := s.resolveOrder(req)
		if err != nil {
			return err
		}

		pos, err := s.positions.activeBySymbol(tx, portfolioID, req.Symbol)
		if err != nil {
			return err
		}
		if pos == nil {
			return domain.Errorf(domain.KindBadRequest, "no active position for %s", req.Symbol)
		}
		if pos.Quantity.LessThan(qty) {
			return domain.Errorf(domain.KindBadRequest,
				"insufficient quantity: have %s, selling %s", pos.Quantity.String(), qty.String())
		}

		gross := qty.Mul(price)
		fee := gross.Mul(p.CommissionRate)
		proceeds := gross.Sub(fee)
		costBasis := pos.TotalCost.Mul(qty).DivRound(pos.Quantity, moneyScale)
		realized := gross.Sub(costBasis).Sub(fee)
		var realizedPct decimal.Decimal
		if costBasis.IsPositive() {
			realizedPct = realized.DivRound(costBasis, moneyScale).Mul(decimal.NewFromInt(100))
		}

		now := time.Now().UTC()
		pos.Quantity = pos.Quantity.Sub(qty)
		pos.TotalCost = pos.TotalCost.Sub(costBasis)
		pos.CurrentPrice = price
		pos.MarketValue = pos.Quantity.Mul(price)
		pos.UnrealizedPnL = pos.MarketValue.Sub(pos.TotalCost)
		if pos.Quantity.IsZero() {
			pos.Active = false
			pos.MarketValue = decimal.Zero
			pos.UnrealizedPnL = decimal.Zero
		}
		if err := s.positions.update(tx, *pos); err != nil {
			return err
		}

		p.Cash = p.Cash.Add(proceeds)
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		p.TotalTrades++
		if realized.IsPositive() {
			p.WinningTrades++
		} else if realized.IsNegative() {
			p.LosingTrades++
		}
		if err := s.adjustBalances(tx, portfolioID, req.Symbol, qty.Neg(), proceeds, price); err != nil {
			return err
		}

		trade = &Trade{
			ID:             uuid.NewString(),
			PortfolioID:    portfolioID,
			PositionID:     pos.ID,
			Symbol:         req.Symbol,
			Side:           SideSell,
			Quantity:       qty,
			Price:          price,
			TotalValue:     gross,
			Fee:            fee,
			NetCost:        proceeds,
			RealizedPnL:    &realized,
			RealizedPnLPct: &realizedPct,
			OrderType:      orderType,
			Status:         "filled",
			ExecutedAt:     now,
		}
		if err := s.trades.insert(tx, *trade); err != nil {
			return err
		}

		if err := s.rollup(tx, p); err != nil {
			return err
		}
		portfolio = p
		return s.portfolios.update(tx, *p)
	})
	if err != nil {
		return nil, err
	}

	s.emitTrade(portfolio, trade)
	return trade, nil
}

// ClosePosition sells the full quantity of the active position for a symbol.
func (s *Service) ClosePosition(ctx context.Context, portfolioID, symbol string, price *decimal.Decimal) (*Trade, error) {
	lock := s.portfolioLock(portfolioID)
	lock.Lock()
	defer lock.Unlock()

	pos, err := s.positions.activeBySymbol(s.db, portfolioID, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, domain.Errorf(domain.KindBadRequest, "no active position for %s", symbol)
	}
	return s.sellLocked(portfolioID, OrderRequest{Symbol: symbol, Quantity: pos.Quantity, Price: price})
}

// SetStopLoss attaches a stop trigger to the active position for a symbol.
// Enforcement happens on the next mark-to-market pass.
func (s *Service) SetStopLoss(portfolioID, symbol string, price decimal.Decimal) error {
	return s.setTrigger(portfolioID, symbol, price, true)
}

// SetTakeProfit attaches a take-profit trigger to the active position.
func (s *Service) SetTakeProfit(portfolioID, symbol string, price decimal.Decimal) error {
	return s.setTrigger(portfolioID, symbol, price, false)
}

func (s *Service) setTrigger(portfolioID, symbol string, price decimal.Decimal, stop bool) error {
	if !price.IsPositive() {
		return domain.NewError(domain.KindBadRequest, "trigger price must be positive")
	}

	lock := s.portfolioLock(portfolioID)
	lock.Lock()
	defer lock.Unlock()

	pos, err := s.positions.activeBySymbol(s.db, portfolioID, symbol)
	if err != nil {
		return err
	}
	if pos == nil {
		return domain.Errorf(domain.KindBadRequest, "no active position for %s", symbol)
	}
	if stop {
		pos.StopLoss = &price
	} else {
		pos.TakeProfit = &price
	}
	return s.positions.update(s.db, *pos)
}

// MarkToMarket revalues every active position at the latest candle close and
// rolls the portfolio up. A symbol without market data degrades to
// market_value = total_cost and contributes no unrealized P&L; the pass still
// succeeds. Positions whose mark price crosses a stop-loss or take-profit
// trigger are closed with an internal full-quantity sell.
func (s *Service) MarkToMarket(ctx context.Context, portfolioID string) (*Portfolio, error) {
	lock := s.portfolioLock(portfolioID)
	lock.Lock()
	defer lock.Unlock()

	var (
		portfolio *Portfolio
		triggered []Position
	)
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		p, err := s.portfolios.get(tx, portfolioID)
		if err != nil {
			return err
		}
		positions, err := s.positions.listActive(tx, portfolioID)
		if err != nil {
			return err
		}

		triggered = triggered[:0]
		for i := range positions {
			pos := &positions[i]
			close, err := s.prices.LatestClose(pos.Symbol)
			switch {
			case domain.IsKind(err, domain.KindNoMarketData):
				pos.MarketValue = pos.TotalCost
				pos.UnrealizedPnL = decimal.Zero
			case err != nil:
				return err
			default:
				price := decimal.NewFromFloat(close)
				pos.CurrentPrice = price
				pos.MarketValue = pos.Quantity.Mul(price)
				pos.UnrealizedPnL = pos.MarketValue.Sub(pos.TotalCost)
				if triggerHit(*pos, price) {
					triggered = append(triggered, *pos)
				}
			}
			if err := s.positions.update(tx, *pos); err != nil {
				return err
			}
		}

		if err := s.rollup(tx, p); err != nil {
			return err
		}
		portfolio = p
		return s.portfolios.update(tx, *p)
	})
	if err != nil {
		return nil, err
	}

	for _, pos := range triggered {
		price := pos.CurrentPrice
		if _, err := s.sellLocked(portfolioID, OrderRequest{
			Symbol:   pos.Symbol,
			Quantity: pos.Quantity,
			Price:    &price,
		}); err != nil {
			s.log.Error().Err(err).Str("portfolio_id", portfolioID).
				Str("symbol", pos.Symbol).Msg("Trigger close failed")
			continue
		}
		s.log.Info().Str("portfolio_id", portfolioID).Str("symbol", pos.Symbol).
			Str("price", price.String()).Msg("Position closed by trigger")
	}
	if len(triggered) > 0 {
		if portfolio, err = s.portfolios.get(s.db, portfolioID); err != nil {
			return nil, err
		}
	}

	s.emitPortfolio(portfolio)
	return portfolio, nil
}

// resolveOrder validates an order and fills in the mark price when the caller
// did not pin one.
func (s *Service) resolveOrder(req OrderRequest) (qty, price decimal.Decimal, orderType string, err error) {
	if req.Symbol == "" {
		return qty, price, "", domain.NewError(domain.KindBadRequest, "symbol is required")
	}
	if !req.Quantity.IsPositive() {
		return qty, price, "", domain.NewError(domain.KindBadRequest, "quantity must be positive")
	}
	orderType = req.OrderType
	if orderType == "" {
		orderType = OrderTypeMarket
	}

	if req.Price != nil {
		price = *req.Price
	} else {
		close, err := s.prices.LatestClose(req.Symbol)
		if err != nil {
			return qty, price, "", err
		}
		price = decimal.NewFromFloat(close)
	}
	if !price.IsPositive() {
		return qty, price, "", domain.NewError(domain.KindBadRequest, "price must be positive")
	}
	return req.Quantity, price, orderType, nil
}

// rollup recomputes the portfolio aggregates from its active positions.
// max_drawdown only ever grows.
func (s *Service) rollup(q queryer, p *Portfolio) error {
	positions, err := s.positions.listActive(q, p.ID)
	if err != nil {
		return err
	}

	invested := decimal.Zero
	unrealized := decimal.Zero
	for _, pos := range positions {
		invested = invested.Add(pos.MarketValue)
		unrealized = unrealized.Add(pos.UnrealizedPnL)
	}
	p.InvestedValue = invested
	p.UnrealizedPnL = unrealized
	p.TotalValue = p.Cash.Add(invested)
	p.TotalPnL = p.RealizedPnL.Add(unrealized)

	if p.InitialCapital.IsPositive() {
		drawdown := p.InitialCapital.Sub(p.TotalValue).DivRound(p.InitialCapital, moneyScale)
		if drawdown.GreaterThan(p.MaxDrawdown) {
			p.MaxDrawdown = drawdown
		}
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// adjustBalances moves quantity into/out of the base asset and cash into/out
// of the quote asset. quoteDelta is negative on buys, positive on sells.
func (s *Service) adjustBalances(tx *sql.Tx, portfolioID, symbol string, baseDelta, quoteDelta, price decimal.Decimal) error {
	base, quote := splitSymbol(symbol)

	baseBal, err := s.balances.get(tx, portfolioID, base)
	if err != nil {
		return err
	}
	baseBal.Free = baseBal.Free.Add(baseDelta)
	baseBal.USDValue = baseBal.Free.Mul(price)
	if err := s.balances.upsert(tx, baseBal); err != nil {
		return err
	}

	quoteBal, err := s.balances.get(tx, portfolioID, quote)
	if err != nil {
		return err
	}
	quoteBal.Free = quoteBal.Free.Add(quoteDelta)
	quoteBal.USDValue = quoteBal.Free
	return s.balances.upsert(tx, quoteBal)
}

func triggerHit(pos Position, price decimal.Decimal) bool {
	if pos.StopLoss != nil && price.LessThanOrEqual(*pos.StopLoss) {
		return true
	}
	if pos.TakeProfit != nil && price.GreaterThanOrEqual(*pos.TakeProfit) {
		return true
	}
	return false
}

// emitTrade publishes the post-commit order and portfolio events. A failed
// delivery never affects the committed trade.
func (s *Service) emitTrade(p *Portfolio, t *Trade) {
	if p == nil || t == nil {
		return
	}
	data := map[string]interface{}{
		"portfolio_id": t.PortfolioID,
		"symbol":       t.Symbol,
		"side":         t.Side,
		"quantity":     t.Quantity.InexactFloat64(),
		"price":        t.Price.InexactFloat64(),
		"fee":          t.Fee.InexactFloat64(),
	}
	if t.RealizedPnL != nil {
		data["realized_pnl"] = t.RealizedPnL.InexactFloat64()
	}
	s.bus.EmitData(events.OrderExecuted, "paper", p.Owner, data)
	s.emitPortfolio(p)
}

func (s *Service) emitPortfolio(p *Portfolio) {
	if p == nil {
		return
	}
	s.bus.EmitData(events.PortfolioChanged, "paper", p.Owner, map[string]interface{}{
		"portfolio_id":   p.ID,
		"cash":           p.Cash.InexactFloat64(),
		"invested_value": p.InvestedValue.InexactFloat64(),
		"total_value":    p.TotalValue.InexactFloat64(),
		"realized_pnl":   p.RealizedPnL.InexactFloat64(),
		"unrealized_pnl": p.UnrealizedPnL.InexactFloat64(),
	})
}
