package trading

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/avendel/cryptodesk/internal/clients/binance"
	"github.com/avendel/cryptodesk/internal/domain"
	"github.com/avendel/cryptodesk/internal/modules/paper"
)

// LiveService places real orders on the venue and adapts the results into the
// paper schema. Portfolio-level accounting stays on the venue side, so the
// local bookkeeping operations report NotImplemented instead of guessing.
type LiveService struct {
	client *binance.Client
	log    zerolog.Logger
}

// NewLiveService wraps the venue client.
func NewLiveService(client *binance.Client, log zerolog.Logger) *LiveService {
	return &LiveService{
		client: client,
		log:    log.With().Str("component", "trading_live").Logger(),
	}
}

// Buy places a real order on the venue.
func (s *LiveService) Buy(ctx context.Context, portfolioID string, req paper.OrderRequest) (*paper.Trade, error) {
	return s.placeOrder(ctx, portfolioID, binance.SideBuy, req)
}

// Sell places a real order on the venue.
func (s *LiveService) Sell(ctx context.Context, portfolioID string, req paper.OrderRequest) (*paper.Trade, error) {
	return s.placeOrder(ctx, portfolioID, binance.SideSell, req)
}

func (s *LiveService) placeOrder(ctx context.Context, portfolioID string, side binance.OrderSide, req paper.OrderRequest) (*paper.Trade, error) {
	orderType := binance.OrderTypeMarket
	if req.OrderType == paper.OrderTypeLimit {
		orderType = binance.OrderTypeLimit
	}

	res, err := s.client.CreateOrder(ctx, binance.OrderRequest{
		Symbol:   req.Symbol,
		Side:     side,
		Type:     orderType,
		Quantity: req.Quantity,
		Price:    req.Price,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("symbol", req.Symbol).Str("side", string(side)).
		Int64("order_id", res.OrderID).Str("status", res.Status).Msg("Live order placed")

	executedAt := res.TransactAt
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}
	return &paper.Trade{
		ID:          strconv.FormatInt(res.OrderID, 10),
		PortfolioID: portfolioID,
		Symbol:      req.Symbol,
		Side:        string(side),
		Quantity:    res.FilledQty,
		Price:       res.AvgPrice,
		TotalValue:  res.FilledQty.Mul(res.AvgPrice),
		OrderType:   string(orderType),
		Status:      res.Status,
		ExecutedAt:  executedAt,
	}, nil
}

// Balances maps the venue account balances into the paper shape. The
// portfolio id is carried through for contract symmetry only.
func (s *LiveService) Balances(portfolioID string) ([]paper.Balance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	venueBalances, err := s.client.Balances(ctx)
	if err != nil {
		return nil, err
	}

	balances := make([]paper.Balance, 0, len(venueBalances))
	for _, b := range venueBalances {
		balances = append(balances, paper.Balance{
			PortfolioID: portfolioID,
			Asset:       b.Asset,
			Free:        b.Free,
			Locked:      b.Locked,
			UpdatedAt:   time.Now().UTC(),
		})
	}
	return balances, nil
}

// The remaining bookkeeping operations have no venue-side equivalent yet.

func (s *LiveService) ClosePosition(ctx context.Context, portfolioID, symbol string, price *decimal.Decimal) (*paper.Trade, error) {
	return nil, domain.NewError(domain.KindNotImplemented, "live close_position is not implemented")
}

func (s *LiveService) MarkToMarket(ctx context.Context, portfolioID string) (*paper.Portfolio, error) {
	return nil, domain.NewError(domain.KindNotImplemented, "live mark_to_market is not implemented")
}

func (s *LiveService) SetStopLoss(portfolioID, symbol string, price decimal.Decimal) error {
	return domain.NewError(domain.KindNotImplemented, "live stop loss orders are not implemented")
}

func (s *LiveService) SetTakeProfit(portfolioID, symbol string, price decimal.Decimal) error {
	return domain.NewError(domain.KindNotImplemented, "live take profit orders are not implemented")
}

func (s *LiveService) Positions(portfolioID string) ([]paper.Position, error) {
	return nil, domain.NewError(domain.KindNotImplemented, "live position tracking is not implemented")
}

func (s *LiveService) TradeHistory(portfolioID string, limit int) ([]paper.Trade, error) {
	return nil, domain.NewError(domain.KindNotImplemented, "live trade history is not implemented")
}
