package trading

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avendel/cryptodesk/internal/domain"
	"github.com/avendel/cryptodesk/internal/modules/paper"
)

// stubEngine counts calls so tests can see which engine the router picked.
type stubEngine struct {
	buys int
}

func (e *stubEngine) Buy(ctx context.Context, portfolioID string, req paper.OrderRequest) (*paper.Trade, error) {
	e.buys++
	return &paper.Trade{PortfolioID: portfolioID, Symbol: req.Symbol, Side: paper.SideBuy}, nil
}

func (e *stubEngine) Sell(ctx context.Context, portfolioID string, req paper.OrderRequest) (*paper.Trade, error) {
	return nil, nil
}

func (e *stubEngine) ClosePosition(ctx context.Context, portfolioID, symbol string, price *decimal.Decimal) (*paper.Trade, error) {
	return nil, nil
}

func (e *stubEngine) MarkToMarket(ctx context.Context, portfolioID string) (*paper.Portfolio, error) {
	return nil, nil
}

func (e *stubEngine) SetStopLoss(portfolioID, symbol string, price decimal.Decimal) error { return nil }

func (e *stubEngine) SetTakeProfit(portfolioID, symbol string, price decimal.Decimal) error {
	return nil
}

func (e *stubEngine) Positions(portfolioID string) ([]paper.Position, error) { return nil, nil }

func (e *stubEngine) Balances(portfolioID string) ([]paper.Balance, error) { return nil, nil }

func (e *stubEngine) TradeHistory(portfolioID string, limit int) ([]paper.Trade, error) {
	return nil, nil
}

func TestRouterSelectsEngineByMode(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	paperEngine := &stubEngine{}
	liveEngine := &stubEngine{}
	router := NewRouter(paperEngine, liveEngine, log)

	engine, err := router.Engine(ModePaper)
	require.NoError(t, err)
	_, err = engine.Buy(context.Background(), "p1", paper.OrderRequest{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, 1, paperEngine.buys)
	assert.Equal(t, 0, liveEngine.buys)

	// Empty mode defaults to paper.
	engine, err = router.Engine("")
	require.NoError(t, err)
	_, err = engine.Buy(context.Background(), "p1", paper.OrderRequest{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, 2, paperEngine.buys)

	engine, err = router.Engine(ModeLive)
	require.NoError(t, err)
	_, err = engine.Buy(context.Background(), "p1", paper.OrderRequest{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, 1, liveEngine.buys)

	_, err = router.Engine("advisory")
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))
}

func TestRouterWithoutLiveEngine(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	router := NewRouter(&stubEngine{}, nil, log)

	_, err := router.Engine(ModeLive)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNotImplemented))
}

func TestLiveServiceUnimplementedSurface(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	live := NewLiveService(nil, log)
	ctx := context.Background()

	_, err := live.MarkToMarket(ctx, "p1")
	assert.True(t, domain.IsKind(err, domain.KindNotImplemented))

	_, err = live.ClosePosition(ctx, "p1", "BTCUSDT", nil)
	assert.True(t, domain.IsKind(err, domain.KindNotImplemented))

	err = live.SetStopLoss("p1", "BTCUSDT", decimal.NewFromInt(45000))
	assert.True(t, domain.IsKind(err, domain.KindNotImplemented))

	_, err = live.Positions("p1")
	assert.True(t, domain.IsKind(err, domain.KindNotImplemented))

	_, err = live.TradeHistory("p1", 10)
	assert.True(t, domain.IsKind(err, domain.KindNotImplemented))
}

// The paper engine must satisfy the unified contract.
var _ Engine = (*paper.Service)(nil)

var _ Engine = (*LiveService)(nil)
