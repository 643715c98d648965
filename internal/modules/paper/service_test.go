package paper

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avendel/cryptodesk/internal/domain"
	"github.com/avendel/cryptodesk/internal/events"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE paper_portfolios (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT 'paper',
			initial_capital TEXT NOT NULL,
			cash TEXT NOT NULL,
			invested_value TEXT NOT NULL DEFAULT '0',
			total_value TEXT NOT NULL,
			realized_pnl TEXT NOT NULL DEFAULT '0',
			unrealized_pnl TEXT NOT NULL DEFAULT '0',
			total_pnl TEXT NOT NULL DEFAULT '0',
			max_drawdown TEXT NOT NULL DEFAULT '0',
			commission_rate TEXT NOT NULL DEFAULT '0.001',
			total_trades INTEGER NOT NULL DEFAULT 0,
			winning_trades INTEGER NOT NULL DEFAULT 0,
			losing_trades INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE paper_positions (
			id TEXT PRIMARY KEY,
			portfolio_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			quantity TEXT NOT NULL,
			avg_entry_price TEXT NOT NULL,
			total_cost TEXT NOT NULL,
			current_price TEXT NOT NULL DEFAULT '0',
			market_value TEXT NOT NULL DEFAULT '0',
			unrealized_pnl TEXT NOT NULL DEFAULT '0',
			stop_loss TEXT,
			take_profit TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE paper_trades (
			id TEXT PRIMARY KEY,
			portfolio_id TEXT NOT NULL,
			position_id TEXT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			total_value TEXT NOT NULL,
			fee TEXT NOT NULL,
			net_cost TEXT NOT NULL,
			realized_pnl TEXT,
			realized_pnl_pct TEXT,
			order_type TEXT NOT NULL DEFAULT 'market',
			status TEXT NOT NULL DEFAULT 'filled',
			executed_at INTEGER NOT NULL
		);
		CREATE TABLE paper_balances (
			portfolio_id TEXT NOT NULL,
			asset TEXT NOT NULL,
			free TEXT NOT NULL DEFAULT '0',
			locked TEXT NOT NULL DEFAULT '0',
			usd_value TEXT NOT NULL DEFAULT '0',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (portfolio_id, asset)
		);
	`)
	require.NoError(t, err)

	return db
}

// fakePrices serves mark prices per symbol; missing symbols report no data.
type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (f *fakePrices) LatestClose(symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.prices[symbol]; ok {
		return p, nil
	}
	return 0, domain.Errorf(domain.KindNoMarketData, "no candles for %s", symbol)
}

func (f *fakePrices) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prices == nil {
		f.prices = make(map[string]float64)
	}
	f.prices[symbol] = price
}

func newTestService(t *testing.T) (*Service, *fakePrices) {
	t.Helper()
	db := newTestDB(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	prices := &fakePrices{}
	return NewService(db, prices, events.NewBus(log), log), prices
}

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return v
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

func assertDec(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, d(t, want).Equal(got), "%s: want %s, got %s", msg, want, got.String())
}

func newPortfolio(t *testing.T, svc *Service, capital, rate string) *Portfolio {
	t.Helper()
	p, err := svc.CreatePortfolio("alice", "test", d(t, capital), d(t, rate))
	require.NoError(t, err)
	return p
}

func TestDCARoundTrip(t *testing.T) {
	svc, prices := newTestService(t)
	p := newPortfolio(t, svc, "10000", "0.001")
	ctx := context.Background()

	_, err := svc.Buy(ctx, p.ID, OrderRequest{
		Symbol:   "BTCUSDT",
		Quantity: d(t, "0.1"),
		Price:    ptr(d(t, "50000")),
	})
	require.NoError(t, err)

	got, err := svc.GetPortfolio(p.ID)
	require.NoError(t, err)
	assertDec(t, "4995", got.Cash, "cash after buy")

	positions, err := svc.Positions(p.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assertDec(t, "0.1", positions[0].Quantity, "quantity")
	assertDec(t, "50000", positions[0].AvgEntryPrice, "avg entry is fee-free")
	assertDec(t, "5005", positions[0].TotalCost, "total cost includes fee")

	prices.set("BTCUSDT", 55000)
	got, err = svc.MarkToMarket(ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "5500", got.InvestedValue, "invested value")
	assertDec(t, "495", got.UnrealizedPnL, "unrealized pnl")
	assertDec(t, "10495", got.TotalValue, "total value")

	trade, err := svc.Sell(ctx, p.ID, OrderRequest{
		Symbol:   "BTCUSDT",
		Quantity: d(t, "0.1"),
		Price:    ptr(d(t, "55000")),
	})
	require.NoError(t, err)
	require.NotNil(t, trade.RealizedPnL)
	assertDec(t, "489.5", *trade.RealizedPnL, "realized = gross - fee-inclusive basis - fee")
	assertDec(t, "5494.5", trade.NetCost, "proceeds net of fee")

	got, err = svc.GetPortfolio(p.ID)
	require.NoError(t, err)
	assertDec(t, "10489.5", got.Cash, "cash after sell")
	assertDec(t, "489.5", got.RealizedPnL, "portfolio realized pnl")
	assertDec(t, "0", got.InvestedValue, "nothing invested")
	assert.Equal(t, 1, got.TotalTrades)
	assert.Equal(t, 1, got.WinningTrades)

	positions, err = svc.Positions(p.ID)
	require.NoError(t, err)
	assert.Empty(t, positions, "position closed at quantity zero")
}

func TestConcurrentBuysSerialize(t *testing.T) {
	svc, _ := newTestService(t)
	p := newPortfolio(t, svc, "10000", "0.001")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Buy(ctx, p.ID, OrderRequest{
				Symbol:   "BTCUSDT",
				Quantity: d(t, "0.05"),
				Price:    ptr(d(t, "50000")),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	positions, err := svc.Positions(p.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1, "both buys land on one position")
	assertDec(t, "0.1", positions[0].Quantity, "quantity")
	assertDec(t, "5005", positions[0].TotalCost, "total cost")

	got, err := svc.GetPortfolio(p.ID)
	require.NoError(t, err)
	assertDec(t, "4995", got.Cash, "cash decreased exactly twice")

	trades, err := svc.TradeHistory(p.ID, 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestPartialSellPreservesAvgEntryPrice(t *testing.T) {
	svc, _ := newTestService(t)
	p := newPortfolio(t, svc, "20000", "0")
	ctx := context.Background()

	for _, buy := range []struct{ qty, price string }{
		{"0.1", "50000"},
		{"0.1", "60000"},
	} {
		_, err := svc.Buy(ctx, p.ID, OrderRequest{
			Symbol:   "BTCUSDT",
			Quantity: d(t, buy.qty),
			Price:    ptr(d(t, buy.price)),
		})
		require.NoError(t, err)
	}

	positions, err := svc.Positions(p.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assertDec(t, "0.2", positions[0].Quantity, "quantity")
	assertDec(t, "55000", positions[0].AvgEntryPrice, "blended avg")
	assertDec(t, "11000", positions[0].TotalCost, "total cost")

	trade, err := svc.Sell(ctx, p.ID, OrderRequest{
		Symbol:   "BTCUSDT",
		Quantity: d(t, "0.1"),
		Price:    ptr(d(t, "65000")),
	})
	require.NoError(t, err)
	require.NotNil(t, trade.RealizedPnL)
	assertDec(t, "1000", *trade.RealizedPnL, "realized on sold half")

	positions, err = svc.Positions(p.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assertDec(t, "0.1", positions[0].Quantity, "remaining quantity")
	assertDec(t, "55000", positions[0].AvgEntryPrice, "avg unchanged by sell")
	assertDec(t, "5500", positions[0].TotalCost, "cost scaled to remaining half")
}

func TestRoundTripFeeLaw(t *testing.T) {
	t.Run("zero fee restores cash", func(t *testing.T) {
		svc, _ := newTestService(t)
		p := newPortfolio(t, svc, "10000", "0")
		ctx := context.Background()

		price := ptr(d(t, "50000"))
		_, err := svc.Buy(ctx, p.ID, OrderRequest{Symbol: "BTCUSDT", Quantity: d(t, "0.1"), Price: price})
		require.NoError(t, err)
		_, err = svc.Sell(ctx, p.ID, OrderRequest{Symbol: "BTCUSDT", Quantity: d(t, "0.1"), Price: price})
		require.NoError(t, err)

		got, err := svc.GetPortfolio(p.ID)
		require.NoError(t, err)
		assertDec(t, "10000", got.Cash, "cash restored")
		assertDec(t, "0", got.RealizedPnL, "no pnl without fees")

		positions, err := svc.Positions(p.ID)
		require.NoError(t, err)
		assert.Empty(t, positions)
	})

	t.Run("with fees loses both commissions", func(t *testing.T) {
		svc, _ := newTestService(t)
		p := newPortfolio(t, svc, "10000", "0.001")
		ctx := context.Background()

		price := ptr(d(t, "50000"))
		_, err := svc.Buy(ctx, p.ID, OrderRequest{Symbol: "BTCUSDT", Quantity: d(t, "0.1"), Price: price})
		require.NoError(t, err)
		trade, err := svc.Sell(ctx, p.ID, OrderRequest{Symbol: "BTCUSDT", Quantity: d(t, "0.1"), Price: price})
		require.NoError(t, err)

		// realized = -2 * q * price * fee_rate = -10
		require.NotNil(t, trade.RealizedPnL)
		assertDec(t, "-10", *trade.RealizedPnL, "realized equals minus two commissions")

		got, err := svc.GetPortfolio(p.ID)
		require.NoError(t, err)
		assertDec(t, "9990", got.Cash, "cash down by both commissions")
		assert.Equal(t, 1, got.LosingTrades)
	})
}

func TestBuyResolvesPriceFromLatestClose(t *testing.T) {
	svc, prices := newTestService(t)
	p := newPortfolio(t, svc, "10000", "0")
	prices.set("BTCUSDT", 40000)

	_, err := svc.Buy(context.Background(), p.ID, OrderRequest{Symbol: "BTCUSDT", Quantity: d(t, "0.1")})
	require.NoError(t, err)

	positions, err := svc.Positions(p.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assertDec(t, "40000", positions[0].AvgEntryPrice, "price from latest close")
}

func TestBuyWithoutMarketDataFails(t *testing.T) {
	svc, _ := newTestService(t)
	p := newPortfolio(t, svc, "10000", "0")

	_, err := svc.Buy(context.Background(), p.ID, OrderRequest{Symbol: "BTCUSDT", Quantity: d(t, "0.1")})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNoMarketData))
}

func TestInsufficientFundsAndQuantity(t *testing.T) {
	svc, _ := newTestService(t)
	p := newPortfolio(t, svc, "1000", "0.001")
	ctx := context.Background()

	_, err := svc.Buy(ctx, p.ID, OrderRequest{
		Symbol:   "BTCUSDT",
		Quantity: d(t, "0.1"),
		Price:    ptr(d(t, "50000")),
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))

	// Nothing committed.
	got, err := svc.GetPortfolio(p.ID)
	require.NoError(t, err)
	assertDec(t, "1000", got.Cash, "cash untouched")
	trades, err := svc.TradeHistory(p.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)

	// Oversell with no position at all.
	_, err = svc.Sell(ctx, p.ID, OrderRequest{
		Symbol:   "BTCUSDT",
		Quantity: d(t, "0.1"),
		Price:    ptr(d(t, "50000")),
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))

	// Oversell beyond held quantity.
	_, err = svc.Buy(ctx, p.ID, OrderRequest{Symbol: "BTCUSDT", Quantity: d(t, "0.01"), Price: ptr(d(t, "50000"))})
	require.NoError(t, err)
	_, err = svc.Sell(ctx, p.ID, OrderRequest{Symbol: "BTCUSDT", Quantity: d(t, "0.02"), Price: ptr(d(t, "50000"))})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))
}

func TestMarkToMarket_NoMarketDataDegrades(t *testing.T) {
	svc, prices := newTestService(t)
	p := newPortfolio(t, svc, "10000", "0.001")
	ctx := context.Background()

	_, err := svc.Buy(ctx, p.ID, OrderRequest{
		Symbol:   "BTCUSDT",
		Quantity: d(t, "0.1"),
		Price:    ptr(d(t, "50000")),
	})
	require.NoError(t, err)

	// No price for the symbol: valuation degrades to cost, pass succeeds.
	got, err := svc.MarkToMarket(ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "5005", got.InvestedValue, "market value pinned to total cost")
	assertDec(t, "0", got.UnrealizedPnL, "no pnl contribution")
	assertDec(t, "10000", got.TotalValue, "cash + cost")

	prices.set("BTCUSDT", 50000)
	got, err = svc.MarkToMarket(ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "5000", got.InvestedValue, "real price once data exists")
}

func TestMaxDrawdownMonotonic(t *testing.T) {
	svc, prices := newTestService(t)
	p := newPortfolio(t, svc, "10000", "0.001")
	ctx := context.Background()

	_, err := svc.Buy(ctx, p.ID, OrderRequest{
		Symbol:   "BTCUSDT",
		Quantity: d(t, "0.1"),
		Price:    ptr(d(t, "50000")),
	})
	require.NoError(t, err)

	prices.set("BTCUSDT", 40000)
	got, err := svc.MarkToMarket(ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "0.1005", got.MaxDrawdown, "drawdown at the trough")

	// Recovery never shrinks the recorded maximum.
	prices.set("BTCUSDT", 50000)
	got, err = svc.MarkToMarket(ctx, p.ID)
	require.NoError(t, err)
	assertDec(t, "0.1005", got.MaxDrawdown, "drawdown is monotonic")
}

func TestStopLossTriggersFullClose(t *testing.T) {
	svc, prices := newTestService(t)
	p := newPortfolio(t, svc, "10000", "0")
	ctx := context.Background()

	_, err := svc.Buy(ctx, p.ID, OrderRequest{
		Symbol:   "BTCUSDT",
		Quantity: d(t, "0.1"),
		Price:    ptr(d(t, "50000")),
	})
	require.NoError(t, err)
	require.NoError(t, svc.SetStopLoss(p.ID, "BTCUSDT", d(t, "45000")))

	// Above the stop: nothing happens.
	prices.set("BTCUSDT", 46000)
	_, err = svc.MarkToMarket(ctx, p.ID)
	require.NoError(t, err)
	positions, err := svc.Positions(p.ID)
	require.NoError(t, err)
	assert.Len(t, positions, 1)

	// At or below the stop: the position is sold out in full.
	prices.set("BTCUSDT", 44000)
	got, err := svc.MarkToMarket(ctx, p.ID)
	require.NoError(t, err)
	positions, err = svc.Positions(p.ID)
	require.NoError(t, err)
	assert.Empty(t, positions, "stop loss closed the position")
	assertDec(t, "9400", got.Cash, "proceeds banked at the stop price")
	assertDec(t, "-600", got.RealizedPnL, "loss realized")
	assert.Equal(t, 1, got.LosingTrades)
}

func TestTakeProfitTriggersFullClose(t *testing.T) {
	svc, prices := newTestService(t)
	p := newPortfolio(t, svc, "10000", "0")
	ctx := context.Background()

	_, err := svc.Buy(ctx, p.ID, OrderRequest{
		Symbol:   "BTCUSDT",
		Quantity: d(t, "0.1"),
		Price:    ptr(d(t, "50000")),
	})
	require.NoError(t, err)
	require.NoError(t, svc.SetTakeProfit(p.ID, "BTCUSDT", d(t, "55000")))

	prices.set("BTCUSDT", 56000)
	got, err := svc.MarkToMarket(ctx, p.ID)
	require.NoError(t, err)
	positions, err := svc.Positions(p.ID)
	require.NoError(t, err)
	assert.Empty(t, positions, "take profit closed the position")
	assertDec(t, "600", got.RealizedPnL, "gain realized at the mark price")
	assert.Equal(t, 1, got.WinningTrades)
}

func TestClosePositionSellsEverything(t *testing.T) {
	svc, _ := newTestService(t)
	p := newPortfolio(t, svc, "10000", "0")
	ctx := context.Background()

	_, err := svc.Buy(ctx, p.ID, OrderRequest{
		Symbol:   "BTCUSDT",
		Quantity: d(t, "0.1"),
		Price:    ptr(d(t, "50000")),
	})
	require.NoError(t, err)

	trade, err := svc.ClosePosition(ctx, p.ID, "BTCUSDT", ptr(d(t, "52000")))
	require.NoError(t, err)
	assertDec(t, "0.1", trade.Quantity, "full quantity sold")

	positions, err := svc.Positions(p.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestBalancesFollowTrades(t *testing.T) {
	svc, _ := newTestService(t)
	p := newPortfolio(t, svc, "10000", "0")
	ctx := context.Background()

	usdt, err := svc.Balance(p.ID, "USDT")
	require.NoError(t, err)
	assertDec(t, "10000", usdt.Free, "seeded with initial capital")

	_, err = svc.Buy(ctx, p.ID, OrderRequest{
		Symbol:   "BTCUSDT",
		Quantity: d(t, "0.1"),
		Price:    ptr(d(t, "50000")),
	})
	require.NoError(t, err)

	usdt, err = svc.Balance(p.ID, "USDT")
	require.NoError(t, err)
	assertDec(t, "5000", usdt.Free, "quote debited")
	btc, err := svc.Balance(p.ID, "BTC")
	require.NoError(t, err)
	assertDec(t, "0.1", btc.Free, "base credited")

	_, err = svc.Sell(ctx, p.ID, OrderRequest{
		Symbol:   "BTCUSDT",
		Quantity: d(t, "0.1"),
		Price:    ptr(d(t, "50000")),
	})
	require.NoError(t, err)

	usdt, err = svc.Balance(p.ID, "USDT")
	require.NoError(t, err)
	assertDec(t, "10000", usdt.Free, "quote restored")
	btc, err = svc.Balance(p.ID, "BTC")
	require.NoError(t, err)
	assertDec(t, "0", btc.Free, "base emptied")
}

func TestCreatePortfolioValidation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreatePortfolio("", "x", d(t, "1000"), decimal.Zero)
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))

	_, err = svc.CreatePortfolio("alice", "x", d(t, "0"), decimal.Zero)
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))

	_, err = svc.CreatePortfolio("alice", "x", d(t, "1000"), d(t, "-0.1"))
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))

	_, err = svc.GetPortfolio("missing")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}
