package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avendel/cryptodesk/internal/domain"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := New(Config{BaseURL: srv.URL, APIKey: "k", APISecret: "s"}, zerolog.Nop())
	return c, srv
}

func TestKlines_ParsesVenueRows(t *testing.T) {
	payload := `[
		[1700000000000,"50000.1","50100.2","49900.3","50050.4","12.5",1700003599999,"625000.7",321,"6.25","312500.3","0"],
		[1700003600000,"50050.4","50200.0","50000.0","50150.0","10.0",1700007199999,"501500.0",200,"5.0","250750.0","0"]
	]`
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	})
	defer srv.Close()

	candles, err := c.Klines(context.Background(), "BTCUSDT", domain.Timeframe1h, KlinesQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, candles, 2)

	first := candles[0]
	assert.Equal(t, "BTCUSDT", first.Symbol)
	assert.Equal(t, domain.Timeframe1h, first.Timeframe)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), first.OpenTime)
	assert.Equal(t, 50000.1, first.Open)
	assert.Equal(t, 50100.2, first.High)
	assert.Equal(t, 49900.3, first.Low)
	assert.Equal(t, 50050.4, first.Close)
	assert.Equal(t, 12.5, first.Volume)
	assert.Equal(t, int64(321), first.Trades)
	assert.NoError(t, first.Validate())
}

func TestKlines_InvalidTimeframe(t *testing.T) {
	c := New(Config{BaseURL: "http://localhost:0"}, zerolog.Nop())
	_, err := c.Klines(context.Background(), "BTCUSDT", "3m", KlinesQuery{})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))
}

func TestClassify_ErrorKinds(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		kind   domain.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, domain.KindTransient},
		{"server error", http.StatusInternalServerError, domain.KindTransient},
		{"bad gateway", http.StatusBadGateway, domain.KindTransient},
		{"unauthorized", http.StatusUnauthorized, domain.KindUnauthorized},
		{"not found", http.StatusNotFound, domain.KindNotFound},
		{"bad request", http.StatusBadRequest, domain.KindBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			defer srv.Close()

			_, err := c.Klines(context.Background(), "BTCUSDT", domain.Timeframe1h, KlinesQuery{})
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, tc.kind), "status %d should map to %s, got %s", tc.status, tc.kind, domain.KindOf(err))
		})
	}
}

func TestTicker_Normalizes(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"ETHUSDT","lastPrice":"3000.5","priceChangePercent":"-1.25","quoteVolume":"1000000","highPrice":"3100","lowPrice":"2900"}`))
	})
	defer srv.Close()

	ticker, err := c.Ticker(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", ticker.Symbol)
	assert.Equal(t, 3000.5, ticker.LastPrice)
	assert.Equal(t, -1.25, ticker.PriceChangePercent)
}

func TestExchangeInfo_MapsSymbols(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbols":[
			{"symbol":"BTCUSDT","baseAsset":"BTC","quoteAsset":"USDT","status":"TRADING","isSpotTradingAllowed":true,"isMarginTradingAllowed":true},
			{"symbol":"DELISTED","baseAsset":"X","quoteAsset":"USDT","status":"BREAK","isSpotTradingAllowed":false,"isMarginTradingAllowed":false}
		]}`))
	})
	defer srv.Close()

	infos, err := c.ExchangeInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "BTC", infos[0].BaseAsset)
	assert.True(t, infos[0].Spot)
	assert.Equal(t, "BREAK", infos[1].Status)
}

func TestCreateOrder_RequiresCredentials(t *testing.T) {
	c := New(Config{BaseURL: "http://localhost:0"}, zerolog.Nop())
	_, err := c.CreateOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeMarket})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindUnauthorized))
}

func TestCreateOrder_SignsAndParses(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "k", r.Header.Get("X-MBX-APIKEY"))
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		assert.NotEmpty(t, r.URL.Query().Get("timestamp"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"orderId":42,"status":"FILLED","executedQty":"0.10000000","cummulativeQuoteQty":"5000.00000000","transactTime":1700000000000}`))
	})
	defer srv.Close()

	res, err := c.CreateOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: mustDecimal(t, "0.1"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.OrderID)
	assert.Equal(t, "FILLED", res.Status)
	assert.Equal(t, "50000", res.AvgPrice.String())
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestCreateOrder_VenueReject(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance"}`))
	})
	defer srv.Close()

	_, err := c.CreateOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: mustDecimal(t, "1000"),
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindVenueReject))
}
