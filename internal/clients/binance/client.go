// Package binance implements the exchange adapter for the Binance spot REST
// API.
//
// Two capability sets are exposed:
//   - market data (unauthenticated): Klines, Ticker, Ticker24hAll, ExchangeInfo
//   - trading (HMAC-signed, live only): CreateOrder, CancelOrder, Balances, MyTrades
//
// Every request passes a client-side token bucket first; an exhausted bucket
// or a 5xx/429 response classifies as a transient error so callers can retry
// with backoff. 4xx responses are surfaced immediately with the appropriate
// error kind.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/avendel/cryptodesk/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second

	// Binance allows 6000 request weight per minute; we stay well under it.
	marketDataBurst = 50
	marketDataRate  = 20 // per second
	tradingBurst    = 10
	tradingRate     = 5
)

// MaxKlineLimit is the venue's hard cap on candles per klines request.
const MaxKlineLimit = 1000

// Config holds the client configuration.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Client is the Binance REST API client. It wraps a resty HTTP client with
// rate limiting and error classification.
type Client struct {
	http      *resty.Client
	marketRL  *rate.Limiter
	tradingRL *rate.Limiter
	apiKey    string
	apiSecret string
	log       zerolog.Logger
}

// New creates a Binance client.
func New(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:      httpClient,
		marketRL:  rate.NewLimiter(marketDataRate, marketDataBurst),
		tradingRL: rate.NewLimiter(tradingRate, tradingBurst),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		log:       log.With().Str("component", "binance_client").Logger(),
	}
}

// classify maps an HTTP response to the error taxonomy.
func classify(resp *resty.Response, op string) error {
	code := resp.StatusCode()
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusTeapot || code >= 500:
		return domain.Errorf(domain.KindTransient, "%s: venue returned %d: %s", op, code, resp.String())
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.Errorf(domain.KindUnauthorized, "%s: venue returned %d", op, code)
	case code == http.StatusNotFound:
		return domain.Errorf(domain.KindNotFound, "%s: not found", op)
	case code >= 400:
		return domain.Errorf(domain.KindBadRequest, "%s: venue returned %d: %s", op, code, resp.String())
	}
	return nil
}

func transportErr(op string, err error) error {
	return domain.WrapError(domain.KindTransient, op+": transport failure", err)
}

// KlinesQuery bounds a Klines request. Zero From/To mean "most recent Limit".
type KlinesQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

// Klines fetches OHLCV candles and normalizes them to the canonical schema.
func (c *Client) Klines(ctx context.Context, symbol string, tf domain.Timeframe, q KlinesQuery) ([]domain.Candle, error) {
	if !domain.ValidTimeframe(tf) {
		return nil, domain.Errorf(domain.KindBadRequest, "invalid timeframe %q", tf)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}

	if err := c.marketRL.Wait(ctx); err != nil {
		return nil, transportErr("klines", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("interval", string(tf)).
		SetQueryParam("limit", strconv.Itoa(limit))
	if !q.From.IsZero() {
		req.SetQueryParam("startTime", strconv.FormatInt(q.From.UTC().UnixMilli(), 10))
	}
	if !q.To.IsZero() {
		req.SetQueryParam("endTime", strconv.FormatInt(q.To.UTC().UnixMilli(), 10))
	}

	resp, err := req.Get("/api/v3/klines")
	if err != nil {
		return nil, transportErr("klines", err)
	}
	if err := classify(resp, "klines"); err != nil {
		return nil, err
	}

	return parseKlines(resp.Body(), symbol, tf)
}

// Ticker fetches the 24 h rolling statistics for one symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	if err := c.marketRL.Wait(ctx); err != nil {
		return nil, transportErr("ticker", err)
	}

	var raw rawTicker
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&raw).
		Get("/api/v3/ticker/24hr")
	if err != nil {
		return nil, transportErr("ticker", err)
	}
	if err := classify(resp, "ticker"); err != nil {
		return nil, err
	}

	t, err := raw.toDomain()
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Ticker24hAll fetches 24 h statistics for the whole universe.
func (c *Client) Ticker24hAll(ctx context.Context) ([]domain.Ticker, error) {
	if err := c.marketRL.Wait(ctx); err != nil {
		return nil, transportErr("ticker_24h_all", err)
	}

	var raws []rawTicker
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&raws).
		Get("/api/v3/ticker/24hr")
	if err != nil {
		return nil, transportErr("ticker_24h_all", err)
	}
	if err := classify(resp, "ticker_24h_all"); err != nil {
		return nil, err
	}

	tickers := make([]domain.Ticker, 0, len(raws))
	for _, raw := range raws {
		t, err := raw.toDomain()
		if err != nil {
			// One malformed row must not fail the whole snapshot.
			c.log.Warn().Err(err).Str("symbol", raw.Symbol).Msg("Skipping malformed ticker row")
			continue
		}
		tickers = append(tickers, *t)
	}
	return tickers, nil
}

// ExchangeInfo fetches the tradable symbol universe.
func (c *Client) ExchangeInfo(ctx context.Context) ([]domain.SymbolInfo, error) {
	if err := c.marketRL.Wait(ctx); err != nil {
		return nil, transportErr("exchange_info", err)
	}

	var raw rawExchangeInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/api/v3/exchangeInfo")
	if err != nil {
		return nil, transportErr("exchange_info", err)
	}
	if err := classify(resp, "exchange_info"); err != nil {
		return nil, err
	}

	infos := make([]domain.SymbolInfo, 0, len(raw.Symbols))
	for _, s := range raw.Symbols {
		infos = append(infos, domain.SymbolInfo{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
			Status:     s.Status,
			Spot:       s.IsSpotTradingAllowed,
			Margin:     s.IsMarginTradingAllowed,
		})
	}
	return infos, nil
}

// --- trading (signed) ---

// sign computes the HMAC-SHA256 signature over the query string, as required
// by Binance SIGNED endpoints.
func (c *Client) sign(query url.Values) (url.Values, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, domain.NewError(domain.KindUnauthorized, "exchange API credentials not configured")
	}
	query.Set("timestamp", strconv.FormatInt(time.Now().UTC().UnixMilli(), 10))
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query.Encode()))
	query.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return query, nil
}

// CreateOrder places a live order on the venue.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := c.tradingRL.Wait(ctx); err != nil {
		return nil, transportErr("create_order", err)
	}

	query := url.Values{}
	query.Set("symbol", req.Symbol)
	query.Set("side", string(req.Side))
	query.Set("type", string(req.Type))
	query.Set("quantity", req.Quantity.String())
	if req.Type == OrderTypeLimit {
		if req.Price == nil {
			return nil, domain.NewError(domain.KindBadRequest, "limit order requires a price")
		}
		query.Set("price", req.Price.String())
		query.Set("timeInForce", "GTC")
	}

	signed, err := c.sign(query)
	if err != nil {
		return nil, err
	}

	var raw rawOrderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(signed).
		SetResult(&raw).
		Post("/api/v3/order")
	if err != nil {
		return nil, transportErr("create_order", err)
	}
	if resp.StatusCode() == http.StatusBadRequest {
		// The venue rejected a well-formed order (filters, balance, etc).
		return nil, domain.Errorf(domain.KindVenueReject, "create_order: venue rejected: %s", resp.String())
	}
	if err := classify(resp, "create_order"); err != nil {
		return nil, err
	}

	return raw.toDomain()
}

// CancelOrder cancels a live order by venue order id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := c.tradingRL.Wait(ctx); err != nil {
		return transportErr("cancel_order", err)
	}

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("orderId", strconv.FormatInt(orderID, 10))
	signed, err := c.sign(query)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(signed).
		Delete("/api/v3/order")
	if err != nil {
		return transportErr("cancel_order", err)
	}
	return classify(resp, "cancel_order")
}

// Balances fetches the authenticated account's asset balances.
func (c *Client) Balances(ctx context.Context) ([]AssetBalance, error) {
	if err := c.tradingRL.Wait(ctx); err != nil {
		return nil, transportErr("balances", err)
	}

	signed, err := c.sign(url.Values{})
	if err != nil {
		return nil, err
	}

	var raw rawAccount
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(signed).
		SetResult(&raw).
		Get("/api/v3/account")
	if err != nil {
		return nil, transportErr("balances", err)
	}
	if err := classify(resp, "balances"); err != nil {
		return nil, err
	}

	return raw.toBalances()
}

// MyTrades fetches the authenticated account's trades for one symbol.
func (c *Client) MyTrades(ctx context.Context, symbol string, limit int) ([]VenueTrade, error) {
	if err := c.tradingRL.Wait(ctx); err != nil {
		return nil, transportErr("my_trades", err)
	}
	if limit <= 0 {
		limit = 50
	}

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("limit", strconv.Itoa(limit))
	signed, err := c.sign(query)
	if err != nil {
		return nil, err
	}

	var raws []rawVenueTrade
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(signed).
		SetResult(&raws).
		Get("/api/v3/myTrades")
	if err != nil {
		return nil, transportErr("my_trades", err)
	}
	if err := classify(resp, "my_trades"); err != nil {
		return nil, err
	}

	trades := make([]VenueTrade, 0, len(raws))
	for _, raw := range raws {
		tr, err := raw.toDomain()
		if err != nil {
			return nil, err
		}
		trades = append(trades, *tr)
	}
	return trades, nil
}

func parseFloat(s, field string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, domain.WrapError(domain.KindInternal, fmt.Sprintf("failed to parse venue field %s=%q", field, s), err)
	}
	return f, nil
}
