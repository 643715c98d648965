package binance

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avendel/cryptodesk/internal/domain"
)

// OrderSide is a venue order side.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is a venue order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderRequest describes an order to place on the venue.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Quantity decimal.Decimal
	Price    *decimal.Decimal // required for limit orders
}

// OrderResult is the venue's normalized response to an order placement.
type OrderResult struct {
	OrderID    int64
	Status     string
	FilledQty  decimal.Decimal
	AvgPrice   decimal.Decimal
	TransactAt time.Time
}

// AssetBalance is one asset's balance on the venue account.
type AssetBalance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// VenueTrade is one executed trade on the venue account.
type VenueTrade struct {
	ID         int64
	Symbol     string
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Commission decimal.Decimal
	IsBuyer    bool
	Time       time.Time
}

// --- raw wire shapes ---

type rawTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	QuoteVolume        string `json:"quoteVolume"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
}

func (r rawTicker) toDomain() (*domain.Ticker, error) {
	last, err := parseFloat(r.LastPrice, "lastPrice")
	if err != nil {
		return nil, err
	}
	change, err := parseFloat(r.PriceChangePercent, "priceChangePercent")
	if err != nil {
		return nil, err
	}
	quoteVol, err := parseFloat(r.QuoteVolume, "quoteVolume")
	if err != nil {
		return nil, err
	}
	high, err := parseFloat(r.HighPrice, "highPrice")
	if err != nil {
		return nil, err
	}
	low, err := parseFloat(r.LowPrice, "lowPrice")
	if err != nil {
		return nil, err
	}
	return &domain.Ticker{
		Symbol:             r.Symbol,
		LastPrice:          last,
		PriceChangePercent: change,
		QuoteVolume:        quoteVol,
		HighPrice:          high,
		LowPrice:           low,
	}, nil
}

type rawExchangeInfo struct {
	Symbols []rawSymbolInfo `json:"symbols"`
}

type rawSymbolInfo struct {
	Symbol                 string `json:"symbol"`
	BaseAsset              string `json:"baseAsset"`
	QuoteAsset             string `json:"quoteAsset"`
	Status                 string `json:"status"`
	IsSpotTradingAllowed   bool   `json:"isSpotTradingAllowed"`
	IsMarginTradingAllowed bool   `json:"isMarginTradingAllowed"`
}

type rawOrderResult struct {
	OrderID             int64  `json:"orderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	TransactTime        int64  `json:"transactTime"`
}

func (r rawOrderResult) toDomain() (*OrderResult, error) {
	qty, err := decimal.NewFromString(r.ExecutedQty)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to parse executedQty", err)
	}
	quote, err := decimal.NewFromString(r.CummulativeQuoteQty)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to parse cummulativeQuoteQty", err)
	}
	avg := decimal.Zero
	if !qty.IsZero() {
		avg = quote.Div(qty).Round(8)
	}
	return &OrderResult{
		OrderID:    r.OrderID,
		Status:     r.Status,
		FilledQty:  qty,
		AvgPrice:   avg,
		TransactAt: time.UnixMilli(r.TransactTime).UTC(),
	}, nil
}

type rawAccount struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (r rawAccount) toBalances() ([]AssetBalance, error) {
	balances := make([]AssetBalance, 0, len(r.Balances))
	for _, b := range r.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, domain.WrapError(domain.KindInternal, "failed to parse balance free", err)
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			return nil, domain.WrapError(domain.KindInternal, "failed to parse balance locked", err)
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances = append(balances, AssetBalance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

type rawVenueTrade struct {
	ID         int64  `json:"id"`
	Symbol     string `json:"symbol"`
	Price      string `json:"price"`
	Qty        string `json:"qty"`
	Commission string `json:"commission"`
	IsBuyer    bool   `json:"isBuyer"`
	Time       int64  `json:"time"`
}

func (r rawVenueTrade) toDomain() (*VenueTrade, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to parse trade price", err)
	}
	qty, err := decimal.NewFromString(r.Qty)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to parse trade qty", err)
	}
	commission, err := decimal.NewFromString(r.Commission)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to parse trade commission", err)
	}
	return &VenueTrade{
		ID:         r.ID,
		Symbol:     r.Symbol,
		Price:      price,
		Quantity:   qty,
		Commission: commission,
		IsBuyer:    r.IsBuyer,
		Time:       time.UnixMilli(r.Time).UTC(),
	}, nil
}

// parseKlines decodes the venue's kline array-of-arrays format into candles.
// Binance klines are 12-element arrays mixing numbers and strings:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume,
// trades, takerBuyBase, takerBuyQuote, ignore].
func parseKlines(body []byte, symbol string, tf domain.Timeframe) ([]domain.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to decode klines payload", err)
	}

	candles := make([]domain.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 11 {
			return nil, domain.Errorf(domain.KindInternal, "kline row has %d fields, want 11+", len(row))
		}

		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, domain.WrapError(domain.KindInternal, "failed to decode kline open time", err)
		}
		var trades int64
		if err := json.Unmarshal(row[8], &trades); err != nil {
			return nil, domain.WrapError(domain.KindInternal, "failed to decode kline trade count", err)
		}

		strFields := make([]float64, 0, 7)
		for _, idx := range []int{1, 2, 3, 4, 5, 7, 9} {
			var s string
			if err := json.Unmarshal(row[idx], &s); err != nil {
				return nil, domain.WrapError(domain.KindInternal, "failed to decode kline field", err)
			}
			f, err := parseFloat(s, "kline")
			if err != nil {
				return nil, err
			}
			strFields = append(strFields, f)
		}

		var takerBuyQuote float64
		{
			var s string
			if err := json.Unmarshal(row[10], &s); err != nil {
				return nil, domain.WrapError(domain.KindInternal, "failed to decode kline taker quote", err)
			}
			f, err := parseFloat(s, "takerBuyQuote")
			if err != nil {
				return nil, err
			}
			takerBuyQuote = f
		}

		candles = append(candles, domain.Candle{
			Symbol:           symbol,
			Timeframe:        tf,
			OpenTime:         time.UnixMilli(openTime).UTC(),
			Open:             strFields[0],
			High:             strFields[1],
			Low:              strFields[2],
			Close:            strFields[3],
			Volume:           strFields[4],
			QuoteVolume:      strFields[5],
			Trades:           trades,
			TakerBuyVolume:   strFields[6],
			TakerBuyQuoteVol: takerBuyQuote,
		})
	}
	return candles, nil
}
