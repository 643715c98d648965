// Package marketdata implements the time-series store for OHLCV candles and
// computed indicator samples. Rows are immutable once inserted; dedup is
// enforced by unique keys, never by overwriting.
package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/avendel/cryptodesk/internal/domain"
)

// candlesColumns avoids SELECT * so schema changes don't silently break scans.
const candlesColumns = `symbol, timeframe, open_time, open, high, low, close, volume, quote_volume, trades, taker_buy_volume, taker_buy_quote_volume`

// CandleRepository handles candle database operations.
type CandleRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCandleRepository creates a new candle repository.
func NewCandleRepository(db *sql.DB, log zerolog.Logger) *CandleRepository {
	return &CandleRepository{
		db:  db,
		log: log.With().Str("repo", "candle").Logger(),
	}
}

// Upsert inserts a candle if its (symbol, timeframe, open_time) key is new.
// Returns true if a row was inserted, false if the key already existed.
// Existing rows are never overwritten on this path.
func (r *CandleRepository) Upsert(c domain.Candle) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}

	res, err := r.db.Exec(`
		INSERT OR IGNORE INTO candles
		(symbol, timeframe, open_time, open, high, low, close,
		 volume, quote_volume, trades, taker_buy_volume, taker_buy_quote_volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Symbol, string(c.Timeframe), c.OpenTime.UTC().UnixMilli(),
		c.Open, c.High, c.Low, c.Close,
		c.Volume, c.QuoteVolume, c.Trades, c.TakerBuyVolume, c.TakerBuyQuoteVol,
	)
	if err != nil {
		return false, domain.WrapError(domain.KindInternal, "failed to insert candle", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.WrapError(domain.KindInternal, "failed to read rows affected", err)
	}
	return n > 0, nil
}

// RangeQuery bounds a Range call. Zero From/To mean unbounded; Limit 0 means
// no limit; Descending true returns newest-first (API consumers), false
// returns chronological order (indicator math).
type RangeQuery struct {
	From       time.Time
	To         time.Time
	Limit      int
	Descending bool
}

// Range returns candles for (symbol, timeframe) ordered by open time.
// Both read directions share this primitive.
func (r *CandleRepository) Range(symbol string, tf domain.Timeframe, q RangeQuery) ([]domain.Candle, error) {
	query := "SELECT " + candlesColumns + " FROM candles WHERE symbol = ? AND timeframe = ?"
	args := []interface{}{symbol, string(tf)}

	if !q.From.IsZero() {
		query += " AND open_time >= ?"
		args = append(args, q.From.UTC().UnixMilli())
	}
	if !q.To.IsZero() {
		query += " AND open_time <= ?"
		args = append(args, q.To.UTC().UnixMilli())
	}
	if q.Descending {
		query += " ORDER BY open_time DESC"
	} else {
		query += " ORDER BY open_time ASC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to query candles", err)
	}
	defer rows.Close()

	var candles []domain.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to iterate candles", err)
	}
	return candles, nil
}

// Recent returns the last n candles in chronological order. This is the shape
// the indicator engine and strategy ticks consume.
func (r *CandleRepository) Recent(symbol string, tf domain.Timeframe, n int) ([]domain.Candle, error) {
	// Fetch newest-first with the shared primitive, then reverse.
	candles, err := r.Range(symbol, tf, RangeQuery{Limit: n, Descending: true})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// Latest returns the most recent candle for (symbol, timeframe).
func (r *CandleRepository) Latest(symbol string, tf domain.Timeframe) (*domain.Candle, error) {
	candles, err := r.Range(symbol, tf, RangeQuery{Limit: 1, Descending: true})
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, domain.Errorf(domain.KindNoMarketData, "no candles for %s %s", symbol, tf)
	}
	return &candles[0], nil
}

// LatestClose returns the close of the freshest candle for a symbol across
// all timeframes. Used as the mark price for paper accounting.
func (r *CandleRepository) LatestClose(symbol string) (float64, error) {
	var close float64
	err := r.db.QueryRow(
		"SELECT close FROM candles WHERE symbol = ? ORDER BY open_time DESC LIMIT 1",
		symbol,
	).Scan(&close)
	if err == sql.ErrNoRows {
		return 0, domain.Errorf(domain.KindNoMarketData, "no candles for %s", symbol)
	}
	if err != nil {
		return 0, domain.WrapError(domain.KindInternal, "failed to query latest close", err)
	}
	return close, nil
}

// DeleteBefore removes candles older than cutoff. Used by retention cleanup.
func (r *CandleRepository) DeleteBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec("DELETE FROM candles WHERE open_time < ?", cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, domain.WrapError(domain.KindInternal, "failed to delete old candles", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Old candles deleted")
	}
	return n, nil
}

// Count returns the number of stored candles for (symbol, timeframe).
func (r *CandleRepository) Count(symbol string, tf domain.Timeframe) (int, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM candles WHERE symbol = ? AND timeframe = ?",
		symbol, string(tf),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count candles: %w", err)
	}
	return n, nil
}

func scanCandle(rows *sql.Rows) (domain.Candle, error) {
	var c domain.Candle
	var tf string
	var openTime int64
	err := rows.Scan(
		&c.Symbol, &tf, &openTime, &c.Open, &c.High, &c.Low, &c.Close,
		&c.Volume, &c.QuoteVolume, &c.Trades, &c.TakerBuyVolume, &c.TakerBuyQuoteVol,
	)
	if err != nil {
		return domain.Candle{}, domain.WrapError(domain.KindInternal, "failed to scan candle", err)
	}
	c.Timeframe = domain.Timeframe(tf)
	c.OpenTime = time.UnixMilli(openTime).UTC()
	return c, nil
}
