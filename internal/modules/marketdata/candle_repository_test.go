package marketdata

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avendel/cryptodesk/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE candles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			open_time INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL DEFAULT 0,
			quote_volume REAL NOT NULL DEFAULT 0,
			trades INTEGER NOT NULL DEFAULT 0,
			taker_buy_volume REAL NOT NULL DEFAULT 0,
			taker_buy_quote_volume REAL NOT NULL DEFAULT 0,
			UNIQUE(symbol, timeframe, open_time)
		);
		CREATE TABLE indicators (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			name TEXT NOT NULL,
			ts INTEGER NOT NULL,
			value REAL NOT NULL,
			values_json TEXT,
			signal TEXT,
			signal_strength REAL,
			overbought INTEGER NOT NULL DEFAULT 0,
			oversold INTEGER NOT NULL DEFAULT 0,
			UNIQUE(symbol, timeframe, name, ts)
		);
	`)
	require.NoError(t, err)

	return db
}

func testCandle(ts time.Time, close float64) domain.Candle {
	return domain.Candle{
		Symbol:    "BTCUSDT",
		Timeframe: domain.Timeframe1h,
		OpenTime:  ts,
		Open:      close - 10,
		High:      close + 20,
		Low:       close - 20,
		Close:     close,
		Volume:    12.5,
	}
}

func TestCandleUpsert_Dedup(t *testing.T) {
	db := newTestDB(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	repo := NewCandleRepository(db, log)

	ts := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	c := testCandle(ts, 50000)

	inserted, err := repo.Upsert(c)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same key again: swallowed, single row remains.
	inserted, err = repo.Upsert(c)
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := repo.Count("BTCUSDT", domain.Timeframe1h)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCandleUpsert_ValidatesInvariants(t *testing.T) {
	db := newTestDB(t)
	repo := NewCandleRepository(db, zerolog.Nop())

	c := testCandle(time.Now().UTC(), 100)
	c.High = 50 // below close

	_, err := repo.Upsert(c)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))

	c = testCandle(time.Now().UTC(), 100)
	c.Timeframe = "7m"
	_, err = repo.Upsert(c)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))
}

func TestCandleRange_Ordering(t *testing.T) {
	db := newTestDB(t)
	repo := NewCandleRepository(db, zerolog.Nop())

	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	// Insert out of order on purpose.
	for _, h := range []int{3, 1, 4, 0, 2} {
		_, err := repo.Upsert(testCandle(base.Add(time.Duration(h)*time.Hour), 50000+float64(h)))
		require.NoError(t, err)
	}

	asc, err := repo.Range("BTCUSDT", domain.Timeframe1h, RangeQuery{})
	require.NoError(t, err)
	require.Len(t, asc, 5)
	for i := 1; i < len(asc); i++ {
		assert.True(t, asc[i].OpenTime.After(asc[i-1].OpenTime), "range must be strictly monotonic in ts")
	}

	desc, err := repo.Range("BTCUSDT", domain.Timeframe1h, RangeQuery{Descending: true, Limit: 3})
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, asc[4].OpenTime, desc[0].OpenTime)

	recent, err := repo.Recent("BTCUSDT", domain.Timeframe1h, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	// Recent returns the newest 3, chronological.
	assert.Equal(t, asc[2].OpenTime, recent[0].OpenTime)
	assert.Equal(t, asc[4].OpenTime, recent[2].OpenTime)
}

func TestCandleLatest_NoData(t *testing.T) {
	db := newTestDB(t)
	repo := NewCandleRepository(db, zerolog.Nop())

	_, err := repo.Latest("BTCUSDT", domain.Timeframe1h)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNoMarketData))
}

func TestCandleDeleteBefore(t *testing.T) {
	db := newTestDB(t)
	repo := NewCandleRepository(db, zerolog.Nop())

	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	for h := 0; h < 10; h++ {
		_, err := repo.Upsert(testCandle(base.Add(time.Duration(h)*time.Hour), 50000))
		require.NoError(t, err)
	}

	deleted, err := repo.DeleteBefore(base.Add(5 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)

	n, err := repo.Count("BTCUSDT", domain.Timeframe1h)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestIndicatorUpsert_IdempotentWithValues(t *testing.T) {
	db := newTestDB(t)
	repo := NewIndicatorRepository(db, zerolog.Nop())

	ts := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	s := domain.IndicatorSample{
		Symbol:    "BTCUSDT",
		Timeframe: domain.Timeframe1h,
		Name:      "macd",
		Timestamp: ts,
		Value:     12.34,
		Values:    map[string]float64{"macd": 12.34, "signal": 10.2, "histogram": 2.14},
		Signal:    "buy",
	}

	inserted, err := repo.Upsert(s)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Upsert(s)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := repo.Latest("BTCUSDT", domain.Timeframe1h, "macd")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 12.34, got.Value)
	assert.Equal(t, "buy", got.Signal)
	assert.InDelta(t, 2.14, got.Values["histogram"], 1e-9)
}

func TestIndicatorRecent_Chronological(t *testing.T) {
	db := newTestDB(t)
	repo := NewIndicatorRepository(db, zerolog.Nop())

	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	for h := 0; h < 5; h++ {
		_, err := repo.Upsert(domain.IndicatorSample{
			Symbol:    "BTCUSDT",
			Timeframe: domain.Timeframe1h,
			Name:      "rsi",
			Timestamp: base.Add(time.Duration(h) * time.Hour),
			Value:     float64(40 + h),
		})
		require.NoError(t, err)
	}

	samples, err := repo.Recent("BTCUSDT", domain.Timeframe1h, "rsi", 3)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, 42.0, samples[0].Value)
	assert.Equal(t, 44.0, samples[2].Value)
}
