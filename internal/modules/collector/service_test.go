package collector

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avendel/cryptodesk/internal/clients/binance"
	"github.com/avendel/cryptodesk/internal/domain"
	"github.com/avendel/cryptodesk/internal/events"
	"github.com/avendel/cryptodesk/internal/modules/marketdata"
	"github.com/avendel/cryptodesk/internal/scheduler"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
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
		CREATE TABLE data_collection_configs (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			exchange TEXT NOT NULL DEFAULT 'binance',
			timeframes TEXT NOT NULL,
			interval_s INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			job_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	require.NoError(t, err)

	return db
}

// fakeVenue serves canned candle batches, optionally failing first.
type fakeVenue struct {
	candles  []domain.Candle
	failures int
	failWith error
	calls    int
}

func (f *fakeVenue) Klines(ctx context.Context, symbol string, tf domain.Timeframe, q binance.KlinesQuery) ([]domain.Candle, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, f.failWith
	}
	return f.candles, nil
}

type fakeRecomputer struct {
	calls int
}

func (f *fakeRecomputer) Recompute(ctx context.Context, symbol string, tf domain.Timeframe, lookback int) (int, error) {
	f.calls++
	return 0, nil
}

// fakeScheduler records job lifecycle calls.
type fakeScheduler struct {
	mu      sync.Mutex
	added   map[string]scheduler.JobSpec
	removed []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{added: make(map[string]scheduler.JobSpec)}
}

func (f *fakeScheduler) Start(ctx context.Context) error { return nil }
func (f *fakeScheduler) Shutdown(wait bool)              {}

func (f *fakeScheduler) AddJob(spec scheduler.JobSpec) (*scheduler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[spec.ID] = spec
	return &scheduler.Job{ID: spec.ID}, nil
}

func (f *fakeScheduler) RemoveJob(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.added[id]; !ok {
		return domain.Errorf(domain.KindNotFound, "job %q not found", id)
	}
	delete(f.added, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeScheduler) UpdateJob(id string, trigger scheduler.Trigger) error { return nil }

func (f *fakeScheduler) PauseJob(id string) error { return nil }

func (f *fakeScheduler) ResumeJob(id string) error { return nil }

func (f *fakeScheduler) TriggerNow(id string) error { return nil }

func (f *fakeScheduler) GetJob(id string) (*scheduler.Job, error) { return nil, nil }

func (f *fakeScheduler) ListJobs() ([]scheduler.Job, error) { return nil, nil }

func testCandles(n int) []domain.Candle {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]domain.Candle, n)
	for i := 0; i < n; i++ {
		candles[i] = domain.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: domain.Timeframe1h,
			OpenTime:  base.Add(time.Duration(i) * time.Hour),
			Open:      100,
			High:      110,
			Low:       95,
			Close:     105,
			Volume:    10,
		}
	}
	return candles
}

func newTestService(t *testing.T, venue *fakeVenue) (*Service, *fakeRecomputer, *fakeScheduler, *events.Bus) {
	t.Helper()

	db := newTestDB(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	configs := NewRepository(db, log)
	candles := marketdata.NewCandleRepository(db, log)
	recomputer := &fakeRecomputer{}
	sched := newFakeScheduler()
	bus := events.NewBus(log)

	svc := NewService(configs, candles, recomputer, venue, sched, bus, log)
	svc.backoffBase = time.Millisecond
	svc.backoffCap = 5 * time.Millisecond
	return svc, recomputer, sched, bus
}

func createConfig(t *testing.T, svc *Service, enabled bool) *DataCollectionConfig {
	t.Helper()
	cfg, err := svc.CreateConfig(DataCollectionConfig{
		Symbol:     "BTCUSDT",
		Timeframes: []domain.Timeframe{domain.Timeframe1h},
		IntervalS:  60,
		Enabled:    enabled,
	})
	require.NoError(t, err)
	return cfg
}

func TestCollect_InsertsAndDedups(t *testing.T) {
	venue := &fakeVenue{candles: testCandles(3)}
	svc, recomputer, _, bus := newTestService(t, venue)
	cfg := createConfig(t, svc, true)

	var eventCount int
	bus.Subscribe(events.MarketDataUpdated, func(event *events.Event) { eventCount++ })

	records, err := svc.Collect(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, records)
	assert.Equal(t, 1, recomputer.calls)
	assert.Equal(t, 1, eventCount)

	// A second pass over the same candles inserts nothing.
	records, err = svc.Collect(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, records)
}

func TestCollect_ZeroCandlesSucceeds(t *testing.T) {
	venue := &fakeVenue{}
	svc, _, _, _ := newTestService(t, venue)
	cfg := createConfig(t, svc, true)

	records, err := svc.Collect(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, records)
}

func TestCollect_RetriesTransientFailures(t *testing.T) {
	venue := &fakeVenue{
		candles:  testCandles(2),
		failures: 2,
		failWith: domain.NewError(domain.KindTransient, "rate limited"),
	}
	svc, _, _, _ := newTestService(t, venue)
	cfg := createConfig(t, svc, true)

	records, err := svc.Collect(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, records)
	assert.Equal(t, 3, venue.calls, "two transient failures then success")
}

func TestCollect_TransientExhaustsAttempts(t *testing.T) {
	venue := &fakeVenue{
		failures: 10,
		failWith: domain.NewError(domain.KindTransient, "venue down"),
	}
	svc, _, _, _ := newTestService(t, venue)
	cfg := createConfig(t, svc, true)

	_, err := svc.Collect(context.Background(), cfg.ID)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTransient))
	assert.Equal(t, 3, venue.calls)
}

func TestCollect_BadRequestNotRetried(t *testing.T) {
	venue := &fakeVenue{
		failures: 10,
		failWith: domain.NewError(domain.KindBadRequest, "unknown symbol"),
	}
	svc, _, _, _ := newTestService(t, venue)
	cfg := createConfig(t, svc, true)

	_, err := svc.Collect(context.Background(), cfg.ID)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))
	assert.Equal(t, 1, venue.calls)
}

func TestCollect_DisabledConfigSkips(t *testing.T) {
	venue := &fakeVenue{candles: testCandles(3)}
	svc, _, _, _ := newTestService(t, venue)
	cfg := createConfig(t, svc, false)

	records, err := svc.Collect(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, records)
	assert.Equal(t, 0, venue.calls)
}

func TestConfigLifecycle_BindsSchedulerJob(t *testing.T) {
	venue := &fakeVenue{}
	svc, _, sched, _ := newTestService(t, venue)

	cfg := createConfig(t, svc, true)
	jobID := "collect:" + cfg.ID
	spec, ok := sched.added[jobID]
	require.True(t, ok, "enabled config binds a scheduler job")
	assert.Equal(t, HandlerName, spec.HandlerName)
	assert.Equal(t, 1, spec.MaxInstances)
	assert.Equal(t, cfg.ID, spec.HandlerArgs["config_id"])
	assert.Equal(t, 60*time.Second, spec.Trigger.Interval)

	require.NoError(t, svc.DisableConfig(cfg.ID))
	_, ok = sched.added[jobID]
	assert.False(t, ok, "disable removes the job")

	stored, err := svc.GetConfig(cfg.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Empty(t, stored.JobID)

	require.NoError(t, svc.EnableConfig(cfg.ID))
	_, ok = sched.added[jobID]
	assert.True(t, ok)

	require.NoError(t, svc.DeleteConfig(cfg.ID))
	_, ok = sched.added[jobID]
	assert.False(t, ok)
	_, err = svc.GetConfig(cfg.ID)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestReloadJobs_SchedulesEnabledConfigs(t *testing.T) {
	venue := &fakeVenue{}
	svc, _, sched, _ := newTestService(t, venue)

	enabled := createConfig(t, svc, true)
	_, err := svc.CreateConfig(DataCollectionConfig{
		Symbol:     "ETHUSDT",
		Timeframes: []domain.Timeframe{domain.Timeframe1h},
		IntervalS:  60,
		Enabled:    false,
	})
	require.NoError(t, err)

	// Fresh scheduler, as after a restart.
	sched.mu.Lock()
	sched.added = make(map[string]scheduler.JobSpec)
	sched.mu.Unlock()

	require.NoError(t, svc.ReloadJobs())
	assert.Len(t, sched.added, 1)
	_, ok := sched.added["collect:"+enabled.ID]
	assert.True(t, ok)
}
