// Package symbols maintains a TTL-bounded snapshot of the venue's tradable
// universe and answers symbol-validation and selection queries from it.
package symbols

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avendel/cryptodesk/internal/domain"
)

// UniverseSource is the slice of the exchange adapter the registry needs.
type UniverseSource interface {
	ExchangeInfo(ctx context.Context) ([]domain.SymbolInfo, error)
	Ticker24hAll(ctx context.Context) ([]domain.Ticker, error)
}

// DefaultTTL is how long a universe snapshot stays fresh.
const DefaultTTL = time.Hour

// StrategyBucket is a named selection profile for symbol picking.
type StrategyBucket string

const (
	BucketScalping StrategyBucket = "scalping"
	BucketSwing    StrategyBucket = "swing"
	BucketPosition StrategyBucket = "position"
)

// bucketProfile applies a quote-asset filter and a 24 h quote-volume floor.
type bucketProfile struct {
	quote       string
	volumeFloor float64
	limit       int
}

var bucketProfiles = map[StrategyBucket]bucketProfile{
	BucketScalping: {quote: "USDT", volumeFloor: 50_000_000, limit: 10},
	BucketSwing:    {quote: "USDT", volumeFloor: 10_000_000, limit: 20},
	BucketPosition: {quote: "USDT", volumeFloor: 1_000_000, limit: 50},
}

// Registry caches the tradable universe with a TTL. Reads that find the cache
// expired trigger a refresh; a scheduler job keeps it warm in the background.
type Registry struct {
	source UniverseSource
	ttl    time.Duration
	log    zerolog.Logger

	mu          sync.RWMutex
	infos       map[string]domain.SymbolInfo
	tickers     map[string]domain.Ticker
	refreshedAt time.Time
}

// New creates a symbol registry. A zero ttl falls back to DefaultTTL.
func New(source UniverseSource, ttl time.Duration, log zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		source:  source,
		ttl:     ttl,
		log:     log.With().Str("component", "symbol_registry").Logger(),
		infos:   make(map[string]domain.SymbolInfo),
		tickers: make(map[string]domain.Ticker),
	}
}

// Refresh fetches a fresh universe snapshot from the venue.
func (r *Registry) Refresh(ctx context.Context) error {
	infos, err := r.source.ExchangeInfo(ctx)
	if err != nil {
		return err
	}
	tickers, err := r.source.Ticker24hAll(ctx)
	if err != nil {
		return err
	}

	infoMap := make(map[string]domain.SymbolInfo, len(infos))
	for _, info := range infos {
		infoMap[info.Symbol] = info
	}
	tickerMap := make(map[string]domain.Ticker, len(tickers))
	for _, t := range tickers {
		tickerMap[t.Symbol] = t
	}

	r.mu.Lock()
	r.infos = infoMap
	r.tickers = tickerMap
	r.refreshedAt = time.Now().UTC()
	r.mu.Unlock()

	r.log.Info().Int("symbols", len(infoMap)).Msg("Symbol universe refreshed")
	return nil
}

// ensureFresh refreshes the snapshot when it is missing or expired.
func (r *Registry) ensureFresh(ctx context.Context) error {
	r.mu.RLock()
	stale := r.refreshedAt.IsZero() || time.Since(r.refreshedAt) > r.ttl
	r.mu.RUnlock()

	if !stale {
		return nil
	}
	return r.Refresh(ctx)
}

// Validate reports whether symbol is a known, actively trading spot symbol.
func (r *Registry) Validate(ctx context.Context, symbol string) (bool, error) {
	if err := r.ensureFresh(ctx); err != nil {
		return false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[strings.ToUpper(symbol)]
	return ok && info.Status == "TRADING" && info.Spot, nil
}

// Info returns the venue metadata for one symbol.
func (r *Registry) Info(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	if err := r.ensureFresh(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[strings.ToUpper(symbol)]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "unknown symbol %q", symbol)
	}
	return &info, nil
}

// PopularByVolume returns the top trading symbols for a quote asset, ordered
// by 24 h quote volume descending.
func (r *Registry) PopularByVolume(ctx context.Context, quote string, limit int) ([]domain.Ticker, error) {
	if err := r.ensureFresh(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	r.mu.RLock()
	candidates := make([]domain.Ticker, 0, len(r.tickers))
	for symbol, t := range r.tickers {
		info, ok := r.infos[symbol]
		if !ok || info.Status != "TRADING" || !info.Spot {
			continue
		}
		if quote != "" && info.QuoteAsset != strings.ToUpper(quote) {
			continue
		}
		candidates = append(candidates, t)
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].QuoteVolume > candidates[j].QuoteVolume
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// ForStrategy returns symbols matching a strategy bucket's volume floor and
// quote filter, most liquid first.
func (r *Registry) ForStrategy(ctx context.Context, bucket StrategyBucket) ([]string, error) {
	profile, ok := bucketProfiles[bucket]
	if !ok {
		return nil, domain.Errorf(domain.KindBadRequest, "unknown strategy bucket %q", bucket)
	}

	tickers, err := r.PopularByVolume(ctx, profile.quote, profile.limit*2)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, profile.limit)
	for _, t := range tickers {
		if t.QuoteVolume < profile.volumeFloor {
			continue
		}
		symbols = append(symbols, t.Symbol)
		if len(symbols) == profile.limit {
			break
		}
	}
	return symbols, nil
}

// RefreshedAt returns when the current snapshot was taken.
func (r *Registry) RefreshedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshedAt
}
