// Package collector ingests recent OHLCV candles for configured symbols,
// dedup-inserts them into the time-series store, and triggers indicator
// recomputation. Each config's lifecycle is bound to one scheduler job.
package collector

import (
	"strings"
	"time"

	"github.com/avendel/cryptodesk/internal/domain"
)

// DataCollectionConfig describes one symbol's ingestion: which timeframes to
// pull and how often. JobID is the scheduler handle owning the fires.
type DataCollectionConfig struct {
	ID         string             `json:"id"`
	Symbol     string             `json:"symbol"`
	Exchange   string             `json:"exchange"`
	Timeframes []domain.Timeframe `json:"timeframes"`
	IntervalS  int                `json:"interval_s"`
	Enabled    bool               `json:"enabled"`
	JobID      string             `json:"job_id,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Validate checks the config is well-formed.
func (c DataCollectionConfig) Validate() error {
	if c.Symbol == "" {
		return domain.Errorf(domain.KindBadRequest, "collection config requires a symbol")
	}
	if len(c.Timeframes) == 0 {
		return domain.Errorf(domain.KindBadRequest, "collection config requires at least one timeframe")
	}
	for _, tf := range c.Timeframes {
		if !domain.ValidTimeframe(tf) {
			return domain.Errorf(domain.KindBadRequest, "invalid timeframe %q", tf)
		}
	}
	if c.IntervalS < 1 {
		return domain.Errorf(domain.KindBadRequest, "collection interval must be at least 1s, got %d", c.IntervalS)
	}
	return nil
}

// Interval returns the collection period as a duration.
func (c DataCollectionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalS) * time.Second
}

func joinTimeframes(tfs []domain.Timeframe) string {
	parts := make([]string, len(tfs))
	for i, tf := range tfs {
		parts[i] = string(tf)
	}
	return strings.Join(parts, ",")
}

func splitTimeframes(s string) []domain.Timeframe {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tfs := make([]domain.Timeframe, len(parts))
	for i, p := range parts {
		tfs[i] = domain.Timeframe(p)
	}
	return tfs
}
