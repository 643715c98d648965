package marketdata

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/avendel/cryptodesk/internal/domain"
)

const indicatorsColumns = `symbol, timeframe, name, ts, value, values_json, signal, signal_strength, overbought, oversold`

// IndicatorRepository handles indicator sample database operations.
type IndicatorRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewIndicatorRepository creates a new indicator repository.
func NewIndicatorRepository(db *sql.DB, log zerolog.Logger) *IndicatorRepository {
	return &IndicatorRepository{
		db:  db,
		log: log.With().Str("repo", "indicator").Logger(),
	}
}

// Upsert inserts a sample if its (symbol, timeframe, name, ts) key is new.
// Returns true on insert, false when the key already existed, which makes
// indicator recomputation idempotent.
func (r *IndicatorRepository) Upsert(s domain.IndicatorSample) (bool, error) {
	if s.Symbol == "" || s.Name == "" {
		return false, domain.NewError(domain.KindBadRequest, "indicator sample missing symbol or name")
	}
	if !domain.ValidTimeframe(s.Timeframe) {
		return false, domain.Errorf(domain.KindBadRequest, "invalid timeframe %q", s.Timeframe)
	}

	var valuesJSON sql.NullString
	if len(s.Values) > 0 {
		b, err := json.Marshal(s.Values)
		if err != nil {
			return false, domain.WrapError(domain.KindInternal, "failed to marshal indicator values", err)
		}
		valuesJSON = sql.NullString{String: string(b), Valid: true}
	}

	res, err := r.db.Exec(`
		INSERT OR IGNORE INTO indicators
		(symbol, timeframe, name, ts, value, values_json, signal, signal_strength, overbought, oversold)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Symbol, string(s.Timeframe), s.Name, s.Timestamp.UTC().UnixMilli(),
		s.Value, valuesJSON, nullString(s.Signal), s.SignalStrength,
		boolToInt(s.Overbought), boolToInt(s.Oversold),
	)
	if err != nil {
		return false, domain.WrapError(domain.KindInternal, "failed to insert indicator sample", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.WrapError(domain.KindInternal, "failed to read rows affected", err)
	}
	return n > 0, nil
}

// Recent returns the last n samples of one indicator in chronological order.
func (r *IndicatorRepository) Recent(symbol string, tf domain.Timeframe, name string, n int) ([]domain.IndicatorSample, error) {
	rows, err := r.db.Query(
		"SELECT "+indicatorsColumns+` FROM indicators
		 WHERE symbol = ? AND timeframe = ? AND name = ?
		 ORDER BY ts DESC LIMIT ?`,
		symbol, string(tf), name, n,
	)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to query indicators", err)
	}
	defer rows.Close()

	var samples []domain.IndicatorSample
	for rows.Next() {
		s, err := scanIndicator(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to iterate indicators", err)
	}

	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

// Latest returns the most recent sample of one indicator, or nil if none.
func (r *IndicatorRepository) Latest(symbol string, tf domain.Timeframe, name string) (*domain.IndicatorSample, error) {
	samples, err := r.Recent(symbol, tf, name, 1)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return &samples[0], nil
}

// DeleteBefore removes samples older than cutoff. Used by retention cleanup.
func (r *IndicatorRepository) DeleteBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec("DELETE FROM indicators WHERE ts < ?", cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, domain.WrapError(domain.KindInternal, "failed to delete old indicators", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Old indicator samples deleted")
	}
	return n, nil
}

func scanIndicator(rows *sql.Rows) (domain.IndicatorSample, error) {
	var s domain.IndicatorSample
	var tf string
	var ts int64
	var valuesJSON, signal sql.NullString
	var signalStrength sql.NullFloat64
	var overbought, oversold int
	err := rows.Scan(
		&s.Symbol, &tf, &s.Name, &ts, &s.Value,
		&valuesJSON, &signal, &signalStrength, &overbought, &oversold,
	)
	if err != nil {
		return domain.IndicatorSample{}, domain.WrapError(domain.KindInternal, "failed to scan indicator sample", err)
	}
	s.Timeframe = domain.Timeframe(tf)
	s.Timestamp = time.UnixMilli(ts).UTC()
	if valuesJSON.Valid {
		if err := json.Unmarshal([]byte(valuesJSON.String), &s.Values); err != nil {
			return domain.IndicatorSample{}, domain.WrapError(domain.KindInternal, "failed to unmarshal indicator values", err)
		}
	}
	s.Signal = signal.String
	s.SignalStrength = signalStrength.Float64
	s.Overbought = overbought != 0
	s.Oversold = oversold != 0
	return s, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
