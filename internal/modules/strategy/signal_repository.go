package strategy

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/avendel/cryptodesk/internal/domain"
)

// SignalRepository persists the append-only signal ledger.
type SignalRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSignalRepository creates a signal repository.
func NewSignalRepository(db *sql.DB, log zerolog.Logger) *SignalRepository {
	return &SignalRepository{
		db:  db,
		log: log.With().Str("repo", "signal").Logger(),
	}
}

// Insert appends one signal and fills in its generated id.
func (r *SignalRepository) Insert(sig *Signal) error {
	var indicators interface{}
	if len(sig.Indicators) > 0 {
		raw, err := json.Marshal(sig.Indicators)
		if err != nil {
			return domain.WrapError(domain.KindInternal, "marshal signal indicators", err)
		}
		indicators = string(raw)
	}
	var quantity interface{}
	if sig.Quantity != nil {
		quantity = sig.Quantity.String()
	}

	res, err := r.db.Exec(`
		INSERT INTO signals (strategy_id, symbol, ts, action, strength, confidence, price, quantity, indicators, reasoning)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.StrategyID, sig.Symbol, sig.Timestamp.UTC().UnixMilli(), sig.Action,
		sig.Strength, sig.Confidence, sig.Price, quantity, indicators,
		sql.NullString{String: sig.Reasoning, Valid: sig.Reasoning != ""})
	if err != nil {
		return domain.WrapError(domain.KindInternal, "insert signal", err)
	}
	sig.ID, _ = res.LastInsertId()
	return nil
}

// Recent returns the latest signals for a strategy, newest first.
func (r *SignalRepository) Recent(strategyID string, limit int) ([]Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, strategy_id, symbol, ts, action, strength, confidence, price, quantity, indicators, reasoning
		FROM signals WHERE strategy_id = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		strategyID, limit)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "query signals", err)
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		var (
			sig                             Signal
			ts                              int64
			quantity, indicators, reasoning sql.NullString
		)
		err := rows.Scan(&sig.ID, &sig.StrategyID, &sig.Symbol, &ts, &sig.Action,
			&sig.Strength, &sig.Confidence, &sig.Price, &quantity, &indicators, &reasoning)
		if err != nil {
			return nil, domain.WrapError(domain.KindInternal, "scan signal", err)
		}
		sig.Timestamp = time.UnixMilli(ts).UTC()
		if quantity.Valid {
			q, err := decimal.NewFromString(quantity.String)
			if err != nil {
				return nil, domain.WrapError(domain.KindInternal, "parse signal quantity", err)
			}
			sig.Quantity = &q
		}
		if indicators.Valid && indicators.String != "" {
			if err := json.Unmarshal([]byte(indicators.String), &sig.Indicators); err != nil {
				return nil, domain.WrapError(domain.KindInternal, "unmarshal signal indicators", err)
			}
		}
		sig.Reasoning = reasoning.String
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.KindInternal, "iterate signals", err)
	}
	return signals, nil
}

// DeleteBefore removes signals older than cutoff. Used by retention cleanup.
func (r *SignalRepository) DeleteBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM signals WHERE ts < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, domain.WrapError(domain.KindInternal, "delete old signals", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Old signals deleted")
	}
	return n, nil
}
