package strategy

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/avendel/cryptodesk/internal/domain"
)

const strategyColumns = `id, owner, type, parameters, symbol, timeframe, initial_balance,
	commission_rate, mode, portfolio_id, status, interval_s, total_signals, total_errors,
	last_error, last_run_at, created_at, updated_at`

// Repository persists strategies.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a strategy repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "strategy").Logger(),
	}
}

// Create inserts a new strategy row.
func (r *Repository) Create(s Strategy) error {
	params, err := s.Parameters.marshal()
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`
		INSERT INTO strategies (`+strategyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Owner, s.Type, params, s.Symbol, string(s.Timeframe),
		s.InitialBalance.String(), s.CommissionRate.String(), s.Mode,
		nullString(s.PortfolioID), s.Status, s.IntervalS, s.TotalSignals, s.TotalErrors,
		nullString(s.LastError), nullableMillis(s.LastRunAt),
		s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return domain.Errorf(domain.KindConflict, "strategy %q already exists", s.ID)
		}
		return domain.WrapError(domain.KindInternal, "insert strategy", err)
	}
	return nil
}

// Get returns one strategy by id.
func (r *Repository) Get(id string) (*Strategy, error) {
	rows, err := r.db.Query(`SELECT `+strategyColumns+` FROM strategies WHERE id = ?`, id)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "get strategy", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, domain.Errorf(domain.KindNotFound, "strategy %q not found", id)
	}
	return scanStrategy(rows)
}

// List returns strategies, optionally filtered by owner.
func (r *Repository) List(owner string) ([]Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies`
	var args []interface{}
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at`
	return r.queryStrategies(query, args...)
}

// ListByStatus returns strategies in one status. Used on startup to rebind
// scheduler jobs for active strategies.
func (r *Repository) ListByStatus(status string) ([]Strategy, error) {
	return r.queryStrategies(
		`SELECT `+strategyColumns+` FROM strategies WHERE status = ? ORDER BY created_at`, status)
}

func (r *Repository) queryStrategies(query string, args ...interface{}) ([]Strategy, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "list strategies", err)
	}
	defer rows.Close()

	var strategies []Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.KindInternal, "iterate strategies", err)
	}
	return strategies, nil
}

// Update rewrites the mutable configuration fields.
func (r *Repository) Update(s Strategy) error {
	params, err := s.Parameters.marshal()
	if err != nil {
		return err
	}

	res, err := r.db.Exec(`
		UPDATE strategies
		SET parameters = ?, symbol = ?, timeframe = ?, mode = ?, portfolio_id = ?,
		    interval_s = ?, updated_at = ?
		WHERE id = ?`,
		params, s.Symbol, string(s.Timeframe), s.Mode, nullString(s.PortfolioID),
		s.IntervalS, time.Now().UTC().UnixMilli(), s.ID)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "update strategy", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.KindNotFound, "strategy %q not found", s.ID)
	}
	return nil
}

// SetStatus moves a strategy to a new lifecycle status. lastError is stored
// verbatim and cleared when empty.
func (r *Repository) SetStatus(id, status, lastError string) error {
	res, err := r.db.Exec(`
		UPDATE strategies SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, nullString(lastError), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "set strategy status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.KindNotFound, "strategy %q not found", id)
	}
	return nil
}

// RecordRun bumps the signal counter after a successful tick.
func (r *Repository) RecordRun(id string, signals int, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE strategies
		SET total_signals = total_signals + ?, last_run_at = ?, updated_at = ?
		WHERE id = ?`,
		signals, at.UTC().UnixMilli(), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "record strategy run", err)
	}
	return nil
}

// RecordError bumps the error counter and stores the latest message.
func (r *Repository) RecordError(id, message string) error {
	_, err := r.db.Exec(`
		UPDATE strategies
		SET total_errors = total_errors + 1, last_error = ?, updated_at = ?
		WHERE id = ?`,
		message, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "record strategy error", err)
	}
	return nil
}

// Delete removes a strategy row.
func (r *Repository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "delete strategy", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.KindNotFound, "strategy %q not found", id)
	}
	return nil
}

func scanStrategy(rows *sql.Rows) (*Strategy, error) {
	var (
		s                        Strategy
		params, tf               string
		initial, commission      string
		portfolioID, lastError   sql.NullString
		lastRunMs                sql.NullInt64
		createdAtMs, updatedAtMs int64
	)
	err := rows.Scan(&s.ID, &s.Owner, &s.Type, &params, &s.Symbol, &tf, &initial,
		&commission, &s.Mode, &portfolioID, &s.Status, &s.IntervalS, &s.TotalSignals,
		&s.TotalErrors, &lastError, &lastRunMs, &createdAtMs, &updatedAtMs)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "scan strategy", err)
	}

	if s.Parameters, err = unmarshalParams(params); err != nil {
		return nil, err
	}
	s.Timeframe = domain.Timeframe(tf)
	if s.InitialBalance, err = decimal.NewFromString(initial); err != nil {
		return nil, domain.WrapError(domain.KindInternal, "parse strategy decimal", err)
	}
	if s.CommissionRate, err = decimal.NewFromString(commission); err != nil {
		return nil, domain.WrapError(domain.KindInternal, "parse strategy decimal", err)
	}
	s.PortfolioID = portfolioID.String
	s.LastError = lastError.String
	if lastRunMs.Valid {
		at := time.UnixMilli(lastRunMs.Int64).UTC()
		s.LastRunAt = &at
	}
	s.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	s.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}
