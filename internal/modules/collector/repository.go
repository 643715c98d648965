package collector

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/avendel/cryptodesk/internal/domain"
)

const configColumns = `id, symbol, exchange, timeframes, interval_s, enabled, job_id, created_at, updated_at`

// Repository persists data-collection configs.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a collection-config repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "collector_repository").Logger(),
	}
}

// Create inserts a config.
func (r *Repository) Create(cfg DataCollectionConfig) error {
	_, err := r.db.Exec(`
		INSERT INTO data_collection_configs (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, strings.ToUpper(cfg.Symbol), cfg.Exchange, joinTimeframes(cfg.Timeframes),
		cfg.IntervalS, boolToInt(cfg.Enabled), nullString(cfg.JobID),
		cfg.CreatedAt.UnixMilli(), cfg.UpdatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return domain.Errorf(domain.KindConflict, "collection config %q already exists", cfg.ID)
		}
		return domain.WrapError(domain.KindInternal, "create collection config", err)
	}
	return nil
}

// Get returns one config by id.
func (r *Repository) Get(id string) (*DataCollectionConfig, error) {
	rows, err := r.db.Query(`SELECT `+configColumns+` FROM data_collection_configs WHERE id = ?`, id)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "get collection config", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, domain.Errorf(domain.KindNotFound, "collection config %q not found", id)
	}
	cfg, err := scanConfig(rows)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// List returns configs, optionally only enabled ones, ordered by symbol.
func (r *Repository) List(onlyEnabled bool) ([]DataCollectionConfig, error) {
	query := `SELECT ` + configColumns + ` FROM data_collection_configs`
	if onlyEnabled {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY symbol, id`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "list collection configs", err)
	}
	defer rows.Close()

	var configs []DataCollectionConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// Update rewrites the mutable fields of a config.
func (r *Repository) Update(cfg DataCollectionConfig) error {
	res, err := r.db.Exec(`
		UPDATE data_collection_configs
		SET symbol = ?, exchange = ?, timeframes = ?, interval_s = ?, enabled = ?, job_id = ?, updated_at = ?
		WHERE id = ?`,
		strings.ToUpper(cfg.Symbol), cfg.Exchange, joinTimeframes(cfg.Timeframes),
		cfg.IntervalS, boolToInt(cfg.Enabled), nullString(cfg.JobID),
		time.Now().UTC().UnixMilli(), cfg.ID)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "update collection config", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.KindNotFound, "collection config %q not found", cfg.ID)
	}
	return nil
}

// Delete removes a config.
func (r *Repository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM data_collection_configs WHERE id = ?`, id)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "delete collection config", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.KindNotFound, "collection config %q not found", id)
	}
	return nil
}

func scanConfig(rows *sql.Rows) (DataCollectionConfig, error) {
	var (
		cfg         DataCollectionConfig
		timeframes  string
		enabled     int
		jobID       sql.NullString
		createdAtMs int64
		updatedAtMs int64
	)
	err := rows.Scan(&cfg.ID, &cfg.Symbol, &cfg.Exchange, &timeframes, &cfg.IntervalS,
		&enabled, &jobID, &createdAtMs, &updatedAtMs)
	if err != nil {
		return DataCollectionConfig{}, domain.WrapError(domain.KindInternal, "scan collection config", err)
	}
	cfg.Timeframes = splitTimeframes(timeframes)
	cfg.Enabled = enabled != 0
	cfg.JobID = jobID.String
	cfg.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	cfg.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	return cfg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
