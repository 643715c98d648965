package scheduler

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/avendel/cryptodesk/internal/domain"
)

// Execution log statuses.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// ExecutionLog is one row of the append-only job execution log.
type ExecutionLog struct {
	ID         int64          `json:"id"`
	JobName    string         `json:"job_name"`
	JobType    string         `json:"job_type"`
	Symbol     string         `json:"symbol,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	DurationS  float64        `json:"duration_s,omitempty"`
	Status     string         `json:"status"`
	Records    int            `json:"records_collected,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// LogFilter narrows execution-log queries.
type LogFilter struct {
	JobName string
	Status  string
	Limit   int
}

// Stats aggregates execution outcomes over a sliding window.
type Stats struct {
	Total        int     `json:"total"`
	Success      int     `json:"success"`
	Failed       int     `json:"failed"`
	Running      int     `json:"running"`
	SuccessRate  float64 `json:"success_rate"`
	AvgDurationS float64 `json:"avg_duration_s"`
	TotalRecords int64   `json:"total_records"`
}

// LogRepository persists job execution logs.
type LogRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLogRepository creates an execution-log repository.
func NewLogRepository(db *sql.DB, log zerolog.Logger) *LogRepository {
	return &LogRepository{
		db:  db,
		log: log.With().Str("component", "log_repository").Logger(),
	}
}

// Start inserts a running row and returns its id.
func (r *LogRepository) Start(jobName, jobType, symbol string) (int64, error) {
	res, err := r.db.Exec(`
		INSERT INTO job_execution_logs (job_name, job_type, symbol, started_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		jobName, jobType, nullString(symbol), time.Now().UTC().UnixMilli(), RunStatusRunning)
	if err != nil {
		return 0, domain.WrapError(domain.KindInternal, "start execution log", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, domain.WrapError(domain.KindInternal, "start execution log", err)
	}
	return id, nil
}

// Finish closes a log row with its outcome. Duration is derived from the
// persisted start time so clock reads stay consistent.
func (r *LogRepository) Finish(id int64, status string, records int, errMsg string, metadata map[string]any) error {
	var metaJSON sql.NullString
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return domain.WrapError(domain.KindInternal, "marshal log metadata", err)
		}
		metaJSON = sql.NullString{String: string(raw), Valid: true}
	}

	now := time.Now().UTC().UnixMilli()
	_, err := r.db.Exec(`
		UPDATE job_execution_logs
		SET finished_at = ?, duration_s = (? - started_at) / 1000.0,
		    status = ?, records_collected = ?, error = ?, metadata = ?
		WHERE id = ?`,
		now, now, status, records, nullString(errMsg), metaJSON, id)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "finish execution log", err)
	}
	return nil
}

// Recent returns log rows newest-first, optionally filtered by job name and
// status.
func (r *LogRepository) Recent(filter LogFilter) ([]ExecutionLog, error) {
	query := `SELECT id, job_name, job_type, symbol, started_at, finished_at, duration_s,
		status, records_collected, error, metadata FROM job_execution_logs`
	var (
		conds []string
		args  []any
	)
	if filter.JobName != "" {
		conds = append(conds, "job_name = ?")
		args = append(args, filter.JobName)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "query execution logs", err)
	}
	defer rows.Close()

	var logs []ExecutionLog
	for rows.Next() {
		entry, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// Stats aggregates outcomes for runs started within the window.
func (r *LogRepository) Stats(window time.Duration) (*Stats, error) {
	since := time.Now().UTC().Add(-window).UnixMilli()

	var s Stats
	err := r.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(duration_s), 0),
		       COALESCE(SUM(records_collected), 0)
		FROM job_execution_logs WHERE started_at >= ?`, since).
		Scan(&s.Total, &s.Success, &s.Failed, &s.Running, &s.AvgDurationS, &s.TotalRecords)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "aggregate execution stats", err)
	}

	finished := s.Success + s.Failed
	if finished > 0 {
		s.SuccessRate = float64(s.Success) / float64(finished)
	}
	return &s, nil
}

// DeleteBefore removes log rows started before the cutoff.
func (r *LogRepository) DeleteBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM job_execution_logs WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, domain.WrapError(domain.KindInternal, "prune execution logs", err)
	}
	return res.RowsAffected()
}

func scanLog(rows *sql.Rows) (ExecutionLog, error) {
	var (
		entry      ExecutionLog
		symbol     sql.NullString
		startedMs  int64
		finishedMs sql.NullInt64
		durationS  sql.NullFloat64
		records    sql.NullInt64
		errMsg     sql.NullString
		metaJSON   sql.NullString
	)
	err := rows.Scan(&entry.ID, &entry.JobName, &entry.JobType, &symbol, &startedMs,
		&finishedMs, &durationS, &entry.Status, &records, &errMsg, &metaJSON)
	if err != nil {
		return ExecutionLog{}, domain.WrapError(domain.KindInternal, "scan execution log", err)
	}

	entry.Symbol = symbol.String
	entry.StartedAt = time.UnixMilli(startedMs).UTC()
	if finishedMs.Valid {
		at := time.UnixMilli(finishedMs.Int64).UTC()
		entry.FinishedAt = &at
	}
	entry.DurationS = durationS.Float64
	entry.Records = int(records.Int64)
	entry.Error = errMsg.String
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &entry.Metadata); err != nil {
			return ExecutionLog{}, domain.WrapError(domain.KindInternal, "unmarshal log metadata", err)
		}
	}
	return entry, nil
}
