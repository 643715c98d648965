package scheduler

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/avendel/cryptodesk/internal/domain"
)

const jobColumns = `id, kind, trigger_json, handler_name, handler_args, next_fire_at,
	max_instances, coalesce, misfire_grace_s, status, last_error, created_at, updated_at`

// JobRepository persists scheduled jobs. Every scheduling decision the
// backends make is written through here so restarts see the same table.
type JobRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewJobRepository creates a job repository.
func NewJobRepository(db *sql.DB, log zerolog.Logger) *JobRepository {
	return &JobRepository{
		db:  db,
		log: log.With().Str("component", "job_repository").Logger(),
	}
}

// Save upserts a job row. Reusing an id replaces the existing job atomically.
func (r *JobRepository) Save(job Job) error {
	triggerJSON, err := json.Marshal(job.Trigger)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "marshal trigger", err)
	}
	args := job.HandlerArgs
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "marshal handler args", err)
	}

	_, err = r.db.Exec(`
		INSERT OR REPLACE INTO scheduled_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Kind), string(triggerJSON), job.HandlerName, string(argsJSON),
		nullableMillis(job.NextFireAt), job.MaxInstances, boolToInt(job.Coalesce),
		int64(job.MisfireGrace/time.Second), string(job.Status), nullString(job.LastError),
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		return domain.WrapError(domain.KindInternal, "save job", err)
	}
	return nil
}

// Get returns one job by id.
func (r *JobRepository) Get(id string) (*Job, error) {
	rows, err := r.db.Query(`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "get job", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, domain.Errorf(domain.KindNotFound, "job %q not found", id)
	}
	job, err := scanJob(rows)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns every persisted job, ordered by id for stable output.
func (r *JobRepository) List() ([]Job, error) {
	rows, err := r.db.Query(`SELECT ` + jobColumns + ` FROM scheduled_jobs ORDER BY id`)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "list jobs", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Delete removes a job row.
func (r *JobRepository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "delete job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.KindNotFound, "job %q not found", id)
	}
	return nil
}

// SetNextFire persists the next fire time for a job.
func (r *JobRepository) SetNextFire(id string, at *time.Time) error {
	_, err := r.db.Exec(`UPDATE scheduled_jobs SET next_fire_at = ?, updated_at = ? WHERE id = ?`,
		nullableMillis(at), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "persist next fire", err)
	}
	return nil
}

// SetStatus persists a status transition and the last error, if any.
func (r *JobRepository) SetStatus(id string, status JobStatus, lastError string) error {
	_, err := r.db.Exec(`UPDATE scheduled_jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), nullString(lastError), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return domain.WrapError(domain.KindInternal, "persist job status", err)
	}
	return nil
}

func scanJob(rows *sql.Rows) (Job, error) {
	var (
		job           Job
		kind, status  string
		triggerJSON   string
		argsJSON      string
		nextFire      sql.NullInt64
		coalesce      int
		misfireGraceS int64
		lastError     sql.NullString
		createdAtMs   int64
		updatedAtMs   int64
	)
	err := rows.Scan(&job.ID, &kind, &triggerJSON, &job.HandlerName, &argsJSON, &nextFire,
		&job.MaxInstances, &coalesce, &misfireGraceS, &status, &lastError, &createdAtMs, &updatedAtMs)
	if err != nil {
		return Job{}, domain.WrapError(domain.KindInternal, "scan job", err)
	}

	job.Kind = JobKind(kind)
	job.Status = JobStatus(status)
	job.Coalesce = coalesce != 0
	job.MisfireGrace = time.Duration(misfireGraceS) * time.Second
	job.LastError = lastError.String
	job.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	if nextFire.Valid {
		at := time.UnixMilli(nextFire.Int64).UTC()
		job.NextFireAt = &at
	}
	if err := json.Unmarshal([]byte(triggerJSON), &job.Trigger); err != nil {
		return Job{}, domain.WrapError(domain.KindInternal, "unmarshal trigger", err)
	}
	if err := json.Unmarshal([]byte(argsJSON), &job.HandlerArgs); err != nil {
		return Job{}, domain.WrapError(domain.KindInternal, "unmarshal handler args", err)
	}
	return job, nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
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
