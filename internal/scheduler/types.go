// Package scheduler implements the durable job scheduler: a persistent
// registry of interval/cron/one-shot jobs, crash recovery with misfire
// handling, and two execution backends behind one interface.
package scheduler

import (
	"context"
	"time"
)

// JobKind identifies the trigger family of a job.
type JobKind string

const (
	KindInterval JobKind = "interval"
	KindCron     JobKind = "cron"
	KindOneShot  JobKind = "one_shot"
)

// JobStatus is the user-visible state of a job.
type JobStatus string

const (
	// StatusActive jobs fire on schedule.
	StatusActive JobStatus = "active"
	// StatusPaused jobs stay persisted but never fire.
	StatusPaused JobStatus = "paused"
	// StatusError marks a job over its error budget. It keeps firing;
	// the flag is cleared by the next successful run or an explicit resume.
	StatusError JobStatus = "error"
	// StatusOrphaned marks a persisted job whose handler name is no longer
	// registered. Orphaned jobs never fire and never crash the loop.
	StatusOrphaned JobStatus = "orphaned"
)

// Defaults per job, applied by AddJob when the spec leaves them zero.
const (
	DefaultMaxInstances  = 3
	DefaultMisfireGrace  = 60 * time.Second
	DefaultWorkerPool    = 20
	SoftTaskLimit        = 30 * time.Second
	HardTaskLimit        = 5 * time.Minute
	ErrorBudgetLimit     = 5
	ErrorBudgetWindow    = 10 * time.Minute
	ShutdownWaitDeadline = 30 * time.Second
)

// Job is a persisted scheduled job. The handler is referenced by name so the
// row stays serializable and backend-agnostic.
type Job struct {
	ID           string         `json:"id"`
	Kind         JobKind        `json:"kind"`
	Trigger      Trigger        `json:"trigger"`
	HandlerName  string         `json:"handler_name"`
	HandlerArgs  map[string]any `json:"handler_args,omitempty"`
	NextFireAt   *time.Time     `json:"next_fire_at,omitempty"`
	MaxInstances int            `json:"max_instances"`
	Coalesce     bool           `json:"coalesce"`
	MisfireGrace time.Duration  `json:"misfire_grace_s"`
	Status       JobStatus      `json:"status"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// JobSpec is the caller-facing description of a job to add. Zero policy
// fields pick up defaults; Coalesce defaults to true (see AddJob).
type JobSpec struct {
	ID           string
	Trigger      Trigger
	HandlerName  string
	HandlerArgs  map[string]any
	MaxInstances int
	NoCoalesce   bool
	MisfireGrace time.Duration
}

// Result is what a handler reports back for the execution log.
type Result struct {
	Records  int
	Symbol   string
	Metadata map[string]any
}

// Handler is a named job callable. Implementations observe ctx for
// cancellation; side effects must be durable before returning.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Scheduler is the public contract shared by both backends. The backend is
// chosen at startup from config and is invisible to callers afterwards.
type Scheduler interface {
	Start(ctx context.Context) error
	Shutdown(wait bool)
	AddJob(spec JobSpec) (*Job, error)
	RemoveJob(id string) error
	UpdateJob(id string, trigger Trigger) error
	PauseJob(id string) error
	ResumeJob(id string) error
	TriggerNow(id string) error
	GetJob(id string) (*Job, error)
	ListJobs() ([]Job, error)
}
