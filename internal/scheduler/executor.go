package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avendel/cryptodesk/internal/domain"
	"github.com/avendel/cryptodesk/internal/events"
)

// Executor wraps handler invocation: it resolves the handler by name, bounds
// concurrency per job id, writes exactly one execution-log row per run, and
// tracks the per-job error budget.
type Executor struct {
	registry *Registry
	jobs     *JobRepository
	logs     *LogRepository
	bus      *events.Bus
	log      zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]int
	failures map[string][]time.Time
	wg       sync.WaitGroup
}

// NewExecutor creates an executor. The bus may be nil in tests.
func NewExecutor(registry *Registry, jobs *JobRepository, logs *LogRepository, bus *events.Bus, log zerolog.Logger) *Executor {
	return &Executor{
		registry: registry,
		jobs:     jobs,
		logs:     logs,
		bus:      bus,
		log:      log.With().Str("component", "job_executor").Logger(),
		inFlight: make(map[string]int),
		failures: make(map[string][]time.Time),
	}
}

// Execute runs one fire of a job synchronously. It returns false when the
// fire was skipped because the job is already at max_instances.
func (e *Executor) Execute(ctx context.Context, job Job) bool {
	if !e.acquire(job.ID, job.MaxInstances) {
		e.log.Debug().
			Str("job_id", job.ID).
			Int("max_instances", job.MaxInstances).
			Msg("Fire skipped, job at concurrency cap")
		return false
	}
	e.wg.Add(1)
	defer func() {
		e.release(job.ID)
		e.wg.Done()
	}()

	symbol, _ := job.HandlerArgs["symbol"].(string)
	logID, err := e.logs.Start(job.ID, job.HandlerName, symbol)
	if err != nil {
		e.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to open execution log")
		return true
	}

	handler, ok := e.registry.Resolve(job.HandlerName)
	if !ok {
		e.finish(job, logID, RunStatusFailed, Result{},
			domain.Errorf(domain.KindInternal, "handler %q not registered", job.HandlerName))
		if err := e.jobs.SetStatus(job.ID, StatusOrphaned, "handler not registered"); err != nil {
			e.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job orphaned")
		}
		return true
	}

	runCtx, cancel := context.WithTimeout(ctx, HardTaskLimit)
	defer cancel()

	started := time.Now()
	result, runErr := e.invoke(runCtx, handler, job.HandlerArgs)
	elapsed := time.Since(started)
	if elapsed > SoftTaskLimit && runErr == nil {
		e.log.Warn().
			Str("job_id", job.ID).
			Dur("elapsed", elapsed).
			Msg("Handler exceeded soft task limit")
	}

	if runErr != nil {
		e.finish(job, logID, RunStatusFailed, result, runErr)
		e.recordFailure(job, runErr)
		return true
	}

	e.finish(job, logID, RunStatusSuccess, result, nil)
	if job.Status == StatusError {
		if err := e.jobs.SetStatus(job.ID, StatusActive, ""); err != nil {
			e.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to clear job error status")
		}
	}
	return true
}

// invoke calls the handler with panic recovery; a panicking handler must
// never take down the scheduler loop.
func (e *Executor) invoke(ctx context.Context, handler Handler, args map[string]any) (result Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = domain.Errorf(domain.KindInternal, "handler panicked: %v", p)
		}
	}()
	return handler(ctx, args)
}

func (e *Executor) finish(job Job, logID int64, status string, result Result, runErr error) {
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := e.logs.Finish(logID, status, result.Records, errMsg, result.Metadata); err != nil {
		e.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to close execution log")
	}

	event := e.log.Info()
	if runErr != nil {
		event = e.log.Error().Err(runErr)
	}
	event.
		Str("job_id", job.ID).
		Str("handler", job.HandlerName).
		Str("status", status).
		Int("records", result.Records).
		Msg("Job run finished")

	if e.bus != nil {
		e.bus.EmitData(events.JobCompleted, "scheduler", "", map[string]any{
			"job_id":  job.ID,
			"handler": job.HandlerName,
			"status":  status,
			"records": result.Records,
		})
	}
}

// recordFailure counts a failure against the job's error budget and flips the
// job status to error once the budget is exhausted. The job stays registered
// and keeps firing.
func (e *Executor) recordFailure(job Job, runErr error) {
	now := time.Now().UTC()
	cutoff := now.Add(-ErrorBudgetWindow)

	e.mu.Lock()
	recent := e.failures[job.ID][:0]
	for _, at := range e.failures[job.ID] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	recent = append(recent, now)
	e.failures[job.ID] = recent
	overBudget := len(recent) >= ErrorBudgetLimit
	e.mu.Unlock()

	if !overBudget {
		return
	}
	msg := fmt.Sprintf("error budget exhausted (%d failures in %s): %v",
		len(recent), ErrorBudgetWindow, runErr)
	if err := e.jobs.SetStatus(job.ID, StatusError, msg); err != nil {
		e.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to flip job to error status")
	}
}

// ResetBudget clears the failure window, used by explicit resume.
func (e *Executor) ResetBudget(jobID string) {
	e.mu.Lock()
	delete(e.failures, jobID)
	e.mu.Unlock()
}

// InFlight returns the number of running executions for a job id.
func (e *Executor) InFlight(jobID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight[jobID]
}

// Wait blocks until every in-flight execution returns or the deadline
// passes. Returns false on timeout; abandoned handlers close their own log
// rows when their context expires.
func (e *Executor) Wait(deadline time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(deadline):
		return false
	}
}

func (e *Executor) acquire(jobID string, maxInstances int) bool {
	if maxInstances <= 0 {
		maxInstances = DefaultMaxInstances
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[jobID] >= maxInstances {
		return false
	}
	e.inFlight[jobID]++
	return true
}

func (e *Executor) release(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[jobID] <= 1 {
		delete(e.inFlight, jobID)
	} else {
		e.inFlight[jobID]--
	}
}
