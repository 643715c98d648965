package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avendel/cryptodesk/internal/domain"
)

// dispatcher abstracts where a due fire executes. The in-process backend
// hands fires to its worker pool; the Redis backend enqueues them for
// external workers. The timing loop is shared: the core owns time in both
// cases.
type dispatcher interface {
	start(ctx context.Context)
	dispatch(job Job)
	stop(wait bool)
	supportsPause() bool
}

// core is the backend-independent scheduler: the durable job table, the
// misfire/coalesce recovery pass, and the sleep-until-next-fire loop.
type core struct {
	repo     *JobRepository
	registry *Registry
	executor *Executor
	disp     dispatcher
	log      zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	wake    chan struct{}
	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func newCore(repo *JobRepository, registry *Registry, executor *Executor, disp dispatcher, log zerolog.Logger) *core {
	return &core{
		repo:     repo,
		registry: registry,
		executor: executor,
		disp:     disp,
		log:      log.With().Str("component", "scheduler").Logger(),
		jobs:     make(map[string]*Job),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start reloads persisted jobs, applies the misfire policy to anything that
// came due while the process was down, and begins firing.
func (s *core) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return domain.Errorf(domain.KindConflict, "scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.disp.start(runCtx)
	if err := s.reload(time.Now().UTC()); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.run(runCtx)
	s.log.Info().Int("jobs", s.jobCount()).Msg("Scheduler started")
	return nil
}

// Shutdown stops firing. With wait, in-flight handlers get a bounded grace
// period; handlers that ignore cancellation past the deadline are abandoned.
func (s *core) Shutdown(wait bool) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	if s.cancel != nil {
		defer s.cancel()
	}
	s.wg.Wait()
	s.disp.stop(wait)
	if wait && !s.executor.Wait(ShutdownWaitDeadline) {
		s.log.Warn().Msg("Shutdown deadline passed with handlers still in flight")
	}
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job. Reusing an id replaces the existing job atomically.
func (s *core) AddJob(spec JobSpec) (*Job, error) {
	if err := spec.Trigger.Validate(); err != nil {
		return nil, err
	}
	if spec.HandlerName == "" {
		return nil, domain.Errorf(domain.KindBadRequest, "job requires a handler name")
	}
	if !s.registry.Has(spec.HandlerName) {
		return nil, domain.Errorf(domain.KindBadRequest, "handler %q not registered", spec.HandlerName)
	}

	now := time.Now().UTC()
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	maxInstances := spec.MaxInstances
	if maxInstances <= 0 {
		maxInstances = DefaultMaxInstances
	}
	grace := spec.MisfireGrace
	if grace <= 0 {
		grace = DefaultMisfireGrace
	}

	next, err := spec.Trigger.NextAfter(now)
	if err != nil {
		return nil, err
	}
	job := Job{
		ID:           id,
		Kind:         spec.Trigger.Kind,
		Trigger:      spec.Trigger,
		HandlerName:  spec.HandlerName,
		HandlerArgs:  spec.HandlerArgs,
		NextFireAt:   &next,
		MaxInstances: maxInstances,
		Coalesce:     !spec.NoCoalesce,
		MisfireGrace: grace,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Save(job); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.jobs[job.ID] = &job
	s.mu.Unlock()
	s.poke()

	s.log.Info().
		Str("job_id", job.ID).
		Str("handler", job.HandlerName).
		Str("kind", string(job.Kind)).
		Time("next_fire_at", next).
		Msg("Job added")
	result := job
	return &result, nil
}

// RemoveJob deletes a job from the schedule and the store.
func (s *core) RemoveJob(id string) error {
	if err := s.repo.Delete(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	s.poke()
	s.log.Info().Str("job_id", id).Msg("Job removed")
	return nil
}

// UpdateJob replaces a job's trigger; the next fire is recomputed from now.
func (s *core) UpdateJob(id string, trigger Trigger) error {
	if err := trigger.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Errorf(domain.KindNotFound, "job %q not found", id)
	}

	now := time.Now().UTC()
	next, err := trigger.NextAfter(now)
	if err != nil {
		return err
	}
	job.Trigger = trigger
	job.Kind = trigger.Kind
	job.NextFireAt = &next
	job.UpdatedAt = now
	if err := s.repo.Save(*job); err != nil {
		return err
	}
	s.poke()
	return nil
}

// PauseJob suspends firing without losing the job. The in-process backend
// freezes the schedule in place; the Redis backend emulates pause by
// unscheduling, so resume there computes a fresh fire time.
func (s *core) PauseJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Errorf(domain.KindNotFound, "job %q not found", id)
	}

	job.Status = StatusPaused
	if !s.disp.supportsPause() {
		job.NextFireAt = nil
	}
	job.UpdatedAt = time.Now().UTC()
	if err := s.repo.Save(*job); err != nil {
		return err
	}
	s.poke()
	s.log.Info().Str("job_id", id).Msg("Job paused")
	return nil
}

// ResumeJob reactivates a paused or errored job and resets its error budget.
// A frozen fire time that came due during the pause follows the misfire
// policy on the next loop pass.
func (s *core) ResumeJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Errorf(domain.KindNotFound, "job %q not found", id)
	}
	if job.Status != StatusPaused && job.Status != StatusError {
		return domain.Errorf(domain.KindConflict, "job %q is %s, not paused or errored", id, job.Status)
	}

	now := time.Now().UTC()
	if job.NextFireAt == nil || !job.NextFireAt.After(now) {
		grace := job.MisfireGrace
		withinGrace := job.NextFireAt != nil && now.Sub(*job.NextFireAt) <= grace
		if withinGrace {
			s.disp.dispatch(*job)
		}
		next, err := job.Trigger.AdvancePast(now, now)
		if err != nil {
			return err
		}
		if next.IsZero() {
			job.NextFireAt = nil
		} else {
			job.NextFireAt = &next
		}
	}
	job.Status = StatusActive
	job.LastError = ""
	job.UpdatedAt = now
	if err := s.repo.Save(*job); err != nil {
		return err
	}
	s.executor.ResetBudget(id)
	s.poke()
	s.log.Info().Str("job_id", id).Msg("Job resumed")
	return nil
}

// TriggerNow dispatches an immediate one-shot fire without touching the
// job's schedule.
func (s *core) TriggerNow(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return domain.Errorf(domain.KindNotFound, "job %q not found", id)
	}
	snapshot := *job
	s.mu.Unlock()

	if snapshot.Status == StatusOrphaned {
		return domain.Errorf(domain.KindConflict, "job %q is orphaned, handler %q is not registered",
			id, snapshot.HandlerName)
	}
	s.disp.dispatch(snapshot)
	s.log.Info().Str("job_id", id).Msg("Job triggered manually")
	return nil
}

// GetJob returns a snapshot of one job.
func (s *core) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "job %q not found", id)
	}
	snapshot := *job
	return &snapshot, nil
}

// ListJobs returns snapshots of every job, ordered by id.
func (s *core) ListJobs() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// reload restores the persisted job table, applying the misfire policy to
// fires missed while the process was down.
func (s *core) reload(now time.Time) error {
	persisted, err := s.repo.List()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range persisted {
		job := persisted[i]

		if !s.registry.Has(job.HandlerName) {
			if job.Status != StatusOrphaned {
				job.Status = StatusOrphaned
				job.LastError = "handler not registered at load"
				if err := s.repo.SetStatus(job.ID, StatusOrphaned, job.LastError); err != nil {
					return err
				}
			}
			s.log.Warn().
				Str("job_id", job.ID).
				Str("handler", job.HandlerName).
				Msg("Job orphaned, handler not registered")
			s.jobs[job.ID] = &job
			continue
		}
		if job.Status == StatusOrphaned {
			// Handler came back; reactivate.
			job.Status = StatusActive
			job.LastError = ""
		}
		if job.Status == StatusPaused {
			s.jobs[job.ID] = &job
			continue
		}

		if err := s.recoverSchedule(&job, now); err != nil {
			return err
		}
		if job.Kind == KindOneShot && job.NextFireAt == nil {
			// Exhausted one-shot; nothing left to persist.
			if err := s.repo.Delete(job.ID); err != nil {
				return err
			}
			continue
		}
		if err := s.repo.Save(job); err != nil {
			return err
		}
		s.jobs[job.ID] = &job
	}
	return nil
}

// recoverSchedule applies the misfire policy to one reloaded job: missed
// fires within the grace window execute (coalesced into one by default),
// older ones are dropped, and the next fire is advanced along the trigger's
// original grid so restarts do not drift.
func (s *core) recoverSchedule(job *Job, now time.Time) error {
	if job.NextFireAt == nil {
		next, err := job.Trigger.NextAfter(now)
		if err != nil {
			return err
		}
		setNextFire(job, next)
		return nil
	}
	if job.NextFireAt.After(now) {
		return nil
	}

	missed := job.Trigger.missedFires(*job.NextFireAt, now)
	grace := job.MisfireGrace
	var dueFires []time.Time
	for _, fire := range missed {
		if now.Sub(fire) <= grace {
			dueFires = append(dueFires, fire)
		}
	}
	dropped := len(missed) - len(dueFires)
	if job.Coalesce && len(dueFires) > 1 {
		dropped += len(dueFires) - 1
		dueFires = dueFires[:1]
	}
	if dropped > 0 {
		s.log.Info().
			Str("job_id", job.ID).
			Int("dropped", dropped).
			Msg("Missed fires dropped on recovery")
	}
	for range dueFires {
		s.disp.dispatch(*job)
	}

	next, err := job.Trigger.AdvancePast(*job.NextFireAt, now)
	if err != nil {
		return err
	}
	setNextFire(job, next)
	return nil
}

// run is the sleep-until-next-fire loop. Any schedule change pokes the wake
// channel so the timer is recomputed.
func (s *core) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		timer, fireC := s.nextTimer()
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-s.stopCh:
			stopTimer(timer)
			return
		case <-s.wake:
			stopTimer(timer)
		case <-fireC:
			s.fireDue(time.Now().UTC())
		}
	}
}

// nextTimer returns a timer for the earliest scheduled fire, or a nil channel
// (blocks forever) when nothing is scheduled.
func (s *core) nextTimer() (*time.Timer, <-chan time.Time) {
	s.mu.Lock()
	var earliest *time.Time
	for _, job := range s.jobs {
		if !fireable(job) {
			continue
		}
		if earliest == nil || job.NextFireAt.Before(*earliest) {
			earliest = job.NextFireAt
		}
	}
	s.mu.Unlock()

	if earliest == nil {
		return nil, nil
	}
	timer := time.NewTimer(time.Until(*earliest))
	return timer, timer.C
}

// fireDue dispatches every job whose fire time has arrived and advances its
// schedule.
func (s *core) fireDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if !fireable(job) || job.NextFireAt.After(now) {
			continue
		}
		s.disp.dispatch(*job)

		next, err := job.Trigger.AdvancePast(*job.NextFireAt, now)
		if err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to advance job schedule")
			continue
		}
		if next.IsZero() {
			// One-shot fired; drop the row.
			delete(s.jobs, job.ID)
			if err := s.repo.Delete(job.ID); err != nil && !domain.IsKind(err, domain.KindNotFound) {
				s.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to delete exhausted job")
			}
			continue
		}
		job.NextFireAt = &next
		if err := s.repo.SetNextFire(job.ID, &next); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist next fire")
		}
	}
}

// fireable reports whether a job participates in scheduling. Errored jobs
// keep firing; the status is a visibility flag, not a stop.
func fireable(job *Job) bool {
	if job.NextFireAt == nil {
		return false
	}
	return job.Status == StatusActive || job.Status == StatusError
}

func (s *core) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *core) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func setNextFire(job *Job, next time.Time) {
	if next.IsZero() {
		job.NextFireAt = nil
		return
	}
	job.NextFireAt = &next
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
