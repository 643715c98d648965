package scheduler

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// queueDepth bounds the backlog between the timing loop and the workers. The
// per-job max_instances cap is enforced by the executor, not here.
const queueDepth = 256

// poolDispatcher runs fires on a bounded worker pool inside this process.
type poolDispatcher struct {
	executor *Executor
	size     int
	tasks    chan Job
	log      zerolog.Logger
	wg       sync.WaitGroup
}

// NewInProcess builds the in-process scheduler backend with a worker pool of
// the given size.
func NewInProcess(repo *JobRepository, registry *Registry, executor *Executor, poolSize int, log zerolog.Logger) Scheduler {
	if poolSize <= 0 {
		poolSize = DefaultWorkerPool
	}
	disp := &poolDispatcher{
		executor: executor,
		size:     poolSize,
		tasks:    make(chan Job, queueDepth),
		log:      log.With().Str("component", "worker_pool").Logger(),
	}
	return newCore(repo, registry, executor, disp, log)
}

func (d *poolDispatcher) start(ctx context.Context) {
	for i := 0; i < d.size; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.log.Info().Int("workers", d.size).Msg("Worker pool started")
}

func (d *poolDispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.tasks:
			d.executor.Execute(ctx, job)
		}
	}
}

// dispatch hands a fire to the pool. The timing loop must never block on a
// saturated pool, so an overflowing backlog drops the fire with a warning.
func (d *poolDispatcher) dispatch(job Job) {
	select {
	case d.tasks <- job:
	default:
		d.log.Warn().
			Str("job_id", job.ID).
			Int("backlog", len(d.tasks)).
			Msg("Worker backlog full, fire dropped")
	}
}

func (d *poolDispatcher) stop(wait bool) {
	if wait {
		// Workers exit via context cancellation; Shutdown cancels after the
		// executor drains.
		return
	}
}

func (d *poolDispatcher) supportsPause() bool { return true }
