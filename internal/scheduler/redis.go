package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// taskEnvelope is the broker message for one fire. msgpack keeps it compact
// and schema-tolerant across worker versions.
type taskEnvelope struct {
	JobID       string         `msgpack:"job_id"`
	HandlerName string         `msgpack:"handler_name"`
	HandlerArgs map[string]any `msgpack:"handler_args,omitempty"`
	FiredAt     int64          `msgpack:"fired_at_ms"`
}

// redisDispatcher enqueues due fires to a Redis list consumed by Workers.
// The scheduling loop still runs in this process; only execution moves out.
// Pause is emulated by unscheduling because the broker has no pause
// semantics, so a resumed job gets a fresh fire time.
type redisDispatcher struct {
	client   *redis.Client
	queueKey string
	log      zerolog.Logger

	mu  sync.Mutex
	ctx context.Context
}

// NewRedis builds the Redis-backed scheduler backend.
func NewRedis(client *redis.Client, queueKey string, repo *JobRepository, registry *Registry, executor *Executor, log zerolog.Logger) Scheduler {
	disp := &redisDispatcher{
		client:   client,
		queueKey: queueKey,
		log:      log.With().Str("component", "redis_dispatcher").Logger(),
	}
	return newCore(repo, registry, executor, disp, log)
}

func (d *redisDispatcher) start(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()
}

func (d *redisDispatcher) dispatch(job Job) {
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	env := taskEnvelope{
		JobID:       job.ID,
		HandlerName: job.HandlerName,
		HandlerArgs: job.HandlerArgs,
		FiredAt:     time.Now().UTC().UnixMilli(),
	}
	payload, err := msgpack.Marshal(env)
	if err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to encode task envelope")
		return
	}
	if err := d.client.LPush(ctx, d.queueKey, payload).Err(); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to enqueue fire")
	}
}

func (d *redisDispatcher) stop(wait bool) {}

func (d *redisDispatcher) supportsPause() bool { return false }

// Worker consumes fires from the Redis queue and executes them through the
// shared executor. Workers may run in the scheduler's process or in a
// separate one; they only need the queue, the handler registry, and the
// store.
type Worker struct {
	client      *redis.Client
	queueKey    string
	executor    *Executor
	jobs        *JobRepository
	concurrency int
	log         zerolog.Logger
	wg          sync.WaitGroup
}

// NewWorker creates a queue worker with the given consumer concurrency.
func NewWorker(client *redis.Client, queueKey string, executor *Executor, jobs *JobRepository, concurrency int, log zerolog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = DefaultWorkerPool
	}
	return &Worker{
		client:      client,
		queueKey:    queueKey,
		executor:    executor,
		jobs:        jobs,
		concurrency: concurrency,
		log:         log.With().Str("component", "queue_worker").Logger(),
	}
}

// Run blocks consuming tasks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.consume(ctx)
	}
	w.log.Info().Int("consumers", w.concurrency).Msg("Queue workers started")
	w.wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	defer w.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := w.client.BRPop(ctx, 5*time.Second, w.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			w.log.Error().Err(err).Msg("Queue pop failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPop returns [key, value].
		if len(res) != 2 {
			continue
		}
		w.handle(ctx, []byte(res[1]))
	}
}

func (w *Worker) handle(ctx context.Context, payload []byte) {
	var env taskEnvelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		w.log.Error().Err(err).Msg("Dropping undecodable task envelope")
		return
	}

	// Load the persisted job so policy fields stay authoritative; a fire for
	// a deleted job still executes with the envelope's own args.
	job, err := w.jobs.Get(env.JobID)
	if err != nil {
		job = &Job{
			ID:           env.JobID,
			HandlerName:  env.HandlerName,
			HandlerArgs:  env.HandlerArgs,
			MaxInstances: DefaultMaxInstances,
		}
	}
	w.executor.Execute(ctx, *job)
}
