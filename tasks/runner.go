package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Handler performs the work for one kind of task.
type Handler func(ctx context.Context, t *Task) error

// FailureFunc is called once a task has exhausted its retries, or failed with
// a permanent error.
type FailureFunc func(ctx context.Context, t *Task, cause error)

type RunnerConfig struct {
	// Number of tasks to run in parallel
	Parallelism int
	// Upper bound on task starts per second
	TasksPerSecond float64
	// Attempts after the first before a task is marked failed
	MaxRetries int
	// How long to sleep when no task is runnable
	PollInterval time.Duration
	// How long a claimed task may stay in progress before another worker
	// takes it over. Zero disables reclaiming.
	ClaimTimeout time.Duration
}

func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		Parallelism:    4,
		TasksPerSecond: 20,
		MaxRetries:     3,
		PollInterval:   time.Second,
		ClaimTimeout:   30 * time.Minute,
	}
}

// Runner claims tasks from a Store and runs their handlers.
type Runner struct {
	Store     Store
	Logger    *slog.Logger
	OnFailure FailureFunc

	handlers map[string]Handler
	cfg      RunnerConfig
	limiter  *rate.Limiter
	backoff  func(attempt int) time.Duration
	now      func() time.Time
	stop     chan chan struct{}
}

func NewRunner(store Store, cfg *RunnerConfig) *Runner {
	if cfg == nil {
		cfg = DefaultRunnerConfig()
	}
	return &Runner{
		Store:    store,
		Logger:   slog.Default().With("system", "tasks"),
		handlers: make(map[string]Handler),
		cfg:      *cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.TasksPerSecond), 1),
		backoff:  computeExponentialBackoff,
		now:      time.Now,
		stop:     make(chan chan struct{}),
	}
}

// Handle registers the handler for a task kind. Not safe to call once the
// runner has started.
func (r *Runner) Handle(kind string, h Handler) {
	r.handlers[kind] = h
}

// Start runs the claim loop until Stop is called. Blocks.
func (r *Runner) Start() {
	ctx := context.Background()

	log := r.Logger.With("source", "runner")
	log.Info("starting task runner", "parallelism", r.cfg.Parallelism)

	sem := semaphore.NewWeighted(int64(r.cfg.Parallelism))

	for {
		select {
		case stopped := <-r.stop:
			log.Info("stopping task runner")
			sem.Acquire(ctx, int64(r.cfg.Parallelism))
			close(stopped)
			return
		default:
		}

		t, err := r.claim(ctx)
		if err != nil {
			log.Error("failed to claim next task", "err", err)
			time.Sleep(r.cfg.PollInterval)
			continue
		} else if t == nil {
			time.Sleep(r.cfg.PollInterval)
			continue
		}

		if err := r.limiter.Wait(ctx); err != nil {
			log.Error("rate limiter", "err", err)
		}

		sem.Acquire(ctx, 1)
		go func(t *Task) {
			defer sem.Release(1)
			r.process(ctx, t)
		}(t)
	}
}

func (r *Runner) Stop(ctx context.Context) error {
	log := r.Logger.With("source", "runner")
	stopped := make(chan struct{})
	select {
	case r.stop <- stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-stopped:
		log.Info("task runner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunPending processes runnable tasks one at a time on the calling goroutine
// until none remain. Returns the number of tasks processed. Retries scheduled
// for the future are left in place.
func (r *Runner) RunPending(ctx context.Context) (int, error) {
	n := 0
	for {
		t, err := r.claim(ctx)
		if err != nil {
			return n, err
		}
		if t == nil {
			return n, nil
		}
		r.process(ctx, t)
		n++
	}
}

func (r *Runner) claim(ctx context.Context) (*Task, error) {
	now := r.now()
	var staleBefore time.Time
	if r.cfg.ClaimTimeout > 0 {
		staleBefore = now.Add(-r.cfg.ClaimTimeout)
	}
	return r.Store.ClaimNext(ctx, now, staleBefore)
}

func (r *Runner) process(ctx context.Context, t *Task) {
	ctx, span := tracer.Start(ctx, "RunTask")
	defer span.End()
	span.SetAttributes(attribute.String("kind", t.Kind), attribute.Int64("task", int64(t.ID)))

	log := r.Logger.With("task", t.ID, "kind", t.Kind, "account", t.AccountID, "attempt", t.RetryCount)
	start := time.Now()

	h, ok := r.handlers[t.Kind]
	var err error
	switch {
	case !ok:
		err = Permanent(fmt.Errorf("no handler registered for task kind %q", t.Kind))
	case t.RetryCount > r.cfg.MaxRetries:
		// only reachable by reclaiming: the last attempt's worker went away
		err = Permanent(errLeaseExpired)
	default:
		err = h(ctx, t)
	}
	taskDuration.WithLabelValues(t.Kind).Observe(time.Since(start).Seconds())

	if err == nil {
		if cerr := r.Store.Complete(ctx, t); cerr != nil {
			log.Error("failed to mark task complete", "err", cerr)
		}
		tasksProcessed.WithLabelValues(t.Kind, "complete").Inc()
		return
	}

	span.RecordError(err)
	if !IsPermanent(err) && t.RetryCount < r.cfg.MaxRetries {
		after := r.now().Add(r.backoff(t.RetryCount))
		log.Warn("task failed, will retry", "err", err, "retryAfter", after)
		if rerr := r.Store.Retry(ctx, t, err, after); rerr != nil {
			log.Error("failed to reschedule task", "err", rerr)
		}
		tasksProcessed.WithLabelValues(t.Kind, "retry").Inc()
		return
	}

	log.Error("task failed", "err", err)
	if ferr := r.Store.Fail(ctx, t, err); ferr != nil {
		log.Error("failed to mark task failed", "err", ferr)
	}
	tasksProcessed.WithLabelValues(t.Kind, "failed").Inc()
	if r.OnFailure != nil {
		r.OnFailure(ctx, t, err)
	}
}
