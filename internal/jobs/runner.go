// Package jobs runs background work detached from the request that
// triggered it. Jobs are submitted to a supervised worker pool; outcomes go
// to logs and an optional observer, never back to the caller.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Job is one unit of background work. The context carries the job's total
// duration budget; work past the deadline is abandoned, not killed.
type Job func(ctx context.Context) error

// Result describes a finished job. It is delivered to the observer hook
// only; the code that spawned the job never sees it.
type Result struct {
	Name     string
	Key      string
	Err      error
	Duration time.Duration
}

type task struct {
	name string
	key  string
	job  Job
}

// Runner is a fixed-size worker pool for detached jobs. Spawning never
// blocks the caller: a full queue or an already-running key drops the job.
type Runner struct {
	logger   *slog.Logger
	queue    chan task
	timeout  time.Duration
	observer func(Result)

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
	closed  bool
}

// NewRunner starts a pool of workers. timeout is the per-job duration
// budget; observer may be nil.
func NewRunner(logger *slog.Logger, workers, queueSize int, timeout time.Duration, observer func(Result)) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		logger:   logger,
		queue:    make(chan task, queueSize),
		timeout:  timeout,
		observer: observer,
		baseCtx:  ctx,
		cancel:   cancel,
		running:  make(map[string]struct{}),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Spawn submits a job and returns immediately. key gives per-key mutual
// exclusion: while a job with the same key is queued or running, later
// spawns are dropped rather than stacked, so two overlapping sync runs for
// one user can never race on the same destination. Returns false when the
// job was dropped.
func (r *Runner) Spawn(name, key string, job Job) bool {
	// The enqueue stays under the same lock Shutdown closes the queue
	// under, so a send can never hit a closed channel.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warn("job rejected, runner shut down", "job", name, "key", key)
		return false
	}
	if key != "" {
		if _, busy := r.running[key]; busy {
			r.logger.Info("job dropped, same key already in flight", "job", name, "key", key)
			return false
		}
	}

	select {
	case r.queue <- task{name: name, key: key, job: job}:
		if key != "" {
			r.running[key] = struct{}{}
		}
		r.logger.Debug("job queued", "job", name, "key", key)
		return true
	default:
		r.logger.Warn("job dropped, queue full", "job", name, "key", key)
		return false
	}
}

// Shutdown stops accepting jobs and waits for in-flight ones, up to ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for t := range r.queue {
		r.run(t)
	}
}

// run executes one job with its duration budget and reports the outcome.
// A panicking job is recorded as a failure and never takes the worker or
// any other job down with it.
func (r *Runner) run(t task) {
	defer r.release(t.key)

	ctx, cancel := context.WithTimeout(r.baseCtx, r.timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("job panicked: %v\n%s", p, debug.Stack())
			}
		}()
		return t.job(ctx)
	}()
	duration := time.Since(start)

	if err != nil {
		r.logger.Error("job failed", "job", t.name, "key", t.key, "duration", duration, "error", err)
	} else {
		r.logger.Info("job finished", "job", t.name, "key", t.key, "duration", duration)
	}
	if r.observer != nil {
		r.observer(Result{Name: t.name, Key: t.key, Err: err, Duration: duration})
	}
}

func (r *Runner) release(key string) {
	if key == "" {
		return
	}
	r.mu.Lock()
	delete(r.running, key)
	r.mu.Unlock()
}
