package router

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/terra369/terase-offline/pkg/logging"
)

// Prometheus metrics for background task execution.
var (
	tasksSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_background_tasks_submitted_total",
		Help: "Background tasks accepted by the runner",
	})

	tasksDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_background_tasks_dropped_total",
		Help: "Background tasks dropped because the queue was full",
	})

	tasksFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_background_tasks_failed_total",
		Help: "Background tasks that completed with an error",
	})
)

// RunnerConfig holds task runner sizing.
type RunnerConfig struct {
	// Workers is the number of parallel task goroutines.
	Workers int

	// QueueSize bounds the pending task queue; submissions beyond it are
	// dropped (and counted) rather than blocking the caller.
	QueueSize int

	// TaskTimeout bounds each task's execution.
	TaskTimeout time.Duration
}

// DefaultRunnerConfig returns safe defaults for background refreshes.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:     4,
		QueueSize:   64,
		TaskTimeout: 15 * time.Second,
	}
}

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// TaskRunner executes fire-and-forget work on a bounded worker pool with
// observable completion status, instead of leaving failures unobserved.
type TaskRunner struct {
	tasks  chan task
	wg     sync.WaitGroup
	cfg    RunnerConfig
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	dropped int64
	failed  int64
}

// NewTaskRunner starts the worker pool.
func NewTaskRunner(cfg RunnerConfig) *TaskRunner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &TaskRunner{
		tasks:  make(chan task, cfg.QueueSize),
		cfg:    cfg,
		cancel: cancel,
	}

	logger := logging.NewLogger("task-runner")
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for t := range r.tasks {
				taskCtx, taskCancel := context.WithTimeout(ctx, cfg.TaskTimeout)
				if err := t.fn(taskCtx); err != nil {
					tasksFailedTotal.Inc()
					r.mu.Lock()
					r.failed++
					r.mu.Unlock()
					logger.Warn().Err(err).Str("task", t.name).Msg("Background task failed")
				}
				taskCancel()
			}
		}()
	}

	return r
}

// Submit queues a task. Returns false when the queue is full or the
// runner is closed; the task is dropped and counted.
func (r *TaskRunner) Submit(name string, fn func(ctx context.Context) error) bool {
	// The mutex is held across the send so Close cannot close the channel
	// between the closed check and the send. The send never blocks.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	select {
	case r.tasks <- task{name: name, fn: fn}:
		tasksSubmittedTotal.Inc()
		return true
	default:
		tasksDroppedTotal.Inc()
		r.dropped++
		return false
	}
}

// Dropped returns the number of submissions rejected so far.
func (r *TaskRunner) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Failed returns the number of tasks that completed with an error.
func (r *TaskRunner) Failed() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Close stops accepting tasks and waits for in-flight ones to finish.
func (r *TaskRunner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.tasks)
	r.mu.Unlock()

	r.wg.Wait()
	r.cancel()
}
