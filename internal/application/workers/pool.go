package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/labexec/pkg/ports"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when no queue slot is free
var ErrQueueFull = errors.New("worker queue full")

// Task is a background side effect such as a workload launch or a result
// delivery. The context is cancelled when the pool is forced down.
type Task = func(ctx context.Context)

// Submitter runs tasks in the background. Pool implements it.
type Submitter interface {
	Submit(name string, task Task) error
}

// SubmitterFunc adapts a function to Submitter
type SubmitterFunc func(name string, task Task) error

// Submit calls f
func (f SubmitterFunc) Submit(name string, task Task) error {
	return f(name, task)
}

type job struct {
	name string
	run  Task
}

// Pool manages a pool of worker goroutines draining a shared task queue
type Pool struct {
	size    int
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	queue   chan job
	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	// mu guards closed against concurrent Submit and Shutdown
	mu      sync.RWMutex
	started bool
	closed  bool
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
	// task names the job being run while status is busy
	task string
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool. queueSize bounds the number of tasks
// waiting for a worker; with zero a task is only accepted by an idle worker.
func NewPool(
	size int,
	queueSize int,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		size:    size,
		metrics: metrics,
		logger:  logger,
		queue:   make(chan job, queueSize),
		workers: make([]*worker, size),
		ctx:     ctx,
		cancel:  cancel,
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Start starts the worker pool
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	if p.closed {
		return fmt.Errorf("worker pool is shut down")
	}
	p.started = true

	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run()
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Submit queues a task without waiting. It fails with ErrQueueFull when the
// queue has no free slot and fails once the pool is shutting down.
func (p *Pool) Submit(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("worker pool is shut down: task %s rejected", name)
	}

	select {
	case p.queue <- job{name: name, run: task}:
		return nil
	default:
		return errors.Wrapf(ErrQueueFull, "task %s rejected", name)
	}
}

// QueueDepth returns the number of tasks waiting for a worker
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// Health returns the pool's health monitor
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// Shutdown stops accepting tasks and lets the workers drain the queue. If
// ctx expires first, running tasks see their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	close(p.queue)
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("worker pool shutdown timeout: %w", ctx.Err())
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// runningTask describes a job a worker is busy with
type runningTask struct {
	worker string
	name   string
	since  time.Time
}

// running lists the jobs currently being executed
func (p *Pool) running() []runningTask {
	var tasks []runningTask
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		if w.status == WorkerStatusBusy {
			tasks = append(tasks, runningTask{worker: w.id, name: w.task, since: w.lastJob})
		}
		w.mu.RUnlock()
	}
	return tasks
}

// run is the main worker loop
func (w *worker) run() {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))

	for j := range w.pool.queue {
		w.execute(j)
	}

	w.mu.Lock()
	w.status = WorkerStatusStopped
	w.mu.Unlock()
	w.pool.logger.Debug("worker stopped", zap.String("worker_id", w.id))
}

// execute runs one task, containing panics so the worker survives
func (w *worker) execute(j job) {
	w.mu.Lock()
	w.status = WorkerStatusBusy
	w.lastJob = time.Now()
	w.task = j.name
	w.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("background task panicked",
				zap.String("worker_id", w.id),
				zap.String("task", j.name),
				zap.Any("panic", r))
		}
		w.mu.Lock()
		w.status = WorkerStatusIdle
		w.task = ""
		w.mu.Unlock()
	}()

	startTime := time.Now()
	j.run(w.pool.ctx)

	w.pool.logger.Debug("background task completed",
		zap.String("worker_id", w.id),
		zap.String("task", j.name),
		zap.Duration("duration", time.Since(startTime)))
}
