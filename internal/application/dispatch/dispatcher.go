package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Task is a unit of work bound to a key
type Task func()

// lane is the FIFO queue of one key
type lane struct {
	tasks []Task
}

// Dispatcher runs tasks serially per key and concurrently across keys
type Dispatcher struct {
	logger *zap.Logger

	mu      sync.Mutex
	lanes   map[string]*lane
	pending int
	closed  bool
	// idle is closed whenever no lane is active
	idle chan struct{}

	// onBacklog, when set, observes the number of queued tasks
	onBacklog func(int)
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	idle := make(chan struct{})
	close(idle)
	return &Dispatcher{
		logger: logger,
		lanes:  make(map[string]*lane),
		idle:   idle,
	}
}

// OnBacklog registers an observer for the queued task count
func (d *Dispatcher) OnBacklog(f func(int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onBacklog = f
}

// Dispatch queues task on the lane for key. It only takes the dispatcher
// lock, so callers such as informer callbacks are never held up by running
// tasks.
func (d *Dispatcher) Dispatch(key string, task Task) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher closed")
	}

	l, running := d.lanes[key]
	if !running {
		if len(d.lanes) == 0 {
			d.idle = make(chan struct{})
		}
		l = &lane{}
		d.lanes[key] = l
	}
	l.tasks = append(l.tasks, task)
	d.pending++
	backlog, observe := d.pending, d.onBacklog

	if !running {
		go d.drain(key, l)
	}
	d.mu.Unlock()

	if observe != nil {
		observe(backlog)
	}
	return nil
}

// drain runs the tasks of a lane until it is empty, then retires the lane
func (d *Dispatcher) drain(key string, l *lane) {
	for {
		d.mu.Lock()
		if len(l.tasks) == 0 {
			delete(d.lanes, key)
			if len(d.lanes) == 0 {
				close(d.idle)
			}
			d.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		d.pending--
		backlog, observe := d.pending, d.onBacklog
		d.mu.Unlock()

		if observe != nil {
			observe(backlog)
		}
		d.run(key, task)
	}
}

func (d *Dispatcher) run(key string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatched task panicked",
				zap.String("key", key),
				zap.Any("panic", r))
		}
	}()
	task()
}

// Pending returns the number of queued tasks not yet started
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// ActiveLanes returns the number of keys with queued or running work
func (d *Dispatcher) ActiveLanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

// Wait blocks until every lane has drained or ctx expires. Tasks dispatched
// while waiting extend the wait.
func (d *Dispatcher) Wait(ctx context.Context) error {
	for {
		d.mu.Lock()
		idle := d.idle
		d.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return fmt.Errorf("dispatcher wait: %w", ctx.Err())
		}

		d.mu.Lock()
		drained := len(d.lanes) == 0
		d.mu.Unlock()
		if drained {
			return nil
		}
	}
}

// Close stops accepting tasks and waits for queued tasks to finish or ctx to
// expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if err := d.Wait(ctx); err != nil {
		return fmt.Errorf("dispatcher shutdown timeout: %w", ctx.Err())
	}
	return nil
}
