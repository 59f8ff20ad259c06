package workers

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultStallThreshold is how long a single task may run before the pool
// reports itself unhealthy.
const DefaultStallThreshold = 5 * time.Minute

// HealthMonitor periodically samples the pool, exports its worker counts and
// flags tasks that run for too long. Launches and deliveries are bounded by
// their own timeouts, so a task past the threshold means a stuck worker.
type HealthMonitor struct {
	pool       *Pool
	interval   time.Duration
	stallAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// HealthStatus is a point in time view of the pool
type HealthStatus struct {
	TotalWorkers   int `json:"total_workers"`
	IdleWorkers    int `json:"idle_workers"`
	BusyWorkers    int `json:"busy_workers"`
	StoppedWorkers int `json:"stopped_workers"`
	QueueDepth     int `json:"queue_depth"`
	// StalledTasks names the tasks running past the stall threshold
	StalledTasks []string  `json:"stalled_tasks,omitempty"`
	Healthy      bool      `json:"healthy"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewHealthMonitor creates a health monitor for pool. A non-positive
// interval disables the periodic check; GetStatus still works.
func NewHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		pool:       pool,
		interval:   interval,
		stallAfter: DefaultStallThreshold,
		logger:     logger,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// SetStallThreshold changes how long a task may run before it is reported.
// Zero disables stall detection.
func (h *HealthMonitor) SetStallThreshold(d time.Duration) {
	h.mu.Lock()
	h.stallAfter = d
	h.mu.Unlock()
}

// Start begins periodic sampling
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.interval <= 0 {
		return
	}
	h.running = true

	go h.run(h.interval)
}

// Stop ends periodic sampling
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.stopCh)
}

func (h *HealthMonitor) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

func (h *HealthMonitor) checkHealth() {
	status := h.GetStatus()

	if h.pool.metrics != nil {
		h.pool.metrics.RecordWorkerPoolStatus(status.IdleWorkers, status.BusyWorkers, status.StoppedWorkers)
	}

	fields := []zap.Field{
		zap.Int("idle", status.IdleWorkers),
		zap.Int("busy", status.BusyWorkers),
		zap.Int("stopped", status.StoppedWorkers),
		zap.Int("queued", status.QueueDepth),
	}

	switch {
	case len(status.StalledTasks) > 0:
		h.logger.Warn("background tasks stalled",
			append(fields, zap.Strings("tasks", status.StalledTasks))...)
	case !status.Healthy:
		h.logger.Warn("worker pool is unhealthy", fields...)
	case status.BusyWorkers == status.TotalWorkers && status.QueueDepth > 0:
		h.logger.Warn("all workers busy with tasks queued, consider raising WORKER_POOL_SIZE", fields...)
	default:
		h.logger.Debug("worker pool health check", fields...)
	}
}

// GetStatus samples the pool now
func (h *HealthMonitor) GetStatus() *HealthStatus {
	h.mu.RLock()
	stallAfter := h.stallAfter
	h.mu.RUnlock()

	status := &HealthStatus{
		QueueDepth: h.pool.QueueDepth(),
		Timestamp:  h.now(),
	}

	for _, ws := range h.pool.GetStatus() {
		status.TotalWorkers++
		switch ws {
		case WorkerStatusIdle:
			status.IdleWorkers++
		case WorkerStatusBusy:
			status.BusyWorkers++
		case WorkerStatusStopped:
			status.StoppedWorkers++
		}
	}

	if stallAfter > 0 {
		for _, task := range h.pool.running() {
			if status.Timestamp.Sub(task.since) > stallAfter {
				status.StalledTasks = append(status.StalledTasks, task.name)
			}
		}
	}

	// a saturated pool is still healthy while its queue keeps up
	status.Healthy = status.TotalWorkers > 0 &&
		status.StoppedWorkers == 0 &&
		len(status.StalledTasks) == 0 &&
		(status.IdleWorkers > 0 || status.QueueDepth == 0)

	return status
}

// IsHealthy reports the Healthy flag of a fresh sample
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
