package memory

import (
	"context"
	"sync"

	"github.com/aescanero/labexec/pkg/domain"
	"github.com/aescanero/labexec/pkg/ports"
)

// Client implements WorkloadClient without a cluster. Launches and
// terminations are recorded; Emit feeds events to subscribers as the
// cluster would.
type Client struct {
	mu           sync.Mutex
	handlers     []ports.WorkloadEventHandler
	launched     []domain.WorkloadHandle
	terminated   []domain.WorkloadHandle
	launchErr    error
	terminateErr error
	usage        []domain.RawUsage
	usageErr     error
}

// NewClient creates a new in-memory workload client
func NewClient() *Client {
	return &Client{}
}

// FailLaunches makes every following Launch return err
func (c *Client) FailLaunches(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.launchErr = err
}

// FailTerminations makes every following Terminate return err
func (c *Client) FailTerminations(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateErr = err
}

// Launch records the launch and reports the workload as pending
func (c *Client) Launch(ctx context.Context, execution *domain.Execution, experiment *domain.Experiment) (domain.WorkloadHandle, error) {
	handle := domain.HandleFor(execution)

	c.mu.Lock()
	err := c.launchErr
	if err == nil {
		c.launched = append(c.launched, handle)
	}
	c.mu.Unlock()

	return handle, err
}

// Terminate records the termination
func (c *Client) Terminate(ctx context.Context, handle domain.WorkloadHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminateErr != nil {
		return c.terminateErr
	}
	c.terminated = append(c.terminated, handle)
	return nil
}

// Subscribe registers a handler
func (c *Client) Subscribe(handler ports.WorkloadEventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, handler)
	return nil
}

// Stop is a no-op
func (c *Client) Stop() {}

// Emit delivers an event to every subscriber synchronously
func (c *Client) Emit(event domain.WorkloadEvent) {
	c.mu.Lock()
	handlers := make([]ports.WorkloadEventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// Launched returns the handles launched so far
func (c *Client) Launched() []domain.WorkloadHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.WorkloadHandle(nil), c.launched...)
}

// Terminated returns the handles terminated so far
func (c *Client) Terminated() []domain.WorkloadHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.WorkloadHandle(nil), c.terminated...)
}

// SetUsage scripts the result of Usage
func (c *Client) SetUsage(usage []domain.RawUsage, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage = usage
	c.usageErr = err
}

// Usage implements UsageSource
func (c *Client) Usage(ctx context.Context) ([]domain.RawUsage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usageErr != nil {
		return nil, c.usageErr
	}
	return append([]domain.RawUsage(nil), c.usage...), nil
}
