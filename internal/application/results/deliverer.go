package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aescanero/labexec/internal/application/workers"
	"github.com/aescanero/labexec/pkg/domain"
	"github.com/aescanero/labexec/pkg/ports"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// output is the document carried in ResultPayload.Output
type output struct {
	Execution *domain.Execution `json:"execution"`
	Message   string            `json:"message,omitempty"`
}

// Deliverer builds result payloads and delivers them in the background
type Deliverer struct {
	reporter  ports.ResultReporter
	submitter workers.Submitter
	timeout   time.Duration
	metrics   ports.MetricsCollector
	logger    *zap.Logger
}

// NewDeliverer creates a new result deliverer. timeout bounds one Deliver
// call including the reporter's own retries.
func NewDeliverer(reporter ports.ResultReporter, submitter workers.Submitter, timeout time.Duration, metrics ports.MetricsCollector, logger *zap.Logger) *Deliverer {
	return &Deliverer{
		reporter:  reporter,
		submitter: submitter,
		timeout:   timeout,
		metrics:   metrics,
		logger:    logger,
	}
}

// BuildPayload renders the result payload of a terminal execution
func BuildPayload(execution *domain.Execution) (domain.ResultPayload, error) {
	data, err := json.Marshal(output{Execution: execution, Message: execution.Message})
	if err != nil {
		return domain.ResultPayload{}, fmt.Errorf("failed to marshal result output: %w", err)
	}

	return domain.ResultPayload{
		ExecutionID: execution.ID,
		OwnerID:     execution.OwnerID,
		Status:      execution.Status,
		Failed:      execution.Status != domain.ExecutionStatusFinished,
		Output:      data,
	}, nil
}

// Deliver queues the result of a terminal execution and never waits for a
// worker. When the pool queue is full the delivery runs on its own
// goroutine, still bounded by the delivery timeout. Delivery errors are
// logged and counted.
func (d *Deliverer) Deliver(execution *domain.Execution) {
	payload, err := BuildPayload(execution)
	if err != nil {
		d.metrics.RecordResultDelivery("error")
		d.logger.Error("failed to build result payload",
			zap.String("execution_id", execution.ID),
			zap.Error(err))
		return
	}

	err = d.submitter.Submit("deliver-result", func(ctx context.Context) {
		d.deliver(ctx, payload)
	})
	if errors.Is(err, workers.ErrQueueFull) {
		d.logger.Warn("worker queue full, delivering result outside the pool",
			zap.String("execution_id", payload.ExecutionID))
		go d.deliver(context.Background(), payload)
		return
	}
	if err != nil {
		d.metrics.RecordResultDelivery("rejected")
		d.logger.Error("failed to queue result delivery",
			zap.String("execution_id", payload.ExecutionID),
			zap.Error(err))
	}
}

func (d *Deliverer) deliver(ctx context.Context, payload domain.ResultPayload) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if err := d.reporter.Deliver(ctx, payload); err != nil {
		d.metrics.RecordResultDelivery("error")
		d.logger.Error("result delivery failed",
			zap.String("execution_id", payload.ExecutionID),
			zap.String("status", string(payload.Status)),
			zap.Error(err))
		return
	}

	d.metrics.RecordResultDelivery("ok")
	d.logger.Info("result delivered",
		zap.String("execution_id", payload.ExecutionID),
		zap.String("status", string(payload.Status)),
		zap.Bool("failed", payload.Failed))
}

// DeleteResults removes previously delivered results. It runs in the
// caller's goroutine so administrative callers see the outcome.
func (d *Deliverer) DeleteResults(ctx context.Context, executionIDs []string) error {
	if len(executionIDs) == 0 {
		return domain.InvalidArgumentf("no execution ids given")
	}
	if err := d.reporter.DeleteResults(ctx, executionIDs); err != nil {
		return domain.Unavailable(err, "delete results")
	}
	d.logger.Info("results deleted", zap.Int("count", len(executionIDs)))
	return nil
}

// noopReporter drops every result
type noopReporter struct{}

// NoopReporter returns a reporter for deployments without a results service
func NoopReporter() ports.ResultReporter {
	return noopReporter{}
}

func (noopReporter) Deliver(context.Context, domain.ResultPayload) error { return nil }

func (noopReporter) DeleteResults(context.Context, []string) error { return nil }
