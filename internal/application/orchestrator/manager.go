package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/labexec/internal/application/dispatch"
	"github.com/aescanero/labexec/internal/application/results"
	"github.com/aescanero/labexec/internal/application/usage"
	"github.com/aescanero/labexec/internal/application/workers"
	"github.com/aescanero/labexec/pkg/domain"
	"github.com/aescanero/labexec/pkg/ports"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Config holds manager configuration
type Config struct {
	// WorkloadTimeout bounds each launch and terminate call
	WorkloadTimeout time.Duration
	// StoreTimeout bounds store access made outside a caller's request
	StoreTimeout time.Duration
	// FinalUsageSnapshot logs the usage of an execution when it ends
	FinalUsageSnapshot bool
	// CleanupOnTerminal deletes the workload of finished and failed
	// executions once their follow-ups ran
	CleanupOnTerminal bool
}

// Manager drives the execution lifecycle. It keeps no status of its own:
// every decision reads the store, and all mutations of one execution run on
// that execution's dispatch lane.
type Manager struct {
	executions  ports.ExecutionStore
	experiments ports.ExperimentStore
	workloads   ports.WorkloadClient
	eventBus    ports.EventBus
	dispatcher  *dispatch.Dispatcher
	pool        workers.Submitter
	deliverer   *results.Deliverer
	poller      *usage.Poller
	metrics     ports.MetricsCollector
	validator   *Validator
	logger      *zap.Logger

	cfg Config
	now func() time.Time
}

// NewManager creates a new orchestrator manager
func NewManager(
	executions ports.ExecutionStore,
	experiments ports.ExperimentStore,
	workloads ports.WorkloadClient,
	eventBus ports.EventBus,
	dispatcher *dispatch.Dispatcher,
	pool workers.Submitter,
	deliverer *results.Deliverer,
	poller *usage.Poller,
	metrics ports.MetricsCollector,
	validator *Validator,
	logger *zap.Logger,
	cfg Config,
) *Manager {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}

	dispatcher.OnBacklog(metrics.SetDispatchBacklog)

	return &Manager{
		executions:  executions,
		experiments: experiments,
		workloads:   workloads,
		eventBus:    eventBus,
		dispatcher:  dispatcher,
		pool:        pool,
		deliverer:   deliverer,
		poller:      poller,
		metrics:     metrics,
		validator:   validator,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Start subscribes to workload events
func (m *Manager) Start() error {
	if err := m.workloads.Subscribe(m.OnWorkloadEvent); err != nil {
		return fmt.Errorf("failed to subscribe to workload events: %w", err)
	}
	m.logger.Info("orchestrator manager started")
	return nil
}

// CreateExecution stores a WAITING execution and launches its workload in
// the background. The returned record is the one just stored.
func (m *Manager) CreateExecution(ctx context.Context, req domain.CreateRequest) (*domain.Execution, error) {
	if err := m.validator.Validate(req); err != nil {
		m.metrics.RecordExecutionCreated("rejected")
		return nil, err
	}

	experiment, err := m.experiments.FindExperiment(ctx, req.ExperimentID)
	if err != nil {
		m.metrics.RecordExecutionCreated("rejected")
		return nil, errors.Wrapf(err, "create execution for experiment %s", req.ExperimentID)
	}

	resources, booked, err := m.validator.Resolve(req)
	if err != nil {
		m.metrics.RecordExecutionCreated("rejected")
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = experiment.Name
	}

	execution := &domain.Execution{
		ID:           uuid.New().String(),
		ExperimentID: experiment.ID,
		OwnerID:      experiment.OwnerID,
		Name:         name,
		Resources:    resources,
		BookedTime:   booked,
		Status:       domain.ExecutionStatusWaiting,
		CreatedAt:    m.now().UTC(),
	}

	if err := m.executions.Save(ctx, execution); err != nil {
		m.logger.Error("failed to save new execution",
			zap.String("execution_id", execution.ID),
			zap.String("experiment_id", execution.ExperimentID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	m.metrics.RecordExecutionCreated(string(domain.ExecutionStatusWaiting))
	m.publish(ctx, execution, "")

	m.logger.Info("execution created",
		zap.String("execution_id", execution.ID),
		zap.String("experiment_id", execution.ExperimentID),
		zap.String("owner_id", execution.OwnerID))

	launched := execution.Clone()
	err = m.pool.Submit("launch", func(ctx context.Context) {
		m.launch(ctx, launched, experiment)
	})
	if err != nil {
		m.launchFailed(launched, err)
	}

	return execution, nil
}

// launch starts the workload of an execution. A failure is turned into a
// Failed workload event on the execution's lane.
func (m *Manager) launch(ctx context.Context, execution *domain.Execution, experiment *domain.Experiment) {
	ctx, cancel := m.workloadContext(ctx)
	defer cancel()

	start := time.Now()
	handle, err := m.workloads.Launch(ctx, execution, experiment)
	if err != nil {
		m.metrics.RecordLaunch("error", time.Since(start))
		m.launchFailed(execution, err)
		return
	}
	m.metrics.RecordLaunch("ok", time.Since(start))

	m.logger.Debug("launch requested",
		zap.String("execution_id", execution.ID),
		zap.String("namespace", handle.Namespace),
		zap.String("workload", handle.Name))
}

func (m *Manager) launchFailed(execution *domain.Execution, cause error) {
	err := domain.LaunchFailure(cause, execution.ID)
	m.logger.Error("workload launch failed",
		zap.String("execution_id", execution.ID),
		zap.String("experiment_id", execution.ExperimentID),
		zap.Error(err))

	handle := domain.HandleFor(execution)
	m.OnWorkloadEvent(domain.WorkloadEvent{
		Type:         domain.WorkloadUpdated,
		WorkloadName: handle.Name,
		Namespace:    handle.Namespace,
		Phase:        domain.PhaseFailed,
		Message:      err.Error(),
	})
}

// FindExecutionByID returns one execution
func (m *Manager) FindExecutionByID(ctx context.Context, id string) (*domain.Execution, error) {
	return m.executions.FindByID(ctx, id)
}

// ListExecutionsForExperiment returns the executions of an experiment,
// oldest first
func (m *Manager) ListExecutionsForExperiment(ctx context.Context, experimentID string) ([]*domain.Execution, error) {
	return m.executions.FindAllByExperimentID(ctx, experimentID)
}

// ListExecutionsForOwner returns the executions of an owner, oldest first
func (m *Manager) ListExecutionsForOwner(ctx context.Context, ownerID string) ([]*domain.Execution, error) {
	return m.executions.FindAllByOwnerID(ctx, ownerID)
}

// OnWorkloadEvent queues a workload event on its execution's lane. Events
// that name no execution are dropped.
func (m *Manager) OnWorkloadEvent(event domain.WorkloadEvent) {
	executionID, ok := event.ResolveExecutionID()
	if !ok {
		m.metrics.RecordDroppedEvent("unresolved")
		m.logger.Warn("dropping workload event",
			zap.String("namespace", event.Namespace),
			zap.String("workload", event.WorkloadName),
			zap.String("phase", string(event.Phase)),
			zap.Error(domain.ErrUnresolvedEvent))
		return
	}

	err := m.dispatcher.Dispatch(executionID, func() {
		m.applyEvent(executionID, event)
	})
	if err != nil {
		m.metrics.RecordDroppedEvent("shutdown")
		m.logger.Warn("dropping workload event during shutdown",
			zap.String("execution_id", executionID),
			zap.String("phase", string(event.Phase)),
			zap.Error(err))
	}
}

// applyEvent runs on the execution's lane
func (m *Manager) applyEvent(executionID string, event domain.WorkloadEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
	defer cancel()

	execution, err := m.executions.FindByID(ctx, executionID)
	if err != nil {
		reason := "store_error"
		if errors.Is(err, domain.ErrNotFound) {
			reason = "unknown_execution"
		}
		m.metrics.RecordDroppedEvent(reason)
		m.logger.Warn("workload event for unreadable execution",
			zap.String("execution_id", executionID),
			zap.String("phase", string(event.Phase)),
			zap.Error(err))
		return
	}

	d := decide(execution.Status, event)
	switch d.outcome {
	case outcomeIgnored:
		m.logger.Debug("workload event ignored",
			zap.String("execution_id", executionID),
			zap.String("status", string(execution.Status)),
			zap.String("phase", string(event.Phase)),
			zap.String("event", string(event.Type)),
			zap.String("reason", d.reason))
		return

	case outcomeDiagnostic:
		m.metrics.RecordPhaseDiagnostic(string(event.Phase))
		m.logger.Warn(d.reason,
			zap.String("execution_id", executionID),
			zap.String("status", string(execution.Status)),
			zap.String("phase", string(event.Phase)),
			zap.String("message", event.Message),
			zap.Error(domain.ErrUnknownPhase))
		return

	case outcomeRefresh:
		if event.Message == "" || event.Message == execution.Message {
			return
		}
		execution.Message = event.Message
		if err := m.executions.Save(ctx, execution); err != nil {
			m.logger.Error("failed to save execution message",
				zap.String("execution_id", executionID),
				zap.Error(err))
		}
		return
	}

	from := execution.Status
	now := m.now().UTC()
	execution.Status = d.target
	if event.Message != "" {
		execution.Message = event.Message
	}
	if d.target == domain.ExecutionStatusRunning && execution.StartedAt == nil {
		execution.StartedAt = &now
	}
	if d.target.IsTerminal() {
		execution.TerminatedAt = &now
	}

	if err := m.executions.Save(ctx, execution); err != nil {
		m.logger.Error("failed to save execution transition",
			zap.String("execution_id", executionID),
			zap.String("from", string(from)),
			zap.String("to", string(d.target)),
			zap.Error(err))
		return
	}

	m.metrics.RecordTransition(string(from), string(d.target))
	m.logger.Info("execution transitioned",
		zap.String("execution_id", executionID),
		zap.String("from", string(from)),
		zap.String("to", string(d.target)),
		zap.String("phase", string(event.Phase)))
	m.publish(ctx, execution, from)

	if d.target.IsTerminal() {
		m.onTerminal(execution, m.cfg.CleanupOnTerminal && event.Type != domain.WorkloadDeleted)
	}
}

// CancelExecution stops an execution at the caller's request
func (m *Manager) CancelExecution(ctx context.Context, id string) (*domain.Execution, error) {
	return m.stop(ctx, id, domain.ExecutionStatusCanceled, "canceled by user")
}

// AbortExecution stops an execution on behalf of the system
func (m *Manager) AbortExecution(ctx context.Context, id string) (*domain.Execution, error) {
	return m.stop(ctx, id, domain.ExecutionStatusAborted, "aborted")
}

type stopResult struct {
	execution *domain.Execution
	err       error
}

// stop runs on the execution's lane so it cannot interleave with events
func (m *Manager) stop(ctx context.Context, id string, target domain.ExecutionStatus, message string) (*domain.Execution, error) {
	done := make(chan stopResult, 1)

	err := m.dispatcher.Dispatch(id, func() {
		execution, err := m.stopOnLane(ctx, id, target, message)
		done <- stopResult{execution: execution, err: err}
	})
	if err != nil {
		return nil, domain.Unavailable(err, "stop execution")
	}

	select {
	case res := <-done:
		return res.execution, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("stop execution %s: %w", id, ctx.Err())
	}
}

func (m *Manager) stopOnLane(ctx context.Context, id string, target domain.ExecutionStatus, message string) (*domain.Execution, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	execution, err := m.executions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if execution.Status.IsTerminal() {
		return nil, domain.Conflictf("execution %s is already %s", id, execution.Status)
	}

	from := execution.Status
	now := m.now().UTC()
	execution.Status = target
	execution.Message = message
	execution.TerminatedAt = &now

	if err := m.executions.Save(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	m.metrics.RecordTransition(string(from), string(target))
	m.logger.Info("execution stopped",
		zap.String("execution_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(target)))
	m.publish(ctx, execution, from)

	m.onTerminal(execution, true)
	return execution.Clone(), nil
}

// onTerminal queues the follow-ups of a terminal transition
func (m *Manager) onTerminal(execution *domain.Execution, terminate bool) {
	if execution.TerminatedAt != nil {
		m.metrics.RecordTerminal(string(execution.Status), execution.TerminatedAt.Sub(execution.CreatedAt))
	}

	m.deliverer.Deliver(execution.Clone())

	if !m.cfg.FinalUsageSnapshot && !terminate {
		return
	}

	snapshot := m.cfg.FinalUsageSnapshot && m.poller != nil
	handle := domain.HandleFor(execution)
	executionID := execution.ID

	err := m.pool.Submit("terminal-followups", func(ctx context.Context) {
		if snapshot {
			m.logFinalUsage(ctx, executionID)
		}
		if terminate {
			m.terminate(ctx, executionID, handle)
		}
	})
	if err != nil {
		m.logger.Warn("failed to queue terminal follow-ups",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
}

func (m *Manager) logFinalUsage(ctx context.Context, executionID string) {
	snapshot, err := m.poller.ForExecution(ctx, executionID)
	if err != nil {
		m.logger.Debug("no final usage snapshot",
			zap.String("execution_id", executionID),
			zap.Error(err))
		return
	}
	m.logger.Info("final usage snapshot",
		zap.String("execution_id", executionID),
		zap.String("cpu", snapshot.CPU),
		zap.String("memory", snapshot.Memory))
}

// terminate deletes a workload. Failures are logged only.
func (m *Manager) terminate(ctx context.Context, executionID string, handle domain.WorkloadHandle) {
	ctx, cancel := m.workloadContext(ctx)
	defer cancel()

	if err := m.workloads.Terminate(ctx, handle); err != nil {
		m.logger.Warn("failed to terminate workload",
			zap.String("execution_id", executionID),
			zap.String("namespace", handle.Namespace),
			zap.String("workload", handle.Name),
			zap.Error(err))
	}
}

// UsageSnapshot returns the current usage of every running execution
func (m *Manager) UsageSnapshot(ctx context.Context) ([]domain.UsageSnapshot, error) {
	return m.poller.Snapshot(ctx)
}

// ExecutionUsage returns the current usage of one execution
func (m *Manager) ExecutionUsage(ctx context.Context, id string) (*domain.UsageSnapshot, error) {
	if _, err := m.executions.FindByID(ctx, id); err != nil {
		return nil, err
	}
	return m.poller.ForExecution(ctx, id)
}

// DeleteResults removes delivered results of the given executions
func (m *Manager) DeleteResults(ctx context.Context, executionIDs []string) error {
	return m.deliverer.DeleteResults(ctx, executionIDs)
}

// publish announces a committed transition. Failures are logged only.
func (m *Manager) publish(ctx context.Context, execution *domain.Execution, from domain.ExecutionStatus) {
	if m.eventBus == nil {
		return
	}

	event := domain.ExecutionEvent{
		ID:           uuid.New().String(),
		ExecutionID:  execution.ID,
		ExperimentID: execution.ExperimentID,
		OwnerID:      execution.OwnerID,
		From:         from,
		To:           execution.Status,
		Message:      execution.Message,
		Timestamp:    m.now().UTC(),
	}

	if err := m.eventBus.Publish(ctx, ports.ExecutionTopic, event); err != nil {
		m.logger.Error("failed to publish execution event",
			zap.String("execution_id", execution.ID),
			zap.String("status", string(execution.Status)),
			zap.Error(err))
	}
}

func (m *Manager) workloadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.WorkloadTimeout > 0 {
		return context.WithTimeout(ctx, m.cfg.WorkloadTimeout)
	}
	return context.WithCancel(ctx)
}

// Shutdown stops consuming workload events and drains the dispatch lanes
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")

	var result *multierror.Error

	m.workloads.Stop()

	if err := m.dispatcher.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	m.logger.Info("orchestrator manager shut down complete")
	return nil
}
