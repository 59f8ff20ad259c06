// Package ports declares the collaborator interfaces the orchestrator is
// built against. Adapters under pkg/adapters implement them.
package ports

import (
	"context"
	"time"

	"github.com/aescanero/labexec/pkg/domain"
)

// ExecutionStore is the durable source of truth for execution records.
// Every call is atomic and later reads observe earlier writes.
type ExecutionStore interface {
	Save(ctx context.Context, execution *domain.Execution) error
	FindByID(ctx context.Context, id string) (*domain.Execution, error)
	FindAllByExperimentID(ctx context.Context, experimentID string) ([]*domain.Execution, error)
	FindAllByOwnerID(ctx context.Context, ownerID string) ([]*domain.Execution, error)
}

// ExperimentStore resolves experiment references.
type ExperimentStore interface {
	FindExperiment(ctx context.Context, id string) (*domain.Experiment, error)
	SaveExperiment(ctx context.Context, experiment *domain.Experiment) error
}

// Store is implemented by adapters that persist both record kinds.
type Store interface {
	ExecutionStore
	ExperimentStore
}

// WorkloadEventHandler receives workload notifications.
type WorkloadEventHandler func(event domain.WorkloadEvent)

// WorkloadClient launches and terminates cluster workloads and feeds their
// status changes to subscribers.
type WorkloadClient interface {
	Launch(ctx context.Context, execution *domain.Execution, experiment *domain.Experiment) (domain.WorkloadHandle, error)
	Terminate(ctx context.Context, handle domain.WorkloadHandle) error
	Subscribe(handler WorkloadEventHandler) error
	Stop()
}

// UsageSource returns the raw resource usage of running workloads.
type UsageSource interface {
	Usage(ctx context.Context) ([]domain.RawUsage, error)
}

// ResultReporter pushes results to the external results service. Retry
// policy belongs to the implementation.
type ResultReporter interface {
	Deliver(ctx context.Context, payload domain.ResultPayload) error
	DeleteResults(ctx context.Context, executionIDs []string) error
}

// EventHandler handles events from the event bus
type EventHandler func(ctx context.Context, event domain.ExecutionEvent) error

// EventBus carries execution status notifications to interested listeners.
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.ExecutionEvent) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}

// MetricsCollector records orchestrator metrics.
type MetricsCollector interface {
	RecordExecutionCreated(status string)
	RecordTransition(from, to string)
	RecordTerminal(status string, duration time.Duration)
	RecordPhaseDiagnostic(phase string)
	RecordDroppedEvent(reason string)
	RecordLaunch(result string, duration time.Duration)
	RecordResultDelivery(result string)
	RecordUsagePoll(result string, duration time.Duration)
	SetDispatchBacklog(n int)
	RecordWorkerPoolStatus(idle, busy, stopped int)
}

// ExecutionTopic is the event bus topic for execution transitions.
const ExecutionTopic = "execution.events"
