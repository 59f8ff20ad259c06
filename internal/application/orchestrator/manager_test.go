package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/labexec/internal/application/dispatch"
	"github.com/aescanero/labexec/internal/application/results"
	"github.com/aescanero/labexec/internal/application/usage"
	"github.com/aescanero/labexec/internal/application/workers"
	events "github.com/aescanero/labexec/pkg/adapters/events/memory"
	metrics "github.com/aescanero/labexec/pkg/adapters/metrics/prometheus"
	storage "github.com/aescanero/labexec/pkg/adapters/storage/memory"
	workload "github.com/aescanero/labexec/pkg/adapters/workload/memory"
	"github.com/aescanero/labexec/pkg/domain"
	"github.com/aescanero/labexec/pkg/ports"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingReporter struct {
	mu        sync.Mutex
	delivered []domain.ResultPayload
}

func (r *recordingReporter) Deliver(ctx context.Context, payload domain.ResultPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, payload)
	return nil
}

func (r *recordingReporter) DeleteResults(ctx context.Context, ids []string) error {
	return nil
}

func (r *recordingReporter) payloads() []domain.ResultPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ResultPayload(nil), r.delivered...)
}

type harness struct {
	manager    *Manager
	store      *storage.Store
	workloads  *workload.Client
	dispatcher *dispatch.Dispatcher
	pool       *workers.Pool
	reporter   *recordingReporter
	bus        *events.InMemoryEventBus
	experiment *domain.Experiment
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithPool(t, cfg, 2, 64)
}

func newHarnessWithPool(t *testing.T, cfg Config, poolSize, queueSize int) *harness {
	t.Helper()
	logger := zap.NewNop()

	collector := metrics.NewCollectorWithRegisterer(prometheus.NewRegistry())
	store := storage.NewStore()
	workloads := workload.NewClient()
	bus := events.NewInMemoryEventBus()
	dispatcher := dispatch.NewDispatcher(logger)
	pool := workers.NewPool(poolSize, queueSize, collector, logger, 0)
	require.NoError(t, pool.Start())

	reporter := &recordingReporter{}
	deliverer := results.NewDeliverer(reporter, pool, time.Second, collector, logger)
	poller := usage.NewPoller(workloads, usage.Config{Timeout: time.Second}, collector, logger)

	experiment := &domain.Experiment{
		ID:      uuid.NewString(),
		Name:    "mnist",
		OwnerID: "alice",
		Image:   "registry.local/mnist:1",
	}
	require.NoError(t, store.SaveExperiment(context.Background(), experiment))

	m := NewManager(store, store, workloads, bus, dispatcher, pool, deliverer, poller, collector,
		NewValidator(Defaults{RAM: "512Mi", CPU: "500m", BookedTime: time.Hour}),
		logger, cfg)
	require.NoError(t, m.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		_ = pool.Shutdown(ctx)
	})

	return &harness{
		manager:    m,
		store:      store,
		workloads:  workloads,
		dispatcher: dispatcher,
		pool:       pool,
		reporter:   reporter,
		bus:        bus,
		experiment: experiment,
	}
}

func (h *harness) create(t *testing.T) *domain.Execution {
	t.Helper()
	e, err := h.manager.CreateExecution(context.Background(), domain.CreateRequest{ExperimentID: h.experiment.ID})
	require.NoError(t, err)
	return e
}

func (h *harness) emit(execution *domain.Execution, eventType domain.WorkloadEventType, phase domain.Phase) {
	handle := domain.HandleFor(execution)
	h.workloads.Emit(domain.WorkloadEvent{
		Type:         eventType,
		WorkloadName: handle.Name,
		Namespace:    handle.Namespace,
		Phase:        phase,
	})
}

// settle waits for every queued event to be applied
func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.dispatcher.Wait(ctx))
}

func (h *harness) status(t *testing.T, id string) *domain.Execution {
	t.Helper()
	e, err := h.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (h *harness) waitDeliveries(t *testing.T, n int) []domain.ResultPayload {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.reporter.payloads()) >= n
	}, 5*time.Second, 5*time.Millisecond)
	// a duplicate would be queued right behind
	time.Sleep(20 * time.Millisecond)
	return h.reporter.payloads()
}

func TestManager_CreateExecutionStoresWaitingRecord(t *testing.T) {
	h := newHarness(t, Config{})

	e := h.create(t)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, domain.ExecutionStatusWaiting, e.Status)
	assert.Equal(t, h.experiment.ID, e.ExperimentID)
	assert.Equal(t, "alice", e.OwnerID)
	assert.Equal(t, "mnist", e.Name)
	assert.Equal(t, domain.Resources{RAM: "512Mi", CPU: "500m"}, e.Resources)
	assert.Equal(t, time.Hour, e.BookedTime)
	assert.Nil(t, e.StartedAt)
	assert.Nil(t, e.TerminatedAt)

	stored := h.status(t, e.ID)
	assert.Equal(t, domain.ExecutionStatusWaiting, stored.Status)

	require.Eventually(t, func() bool {
		return len(h.workloads.Launched()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.HandleFor(e), h.workloads.Launched()[0])
}

func TestManager_CreateExecutionRejectsUnknownExperiment(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.manager.CreateExecution(context.Background(), domain.CreateRequest{ExperimentID: uuid.NewString()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	all, err := h.store.FindAllByOwnerID(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, h.workloads.Launched())
}

func TestManager_CreateExecutionMalformedExperimentIsNotFound(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.manager.CreateExecution(context.Background(), domain.CreateRequest{ExperimentID: "exp-42"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Empty(t, h.workloads.Launched())
}

func TestManager_CreateExecutionRejectsBadResources(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.manager.CreateExecution(context.Background(), domain.CreateRequest{
		ExperimentID: h.experiment.ID,
		RAM:          "a lot",
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	all, err := h.store.FindAllByExperimentID(context.Background(), h.experiment.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestManager_HappyPath(t *testing.T) {
	h := newHarness(t, Config{})
	e := h.create(t)

	h.emit(e, domain.WorkloadAdded, domain.PhasePending)
	h.emit(e, domain.WorkloadUpdated, domain.PhaseRunning)
	h.settle(t)

	running := h.status(t, e.ID)
	assert.Equal(t, domain.ExecutionStatusRunning, running.Status)
	require.NotNil(t, running.StartedAt)
	assert.Nil(t, running.TerminatedAt)

	h.emit(e, domain.WorkloadUpdated, domain.PhaseSucceeded)
	h.settle(t)

	finished := h.status(t, e.ID)
	assert.Equal(t, domain.ExecutionStatusFinished, finished.Status)
	require.NotNil(t, finished.TerminatedAt)
	assert.Equal(t, running.StartedAt.UnixNano(), finished.StartedAt.UnixNano())

	payloads := h.waitDeliveries(t, 1)
	require.Len(t, payloads, 1)
	assert.Equal(t, e.ID, payloads[0].ExecutionID)
	assert.Equal(t, "alice", payloads[0].OwnerID)
	assert.False(t, payloads[0].Failed)
}

func TestManager_PendingAfterRunningIsIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	e := h.create(t)

	h.emit(e, domain.WorkloadUpdated, domain.PhaseRunning)
	h.emit(e, domain.WorkloadUpdated, domain.PhasePending)
	h.settle(t)

	assert.Equal(t, domain.ExecutionStatusRunning, h.status(t, e.ID).Status)
}

func TestManager_EventsAfterTerminalAreIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	e := h.create(t)

	h.emit(e, domain.WorkloadUpdated, domain.PhaseRunning)
	h.emit(e, domain.WorkloadUpdated, domain.PhaseSucceeded)
	h.settle(t)
	finished := h.status(t, e.ID)

	h.emit(e, domain.WorkloadUpdated, domain.PhaseFailed)
	h.emit(e, domain.WorkloadUpdated, domain.PhaseRunning)
	h.emit(e, domain.WorkloadDeleted, domain.PhaseSucceeded)
	h.settle(t)

	after := h.status(t, e.ID)
	assert.Equal(t, domain.ExecutionStatusFinished, after.Status)
	assert.Equal(t, finished.TerminatedAt.UnixNano(), after.TerminatedAt.UnixNano())
	assert.Len(t, h.waitDeliveries(t, 1), 1)
}

func TestManager_LaunchFailureFailsExecutionOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.workloads.FailLaunches(errors.New("quota exceeded"))

	e := h.create(t)
	assert.Equal(t, domain.ExecutionStatusWaiting, e.Status)

	require.Eventually(t, func() bool {
		stored, err := h.store.FindByID(context.Background(), e.ID)
		return err == nil && stored.Status == domain.ExecutionStatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	failed := h.status(t, e.ID)
	assert.Contains(t, failed.Message, "quota exceeded")
	require.NotNil(t, failed.TerminatedAt)

	payloads := h.waitDeliveries(t, 1)
	require.Len(t, payloads, 1)
	assert.True(t, payloads[0].Failed)
	assert.Equal(t, domain.ExecutionStatusFailed, payloads[0].Status)
}

func TestManager_CancelExecution(t *testing.T) {
	h := newHarness(t, Config{})
	e := h.create(t)

	h.emit(e, domain.WorkloadUpdated, domain.PhaseRunning)
	h.settle(t)

	canceled, err := h.manager.CancelExecution(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCanceled, canceled.Status)
	require.NotNil(t, canceled.TerminatedAt)

	require.Eventually(t, func() bool {
		return len(h.workloads.Terminated()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// the deletion caused by the cancel must not turn it into ABORTED
	h.emit(e, domain.WorkloadDeleted, domain.PhaseRunning)
	h.settle(t)
	assert.Equal(t, domain.ExecutionStatusCanceled, h.status(t, e.ID).Status)

	_, err = h.manager.CancelExecution(context.Background(), e.ID)
	assert.True(t, errors.Is(err, domain.ErrConflict))

	_, err = h.manager.AbortExecution(context.Background(), e.ID)
	assert.True(t, errors.Is(err, domain.ErrConflict))

	payloads := h.waitDeliveries(t, 1)
	require.Len(t, payloads, 1)
	assert.Equal(t, domain.ExecutionStatusCanceled, payloads[0].Status)
}

func TestManager_CancelFinishedExecutionConflicts(t *testing.T) {
	h := newHarness(t, Config{})
	e := h.create(t)

	h.emit(e, domain.WorkloadUpdated, domain.PhaseRunning)
	h.emit(e, domain.WorkloadUpdated, domain.PhaseSucceeded)
	h.settle(t)
	finished := h.status(t, e.ID)
	require.Equal(t, domain.ExecutionStatusFinished, finished.Status)

	_, err := h.manager.CancelExecution(context.Background(), e.ID)
	assert.True(t, errors.Is(err, domain.ErrConflict))

	after := h.status(t, e.ID)
	assert.Equal(t, domain.ExecutionStatusFinished, after.Status)
	assert.Equal(t, finished.TerminatedAt.UnixNano(), after.TerminatedAt.UnixNano())
	assert.Len(t, h.waitDeliveries(t, 1), 1)
}

func TestManager_CancelUnknownExecution(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.manager.CancelExecution(context.Background(), uuid.NewString())
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestManager_TerminationFailureIsLoggedOnly(t *testing.T) {
	h := newHarness(t, Config{})
	h.workloads.FailTerminations(errors.New("api server down"))
	e := h.create(t)

	aborted, err := h.manager.AbortExecution(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusAborted, aborted.Status)
	assert.Equal(t, domain.ExecutionStatusAborted, h.status(t, e.ID).Status)
}

func TestManager_DeletedWhileRunningAborts(t *testing.T) {
	h := newHarness(t, Config{})
	e := h.create(t)

	h.emit(e, domain.WorkloadUpdated, domain.PhaseRunning)
	h.emit(e, domain.WorkloadDeleted, domain.PhaseRunning)
	h.settle(t)

	aborted := h.status(t, e.ID)
	assert.Equal(t, domain.ExecutionStatusAborted, aborted.Status)
	assert.NotNil(t, aborted.TerminatedAt)
}

func TestManager_UnknownAndUnmappedPhasesAreDiagnosticOnly(t *testing.T) {
	h := newHarness(t, Config{})
	e := h.create(t)

	h.emit(e, domain.WorkloadUpdated, domain.PhaseRunning)
	h.emit(e, domain.WorkloadUpdated, domain.PhaseUnknown)
	h.emit(e, domain.WorkloadUpdated, "Evicted")
	h.settle(t)

	assert.Equal(t, domain.ExecutionStatusRunning, h.status(t, e.ID).Status)
	assert.Empty(t, h.reporter.payloads())
}

func TestManager_UnknownPhaseWhileWaitingIsDiagnosticOnly(t *testing.T) {
	h := newHarness(t, Config{})
	e := h.create(t)

	h.emit(e, domain.WorkloadUpdated, domain.PhaseUnknown)
	h.settle(t)

	stored := h.status(t, e.ID)
	assert.Equal(t, domain.ExecutionStatusWaiting, stored.Status)
	assert.Nil(t, stored.StartedAt)
	assert.Nil(t, stored.TerminatedAt)
	assert.Empty(t, h.reporter.payloads())
}

func TestManager_CreateExecutionDoesNotWaitForBusyPool(t *testing.T) {
	h := newHarnessWithPool(t, Config{}, 1, 0)

	release := make(chan struct{})
	started := make(chan struct{})
	require.Eventually(t, func() bool {
		return h.pool.Submit("hold", func(ctx context.Context) {
			close(started)
			<-release
		}) == nil
	}, time.Second, time.Millisecond)
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan *domain.Execution, 1)
	go func() {
		e, err := h.manager.CreateExecution(ctx, domain.CreateRequest{ExperimentID: h.experiment.ID})
		assert.NoError(t, err)
		done <- e
	}()

	var e *domain.Execution
	select {
	case e = <-done:
	case <-time.After(time.Second):
		t.Fatal("CreateExecution blocked on a full worker pool")
	}
	require.NotNil(t, e)
	assert.Equal(t, domain.ExecutionStatusWaiting, e.Status)

	// the rejected launch fails the execution instead of queueing it
	require.Eventually(t, func() bool {
		stored, err := h.store.FindByID(context.Background(), e.ID)
		return err == nil && stored.Status == domain.ExecutionStatusFailed
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.workloads.Launched())
}

func TestManager_UnresolvableEventsAreDropped(t *testing.T) {
	h := newHarness(t, Config{})
	e := h.create(t)

	assert.NotPanics(t, func() {
		h.workloads.Emit(domain.WorkloadEvent{Type: domain.WorkloadUpdated, WorkloadName: "random-pod", Namespace: "default", Phase: domain.PhaseFailed})
		h.workloads.Emit(domain.WorkloadEvent{Type: domain.WorkloadUpdated, WorkloadName: domain.WorkloadName(uuid.NewString()), Namespace: h.experiment.ID, Phase: domain.PhaseFailed})
	})
	h.settle(t)

	assert.Equal(t, domain.ExecutionStatusWaiting, h.status(t, e.ID).Status)
}

func TestManager_ResolvesExecutionFromLabel(t *testing.T) {
	h := newHarness(t, Config{})
	e := h.create(t)

	h.workloads.Emit(domain.WorkloadEvent{
		Type:         domain.WorkloadUpdated,
		WorkloadName: "renamed",
		Namespace:    e.ExperimentID,
		Phase:        domain.PhaseRunning,
		Labels:       map[string]string{domain.LabelExecutionID: e.ID},
	})
	h.settle(t)

	assert.Equal(t, domain.ExecutionStatusRunning, h.status(t, e.ID).Status)
}

func TestManager_ConcurrentExecutionsKeepTheirOwnOrder(t *testing.T) {
	h := newHarness(t, Config{})

	executions := make([]*domain.Execution, 20)
	for i := range executions {
		executions[i] = h.create(t)
	}

	var wg sync.WaitGroup
	for _, e := range executions {
		wg.Add(1)
		go func(e *domain.Execution) {
			defer wg.Done()
			h.emit(e, domain.WorkloadAdded, domain.PhasePending)
			h.emit(e, domain.WorkloadUpdated, domain.PhaseRunning)
			h.emit(e, domain.WorkloadUpdated, domain.PhaseSucceeded)
		}(e)
	}
	wg.Wait()
	h.settle(t)

	for _, e := range executions {
		stored := h.status(t, e.ID)
		assert.Equal(t, domain.ExecutionStatusFinished, stored.Status)
		assert.NotNil(t, stored.StartedAt)
	}
	assert.Len(t, h.waitDeliveries(t, len(executions)), len(executions))
}

func TestManager_CleanupAndFinalSnapshot(t *testing.T) {
	h := newHarness(t, Config{CleanupOnTerminal: true, FinalUsageSnapshot: true})
	e := h.create(t)
	h.workloads.SetUsage([]domain.RawUsage{
		{WorkloadName: domain.WorkloadName(e.ID), Namespace: e.ExperimentID, CPU: "120m", Memory: "4Ki"},
	}, nil)

	h.emit(e, domain.WorkloadUpdated, domain.PhaseRunning)
	h.emit(e, domain.WorkloadUpdated, domain.PhaseFailed)
	h.settle(t)

	require.Eventually(t, func() bool {
		return len(h.workloads.Terminated()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.HandleFor(e), h.workloads.Terminated()[0])
}

func TestManager_ListsAndUsage(t *testing.T) {
	h := newHarness(t, Config{})
	var (
		clockMu sync.Mutex
		clock   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	h.manager.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	first := h.create(t)
	second := h.create(t)

	byExperiment, err := h.manager.ListExecutionsForExperiment(context.Background(), h.experiment.ID)
	require.NoError(t, err)
	require.Len(t, byExperiment, 2)
	assert.Equal(t, first.ID, byExperiment[0].ID)
	assert.Equal(t, second.ID, byExperiment[1].ID)

	byOwner, err := h.manager.ListExecutionsForOwner(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, byOwner, 2)

	h.workloads.SetUsage([]domain.RawUsage{
		{WorkloadName: domain.WorkloadName(first.ID), Namespace: first.ExperimentID, CPU: "250m", Memory: "64Mi"},
	}, nil)

	snapshots, err := h.manager.UsageSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "250", snapshots[0].CPU)

	one, err := h.manager.ExecutionUsage(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, "64", one.Memory)

	h.workloads.SetUsage(nil, errors.New("metrics server down"))
	_, err = h.manager.UsageSnapshot(context.Background())
	assert.True(t, errors.Is(err, domain.ErrUpstreamUnavailable))
}

func TestManager_PublishesTransitions(t *testing.T) {
	h := newHarness(t, Config{})

	var (
		mu       sync.Mutex
		received []domain.ExecutionEvent
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.bus.Subscribe(ctx, ports.ExecutionTopic, func(ctx context.Context, event domain.ExecutionEvent) error {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		return nil
	}))

	e := h.create(t)
	h.emit(e, domain.WorkloadUpdated, domain.PhaseRunning)
	h.settle(t)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	targets := map[domain.ExecutionStatus]bool{}
	for _, ev := range received {
		assert.Equal(t, e.ID, ev.ExecutionID)
		targets[ev.To] = true
	}
	assert.True(t, targets[domain.ExecutionStatusWaiting])
	assert.True(t, targets[domain.ExecutionStatusRunning])
}
