package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Phase is the cluster-native phase of a workload.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
	PhaseUnknown   Phase = "Unknown"
)

// WorkloadEventType distinguishes informer notifications.
type WorkloadEventType string

const (
	WorkloadAdded   WorkloadEventType = "added"
	WorkloadUpdated WorkloadEventType = "updated"
	WorkloadDeleted WorkloadEventType = "deleted"
)

// WorkloadEvent is a status notification about one workload.
type WorkloadEvent struct {
	Type         WorkloadEventType `json:"type"`
	WorkloadName string            `json:"workload_name"`
	Namespace    string            `json:"namespace"`
	Phase        Phase             `json:"phase"`
	Message      string            `json:"message,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// WorkloadHandle identifies a launched workload.
type WorkloadHandle struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// Labels set on every managed workload.
const (
	LabelExecutionID  = "labexec.io/execution-id"
	LabelExperimentID = "labexec.io/experiment-id"
	LabelOwnerID      = "labexec.io/owner-id"

	workloadPrefix = "exec-"
)

// HandleFor returns the workload handle for an execution: the namespace is
// the experiment id and the workload is named after the execution id.
func HandleFor(e *Execution) WorkloadHandle {
	return WorkloadHandle{
		Name:      WorkloadName(e.ID),
		Namespace: e.ExperimentID,
	}
}

// WorkloadName returns the workload name for an execution id.
func WorkloadName(executionID string) string {
	return workloadPrefix + executionID
}

// ParseWorkloadName recovers the execution id from a workload name.
func ParseWorkloadName(name string) (string, bool) {
	if !strings.HasPrefix(name, workloadPrefix) {
		return "", false
	}
	id, err := uuid.Parse(strings.TrimPrefix(name, workloadPrefix))
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// ParseNamespace recovers the experiment id carried by a namespace.
func ParseNamespace(namespace string) (string, bool) {
	id, err := uuid.Parse(namespace)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// ResolveExecutionID returns the execution id embedded in an event. The
// workload name is authoritative; the execution label is the fallback for
// workloads renamed by the cluster.
func (e WorkloadEvent) ResolveExecutionID() (string, bool) {
	if id, ok := ParseWorkloadName(e.WorkloadName); ok {
		return id, true
	}
	if raw, ok := e.Labels[LabelExecutionID]; ok {
		if id, err := uuid.Parse(raw); err == nil {
			return id.String(), true
		}
	}
	return "", false
}

// RawUsage is one entry of an upstream usage snapshot.
type RawUsage struct {
	WorkloadName string `json:"workload_name"`
	Namespace    string `json:"namespace"`
	CPU          string `json:"cpu"`
	Memory       string `json:"memory"`
}

// UsageSnapshot is the resource usage of one execution at a point in time.
// CPU and Memory keep the upstream numeric value without its unit suffix.
type UsageSnapshot struct {
	ExecutionID  string    `json:"execution_id"`
	ExperimentID string    `json:"experiment_id"`
	WorkloadName string    `json:"workload_name"`
	CPU          string    `json:"cpu"`
	Memory       string    `json:"memory"`
	Timestamp    time.Time `json:"timestamp"`
}

// ResultPayload is pushed to the results service when an execution ends.
type ResultPayload struct {
	ExecutionID string          `json:"execution_id"`
	OwnerID     string          `json:"owner_id"`
	Status      ExecutionStatus `json:"status"`
	Failed      bool            `json:"failed"`
	Output      []byte          `json:"output"`
}
