package domain

import (
	"time"
)

// ExecutionStatus represents the lifecycle status of an execution
type ExecutionStatus string

const (
	ExecutionStatusWaiting  ExecutionStatus = "WAITING"
	ExecutionStatusRunning  ExecutionStatus = "RUNNING"
	ExecutionStatusFinished ExecutionStatus = "FINISHED"
	ExecutionStatusFailed   ExecutionStatus = "FAILED"
	ExecutionStatusCanceled ExecutionStatus = "CANCELED"
	ExecutionStatusAborted  ExecutionStatus = "ABORTED"
)

// IsTerminal reports whether no further transitions are accepted from s.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusFinished, ExecutionStatusFailed, ExecutionStatusCanceled, ExecutionStatusAborted:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusWaiting, ExecutionStatusRunning:
		return true
	}
	return s.IsTerminal()
}

// Resources is the resource request of an execution. Values are Kubernetes
// quantity strings such as "512Mi" or "500m".
type Resources struct {
	RAM string `json:"ram"`
	CPU string `json:"cpu"`
}

// Execution is one run of an experiment on the cluster.
type Execution struct {
	ID           string          `json:"id"`
	ExperimentID string          `json:"experiment_id"`
	OwnerID      string          `json:"owner_id"`
	Name         string          `json:"name"`
	Resources    Resources       `json:"resources"`
	BookedTime   time.Duration   `json:"booked_time"`
	Status       ExecutionStatus `json:"status"`
	Message      string          `json:"message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	TerminatedAt *time.Time      `json:"terminated_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate without touching shared
// records.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.TerminatedAt != nil {
		t := *e.TerminatedAt
		c.TerminatedAt = &t
	}
	return &c
}

// Experiment is the user-submitted unit of work an execution runs.
type Experiment struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	OwnerID string            `json:"owner_id"`
	Image   string            `json:"image"`
	Command []string          `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// CreateRequest carries the caller's parameters for a new execution. Zero
// values fall back to configured defaults.
type CreateRequest struct {
	ExperimentID string        `json:"experiment_id"`
	Name         string        `json:"name,omitempty"`
	RAM          string        `json:"ram,omitempty"`
	CPU          string        `json:"cpu,omitempty"`
	BookedTime   time.Duration `json:"booked_time,omitempty"`
}

// ExecutionEvent is published on the event bus after every committed
// transition.
type ExecutionEvent struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"execution_id"`
	ExperimentID string          `json:"experiment_id"`
	OwnerID      string          `json:"owner_id"`
	From         ExecutionStatus `json:"from"`
	To           ExecutionStatus `json:"to"`
	Message      string          `json:"message,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}
