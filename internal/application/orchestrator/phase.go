package orchestrator

import (
	"github.com/aescanero/labexec/pkg/domain"
)

// outcome classifies what a workload event does to an execution
type outcome int

const (
	// outcomeTransition moves the execution to decision.target
	outcomeTransition outcome = iota
	// outcomeRefresh keeps the status and only records the event message
	outcomeRefresh
	// outcomeIgnored leaves the execution untouched
	outcomeIgnored
	// outcomeDiagnostic leaves the execution untouched and is counted
	outcomeDiagnostic
)

type decision struct {
	outcome outcome
	target  domain.ExecutionStatus
	reason  string
}

// decide maps a workload event onto the current status. Rules are checked
// in order and the first match wins.
func decide(current domain.ExecutionStatus, event domain.WorkloadEvent) decision {
	if current.IsTerminal() {
		return decision{outcome: outcomeIgnored, reason: "execution already terminal"}
	}

	if event.Type == domain.WorkloadDeleted {
		switch event.Phase {
		case domain.PhaseSucceeded:
			return transitionTo(current, domain.ExecutionStatusFinished)
		case domain.PhaseFailed:
			return transitionTo(current, domain.ExecutionStatusFailed)
		}
		return transitionTo(current, domain.ExecutionStatusAborted)
	}

	switch event.Phase {
	case domain.PhasePending:
		if current == domain.ExecutionStatusRunning {
			return decision{outcome: outcomeIgnored, reason: "pending after running"}
		}
		return transitionTo(current, domain.ExecutionStatusWaiting)
	case domain.PhaseRunning:
		return transitionTo(current, domain.ExecutionStatusRunning)
	case domain.PhaseSucceeded:
		return transitionTo(current, domain.ExecutionStatusFinished)
	case domain.PhaseFailed:
		return transitionTo(current, domain.ExecutionStatusFailed)
	case domain.PhaseUnknown:
		return decision{outcome: outcomeDiagnostic, reason: "workload phase unknown"}
	}

	return decision{outcome: outcomeDiagnostic, reason: "no mapping for workload phase"}
}

func transitionTo(current, target domain.ExecutionStatus) decision {
	if current == target {
		return decision{outcome: outcomeRefresh, target: target}
	}
	return decision{outcome: outcomeTransition, target: target}
}
