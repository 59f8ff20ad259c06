// Package orchestrator implements the execution lifecycle.
//
// The manager creates executions, launches their workloads and folds the
// workload events reported by the cluster into execution statuses:
//
//	WAITING -> RUNNING -> FINISHED | FAILED | CANCELED | ABORTED
//
// Events are applied one at a time per execution through the dispatcher, so
// a late event can never overtake an earlier one. Terminal executions accept
// no further change. Result delivery, final usage snapshots and workload
// cleanup run on the background pool after the terminal status is stored.
//
// The validator checks creation requests and fills in default resources.
package orchestrator
