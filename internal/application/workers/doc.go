// Package workers implements the background task pool.
//
// A fixed number of goroutines drain a bounded queue of tasks. The
// orchestrator submits every side effect that must not block a status
// transition: workload launches, result deliveries and usage snapshots.
//
// The health monitor tracks worker status and records pool metrics.
package workers
