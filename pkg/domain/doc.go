// Package domain holds the execution model shared by the orchestrator and its
// adapters: executions, experiments, workload events, usage snapshots and the
// error taxonomy.
package domain
