// Package usage turns raw cluster usage into per-execution snapshots.
//
// Entries from cluster-internal namespaces are excluded, and entries whose
// namespace or workload name do not identify an experiment and an execution
// are skipped one by one. Quantities keep their numeric part only; no unit
// conversion is applied.
package usage
