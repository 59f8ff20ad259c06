// Package workload provides workload client implementations.
//
// Implementations:
//   - kubernetes: one pod per execution, watched through shared informers,
//     plus a kubelet stats usage source
//   - memory: scripted client for tests and dry runs
package workload
