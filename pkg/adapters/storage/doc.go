// Package storage provides execution and experiment store implementations.
//
// Implementations:
//   - redis: Redis with JSON records and sorted-set indexes
//   - sql: GORM over MySQL
//   - memory: In-memory for testing and single-node runs
package storage
