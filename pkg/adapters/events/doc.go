// Package events provides event bus implementations for execution
// transition notifications.
//
// Implementations:
//   - redis: Redis Streams with consumer groups
//   - memory: In-process fan-out for tests and single-node runs
package events
