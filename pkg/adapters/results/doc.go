// Package results provides result reporter implementations. Each reporter
// owns its retry policy; callers fire and forget.
//
// Implementations:
//   - http: JSON over HTTP to an external results service
//   - redis: results hash plus a notification stream
package results
