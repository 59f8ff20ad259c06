// Package dispatch serializes work per key while running different keys in
// parallel.
//
// Each key owns a FIFO lane. Dispatch appends a task to its lane and returns;
// a goroutine drains the lane while it has work and exits when it empties.
// Tasks of one key never overlap and run in the order they were dispatched.
package dispatch
