// Package results hands terminal executions to the results service.
//
// Delivery runs on the background pool so a status transition never waits
// on the reporter. Retry policy lives in the reporter adapters.
package results
