// Package websocket provides real-time execution status streaming.
//
// Clients connect to /api/v1/executions/:id/ws, receive a snapshot of the
// execution and then one message per status transition. The server closes
// the connection after the terminal transition.
package websocket
