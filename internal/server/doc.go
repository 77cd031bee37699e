// Package server runs a small HTTP status server next to a Miniserver
// client.
//
// It exposes three endpoints on a chi router:
//
//	GET /healthz   200 while the client is ready, 503 otherwise
//	GET /state     JSON snapshot of state, token expiry and capabilities
//	GET /metrics   Prometheus exposition of the client collectors
//
// # Usage Example
//
//	srv := server.New(&server.Config{Host: "127.0.0.1", Port: 9477}, c)
//	go srv.Start(ctx)
//
// Start blocks until ctx is cancelled, then shuts the listener down.
package server
