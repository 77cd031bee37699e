// Package logging provides structured logging for the Miniserver client.
//
// This package wraps a global zap logger with convenience functions used
// throughout the client. Logging is silent until Initialize is called or the
// LOXCLIENT_LOG_LEVEL environment variable is set, so embedding the client in
// another program produces no output by default.
//
// # Log Levels
//
//   - Debug: frame hex dumps, keepalives, header parsing
//   - Info: state changes, commands sent, token lifecycle
//   - Warn: disconnects, out-of-service notices, retries
//   - Error: failed handshakes, failed token refreshes
//
// # Secrets
//
// Encrypted commands are logged through MaskCommand, which keeps only the
// first eight characters of the cipher text. Text responses that may carry
// tokens or keys go through MaskJSON before they reach the log.
//
//	logging.Info("Received text message",
//	    zap.String("content", logging.MaskJSON(raw)),
//	)
package logging
