package client

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/muurk/loxclient/internal/auth"
	"github.com/muurk/loxclient/internal/connection"
	"github.com/muurk/loxclient/internal/metrics"
	"github.com/muurk/loxclient/internal/reconnect"
)

// Options configures a Client. Start from DefaultOptions.
type Options struct {
	// Host is host[:port] of the Miniserver
	Host     string
	Username string
	Password string

	// PasswordFallback acquires a new token with Password when the token
	// given to Connect is rejected. Off, a rejected token fails Connect.
	PasswordFallback bool

	// AutoReconnect restarts the connection after failures and drops
	AutoReconnect bool
	// Keepalive sends keepalive once the client is ready
	Keepalive bool
	// MessageLog logs unsolicited text messages
	MessageLog bool
	// LogAllEvents logs every event at debug level, not just watched ones
	LogAllEvents bool

	CommandTimeout    time.Duration
	KeepaliveInterval time.Duration

	// Permission, ClientUUID and Info are sent with getjwt
	Permission int
	ClientUUID string
	Info       string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	// CaptureDir enables JSONL frame capture
	CaptureDir string

	// Reconnect tunes the reconnect delays
	Reconnect reconnect.Options

	Metrics *metrics.Metrics
	Tracer  trace.Tracer

	// StateLookup enriches events with structure names (optional)
	StateLookup StateLookup
}

// DefaultOptions returns the options used by the CLI
func DefaultOptions() Options {
	return Options{
		AutoReconnect:     true,
		Keepalive:         true,
		MessageLog:        true,
		CommandTimeout:    connection.DefaultCommandTimeout,
		KeepaliveInterval: connection.DefaultKeepaliveInterval,
		Permission:        auth.DefaultPermission,
		ClientUUID:        auth.DefaultClientUUID,
	}
}

// Validate checks the fields that have no usable default
func (o *Options) Validate() error {
	if o.Host == "" {
		return fmt.Errorf("host is required")
	}
	if o.Username == "" {
		return fmt.Errorf("username is required")
	}
	if o.ClientUUID != "" {
		if _, err := uuid.Parse(o.ClientUUID); err != nil {
			return fmt.Errorf("invalid client UUID %q: %w", o.ClientUUID, err)
		}
	}
	return nil
}
