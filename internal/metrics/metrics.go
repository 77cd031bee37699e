// Package metrics exposes Prometheus collectors for a Miniserver client.
//
// All methods are safe to call on a nil *Metrics, so components can take a
// metrics handle without checking whether metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors
type Config struct {
	// Namespace is the metrics namespace (default: "loxclient")
	Namespace string

	// ConstLabels are constant labels added to all metrics, typically the host
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors
type Option func(*Config)

// WithNamespace sets the metrics namespace
func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

// WithConstLabels sets constant labels for all metrics
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

// WithRegistry sets the Prometheus registry
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

// Metrics holds the client collectors
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	eventsReceived  *prometheus.CounterVec
	commandsSent    *prometheus.CounterVec
	commandErrors   *prometheus.CounterVec
	commandDuration prometheus.Histogram
	pendingCommands prometheus.Gauge
	keepalives      prometheus.Counter
	reconnects      prometheus.Counter
	stateChanges    *prometheus.CounterVec
	state           *prometheus.GaugeVec
	tokenExpiry     prometheus.Gauge
	tokenRefreshes  *prometheus.CounterVec
}

// New creates and registers the collectors
func New(opts ...Option) *Metrics {
	config := Config{
		Namespace: "loxclient",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counterOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}
	}
	gaugeOpts := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}
	}

	return &Metrics{
		framesReceived: factory.NewCounterVec(
			counterOpts("frames_received_total", "Total number of frames received, by message type"),
			[]string{"type"}),
		eventsReceived: factory.NewCounterVec(
			counterOpts("events_received_total", "Total number of decoded state events, by table"),
			[]string{"table"}),
		commandsSent: factory.NewCounterVec(
			counterOpts("commands_sent_total", "Total number of commands sent"),
			[]string{"encrypted"}),
		commandErrors: factory.NewCounterVec(
			counterOpts("command_errors_total", "Total number of failed commands, by error kind"),
			[]string{"kind"}),
		commandDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "command_duration_seconds",
			Help:        "Round trip time of answered commands",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
		}),
		pendingCommands: factory.NewGauge(
			gaugeOpts("pending_commands", "Commands waiting for a response")),
		keepalives: factory.NewCounter(
			counterOpts("keepalives_total", "Total number of keepalive responses")),
		reconnects: factory.NewCounter(
			counterOpts("reconnect_attempts_total", "Total number of reconnect attempts")),
		stateChanges: factory.NewCounterVec(
			counterOpts("state_changes_total", "Total number of client state transitions, by target state"),
			[]string{"state"}),
		state: factory.NewGaugeVec(
			gaugeOpts("state", "1 for the current client state, 0 otherwise"),
			[]string{"state"}),
		tokenExpiry: factory.NewGauge(
			gaugeOpts("token_expiry_timestamp_seconds", "Expiry of the current token as unix time, 0 without token")),
		tokenRefreshes: factory.NewCounterVec(
			counterOpts("token_refreshes_total", "Total number of token refresh attempts, by result"),
			[]string{"result"}),
	}
}

func (m *Metrics) FrameReceived(messageType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(messageType).Inc()
}

func (m *Metrics) EventsReceived(table string, n int) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(table).Add(float64(n))
}

// CommandSent counts an outgoing command
func (m *Metrics) CommandSent(encrypted bool) {
	if m == nil {
		return
	}
	label := "false"
	if encrypted {
		label = "true"
	}
	m.commandsSent.WithLabelValues(label).Inc()
}

// CommandDone records the outcome of a command. kind is empty on success.
func (m *Metrics) CommandDone(elapsed time.Duration, kind string) {
	if m == nil {
		return
	}
	if kind != "" {
		m.commandErrors.WithLabelValues(kind).Inc()
		return
	}
	m.commandDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingCommands.Set(float64(n))
}

func (m *Metrics) Keepalive() {
	if m == nil {
		return
	}
	m.keepalives.Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// StateChanged moves the state gauge from one state to another
func (m *Metrics) StateChanged(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.state.WithLabelValues(from).Set(0)
	}
	m.state.WithLabelValues(to).Set(1)
	m.stateChanges.WithLabelValues(to).Inc()
}

// TokenExpiry records the token expiry; the zero time clears it
func (m *Metrics) TokenExpiry(t time.Time) {
	if m == nil {
		return
	}
	if t.IsZero() {
		m.tokenExpiry.Set(0)
		return
	}
	m.tokenExpiry.Set(float64(t.Unix()))
}

func (m *Metrics) TokenRefresh(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}
