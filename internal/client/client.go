// Package client is the public face of the library: it runs the connect
// sequence (capability probe, socket, handshake, keepalive), tracks the
// client state, reconnects after drops and fans out notifications.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/muurk/loxclient/internal/auth"
	"github.com/muurk/loxclient/internal/connection"
	"github.com/muurk/loxclient/internal/httpapi"
	"github.com/muurk/loxclient/internal/logging"
	"github.com/muurk/loxclient/internal/lxerr"
	"github.com/muurk/loxclient/internal/protocol"
	"github.com/muurk/loxclient/internal/reconnect"
)

const (
	enableUpdatesCommand = "jdev/sps/enablebinstatusupdate"
	structureFile        = "data/LoxAPP3.json"
)

// Client is a Miniserver client over one connection
type Client struct {
	opts       Options
	http       *httpapi.Client
	conn       *connection.Connection
	tokens     *auth.TokenManager
	handshake  *auth.Handshake
	supervisor *reconnect.Supervisor
	tracer     trace.Tracer

	// opMu serializes Connect and Disconnect
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	caps       *httpapi.Capabilities
	watchlist  map[protocol.UUID]struct{}
	retryToken string
	// stopped is set by Disconnect and cleared by Connect
	stopped bool

	obsMu     sync.Mutex
	observers []observerEntry
	nextObs   int
}

type observerEntry struct {
	id int
	fn Observer
}

// New creates a disconnected client
func New(opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:      opts,
		state:     StateDisconnected,
		watchlist: make(map[protocol.UUID]struct{}),
		tracer:    opts.Tracer,
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/muurk/loxclient/internal/client")
	}

	c.http = httpapi.NewClient(opts.Host)
	if opts.HTTPClient != nil {
		c.http.HTTPClient = opts.HTTPClient
	}

	c.conn = connection.New(connection.Options{
		Host:              opts.Host,
		Dialer:            opts.Dialer,
		CommandTimeout:    opts.CommandTimeout,
		KeepaliveInterval: opts.KeepaliveInterval,
		MessageLog:        opts.MessageLog,
		CaptureDir:        opts.CaptureDir,
		Metrics:           opts.Metrics,
	}, dispatcher{c})

	c.tokens = auth.NewTokenManager(c.conn, auth.TokenOptions{
		Username:   opts.Username,
		Password:   opts.Password,
		Permission: opts.Permission,
		ClientUUID: opts.ClientUUID,
		Info:       opts.Info,
		Metrics:    opts.Metrics,
	})
	c.handshake = &auth.Handshake{
		Certificates:     c.http,
		Conn:             c.conn,
		Tokens:           c.tokens,
		PasswordFallback: opts.PasswordFallback,
		Tracer:           opts.Tracer,
	}

	reconnectOpts := opts.Reconnect
	reconnectOpts.Metrics = opts.Metrics
	c.supervisor = reconnect.New(c.reconnect, reconnectOpts)
	c.supervisor.SetEnabled(opts.AutoReconnect)
	return c, nil
}

// Host returns the configured Miniserver host
func (c *Client) Host() string {
	return c.opts.Host
}

// State returns the current state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Capabilities returns the result of the last capability probe, nil before
// the first connect.
func (c *Client) Capabilities() *httpapi.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Token returns the current token, nil without one
func (c *Client) Token() *auth.Token {
	return c.tokens.Token()
}

// Reconnecting reports whether the reconnect loop is active
func (c *Client) Reconnecting() bool {
	return c.supervisor.Running()
}

// SetAutoReconnect toggles automatic reconnects; disabling cancels a
// pending attempt.
func (c *Client) SetAutoReconnect(enabled bool) {
	c.supervisor.SetEnabled(enabled)
}

// Subscribe registers an observer and returns a function removing it
func (c *Client) Subscribe(fn Observer) (unsubscribe func()) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.nextObs++
	id := c.nextObs
	c.observers = append(c.observers, observerEntry{id: id, fn: fn})

	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) notify(n Notification) {
	c.obsMu.Lock()
	observers := make([]Observer, len(c.observers))
	for i, o := range c.observers {
		observers[i] = o.fn
	}
	c.obsMu.Unlock()

	for _, fn := range observers {
		fn(n)
	}
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.changed(from, to)
}

func (c *Client) changed(from, to State) {
	logging.LogStateChange(c.opts.Host, string(from), string(to))
	c.opts.Metrics.StateChanged(string(from), string(to))
	c.notify(StateChanged{From: from, To: to})
}

// Connect runs the connect sequence. It is a no-op unless the client is
// disconnected or in the error state. A failure leaves the client in the
// error state and starts the reconnect loop when enabled.
func (c *Client) Connect(ctx context.Context, existingToken string) error {
	return c.connect(ctx, existingToken, false)
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	token := c.retryToken
	c.mu.Unlock()
	return c.connect(ctx, token, true)
}

func (c *Client) connect(ctx context.Context, existingToken string, reconnecting bool) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	to := StateConnecting
	if reconnecting {
		to = StateReconnecting
	}
	c.mu.Lock()
	if reconnecting && c.stopped {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	if !from.canConnect() {
		c.mu.Unlock()
		logging.Warn("Not in disconnected or error state, ignoring connect call", zap.String("state", string(from)))
		return nil
	}
	if !reconnecting {
		c.stopped = false
	}
	c.state = to
	c.mu.Unlock()
	c.changed(from, to)

	ctx, span := c.tracer.Start(ctx, "client.connect", trace.WithAttributes(
		attribute.String("miniserver.host", c.opts.Host),
		attribute.Bool("client.reconnect", reconnecting)))
	defer span.End()

	if err := c.establish(ctx, existingToken); err != nil {
		logging.Error("Could not connect", zap.String("host", c.opts.Host), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		c.mu.Lock()
		c.retryToken = existingToken
		c.mu.Unlock()
		c.setState(StateError)
		c.notify(Error{Err: err})
		c.conn.Close("connect failed")
		c.tokens.Reset()
		c.startSupervisor()
		return err
	}

	span.SetStatus(codes.Ok, "")
	c.mu.Lock()
	c.retryToken = ""
	c.mu.Unlock()
	if !reconnecting {
		c.supervisor.Stop()
	}
	return nil
}

func (c *Client) establish(ctx context.Context, existingToken string) error {
	caps, err := c.http.GetCapabilities(ctx)
	if err != nil {
		if httpapi.IsRebooting(err) {
			return fmt.Errorf("miniserver is rebooting: %w", err)
		}
		return fmt.Errorf("probing capabilities: %w", err)
	}
	if err := caps.CheckVersion(httpapi.MinimumVersion); err != nil {
		return err
	}
	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()
	logging.Info("Miniserver capabilities",
		zap.String("version", caps.Version),
		zap.Bool("gen2", caps.Gen2()))

	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	logging.Info("Connected", zap.String("host", c.opts.Host))
	c.setState(StateConnected)
	c.notify(Connected{Host: c.opts.Host})

	c.setState(StateAuthenticating)
	if err := c.handshake.Run(ctx, existingToken); err != nil {
		return err
	}
	c.setState(StateAuthenticated)
	logging.Info("Authenticated")
	c.notify(Authenticated{Token: c.tokens.Token()})

	if c.opts.Keepalive {
		c.conn.EnableKeepalive()
	}
	c.setState(StateReady)
	logging.Info("Client is ready to receive commands")
	c.notify(Ready{})
	return nil
}

// Disconnect stops reconnecting, revokes the token unless preserveToken is
// set and closes the socket. A preserved token stays available through
// Token for a later Connect.
func (c *Client) Disconnect(ctx context.Context, preserveToken bool) {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	// cancels an attempt in flight, which releases opMu
	c.supervisor.Stop()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.setState(StateDisconnecting)
	c.supervisor.Stop()

	if preserveToken {
		c.tokens.CancelRefresh()
	} else {
		c.tokens.Kill(ctx)
	}
	c.conn.Close("disconnect initiated")
	c.setState(StateDisconnected)
}

// handleDisconnect runs for every socket teardown
func (c *Client) handleDisconnect(reason string) {
	logging.Warn("Disconnected", zap.String("reason", reason), zap.String("state", string(c.State())))
	c.notify(Disconnected{Reason: reason})

	c.mu.Lock()
	from := c.state
	if c.stopped || from == StateDisconnecting {
		c.mu.Unlock()
		return
	}
	if from != StateError {
		// the failed connect resets on its own
		c.state = StateDisconnected
		c.retryToken = ""
	}
	c.mu.Unlock()

	if from != StateError {
		c.tokens.Reset()
		if from != StateDisconnected {
			c.changed(from, StateDisconnected)
		}
	}
	c.startSupervisor()
}

// startSupervisor starts the reconnect loop unless Disconnect was called.
// Holding mu orders it against the stop in Disconnect.
func (c *Client) startSupervisor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.supervisor.Start()
	}
}

func (c *Client) ensureReady(action string) error {
	if state := c.State(); state != StateReady {
		return lxerr.InvalidState(string(state), "not connected and authenticated, cannot "+action)
	}
	return nil
}

// encrypt reports whether user commands are encrypted: Gen2 Miniservers
// carry the socket over TLS instead.
func (c *Client) encrypt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps == nil || !c.caps.Gen2()
}

// SendCommand sends cmd and returns its response
func (c *Client) SendCommand(ctx context.Context, cmd string) (*protocol.TextMessage, error) {
	if err := c.ensureReady("send command"); err != nil {
		return nil, err
	}
	resp, err := c.conn.Send(ctx, cmd, c.encrypt())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", logging.MaskCommand(cmd), err)
	}
	return resp, nil
}

// Control sends cmd to the control id via jdev/sps/io. Unsuccessful
// responses are logged and still returned.
func (c *Client) Control(ctx context.Context, id, cmd string) (*protocol.TextMessage, error) {
	if err := c.ensureReady("send control command"); err != nil {
		return nil, err
	}
	if c.opts.StateLookup != nil {
		if uid, err := protocol.ParseUUID(id); err == nil {
			if _, ok := c.opts.StateLookup.LookupState(uid); !ok {
				logging.Debug("Control UUID is not a known state", zap.String("uuid", id))
			}
		}
	}

	resp, err := c.conn.Send(ctx, fmt.Sprintf("jdev/sps/io/%s/%s", id, cmd), c.encrypt())
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", id, cmd, err)
	}
	switch {
	case resp.Code == 404:
		logging.Error("Control not found", zap.String("uuid", id))
	case resp.Code != 200:
		logging.Error("Control command failed", zap.String("uuid", id), zap.String("command", cmd), zap.Int("code", resp.Code))
	case resp.ValueString() == "0":
		logging.Error("Control command rejected by the Miniserver", zap.String("uuid", id), zap.String("command", cmd))
	}
	return resp, nil
}

// EnableUpdates asks the Miniserver to push event tables
func (c *Client) EnableUpdates(ctx context.Context) error {
	if err := c.ensureReady("enable updates"); err != nil {
		return err
	}
	resp, err := c.conn.Send(ctx, enableUpdatesCommand, false)
	if err != nil {
		return fmt.Errorf("enabling updates: %w", err)
	}
	if resp.Code != 200 {
		return &lxerr.Error{Kind: lxerr.KindProtocol, Message: "enabling updates rejected", Code: resp.Code}
	}
	return nil
}

// GetFile downloads a file from the Miniserver
func (c *Client) GetFile(ctx context.Context, name string) (*protocol.FileMessage, error) {
	if err := c.ensureReady("download file"); err != nil {
		return nil, err
	}
	file, err := c.conn.SendFile(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return file, nil
}

// StructureFile downloads the structure document
func (c *Client) StructureFile(ctx context.Context) (*protocol.FileMessage, error) {
	file, err := c.GetFile(ctx, structureFile)
	if err != nil {
		return nil, err
	}
	if doc, ok := file.JSON.(map[string]any); ok {
		logging.Info("Received structure file", zap.Any("last_modified", doc["lastModified"]))
	}
	return file, nil
}

// CheckToken reports whether token is valid; an empty token checks the
// current one.
func (c *Client) CheckToken(ctx context.Context, token string) (bool, error) {
	if err := c.ensureReady("check token"); err != nil {
		return false, err
	}
	return c.tokens.Check(ctx, token)
}

// RefreshToken refreshes the current token now
func (c *Client) RefreshToken(ctx context.Context) error {
	if err := c.ensureReady("refresh token"); err != nil {
		return err
	}
	return c.tokens.Refresh(ctx)
}

// Watch limits event notifications to ids. Without watched ids every event
// is delivered.
func (c *Client) Watch(ids ...protocol.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if c.opts.StateLookup != nil {
			if _, ok := c.opts.StateLookup.LookupState(id); !ok {
				logging.Warn("UUID is not present in the structure", zap.String("uuid", id.String()))
			}
		}
		c.watchlist[id] = struct{}{}
	}
}

// Unwatch removes ids from the watchlist
func (c *Client) Unwatch(ids ...protocol.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.watchlist, id)
	}
}

// Watched returns the watched ids
func (c *Client) Watched() []protocol.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]protocol.UUID, 0, len(c.watchlist))
	for id := range c.watchlist {
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) handleEvents(table protocol.MessageType, events []protocol.Event) {
	c.mu.Lock()
	watching := len(c.watchlist) > 0
	filtered := make([]protocol.Event, 0, len(events))
	for _, ev := range events {
		if watching {
			if _, ok := c.watchlist[ev.ID()]; !ok {
				continue
			}
		}
		filtered = append(filtered, ev)
	}
	c.mu.Unlock()
	if len(filtered) == 0 {
		return
	}

	out := make([]Event, len(filtered))
	for i, ev := range filtered {
		out[i] = Event{Event: ev}
		if c.opts.StateLookup != nil {
			if st, ok := c.opts.StateLookup.LookupState(ev.ID()); ok {
				out[i].State = &st
			}
		}
		if c.opts.MessageLog && (c.opts.LogAllEvents || watching) {
			logging.Debug("Event", zap.Stringer("table", table), zap.Stringer("event", out[i]))
		}
	}
	c.notify(Events{Table: table, Events: out})
}

// dispatcher turns connection callbacks into notifications
type dispatcher struct {
	c *Client
}

func (d dispatcher) OnDisconnected(reason string) { d.c.handleDisconnect(reason) }

func (d dispatcher) OnText(msg *protocol.TextMessage) { d.c.notify(Text{Message: msg}) }

func (d dispatcher) OnFile(msg *protocol.FileMessage) { d.c.notify(File{Message: msg}) }

func (d dispatcher) OnKeepalive(protocol.Header) { d.c.notify(Keepalive{}) }

func (d dispatcher) OnOutOfService(protocol.Header) {
	logging.Warn("Miniserver is going out of service")
	d.c.notify(OutOfService{})
}

func (d dispatcher) OnEvents(table protocol.MessageType, events []protocol.Event) {
	d.c.handleEvents(table, events)
}

var _ connection.Listener = dispatcher{}

// IsInvalidState reports whether err was caused by calling an operation in
// the wrong state
func IsInvalidState(err error) bool {
	return errors.Is(err, lxerr.ErrInvalidState)
}
