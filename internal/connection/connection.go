// Package connection owns the WebSocket to a Miniserver. It runs the framing
// state machine on a read goroutine, correlates responses to commands and
// keeps the socket alive.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/loxclient/internal/command"
	"github.com/muurk/loxclient/internal/logging"
	"github.com/muurk/loxclient/internal/lxerr"
	"github.com/muurk/loxclient/internal/metrics"
	"github.com/muurk/loxclient/internal/protocol"
	"github.com/muurk/loxclient/internal/secure"
)

const (
	// Path is the WebSocket endpoint of the Miniserver
	Path = "/ws/rfc6455"

	// Subprotocol must be offered or the Miniserver rejects the upgrade
	Subprotocol = "remotecontrol"

	// KeepaliveCommand is answered with a keepalive header
	KeepaliveCommand = "keepalive"

	DefaultCommandTimeout    = 15 * time.Second
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultKeepaliveTimeout  = 5 * time.Second

	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

// Options configures a Connection
type Options struct {
	// Host is host[:port] of the Miniserver; an http:// or ws:// prefix is stripped
	Host string

	// Dialer is used for the WebSocket upgrade (default: websocket.DefaultDialer settings)
	Dialer *websocket.Dialer

	CommandTimeout    time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	// MessageLog logs unsolicited text messages at info level
	MessageLog bool

	// CaptureDir enables JSONL capture of every frame into this directory
	CaptureDir string

	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
}

// Connection is a single Miniserver socket. It can be reconnected after a
// disconnect; every socket gets its own read loop.
type Connection struct {
	opts       Options
	listener   Listener
	correlator *command.Correlator

	mu            sync.Mutex
	ws            *websocket.Conn
	session       *secure.Session
	stopKeepalive context.CancelFunc
	lastFile      string
	capture       *capture

	writeMu sync.Mutex
}

// New creates a disconnected Connection. A nil listener ignores
// unsolicited traffic.
func New(opts Options, listener Listener) *Connection {
	opts.setDefaults()
	if listener == nil {
		listener = NopListener{}
	}
	return &Connection{
		opts:       opts,
		listener:   listener,
		correlator: command.NewCorrelator(),
	}
}

// URL returns the WebSocket URL for the configured host
func (c *Connection) URL() string {
	host := c.opts.Host
	for _, scheme := range []string{"http://", "https://", "ws://", "wss://"} {
		host = strings.TrimPrefix(host, scheme)
	}
	return "ws://" + strings.TrimRight(host, "/") + Path
}

// Connect dials the socket and starts the read loop. It returns once the
// WebSocket handshake completed or failed.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return lxerr.InvalidState("open", "connection already open")
	}
	c.mu.Unlock()

	dialer := *c.opts.Dialer
	dialer.Subprotocols = []string{Subprotocol}

	url := c.URL()
	logging.Info("Connecting to Miniserver", zap.String("url", url))

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			e := lxerr.Network("websocket upgrade rejected", err)
			e.Code = resp.StatusCode
			return e
		}
		return lxerr.Network("websocket dial failed", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.session = nil
	c.lastFile = ""
	if c.opts.CaptureDir != "" {
		c.capture = newCapture(c.opts.CaptureDir, c.opts.Host)
	}
	c.mu.Unlock()

	go c.readLoop(ws)

	logging.Info("WebSocket connected", zap.String("url", url))
	return nil
}

// Connected reports whether a socket is open
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// UseSession installs the session used by encrypted sends
func (c *Connection) UseSession(s *secure.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// Session returns the installed session, nil before the key exchange
func (c *Connection) Session() *secure.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Pending returns the number of commands waiting for a response
func (c *Connection) Pending() int {
	return c.correlator.Len()
}

// Send sends cmd with the default timeout and waits for its text response
func (c *Connection) Send(ctx context.Context, cmd string, encrypt bool) (*protocol.TextMessage, error) {
	return c.SendText(ctx, cmd, encrypt, c.opts.CommandTimeout)
}

// SendText sends cmd and waits up to timeout for its text response
func (c *Connection) SendText(ctx context.Context, cmd string, encrypt bool, timeout time.Duration) (*protocol.TextMessage, error) {
	msg, err := c.send(ctx, cmd, encrypt, timeout)
	if err != nil {
		return nil, err
	}
	text, ok := msg.(*protocol.TextMessage)
	if !ok {
		return nil, lxerr.Protocol("command %s answered with %s", cmd, msg.Type())
	}
	return text, nil
}

// SendFile requests filename and waits for its contents. Only one file
// request should be in flight since file payloads carry no name.
func (c *Connection) SendFile(ctx context.Context, filename string) (*protocol.FileMessage, error) {
	c.mu.Lock()
	c.lastFile = filename
	c.mu.Unlock()

	msg, err := c.send(ctx, filename, false, c.opts.CommandTimeout)
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case *protocol.FileMessage:
		return m, nil
	case *protocol.TextMessage:
		return nil, fmt.Errorf("file %s not delivered: code %d", filename, m.Code)
	default:
		return nil, lxerr.Protocol("file request %s answered with %s", filename, msg.Type())
	}
}

func (c *Connection) send(ctx context.Context, cmd string, encrypt bool, timeout time.Duration) (protocol.Message, error) {
	c.mu.Lock()
	ws := c.ws
	session := c.session
	c.mu.Unlock()

	if ws == nil {
		return nil, lxerr.ConnectionClosed("socket is not open")
	}

	wire, encrypted := cmd, ""
	if encrypt {
		if session == nil {
			return nil, lxerr.InvalidState("connected", "no session key exchanged")
		}
		var err error
		if encrypted, err = session.EncryptCommand(cmd); err != nil {
			return nil, fmt.Errorf("encrypting %s: %w", cmd, err)
		}
		wire = encrypted
	}

	logging.LogCommand(cmd, encrypted)
	c.opts.Metrics.CommandSent(encrypt)

	start := time.Now()
	msg, err := c.correlator.Send(ctx, cmd, encrypted, timeout, func() error {
		c.opts.Metrics.SetPending(c.correlator.Len())
		return c.write(ws, wire)
	})
	c.opts.Metrics.SetPending(c.correlator.Len())
	if err != nil {
		c.opts.Metrics.CommandDone(time.Since(start), lxerr.KindOf(err).String())
		return nil, err
	}
	c.opts.Metrics.CommandDone(time.Since(start), "")
	return msg, nil
}

func (c *Connection) write(ws *websocket.Conn, wire string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.captureFrame("client->miniserver", false, []byte(logging.MaskCommand(wire)), "")
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return lxerr.Network("setting write deadline", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(wire)); err != nil {
		return lxerr.Network("write failed", err)
	}
	return nil
}

// EnableKeepalive starts sending keepalive on the configured interval. A
// failed or unanswered keepalive tears the connection down.
func (c *Connection) EnableKeepalive() {
	c.mu.Lock()
	if c.ws == nil || c.stopKeepalive != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopKeepalive = cancel
	ws := c.ws
	c.mu.Unlock()

	go c.keepaliveLoop(ctx, ws)
}

func (c *Connection) keepaliveLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, err := c.send(ctx, KeepaliveCommand, false, c.opts.KeepaliveTimeout)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		logging.Error("Keepalive failed, disconnecting", zap.Error(err))
		c.cleanup(ws, "keepalive command failed or timed out")
		return
	}
}

// Close tears the connection down. It is a no-op without an open socket.
func (c *Connection) Close(reason string) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}

	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.cleanup(ws, reason)
}

// cleanup runs once per socket: stale callers for a replaced socket return
// without touching the current one.
func (c *Connection) cleanup(ws *websocket.Conn, reason string) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.session = nil
	if c.stopKeepalive != nil {
		c.stopKeepalive()
		c.stopKeepalive = nil
	}
	cp := c.capture
	c.capture = nil
	c.mu.Unlock()

	rejected := c.correlator.RejectAll(reason)
	c.opts.Metrics.SetPending(0)
	_ = ws.Close()
	cp.close()

	logging.Info("Disconnected",
		zap.String("host", c.opts.Host),
		zap.String("reason", reason),
		zap.Int("rejected_commands", rejected))
	c.listener.OnDisconnected(reason)
}

func (c *Connection) readLoop(ws *websocket.Conn) {
	expect := protocol.ExpectHeader
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			c.cleanup(ws, disconnectReason(err))
			return
		}
		expect = c.handleFrame(expect, kind == websocket.BinaryMessage, data)
	}
}

func disconnectReason(err error) string {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Sprintf("closed with code %d, reason: %s", closeErr.Code, closeErr.Text)
	}
	return fmt.Sprintf("closed with error: %v", err)
}
