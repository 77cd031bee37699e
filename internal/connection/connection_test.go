package connection

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muurk/loxclient/internal/httpapi"
	"github.com/muurk/loxclient/internal/lxerr"
	"github.com/muurk/loxclient/internal/miniservertest"
	"github.com/muurk/loxclient/internal/protocol"
	"github.com/muurk/loxclient/internal/secure"
)

// recorder is a Listener collecting everything it receives
type recorder struct {
	mu           sync.Mutex
	disconnects  []string
	texts        []*protocol.TextMessage
	files        []*protocol.FileMessage
	keepalives   int
	outOfService int
	events       []protocol.Event
	notify       chan string
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan string, 64)}
}

func (r *recorder) signal(what string) {
	select {
	case r.notify <- what:
	default:
	}
}

func (r *recorder) OnDisconnected(reason string) {
	r.mu.Lock()
	r.disconnects = append(r.disconnects, reason)
	r.mu.Unlock()
	r.signal("disconnected")
}

func (r *recorder) OnText(msg *protocol.TextMessage) {
	r.mu.Lock()
	r.texts = append(r.texts, msg)
	r.mu.Unlock()
	r.signal("text")
}

func (r *recorder) OnFile(msg *protocol.FileMessage) {
	r.mu.Lock()
	r.files = append(r.files, msg)
	r.mu.Unlock()
	r.signal("file")
}

func (r *recorder) OnKeepalive(protocol.Header) {
	r.mu.Lock()
	r.keepalives++
	r.mu.Unlock()
	r.signal("keepalive")
}

func (r *recorder) OnOutOfService(protocol.Header) {
	r.mu.Lock()
	r.outOfService++
	r.mu.Unlock()
	r.signal("outofservice")
}

func (r *recorder) OnEvents(_ protocol.MessageType, events []protocol.Event) {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
	r.signal("events")
}

func (r *recorder) waitFor(t *testing.T, what string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case got := <-r.notify:
			if got == what {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func connect(t *testing.T, srv *miniservertest.Server, opts Options) (*Connection, *recorder) {
	t.Helper()
	rec := newRecorder()
	opts.Host = srv.Host()
	c := New(opts, rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { c.Close("test finished") })
	return c, rec
}

// exchangeKeys performs the RSA key exchange so encrypted commands work
func exchangeKeys(t *testing.T, c *Connection, srv *miniservertest.Server) {
	t.Helper()
	pub, err := secure.PublicKeyFromPEM(fetchCertificate(t, srv))
	if err != nil {
		t.Fatalf("PublicKeyFromPEM() error: %v", err)
	}
	session, err := secure.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	c.UseSession(session)
	payload, err := session.KeyExchangePayload(pub)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Send(context.Background(), "jdev/sys/keyexchange/"+payload, false)
	if err != nil || resp.Code != 200 {
		t.Fatalf("key exchange = %v, %v", resp, err)
	}
}

func TestURL(t *testing.T) {
	tests := map[string]string{
		"192.168.1.77":          "ws://192.168.1.77/ws/rfc6455",
		"http://10.0.0.2:8080/": "ws://10.0.0.2:8080/ws/rfc6455",
		"ws://miniserver":       "ws://miniserver/ws/rfc6455",
	}
	for host, want := range tests {
		if got := New(Options{Host: host}, nil).URL(); got != want {
			t.Errorf("URL() for %q = %s, want %s", host, got, want)
		}
	}
}

func TestValueTableEmitsEvent(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	_, rec := connect(t, srv, Options{})

	id := protocol.MustParseUUID("0b734138-037d-034e-ffff403fb0c34b9e")
	srv.PushEvents(protocol.TypeValueTable, &protocol.ValueEvent{UUID: id, Value: 23.5})
	rec.waitFor(t, "events")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 {
		t.Fatalf("got %d events, want 1", len(rec.events))
	}
	ev, ok := rec.events[0].(*protocol.ValueEvent)
	if !ok {
		t.Fatalf("event is %T, want *protocol.ValueEvent", rec.events[0])
	}
	if ev.UUID.String() != "0b734138-037d-034e-ffff403fb0c34b9e" || ev.Value != 23.5 {
		t.Errorf("event = %s %g", ev.UUID, ev.Value)
	}
}

func TestUnsolicitedKeepalive(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	c, rec := connect(t, srv, Options{})

	srv.PushKeepalive()
	rec.waitFor(t, "keepalive")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.keepalives != 1 {
		t.Errorf("keepalives = %d, want 1", rec.keepalives)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d", c.Pending())
	}
}

func TestKeepaliveResolvesPendingCommand(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	c, rec := connect(t, srv, Options{})

	msg, err := c.send(context.Background(), KeepaliveCommand, false, time.Second)
	if err != nil {
		t.Fatalf("keepalive error: %v", err)
	}
	if msg.Type() != protocol.TypeKeepalive {
		t.Errorf("keepalive answered with %s", msg.Type())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.keepalives != 0 {
		t.Errorf("answered keepalive reached the listener")
	}
}

func TestSendEncryptedCommand(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	c, _ := connect(t, srv, Options{})
	exchangeKeys(t, c, srv)

	resp, err := c.Send(context.Background(), "jdev/sys/getkey2/admin", true)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("response = %s", resp)
	}
	if resp.Control != "dev/sys/getkey2/admin" {
		t.Errorf("control = %s, expected the dev/ echo", resp.Control)
	}
	if !srv.HasCommand("jdev/sys/getkey2/admin") {
		t.Errorf("server saw %v", srv.Commands())
	}
}

func TestSendEncryptedWithoutSession(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	c, _ := connect(t, srv, Options{})

	_, err := c.Send(context.Background(), "jdev/sys/getkey2/admin", true)
	if !errors.Is(err, lxerr.ErrInvalidState) {
		t.Errorf("Send() error = %v, want invalid state", err)
	}
}

func TestUnmatchedTextReachesListener(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	_, rec := connect(t, srv, Options{MessageLog: true})

	srv.PushText(protocol.ControlResponse("dev/sps/io/unknown", 200, "1"))
	rec.waitFor(t, "text")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.texts[0].Control != "dev/sps/io/unknown" {
		t.Errorf("text = %s", rec.texts[0])
	}
}

func TestSendFile(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	srv.SetFile("data/LoxAPP3.json", []byte(`{"lastModified": "2024-04-01 10:00:00"}`))
	c, _ := connect(t, srv, Options{})

	file, err := c.SendFile(context.Background(), "data/LoxAPP3.json")
	if err != nil {
		t.Fatalf("SendFile() error: %v", err)
	}
	if file.Format != protocol.FileJSON || file.Filename != "data/LoxAPP3.json" {
		t.Errorf("file = %s", file)
	}
}

func TestCommandTimeout(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	srv.DropKeepalive = true
	c, _ := connect(t, srv, Options{})

	_, err := c.send(context.Background(), KeepaliveCommand, false, 50*time.Millisecond)
	if !errors.Is(err, lxerr.ErrCommandTimeout) {
		t.Errorf("send() error = %v, want command timeout", err)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after timeout", c.Pending())
	}
}

func TestKeepaliveFailureTearsDown(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	srv.DropKeepalive = true
	c, rec := connect(t, srv, Options{
		KeepaliveInterval: 20 * time.Millisecond,
		KeepaliveTimeout:  20 * time.Millisecond,
	})

	c.EnableKeepalive()
	rec.waitFor(t, "disconnected")

	if c.Connected() {
		t.Error("Connected() = true after keepalive failure")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.disconnects) != 1 || !strings.Contains(rec.disconnects[0], "keepalive") {
		t.Errorf("disconnects = %v", rec.disconnects)
	}
}

func TestKeepaliveKeepsConnectionAlive(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	c, _ := connect(t, srv, Options{
		KeepaliveInterval: 10 * time.Millisecond,
		KeepaliveTimeout:  time.Second,
	})

	c.EnableKeepalive()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n := 0
		for _, cmd := range srv.Commands() {
			if cmd == KeepaliveCommand {
				n++
			}
		}
		if n >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !c.Connected() {
		t.Error("connection dropped while keepalives were answered")
	}
}

func TestCloseRejectsPendingAndNotifiesOnce(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	srv.DropKeepalive = true
	c, rec := connect(t, srv, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.send(context.Background(), KeepaliveCommand, false, time.Minute)
		errCh <- err
	}()
	deadline := time.Now().Add(time.Second)
	for c.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	c.Close("user requested")
	c.Close("again")

	select {
	case err := <-errCh:
		if !errors.Is(err, lxerr.ErrConnectionClosed) {
			t.Errorf("pending command error = %v, want connection closed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending command was not rejected")
	}

	rec.waitFor(t, "disconnected")
	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.disconnects) != 1 || rec.disconnects[0] != "user requested" {
		t.Errorf("disconnects = %v, want exactly one", rec.disconnects)
	}
}

func TestServerDropNotifiesAndAllowsReconnect(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	c, rec := connect(t, srv, Options{})

	srv.DropConnections()
	rec.waitFor(t, "disconnected")

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect error: %v", err)
	}
	srv.PushKeepalive()
	rec.waitFor(t, "keepalive")
	if srv.Dials() != 2 {
		t.Errorf("Dials() = %d, want 2", srv.Dials())
	}
}

func TestOutOfService(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	_, rec := connect(t, srv, Options{})

	srv.PushOutOfService()
	rec.waitFor(t, "outofservice")

	// the reader is back in header phase
	srv.PushKeepalive()
	rec.waitFor(t, "keepalive")
}

func TestInvalidHeaderIsDropped(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	_, rec := connect(t, srv, Options{})

	srv.PushRaw([]byte{0x03, 0x42, 0, 0, 0, 0, 0, 0})
	srv.PushKeepalive()
	rec.waitFor(t, "keepalive")
}

func TestCapture(t *testing.T) {
	dir := t.TempDir()
	srv := miniservertest.NewServer()
	defer srv.Close()
	c, rec := connect(t, srv, Options{CaptureDir: dir})

	srv.PushKeepalive()
	rec.waitFor(t, "keepalive")
	c.Close("done")

	files, err := filepath.Glob(filepath.Join(dir, "capture-*.jsonl"))
	if err != nil || len(files) != 1 {
		t.Fatalf("capture files = %v, %v", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"direction":"miniserver->client"`) {
		t.Errorf("capture content = %s", data)
	}
}

func fetchCertificate(t *testing.T, srv *miniservertest.Server) string {
	t.Helper()
	bundle, err := httpapi.NewClient(srv.URL).GetCertificate(context.Background())
	if err != nil {
		t.Fatalf("GetCertificate() error: %v", err)
	}
	return bundle
}
