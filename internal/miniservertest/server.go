// Package miniservertest provides an in-process fake Miniserver for tests.
//
// The fake serves the certificate and capability endpoints over HTTP and
// accepts the remotecontrol WebSocket. It performs the RSA key exchange,
// decrypts encrypted commands, answers the token commands for one user and
// lets tests push keepalives, event tables and text frames.
package miniservertest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/muurk/loxclient/internal/protocol"
	"github.com/muurk/loxclient/internal/secure"
)

// Defaults of a new Server
const (
	Username = "admin"
	Password = "secret"
	Version  = "12.0.2.24"

	userKey  = "41434546"
	userSalt = "31323334"
)

// epoch of Miniserver timestamps
var epoch = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)

// Handler answers a decrypted command with a response code and value
type Handler func(cmd string) (code int, value any)

// Server is a fake Miniserver
type Server struct {
	*httptest.Server

	// Username and Password accepted by getjwt
	Username string
	Password string

	// Version and HTTPSStatus are reported by /jdev/cfg/apiKey
	Version     string
	HTTPSStatus int

	// HashAlg is announced in getkey2 and used for all hashes
	HashAlg secure.HashAlg

	// TokenLifetime sets validUntil of issued tokens
	TokenLifetime time.Duration

	// EchoDev answers jdev/... commands with a dev/... control, as real
	// Miniservers do
	EchoDev bool

	// DropKeepalive stops answering keepalive
	DropKeepalive bool

	// APIKeyStatus overrides the HTTP status of /jdev/cfg/apiKey when non-zero
	APIKeyStatus int

	key  *rsa.PrivateKey
	cert string

	mu       sync.Mutex
	handlers map[string]Handler
	files    map[string][]byte
	codes    map[string]int
	conns    []*serverConn
	commands []string
	plain    []string
	tokens   map[string]bool
	tokenSeq int
	dials    int
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	key     []byte
	iv      []byte
}

// NewServer starts a fake Miniserver. It panics when key generation fails,
// like httptest.NewServer panics when it cannot listen.
func NewServer() *Server {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(fmt.Sprintf("miniservertest: generating key: %v", err))
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Miniserver"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		panic(fmt.Sprintf("miniservertest: creating certificate: %v", err))
	}

	s := &Server{
		Username:      Username,
		Password:      Password,
		Version:       Version,
		HashAlg:       secure.SHA256,
		TokenLifetime: 24 * time.Hour,
		EchoDev:       true,
		key:           key,
		cert:          string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		handlers:      make(map[string]Handler),
		files:         make(map[string][]byte),
		codes:         make(map[string]int),
		tokens:        make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/jdev/sys/getcertificate", s.serveCertificate)
	mux.HandleFunc("/jdev/cfg/apiKey", s.serveAPIKey)
	mux.HandleFunc("/ws/rfc6455", s.serveWebSocket)
	s.Server = httptest.NewServer(mux)
	return s
}

// Host returns host:port of the server
func (s *Server) Host() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// Handle registers h for commands starting with prefix
func (s *Server) Handle(prefix string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[prefix] = h
}

// SetFile serves data for a file request
func (s *Server) SetFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = data
}

// FailCommand answers commands starting with prefix with code
func (s *Server) FailCommand(prefix string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[prefix] = code
}

// ClearFailures undoes every FailCommand
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = make(map[string]int)
}

// PlainCommands returns the commands that arrived unencrypted
func (s *Server) PlainCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.plain...)
}

// Commands returns every received command in order, decrypted
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// HasCommand reports whether a command with prefix was received
func (s *Server) HasCommand(prefix string) bool {
	for _, c := range s.Commands() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// Dials returns how many WebSocket connections were accepted
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// IssueToken registers a valid token that authwithtoken will accept
func (s *Server) IssueToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenSeq++
	tok := fmt.Sprintf("token-%d", s.tokenSeq)
	s.tokens[tok] = true
	return tok
}

// TokenValid reports whether token was issued and not killed
func (s *Server) TokenValid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[token]
}

// DropConnections closes every open WebSocket without a close frame
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (s *Server) serveCertificate(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(protocol.ControlResponse("dev/sys/getcertificate", 200, s.cert)))
}

func (s *Server) serveAPIKey(w http.ResponseWriter, r *http.Request) {
	if s.APIKeyStatus != 0 {
		w.WriteHeader(s.APIKeyStatus)
		return
	}
	value := fmt.Sprintf("{'snr': '50:4F:94:10:B8:4A', 'version':'%s', 'key': '%s', 'local': true, 'httpsStatus':%d}",
		s.Version, userKey, s.HTTPSStatus)
	_, _ = w.Write([]byte(protocol.ControlResponse("dev/cfg/apiKey", 200, value)))
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"remotecontrol"},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &serverConn{ws: ws}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.dials++
	s.mu.Unlock()

	defer func() {
		_ = ws.Close()
		s.mu.Lock()
		for i, c := range s.conns {
			if c == conn {
				s.conns = append(s.conns[:i], s.conns[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}()

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.handleCommand(conn, string(data))
	}
}

func (s *Server) handleCommand(conn *serverConn, wire string) {
	if wire == "keepalive" {
		s.record(wire)
		if !s.DropKeepalive {
			_ = conn.send(protocol.NewHeader(protocol.TypeKeepalive, 0), nil)
		}
		return
	}

	if rest, ok := strings.CutPrefix(wire, "jdev/sys/keyexchange/"); ok {
		s.record("jdev/sys/keyexchange/")
		code := 200
		if err := conn.exchangeKey(s.key, rest); err != nil {
			code = 400
		}
		_ = conn.reply(wire, code, nil)
		return
	}

	cmd := wire
	control := wire
	if strings.HasPrefix(wire, secure.EncryptedPrefix) {
		plain, err := conn.decrypt(wire)
		if err != nil {
			_ = conn.reply(wire, 400, nil)
			return
		}
		cmd = plain
		control = plain
	} else {
		s.mu.Lock()
		s.plain = append(s.plain, cmd)
		s.mu.Unlock()
	}
	s.record(cmd)

	s.mu.Lock()
	file, isFile := s.files[cmd]
	s.mu.Unlock()
	if isFile {
		_ = conn.sendFile(file)
		return
	}

	if s.EchoDev {
		if rest, ok := strings.CutPrefix(control, "jdev/"); ok {
			control = "dev/" + rest
		}
	}

	code, value := s.answer(cmd)
	_ = conn.reply(control, code, value)
}

func (s *Server) record(cmd string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()
}

func (s *Server) answer(cmd string) (int, any) {
	s.mu.Lock()
	for prefix, code := range s.codes {
		if strings.HasPrefix(cmd, prefix) {
			s.mu.Unlock()
			return code, nil
		}
	}
	var custom Handler
	longest := -1
	for prefix, h := range s.handlers {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > longest {
			custom, longest = h, len(prefix)
		}
	}
	s.mu.Unlock()
	if custom != nil {
		return custom(cmd)
	}

	parts := strings.Split(cmd, "/")
	switch {
	case strings.HasPrefix(cmd, "jdev/sys/getkey2/"):
		return 200, map[string]any{"key": userKey, "salt": userSalt, "hashAlg": string(s.HashAlg)}
	case strings.HasPrefix(cmd, "jdev/sys/getjwt/") && len(parts) >= 8:
		return s.getJWT(parts[3], parts[4])
	case strings.HasPrefix(cmd, "jdev/sys/refreshjwt/") && len(parts) == 5:
		return s.withToken(parts[3], parts[4], func(tok string) (int, any) {
			s.mu.Lock()
			delete(s.tokens, tok)
			s.mu.Unlock()
			return 200, s.tokenValue(s.IssueToken())
		})
	case strings.HasPrefix(cmd, "jdev/sys/checktoken/") && len(parts) == 5:
		return s.withToken(parts[3], parts[4], func(string) (int, any) {
			return 200, map[string]any{"validUntil": s.validUntil(), "tokenRights": 1666}
		})
	case strings.HasPrefix(cmd, "authwithtoken/") && len(parts) == 3:
		return s.withToken(parts[1], parts[2], func(string) (int, any) {
			return 200, map[string]any{"validUntil": s.validUntil(), "tokenRights": 1666, "unsecurePass": false}
		})
	case strings.HasPrefix(cmd, "jdev/sys/killtoken/") && len(parts) == 5:
		return s.withToken(parts[3], parts[4], func(tok string) (int, any) {
			s.mu.Lock()
			delete(s.tokens, tok)
			s.mu.Unlock()
			return 200, nil
		})
	case strings.HasPrefix(cmd, "jdev/sps/enablebinstatusupdate"):
		return 200, "1"
	}
	return 404, nil
}

func (s *Server) hmacKey() []byte {
	key, _ := hex.DecodeString(userKey)
	return key
}

func (s *Server) getJWT(hash, user string) (int, any) {
	pw := strings.ToUpper(secure.Hash(s.Password+":"+userSalt, s.HashAlg))
	want := secure.HMAC(s.Username+":"+pw, s.hmacKey(), s.HashAlg)
	if user != s.Username || hash != want {
		return 401, nil
	}
	return 200, s.tokenValue(s.IssueToken())
}

func (s *Server) withToken(hash, user string, ok func(token string) (int, any)) (int, any) {
	if user != s.Username {
		return 401, nil
	}
	s.mu.Lock()
	var match string
	for tok := range s.tokens {
		if secure.HMAC(tok, s.hmacKey(), s.HashAlg) == hash {
			match = tok
		}
	}
	s.mu.Unlock()
	if match == "" {
		return 401, nil
	}
	return ok(match)
}

func (s *Server) validUntil() int64 {
	return int64(time.Now().Add(s.TokenLifetime).Sub(epoch) / time.Second)
}

func (s *Server) tokenValue(token string) map[string]any {
	return map[string]any{
		"token":        token,
		"key":          userKey,
		"validUntil":   s.validUntil(),
		"tokenRights":  1666,
		"unsecurePass": false,
	}
}

// PushEvents sends an event table to every connected client
func (s *Server) PushEvents(table protocol.MessageType, events ...protocol.Event) {
	payload := protocol.EncodeEventTable(events...)
	s.broadcast(func(c *serverConn) error {
		return c.send(protocol.NewHeader(table, uint32(len(payload))), payload)
	})
}

// PushKeepalive sends a keepalive header nobody asked for
func (s *Server) PushKeepalive() {
	s.broadcast(func(c *serverConn) error {
		return c.send(protocol.NewHeader(protocol.TypeKeepalive, 0), nil)
	})
}

// PushOutOfService announces a shutdown
func (s *Server) PushOutOfService() {
	s.broadcast(func(c *serverConn) error {
		return c.send(protocol.NewHeader(protocol.TypeOutOfService, 0), nil)
	})
}

// PushText sends a text frame, announced by a text header
func (s *Server) PushText(text string) {
	s.broadcast(func(c *serverConn) error {
		return c.sendText(text)
	})
}

// PushRaw sends a single binary frame without a header
func (s *Server) PushRaw(data []byte) {
	s.broadcast(func(c *serverConn) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.ws.WriteMessage(websocket.BinaryMessage, data)
	})
}

func (s *Server) broadcast(f func(*serverConn) error) {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = f(c)
	}
}

func (c *serverConn) exchangeKey(priv *rsa.PrivateKey, payload string) error {
	enc, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return err
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, priv, enc)
	if err != nil {
		return err
	}
	key, iv, err := secure.ParseKeyExchange(string(plain))
	if err != nil {
		return err
	}
	c.key, c.iv = key, iv
	return nil
}

// decrypt strips the salt prefix from an encrypted command
func (c *serverConn) decrypt(wire string) (string, error) {
	if c.key == nil {
		return "", fmt.Errorf("no session key")
	}
	plain, err := secure.Decrypt(c.key, c.iv, wire)
	if err != nil {
		return "", err
	}
	parts := strings.SplitN(plain, "/", 4)
	switch {
	case len(parts) >= 3 && parts[0] == "salt":
		return strings.SplitN(plain, "/", 3)[2], nil
	case len(parts) == 4 && parts[0] == "nextSalt":
		return parts[3], nil
	}
	return "", fmt.Errorf("unexpected plaintext %q", plain)
}

func (c *serverConn) reply(control string, code int, value any) error {
	return c.sendText(protocol.ControlResponse(control, code, value))
}

func (c *serverConn) sendText(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	header, _ := protocol.NewHeader(protocol.TypeText, uint32(len(text))).MarshalBinary()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, header); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

// sendFile announces the file with an estimated header first, like the
// Miniserver does for large files
func (c *serverConn) sendFile(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	estimated := protocol.NewHeader(protocol.TypeBinaryFile, uint32(len(data)))
	estimated.Info = 0x80
	for _, h := range []protocol.Header{estimated, protocol.NewHeader(protocol.TypeBinaryFile, uint32(len(data)))} {
		b, _ := h.MarshalBinary()
		if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *serverConn) send(h protocol.Header, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return err
	}
	if payload == nil {
		return nil
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, payload)
}
