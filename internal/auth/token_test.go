package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/muurk/loxclient/internal/connection"
	"github.com/muurk/loxclient/internal/httpapi"
	"github.com/muurk/loxclient/internal/lxerr"
	"github.com/muurk/loxclient/internal/miniservertest"
	"github.com/muurk/loxclient/internal/secure"
)

func TestExpiryFromValidUntil(t *testing.T) {
	tests := []struct {
		seconds int64
		want    time.Time
	}{
		{0, time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)},
		{100000, time.Date(2009, 1, 2, 3, 46, 40, 0, time.UTC)},
		{86400 * 365, time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := ExpiryFromValidUntil(tt.seconds); !got.Equal(tt.want) {
			t.Errorf("ExpiryFromValidUntil(%d) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestRefreshDelay(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		expiry time.Time
		want   time.Duration
	}{
		{"ahead of buffer", now.Add(5 * time.Hour), 3 * time.Hour},
		{"inside buffer", now.Add(time.Hour), 0},
		{"already expired", now.Add(-time.Hour), 0},
		{"capped", now.Add(30 * 24 * time.Hour), MaxRefreshDelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RefreshDelay(tt.expiry, now, DefaultRefreshBuffer, MaxRefreshDelay)
			if got != tt.want {
				t.Errorf("RefreshDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

// dial connects to srv and performs the key exchange so token commands
// can be sent encrypted
func dial(t *testing.T, srv *miniservertest.Server) *connection.Connection {
	t.Helper()
	conn := connection.New(connection.Options{Host: srv.Host()}, connection.NopListener{})
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { conn.Close("test finished") })

	h := &Handshake{Certificates: httpapi.NewClient(srv.URL), Conn: conn}
	pub, err := h.publicKey(context.Background())
	if err != nil {
		t.Fatalf("publicKey() error: %v", err)
	}
	if err := h.exchangeKey(context.Background(), pub); err != nil {
		t.Fatalf("exchangeKey() error: %v", err)
	}
	return conn
}

func newManager(t *testing.T, conn *connection.Connection, opts TokenOptions) *TokenManager {
	t.Helper()
	if opts.Username == "" {
		opts.Username = miniservertest.Username
	}
	if opts.Password == "" {
		opts.Password = miniservertest.Password
	}
	m := NewTokenManager(conn, opts)
	t.Cleanup(m.Reset)
	return m
}

func countCommands(srv *miniservertest.Server, prefix string) int {
	n := 0
	for _, c := range srv.Commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestAcquire(t *testing.T) {
	for _, alg := range []secure.HashAlg{secure.SHA1, secure.SHA256} {
		t.Run(string(alg), func(t *testing.T) {
			srv := miniservertest.NewServer()
			defer srv.Close()
			srv.HashAlg = alg
			srv.TokenLifetime = 5 * time.Hour

			var notified *Token
			m := newManager(t, dial(t, srv), TokenOptions{OnToken: func(tok *Token) { notified = tok }})
			if err := m.Acquire(context.Background()); err != nil {
				t.Fatalf("Acquire() error: %v", err)
			}

			tok := m.Token()
			if tok == nil || !srv.TokenValid(tok.Value) {
				t.Fatalf("Token() = %+v, want a token issued by the server", tok)
			}
			if tok.Rights != 1666 {
				t.Errorf("Rights = %d, want 1666", tok.Rights)
			}
			if d := time.Until(tok.ValidUntil); d < 4*time.Hour || d > 6*time.Hour {
				t.Errorf("ValidUntil in %v, want about 5h", d)
			}
			if notified == nil || notified.Value != tok.Value {
				t.Errorf("OnToken got %+v", notified)
			}

			// 5h lifetime, 2h buffer
			next := time.Until(m.NextRefresh())
			if next < 2*time.Hour || next > 4*time.Hour {
				t.Errorf("NextRefresh in %v, want about 3h", next)
			}
		})
	}
}

func TestAcquireWrongPassword(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()

	m := newManager(t, dial(t, srv), TokenOptions{Password: "wrong"})
	err := m.Acquire(context.Background())
	if !lxerr.IsKind(err, lxerr.KindAuthFailed) {
		t.Fatalf("Acquire() error = %v, want auth failure", err)
	}
	var lerr *lxerr.Error
	if !errors.As(err, &lerr) || lerr.Code != 401 {
		t.Errorf("error code = %+v, want 401", lerr)
	}
	if m.Token() != nil {
		t.Error("Token() should be nil after a failed acquire")
	}
}

func TestGetKeyRejected(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	srv.FailCommand("jdev/sys/getkey2/", 404)

	m := newManager(t, dial(t, srv), TokenOptions{})
	if err := m.Acquire(context.Background()); !lxerr.IsKind(err, lxerr.KindAuthFailed) {
		t.Fatalf("Acquire() error = %v, want auth failure", err)
	}
	if srv.HasCommand("jdev/sys/getjwt/") {
		t.Error("getjwt must not be sent without a user key")
	}
}

func TestRefresh(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	srv.TokenLifetime = 5 * time.Hour

	m := newManager(t, dial(t, srv), TokenOptions{})
	if err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := m.Token()

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	after := m.Token()
	if after.Value == before.Value {
		t.Error("Refresh() should adopt the token returned by the server")
	}
	if !srv.TokenValid(after.Value) {
		t.Error("refreshed token is not known to the server")
	}
	if countCommands(srv, "jdev/sys/getjwt/") != 1 {
		t.Error("Refresh() of a live token must not acquire a new one")
	}
}

func TestRefreshExpiredAcquires(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()

	m := newManager(t, dial(t, srv), TokenOptions{})
	m.mu.Lock()
	m.token = &Token{Value: "token-stale", ValidUntil: time.Now().Add(-time.Minute)}
	m.mu.Unlock()

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if srv.HasCommand("jdev/sys/refreshjwt/") {
		t.Error("an expired token must not be refreshed")
	}
	if !srv.HasCommand("jdev/sys/getjwt/") {
		t.Error("Refresh() of an expired token should acquire a new one")
	}
	if tok := m.Token(); tok == nil || tok.Value == "token-stale" {
		t.Errorf("Token() = %+v, want a new token", tok)
	}
}

func TestRefreshWithoutToken(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()

	m := newManager(t, dial(t, srv), TokenOptions{})
	if err := m.Refresh(context.Background()); !lxerr.IsKind(err, lxerr.KindAuthFailed) {
		t.Errorf("Refresh() error = %v, want auth failure", err)
	}
}

func TestCheckAndKill(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()

	m := newManager(t, dial(t, srv), TokenOptions{})
	if err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	value := m.Token().Value

	ok, err := m.Check(context.Background(), "")
	if err != nil || !ok {
		t.Fatalf("Check() = %v, %v, want true", ok, err)
	}

	m.Kill(context.Background())
	if m.Token() != nil {
		t.Error("Token() should be nil after Kill()")
	}
	if !m.NextRefresh().IsZero() {
		t.Error("Kill() should cancel the scheduled refresh")
	}
	if srv.TokenValid(value) {
		t.Error("server still accepts the killed token")
	}

	ok, err = m.Check(context.Background(), value)
	if err != nil || ok {
		t.Errorf("Check(killed) = %v, %v, want false", ok, err)
	}
	if _, err := m.Check(context.Background(), ""); err == nil {
		t.Error("Check() without a token should fail")
	}
}

func TestKillIgnoresFailure(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()

	m := newManager(t, dial(t, srv), TokenOptions{})
	if err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.FailCommand("jdev/sys/getkey2/", 500)

	m.Kill(context.Background())
	if m.Token() != nil {
		t.Error("Token() should be cleared even when revocation fails")
	}
}

func TestAuthenticateWithToken(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	existing := srv.IssueToken()

	m := newManager(t, dial(t, srv), TokenOptions{})
	if err := m.AuthenticateWithToken(context.Background(), existing); err != nil {
		t.Fatalf("AuthenticateWithToken() error: %v", err)
	}
	if tok := m.Token(); tok == nil || tok.Value != existing {
		t.Errorf("Token() = %+v, want %s", tok, existing)
	}

	err := m.AuthenticateWithToken(context.Background(), "token-unknown")
	if !lxerr.IsKind(err, lxerr.KindAuthFailed) {
		t.Errorf("AuthenticateWithToken(unknown) error = %v, want auth failure", err)
	}
}

func TestScheduledRefreshGivesUp(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	// shorter than the refresh buffer, so the first refresh fires at once
	srv.TokenLifetime = time.Hour
	srv.FailCommand("jdev/sys/refreshjwt/", 500)

	m := newManager(t, dial(t, srv), TokenOptions{RetryDelay: 10 * time.Millisecond, MaxRetries: 2})
	if err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.Retries() < 3 || !m.NextRefresh().IsZero() {
		if time.Now().After(deadline) {
			t.Fatalf("retries = %d, next refresh = %v", m.Retries(), m.NextRefresh())
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	if n := countCommands(srv, "jdev/sys/refreshjwt/"); n != 3 {
		t.Errorf("refreshjwt sent %d times, want 3", n)
	}
	if m.Token() == nil {
		t.Error("giving up must keep the current token")
	}
}

func TestResetCancelsScheduledRefresh(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()
	srv.TokenLifetime = 2*time.Hour + 100*time.Millisecond

	m := newManager(t, dial(t, srv), TokenOptions{})
	if err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Reset()

	time.Sleep(300 * time.Millisecond)
	if srv.HasCommand("jdev/sys/refreshjwt/") {
		t.Error("refresh fired after Reset()")
	}
}

func TestCancelRefreshKeepsToken(t *testing.T) {
	srv := miniservertest.NewServer()
	defer srv.Close()

	m := newManager(t, dial(t, srv), TokenOptions{})
	if err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.CancelRefresh()
	if m.Token() == nil {
		t.Error("CancelRefresh() must keep the token")
	}
	if !m.NextRefresh().IsZero() {
		t.Errorf("NextRefresh() = %v, want zero", m.NextRefresh())
	}
}
