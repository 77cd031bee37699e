package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/muurk/loxclient/internal/auth"
	"github.com/muurk/loxclient/internal/client"
	"github.com/muurk/loxclient/internal/httpapi"
	"github.com/muurk/loxclient/internal/metrics"
)

type fakeSource struct {
	state client.State
	token *auth.Token
	caps  *httpapi.Capabilities
}

func (f *fakeSource) Host() string                        { return "192.168.1.77" }
func (f *fakeSource) State() client.State                 { return f.state }
func (f *fakeSource) Token() *auth.Token                  { return f.token }
func (f *fakeSource) Capabilities() *httpapi.Capabilities { return f.caps }
func (f *fakeSource) Reconnecting() bool                  { return false }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		state client.State
		want  int
	}{
		{client.StateReady, http.StatusOK},
		{client.StateConnecting, http.StatusServiceUnavailable},
		{client.StateDisconnected, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			srv := New(&Config{Gatherer: prometheus.NewRegistry()}, &fakeSource{state: tt.state})
			rec := get(t, srv.Handler(), "/healthz")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestState(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{
		state: client.StateReady,
		token: &auth.Token{Value: "secret", ValidUntil: expiry, Rights: 4},
		caps:  &httpapi.Capabilities{Version: "12.0.2.24", SerialNumber: "504F94A0B1C2", HTTPSStatus: 1},
	}
	srv := New(&Config{Gatherer: prometheus.NewRegistry()}, source)

	rec := get(t, srv.Handler(), "/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Errorf("token value leaked: %s", rec.Body.String())
	}

	var got StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.State != "ready" || got.Firmware != "12.0.2.24" || !got.Gen2 || got.TokenRights != 4 {
		t.Errorf("got %+v", got)
	}
	if got.TokenExpiry == nil || !got.TokenExpiry.Equal(expiry) {
		t.Errorf("TokenExpiry = %v, want %v", got.TokenExpiry, expiry)
	}
}

func TestStateWithoutSession(t *testing.T) {
	srv := New(&Config{Gatherer: prometheus.NewRegistry()}, &fakeSource{state: client.StateDisconnected})
	rec := get(t, srv.Handler(), "/state")

	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := got["token_expiry"]; ok {
		t.Errorf("token_expiry present without token: %v", got)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg))
	m.StateChanged("", "ready")

	srv := New(&Config{Gatherer: reg}, &fakeSource{state: client.StateReady})
	rec := get(t, srv.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `loxclient_state{state="ready"} 1`) {
		t.Errorf("metrics output missing state gauge:\n%s", rec.Body.String())
	}
}

func TestStartAndShutdown(t *testing.T) {
	srv := New(&Config{Host: "127.0.0.1", Port: 0, Gatherer: prometheus.NewRegistry()},
		&fakeSource{state: client.StateReady})

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- srv.Start(ctx) }()

	var resp *http.Response
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := srv.Addr(); !strings.HasSuffix(addr, ":0") {
			resp, err = http.Get("http://" + addr + "/healthz")
			if err == nil {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if resp == nil {
		t.Fatalf("server never answered: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}
