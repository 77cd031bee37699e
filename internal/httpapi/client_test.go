package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/muurk/loxclient/internal/lxerr"
)

const apiKeyGen1 = `{"LL": {"control": "dev/cfg/apiKey", "value": "{'snr': '50:4F:94:10:B8:4A', 'version':'12.0.2.24', 'key': '4139', 'isInTrust': 0, 'local': true, 'httpsStatus':0}", "Code": "200"}}`
const apiKeyGen2 = `{"LL": {"control": "dev/cfg/apiKey", "value": "{'snr': '50:4F:94:A0:00:01', 'version':'14.5.12.7', 'local': true, 'httpsStatus':1}", "Code": "200"}}`

func TestNewClient(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"192.168.1.77", "http://192.168.1.77"},
		{"192.168.1.77:8080", "http://192.168.1.77:8080"},
		{"http://miniserver.local/", "http://miniserver.local"},
	}
	for _, tt := range tests {
		if got := NewClient(tt.host).BaseURL; got != tt.want {
			t.Errorf("NewClient(%q).BaseURL = %s, want %s", tt.host, got, tt.want)
		}
	}
}

func TestGetCapabilities(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantVer  string
		wantGen2 bool
	}{
		{"gen1", apiKeyGen1, "12.0.2.24", false},
		{"gen2", apiKeyGen2, "14.5.12.7", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/jdev/cfg/apiKey" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			caps, err := NewClient(server.URL).GetCapabilities(context.Background())
			if err != nil {
				t.Fatalf("GetCapabilities() error: %v", err)
			}
			if caps.Version != tt.wantVer {
				t.Errorf("Version = %s, want %s", caps.Version, tt.wantVer)
			}
			if caps.Gen2() != tt.wantGen2 {
				t.Errorf("Gen2() = %v, want %v", caps.Gen2(), tt.wantGen2)
			}
			if err := caps.CheckVersion(MinimumVersion); err != nil {
				t.Errorf("CheckVersion() error: %v", err)
			}
		})
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		version string
		wantErr bool
	}{
		{"11.2", false},
		{"11.2.0.5", false},
		{"11.3.2.11", false},
		{"12.0", false},
		{"11.1.9.3", true},
		{"10.4", true},
		{"garbage", true},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			err := (&Capabilities{Version: tt.version}).CheckVersion(MinimumVersion)
			if tt.wantErr {
				if !errors.Is(err, lxerr.ErrUnsupportedVersion) {
					t.Errorf("CheckVersion() error = %v, want unsupported version", err)
				}
			} else if err != nil {
				t.Errorf("CheckVersion() unexpected error: %v", err)
			}
		})
	}
}

func TestGetCapabilitiesRebooting(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewClient(server.URL).GetCapabilities(context.Background())
	if !IsRebooting(err) {
		t.Fatalf("GetCapabilities() error = %v, want rebooting", err)
	}
	if !errors.Is(err, lxerr.ErrNetwork) {
		t.Errorf("error %v does not match lxerr.ErrNetwork", err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, status errors must not be retried", hits.Load())
	}
}

func TestGetCertificate(t *testing.T) {
	pem := "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----"

	tests := []struct {
		name string
		body string
	}{
		{"raw", pem},
		{"envelope", `{"LL":{"control":"dev/sys/getcertificate","value":"-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----","Code":"200"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			got, err := NewClient(server.URL).GetCertificate(context.Background())
			if err != nil {
				t.Fatalf("GetCertificate() error: %v", err)
			}
			if got != pem {
				t.Errorf("GetCertificate() = %q, want %q", got, pem)
			}
		})
	}
}

func TestRetryOnTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := NewClient(url)
	c.RetryDelay = 5 * time.Millisecond
	c.MaxRetries = 2

	_, err := c.GetCertificate(context.Background())
	if err == nil {
		t.Fatal("GetCertificate() expected error against closed server")
	}
	if !errors.Is(err, lxerr.ErrNetwork) {
		t.Errorf("error = %v, want network error", err)
	}
	if !strings.Contains(err.Error(), "GET /jdev/sys/getcertificate failed") {
		t.Errorf("error message = %q", err.Error())
	}
}

func TestRetryAttempts(t *testing.T) {
	tests := []struct {
		name     string
		drops    int32
		status   int
		wantReqs int32
		wantErr  bool
	}{
		{name: "first attempt", wantReqs: 1},
		{name: "recovers within retries", drops: 2, wantReqs: 3},
		{name: "retries exhausted", drops: 5, wantReqs: 3, wantErr: true},
		{name: "rebooting is not retried", status: http.StatusServiceUnavailable, wantReqs: 1, wantErr: true},
		{name: "http error is not retried", status: http.StatusNotFound, wantReqs: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reqs int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&reqs, 1)
				if n <= tt.drops {
					conn, _, err := w.(http.Hijacker).Hijack()
					if err == nil {
						_ = conn.Close()
					}
					return
				}
				if tt.status != 0 {
					w.WriteHeader(tt.status)
					return
				}
				_, _ = w.Write([]byte("-----BEGIN CERTIFICATE-----"))
			}))
			defer server.Close()

			c := NewClient(server.URL)
			c.HTTPClient = &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
			c.RetryDelay = time.Millisecond
			c.MaxRetries = 2

			_, err := c.GetCertificate(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetCertificate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.status == http.StatusServiceUnavailable && !IsRebooting(err) {
				t.Errorf("error = %v, want rebooting", err)
			}
			if got := atomic.LoadInt32(&reqs); got != tt.wantReqs {
				t.Errorf("requests = %d, want %d", got, tt.wantReqs)
			}
		})
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := NewClient(url)
	c.RetryDelay = time.Hour
	c.MaxRetries = 2

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	done := make(chan error, 1)
	go func() {
		_, err := c.GetCertificate(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("GetCertificate() expected error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not stop on cancel")
	}
}

func TestClassifyNetworkError(t *testing.T) {
	if ClassifyNetworkError(nil) != nil {
		t.Error("ClassifyNetworkError(nil) != nil")
	}
	generic := ClassifyNetworkError(errors.New("boom"))
	if !generic.Retryable || generic.Err.Kind != lxerr.KindNetwork {
		t.Errorf("generic error classified as %+v", generic)
	}
}
