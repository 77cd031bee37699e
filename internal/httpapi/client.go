// Package httpapi talks to the plain HTTP endpoints of a Miniserver that
// are needed before the WebSocket is opened: the certificate bundle and the
// capability probe.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-version"
	"github.com/mitchellh/mapstructure"

	"github.com/muurk/loxclient/internal/logging"
	"github.com/muurk/loxclient/internal/lxerr"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout is the default HTTP request timeout
	DefaultTimeout = 10 * time.Second

	// DefaultMaxRetries is the default number of retry attempts for failed requests
	DefaultMaxRetries = 2

	// DefaultRetryDelay is the delay before the first retry; it doubles per attempt
	DefaultRetryDelay = 500 * time.Millisecond

	// MinimumVersion is the oldest firmware speaking the token protocol
	MinimumVersion = "11.2"

	certificatePath = "/jdev/sys/getcertificate"
	apiKeyPath      = "/jdev/cfg/apiKey"
)

// Client performs HTTP requests against one Miniserver
type Client struct {
	// BaseURL is the base URL of the Miniserver (e.g., "http://192.168.1.77")
	BaseURL string

	// HTTPClient is the underlying HTTP client
	HTTPClient *http.Client

	// MaxRetries is the maximum number of retries for retryable errors
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts
	RetryDelay time.Duration
}

// NewClient creates a client for host, which may carry a port and an
// optional http:// scheme.
func NewClient(host string) *Client {
	base := host
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		BaseURL:    strings.TrimRight(base, "/"),
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// Capabilities is the decoded value of /jdev/cfg/apiKey
type Capabilities struct {
	Version      string `mapstructure:"version"`
	HTTPSStatus  int    `mapstructure:"httpsStatus"`
	SerialNumber string `mapstructure:"snr"`
	Key          string `mapstructure:"key"`
	Local        bool   `mapstructure:"local"`
}

// Gen2 reports whether the Miniserver is a second generation device. Those
// run the socket over TLS and do not need command encryption.
func (c *Capabilities) Gen2() bool {
	return c.HTTPSStatus != 0
}

// CheckVersion fails with UnsupportedVersion when the firmware is older
// than minimum.
func (c *Capabilities) CheckVersion(minimum string) error {
	have, err := version.NewVersion(c.Version)
	if err != nil {
		return lxerr.UnsupportedVersion(c.Version, minimum)
	}
	want, err := version.NewVersion(minimum)
	if err != nil {
		return fmt.Errorf("invalid minimum version %q: %w", minimum, err)
	}
	if have.LessThan(want) {
		return lxerr.UnsupportedVersion(c.Version, minimum)
	}
	return nil
}

// GetCapabilities probes firmware version and https support. A 503 means
// the Miniserver is rebooting.
func (c *Client) GetCapabilities(ctx context.Context) (*Capabilities, error) {
	body, err := c.get(ctx, apiKeyPath)
	if err != nil {
		return nil, err
	}

	value, err := llValue(body)
	if err != nil {
		return nil, fmt.Errorf("decoding apiKey response: %w", err)
	}
	raw, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("apiKey value is %T, want string", value)
	}

	// the value is JSON with single quotes
	var fields map[string]any
	if err := json.Unmarshal([]byte(strings.ReplaceAll(raw, "'", `"`)), &fields); err != nil {
		return nil, fmt.Errorf("decoding apiKey value: %w", err)
	}

	var caps Capabilities
	if err := mapstructure.WeakDecode(fields, &caps); err != nil {
		return nil, fmt.Errorf("decoding apiKey value: %w", err)
	}

	logging.Debug("Miniserver capabilities",
		zap.String("version", caps.Version),
		zap.Int("https_status", caps.HTTPSStatus),
		zap.String("serial", caps.SerialNumber))
	return &caps, nil
}

// GetCertificate returns the PEM bundle served at /jdev/sys/getcertificate.
// Depending on firmware the bundle is wrapped in an LL envelope or sent raw.
func (c *Client) GetCertificate(ctx context.Context) (string, error) {
	body, err := c.get(ctx, certificatePath)
	if err != nil {
		return "", err
	}
	if value, err := llValue(body); err == nil {
		if s, ok := value.(string); ok {
			return s, nil
		}
	}
	return string(body), nil
}

func llValue(body []byte) (any, error) {
	var envelope struct {
		LL struct {
			Value any `json:"value"`
		} `json:"LL"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	return envelope.LL.Value, nil
}

// get performs a GET, retrying retryable errors with doubling delay
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.RetryDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	retries := c.MaxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)

	var body []byte
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		var err error
		body, err = c.getAttempt(ctx, path)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, delay time.Duration) {
		logging.Debug("Retrying request",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) getAttempt(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, NewNetworkError("failed to create GET request", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, NewNetworkError("GET "+path+" failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, NewHTTPError(resp.StatusCode, "miniserver is rebooting")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewHTTPError(resp.StatusCode, fmt.Sprintf("unexpected status code: %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError("failed to read response body", err)
	}
	return body, nil
}
