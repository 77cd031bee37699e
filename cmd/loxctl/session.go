package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/muurk/loxclient/internal/client"
	"github.com/muurk/loxclient/internal/config"
	"github.com/muurk/loxclient/internal/logging"
	"github.com/muurk/loxclient/internal/lxerr"
	"github.com/muurk/loxclient/internal/metrics"
	"github.com/muurk/loxclient/internal/version"
)

const (
	passwordEnvVar = "LOXCLIENT_PASSWORD"
	tokenEnvVar    = "LOXCLIENT_TOKEN"
)

// session is a configured, not yet connected client
type session struct {
	cfg      *config.Config
	name     string
	profile  *config.Profile
	client   *client.Client
	registry *prometheus.Registry
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// resolveProfile merges the selected profile with the command line flags.
// Without a profile the flags alone must name host and user.
func resolveProfile(cfg *config.Config) (string, *config.Profile, error) {
	var profile config.Profile
	name := profileName
	if name == "" {
		name = cfg.DefaultProfile
	}
	if name != "" {
		p, err := cfg.Profile(name)
		if err != nil && (profileName != "" || hostFlag == "") {
			return "", nil, err
		}
		if p != nil {
			profile = *p
		}
	}
	if hostFlag != "" {
		profile.Host = hostFlag
	}
	if userFlag != "" {
		profile.Username = userFlag
	}
	if profile.Host == "" {
		return "", nil, errors.New("no Miniserver host: pass --host or create a profile with 'loxctl profiles add'")
	}
	if profile.Username == "" {
		return "", nil, errors.New("no username: pass --user or set it in the profile")
	}
	return name, &profile, nil
}

// readPassword returns LOXCLIENT_PASSWORD or prompts without echo
func readPassword(user, host string) (string, error) {
	if pw := os.Getenv(passwordEnvVar); pw != "" {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no password: set %s", passwordEnvVar)
	}
	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", user, host)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}

// newSession builds a client from the active profile. No password is read
// when a token is given. configure may adjust the options last.
func newSession(configure func(*client.Options)) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	name, profile, err := resolveProfile(cfg)
	if err != nil {
		return nil, err
	}
	if logLevel == "" && profile.LogLevel != "" {
		if err := logging.Initialize(profile.LogLevel); err != nil {
			return nil, err
		}
	}

	var password string
	if tokenFlag == "" {
		if password, err = readPassword(profile.Username, profile.Host); err != nil {
			return nil, err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := client.DefaultOptions()
	opts.Host = profile.Host
	opts.Username = profile.Username
	opts.Password = password
	opts.AutoReconnect = profile.ReconnectEnabled()
	opts.Keepalive = profile.KeepaliveEnabled()
	opts.CaptureDir = profile.CaptureDir
	opts.HTTPClient = &http.Client{
		Timeout:   10 * time.Second,
		Transport: userAgentTransport{next: http.DefaultTransport},
	}
	opts.Metrics = metrics.New(
		metrics.WithRegistry(registry),
		metrics.WithConstLabels(prometheus.Labels{"host": profile.Host}),
	)

	if configure != nil {
		configure(&opts)
	}

	c, err := client.New(opts)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, name: name, profile: profile, client: c, registry: registry}, nil
}

// connect connects and records the Miniserver serial in the profile
func (s *session) connect(ctx context.Context) error {
	if err := s.client.Connect(ctx, tokenFlag); err != nil {
		return err
	}
	// an overridden host is not the profile's Miniserver
	if s.name == "" || hostFlag != "" {
		return nil
	}
	serial := ""
	if caps := s.client.Capabilities(); caps != nil {
		serial = caps.SerialNumber
	}
	s.cfg.Touch(s.name, serial)
	if err := s.cfg.Save(); err != nil {
		logging.Warn("Failed to update profile", zap.String("profile", s.name), zap.Error(err))
	}
	return nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.client.Disconnect(ctx, keepToken)
	logging.Sync()
}

type userAgentTransport struct {
	next http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", version.UserAgent())
	return t.next.RoundTrip(req)
}

// troubleshoot returns hints for a failed connect
func troubleshoot(err error) []string {
	switch {
	case errors.Is(err, lxerr.ErrAuthFailed):
		return []string{
			"Check username and password",
			"A token passed with --token may have expired",
		}
	case errors.Is(err, lxerr.ErrUnsupportedVersion):
		return []string{"Update the Miniserver firmware to 11.2 or newer"}
	case errors.Is(err, lxerr.ErrHandshakeFailed):
		return []string{
			"The Miniserver rejected the key exchange, try again",
			"Set LOXCLIENT_LOG_LEVEL=debug for protocol logs",
		}
	default:
		return []string{
			"Check that the host is reachable: ping it or open it in a browser",
			"A Miniserver that is rebooting answers 503, wait and try again",
			"Run 'loxctl discover' to find Miniservers on the local network",
		}
	}
}
