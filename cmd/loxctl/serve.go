package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/loxclient/internal/client"
	"github.com/muurk/loxclient/internal/config"
	"github.com/muurk/loxclient/internal/discovery"
	"github.com/muurk/loxclient/internal/logging"
	"github.com/muurk/loxclient/internal/server"
	"github.com/muurk/loxclient/internal/ui"
)

const defaultMetricsAddr = "127.0.0.1:9477"

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(profilesCmd)
}

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Stay connected and serve status and Prometheus metrics",
	Long: `Stay connected to the Miniserver and serve an HTTP status endpoint.

  GET /healthz   200 while the client is ready
  GET /state     JSON status of the connection and token
  GET /metrics   Prometheus metrics

The client always reconnects in this mode. The listen address defaults to
the profile's metrics_addr, then ` + defaultMetricsAddr + `.`,
	Example: `  loxctl serve
  loxctl serve --addr :9477`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address host:port")
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := newSession(func(o *client.Options) { o.AutoReconnect = true })
	if err != nil {
		return err
	}

	addr := serveAddr
	if addr == "" {
		addr = s.profile.MetricsAddr
	}
	if addr == "" {
		addr = defaultMetricsAddr
	}
	host, port, err := splitAddr(addr)
	if err != nil {
		return err
	}

	unsubscribe := s.client.Subscribe(enableOnReady(ctx, s, nil))
	defer unsubscribe()

	srv := server.New(&server.Config{Host: host, Port: port, Gatherer: s.registry}, s.client)
	errChan := make(chan error, 1)
	go func() { errChan <- srv.Start(ctx) }()

	if err := s.connect(ctx); err != nil {
		// the reconnect loop keeps trying
		logging.Warn("Initial connect failed", zap.Error(err))
	}

	err = <-errChan
	s.close()
	return err
}

// Discover flags
var (
	discoverTimeout time.Duration
	discoverSave    string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find Miniservers on the local network",
	Long: `Find Miniservers on the local network using mDNS/DNS-SD.

With --save the first Miniserver found is stored as the named profile.`,
	Example: `  loxctl discover
  loxctl discover --timeout 10s
  loxctl discover --save home --user admin`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", discovery.DefaultScanTimeout, "How long to listen")
	discoverCmd.Flags().StringVar(&discoverSave, "save", "", "Save the first Miniserver found as this profile")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	p := ui.NewPrinter(nil)
	p.PrintHeader("Miniserver discovery", "loxctl discover", map[string]string{
		"Timeout": discoverTimeout.String(),
	})

	scanner := discovery.NewScanner()
	scanner.Timeout = discoverTimeout
	devices, err := scanner.Scan(ctx)
	if err != nil {
		p.PrintError("Discovery failed", err, []string{
			"mDNS needs UDP port 5353 open on this machine",
			"Try again on the same network segment as the Miniserver",
		})
		return err
	}

	if len(devices) == 0 {
		p.PrintWarning("No Miniservers found", map[string]string{"Timeout": discoverTimeout.String()})
		return nil
	}

	for _, device := range devices {
		p.PrintSuccess(device.Name, map[string]string{
			"Host":   device.Host(),
			"Serial": device.Serial,
		})
	}

	if discoverSave == "" {
		return nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	profile := &config.Profile{Username: userFlag}
	if existing, ok := cfg.Profiles[discoverSave]; ok {
		profile = existing
	}
	profile.Host = devices[0].Host()
	cfg.SetProfile(discoverSave, profile)
	cfg.Touch(discoverSave, devices[0].Serial)
	if err := cfg.Save(); err != nil {
		return err
	}
	p.Println(fmt.Sprintf("Saved %s as profile %q in %s", profile.Host, discoverSave, cfg.Path()))
	return nil
}
