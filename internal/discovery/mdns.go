package discovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/muurk/loxclient/internal/logging"
)

const (
	// ServiceType is the mDNS service type Miniservers advertise
	ServiceType = "_http._tcp"

	// ServiceDomain is the mDNS domain
	ServiceDomain = "local."

	// DefaultScanTimeout is the default timeout for discovery
	DefaultScanTimeout = 5 * time.Second

	// DefaultPort is the default HTTP port of a Miniserver
	DefaultPort = 80
)

var (
	miniserverPattern = regexp.MustCompile(`(?i)loxone|miniserver`)
	serialPattern     = regexp.MustCompile(`(?i)50[:-]?4F[:-]?94(?:[:-]?[0-9A-F]{2}){3}`)
)

// Scanner browses for Miniservers
type Scanner struct {
	// Timeout bounds a scan
	Timeout time.Duration
}

// NewScanner creates a scanner with default settings
func NewScanner() *Scanner {
	return &Scanner{Timeout: DefaultScanTimeout}
}

// Scan returns every Miniserver that answered before the timeout
func (s *Scanner) Scan(ctx context.Context) ([]*Device, error) {
	return s.browse(ctx, func(*Device) bool { return false })
}

// Find waits for the Miniserver with serial
func (s *Scanner) Find(ctx context.Context, serial string) (*Device, error) {
	want := normalizeSerial(serial)
	devices, err := s.browse(ctx, func(d *Device) bool { return d.Serial == want })
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Serial == want {
			return d, nil
		}
	}
	return nil, fmt.Errorf("miniserver with serial %s not found within timeout", serial)
}

// browse collects devices until the timeout or until stop returns true
func (s *Scanner) browse(ctx context.Context, stop func(*Device) bool) ([]*Device, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	var (
		mu      sync.Mutex
		devices []*Device
	)
	seen := make(map[string]bool)
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			device := parseServiceEntry(entry)
			if device == nil || seen[device.Host()] {
				continue
			}
			seen[device.Host()] = true
			logging.Debug("Discovered Miniserver", zap.String("device", device.String()))

			mu.Lock()
			devices = append(devices, device)
			mu.Unlock()
			if stop(device) {
				cancel()
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	return append([]*Device(nil), devices...), nil
}

// parseServiceEntry returns nil for entries that are not Miniservers
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Device {
	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		key, value, _ := strings.Cut(txt, "=")
		metadata[key] = value
	}

	fields := append([]string{entry.Instance, entry.HostName}, entry.Text...)
	haystack := strings.Join(fields, " ")
	if !miniserverPattern.MatchString(haystack) {
		return nil
	}

	var ip string
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" {
		return nil
	}

	port := entry.Port
	if port == 0 {
		port = DefaultPort
	}

	return &Device{
		Name:         unescapeInstance(entry.Instance),
		Serial:       normalizeSerial(serialPattern.FindString(haystack)),
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         port,
		Metadata:     metadata,
		DiscoveredAt: time.Now(),
	}
}

// normalizeSerial strips MAC separators and upper-cases
func normalizeSerial(s string) string {
	s = strings.NewReplacer(":", "", "-", "").Replace(s)
	return strings.ToUpper(s)
}

// unescapeInstance undoes DNS-SD escaping of spaces
func unescapeInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
