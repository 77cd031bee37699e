package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Device is a Miniserver found on the network
type Device struct {
	// Name is the mDNS instance name (e.g., "Loxone Miniserver")
	Name string

	// Serial is the Miniserver serial, its MAC without separators (e.g., "504F9410B84A")
	Serial string

	// Hostname is the mDNS hostname (e.g., "loxone-miniserver.local.")
	Hostname string

	IP   string
	Port int

	// Metadata holds the TXT records
	Metadata map[string]string

	DiscoveredAt time.Time
}

// String returns a human-readable representation
func (d *Device) String() string {
	if d.Serial == "" {
		return fmt.Sprintf("%s at %s", d.Name, d.Host())
	}
	return fmt.Sprintf("%s (%s) at %s", d.Name, d.Serial, d.Host())
}

// Host returns the address to connect to; port 80 is left out
func (d *Device) Host() string {
	if d.Port == DefaultPort {
		if ip := net.ParseIP(d.IP); ip != nil && ip.To4() == nil {
			return "[" + d.IP + "]"
		}
		return d.IP
	}
	return net.JoinHostPort(d.IP, strconv.Itoa(d.Port))
}

// GetMetadata returns a TXT value, or "" when absent
func (d *Device) GetMetadata(key string) string {
	if d.Metadata == nil {
		return ""
	}
	return d.Metadata[key]
}
