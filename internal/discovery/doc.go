// Package discovery finds Miniservers on the local network over mDNS.
//
// Miniservers advertise an "_http._tcp" service. The scanner browses that
// service type and keeps entries whose instance name, hostname or TXT
// records mention Loxone or Miniserver. The serial number, the
// Miniserver's MAC address, is taken from the first 504F94 (the Loxone
// OUI) sequence found in those fields.
//
// Usage:
//
//	devices, err := discovery.NewScanner().Scan(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range devices {
//	    fmt.Println(d.Name, d.Host(), d.Serial)
//	}
//
// Requires multicast on the network interface and UDP port 5353 open.
package discovery
