package config

import (
	"fmt"
	"sort"
	"time"
)

// CurrentVersion is the file format version written by Save
const CurrentVersion = 1

// Config is the whole configuration file
type Config struct {
	Version        int                 `yaml:"version"`
	DefaultProfile string              `yaml:"default_profile,omitempty"`
	Profiles       map[string]*Profile `yaml:"profiles,omitempty"`

	path string
}

// Profile describes one Miniserver. Passwords are never stored.
type Profile struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`

	// AutoReconnect and Keepalive default to true when unset
	AutoReconnect *bool `yaml:"auto_reconnect,omitempty"`
	Keepalive     *bool `yaml:"keepalive,omitempty"`

	LogLevel    string `yaml:"log_level,omitempty"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	CaptureDir  string `yaml:"capture_dir,omitempty"`

	// Serial and LastSeen are filled in by discover and connect
	Serial   string    `yaml:"serial,omitempty"`
	LastSeen time.Time `yaml:"last_seen,omitempty"`
}

// ReconnectEnabled reports the effective auto reconnect setting
func (p *Profile) ReconnectEnabled() bool {
	return p.AutoReconnect == nil || *p.AutoReconnect
}

// KeepaliveEnabled reports the effective keepalive setting
func (p *Profile) KeepaliveEnabled() bool {
	return p.Keepalive == nil || *p.Keepalive
}

// New creates an empty configuration
func New() *Config {
	return &Config{
		Version:  CurrentVersion,
		Profiles: make(map[string]*Profile),
	}
}

// Profile returns the named profile, or the default profile when name is
// empty.
func (c *Config) Profile(name string) (*Profile, error) {
	if name == "" {
		name = c.DefaultProfile
	}
	if name == "" {
		return nil, fmt.Errorf("no profile given and no default profile configured")
	}
	p, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile %q not found", name)
	}
	return p, nil
}

// SetProfile adds or replaces a profile. The first profile becomes the
// default.
func (c *Config) SetProfile(name string, p *Profile) {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*Profile)
	}
	c.Profiles[name] = p
	if c.DefaultProfile == "" {
		c.DefaultProfile = name
	}
}

// RemoveProfile deletes a profile and clears the default if it pointed to it
func (c *Config) RemoveProfile(name string) bool {
	if _, ok := c.Profiles[name]; !ok {
		return false
	}
	delete(c.Profiles, name)
	if c.DefaultProfile == name {
		c.DefaultProfile = ""
	}
	return true
}

// ProfileNames returns the profile names sorted
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Touch records that the profile's Miniserver was seen
func (c *Config) Touch(name, serial string) {
	p, ok := c.Profiles[name]
	if !ok {
		return
	}
	p.LastSeen = time.Now()
	if serial != "" {
		p.Serial = serial
	}
}
