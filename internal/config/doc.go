// Package config manages the loxctl configuration file.
//
// The file is YAML and holds named Miniserver profiles plus the name of the
// default profile. It follows OS-specific conventions for storage location:
//   - Linux: $XDG_CONFIG_HOME/loxclient/config.yaml or $HOME/.config/loxclient/config.yaml
//   - macOS: $HOME/.config/loxclient/config.yaml
//   - Windows: %LOCALAPPDATA%\loxclient\config.yaml
//
// Passwords and tokens are never written to the file. The password is read
// from LOXCLIENT_PASSWORD or prompted for, and tokens live only as long as
// the process.
//
// Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.SetProfile("home", &config.Profile{Host: "192.168.1.77", Username: "admin"})
//	if err := cfg.Save(); err != nil {
//	    log.Fatal(err)
//	}
package config
