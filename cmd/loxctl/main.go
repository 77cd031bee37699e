// Loxctl is a command line client for Loxone Miniservers.
//
// It connects over the Miniserver WebSocket, authenticates with a token and
// can send commands, follow state updates in a terminal monitor, serve
// Prometheus metrics and discover Miniservers on the local network.
//
// Usage:
//
//	loxctl [command] [flags]
//
// Connection settings come from named profiles in the config file
// ($XDG_CONFIG_HOME/loxclient/config.yaml). The password is read from
// LOXCLIENT_PASSWORD or prompted for; it is never stored.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/loxclient/internal/logging"
	"github.com/muurk/loxclient/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loxctl",
	Short: "Loxone Miniserver client",
	Long: `A command line client for Loxone Miniservers.

Connects over the Miniserver WebSocket, authenticates with a token and
sends commands, follows state updates, or serves status and metrics.

Connection settings are read from the active profile; --host and --user
override them. Set LOXCLIENT_LOG_LEVEL=debug to see protocol logs.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(logLevel)
	},
}

// Global flags
var (
	profileName string
	hostFlag    string
	userFlag    string
	tokenFlag   string
	logLevel    string
	configPath  string
	keepToken   bool
)

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "", "Profile to use (default: the default profile)")
	rootCmd.PersistentFlags().StringVar(&hostFlag, "host", "", "Miniserver host[:port], overrides the profile")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "Username, overrides the profile")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", os.Getenv(tokenEnvVar), "Existing token to authenticate with")
	rootCmd.PersistentFlags().BoolVar(&keepToken, "keep-token", false, "Leave the token valid on exit instead of killing it")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); silent when empty")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $XDG_CONFIG_HOME/loxclient/config.yaml)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("loxctl %s\n", version.Full())
	},
}
