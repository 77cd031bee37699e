package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/muurk/loxclient/internal/config"
	"github.com/muurk/loxclient/internal/ui"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage connection profiles",
	RunE:  runProfilesList,
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE:  runProfilesList,
}

// Profile flags
var (
	profileNoReconnect bool
	profileNoKeepalive bool
	profileLogLevel    string
	profileMetricsAddr string
	profileCaptureDir  string
	profileDefault     bool
)

var profilesAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add or replace a profile",
	Example: `  loxctl profiles add home --host 192.168.1.77 --user admin
  loxctl profiles add office --host ms.example.com:8080 --user ops --metrics-addr :9477 --default`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hostFlag == "" || userFlag == "" {
			return fmt.Errorf("--host and --user are required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		profile := &config.Profile{
			Host:        hostFlag,
			Username:    userFlag,
			LogLevel:    profileLogLevel,
			MetricsAddr: profileMetricsAddr,
			CaptureDir:  profileCaptureDir,
		}
		if profileNoReconnect {
			profile.AutoReconnect = boolPtr(false)
		}
		if profileNoKeepalive {
			profile.Keepalive = boolPtr(false)
		}
		cfg.SetProfile(args[0], profile)
		if profileDefault {
			cfg.DefaultProfile = args[0]
		}
		if err := cfg.Save(); err != nil {
			return err
		}
		fmt.Printf("Saved profile %q to %s\n", args[0], cfg.Path())
		return nil
	},
}

var profilesRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.RemoveProfile(args[0]) {
			return fmt.Errorf("profile %q not found", args[0])
		}
		return cfg.Save()
	},
}

var profilesDefaultCmd = &cobra.Command{
	Use:   "default <name>",
	Short: "Set the default profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := cfg.Profile(args[0]); err != nil {
			return err
		}
		cfg.DefaultProfile = args[0]
		return cfg.Save()
	},
}

func init() {
	profilesAddCmd.Flags().BoolVar(&profileNoReconnect, "no-reconnect", false, "Disable automatic reconnects")
	profilesAddCmd.Flags().BoolVar(&profileNoKeepalive, "no-keepalive", false, "Disable keepalive")
	profilesAddCmd.Flags().StringVar(&profileLogLevel, "profile-log-level", "", "Log level used with this profile")
	profilesAddCmd.Flags().StringVar(&profileMetricsAddr, "metrics-addr", "", "Listen address for 'loxctl serve'")
	profilesAddCmd.Flags().StringVar(&profileCaptureDir, "capture-dir", "", "Directory for JSONL frame captures")
	profilesAddCmd.Flags().BoolVar(&profileDefault, "default", false, "Make this the default profile")

	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesAddCmd)
	profilesCmd.AddCommand(profilesRemoveCmd)
	profilesCmd.AddCommand(profilesDefaultCmd)
}

func runProfilesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p := ui.NewPrinter(nil)
	if len(cfg.Profiles) == 0 {
		p.PrintWarning("No profiles", map[string]string{"Config": cfg.Path()})
		return nil
	}
	for _, name := range cfg.ProfileNames() {
		profile := cfg.Profiles[name]
		details := map[string]string{
			"Host":      profile.Host,
			"User":      profile.Username,
			"Reconnect": fmt.Sprint(profile.ReconnectEnabled()),
			"Keepalive": fmt.Sprint(profile.KeepaliveEnabled()),
		}
		if profile.Serial != "" {
			details["Serial"] = profile.Serial
		}
		if !profile.LastSeen.IsZero() {
			details["Last seen"] = profile.LastSeen.Local().Format("2006-01-02 15:04")
		}
		title := name
		if name == cfg.DefaultProfile {
			title += " (default)"
		}
		p.PrintSuccess(title, details)
	}
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}
