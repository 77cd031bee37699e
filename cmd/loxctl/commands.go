package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/loxclient/internal/client"
	"github.com/muurk/loxclient/internal/logging"
	"github.com/muurk/loxclient/internal/protocol"
	"github.com/muurk/loxclient/internal/ui"
)

func init() {
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(controlCmd)
	rootCmd.AddCommand(fileCmd)
	rootCmd.AddCommand(structureCmd)
	rootCmd.AddCommand(tokenCmd)
}

// signalContext is cancelled on SIGINT and SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// withClient connects, runs fn and disconnects. Connect failures are
// printed with hints.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	// one-shot commands never retry
	s, err := newSession(func(o *client.Options) { o.AutoReconnect = false })
	if err != nil {
		return err
	}

	if err := s.connect(ctx); err != nil {
		ui.NewPrinter(os.Stderr).PrintError("Could not connect to "+s.profile.Host, err, troubleshoot(err))
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

func printResponse(resp *protocol.TextMessage) {
	details := map[string]string{
		"Control": resp.Control,
		"Code":    fmt.Sprint(resp.Code),
		"Value":   resp.ValueString(),
	}
	p := ui.NewPrinter(nil)
	if resp.OK() {
		p.PrintSuccess("Command answered", details)
		return
	}
	p.PrintWarning("Command failed", details)
}

var sendCmd = &cobra.Command{
	Use:   "send <command>",
	Short: "Send a raw command",
	Long: `Send a raw command such as jdev/cfg/version and print the response.

Commands are encrypted on first generation Miniservers.`,
	Example: `  loxctl send jdev/cfg/version
  loxctl send jdev/sps/io/0f86168c-0185-1da4-ffff403fb0c34b9e/pulse`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, s *session) error {
			resp, err := s.client.SendCommand(ctx, args[0])
			if err != nil {
				return err
			}
			printResponse(resp)
			return nil
		})
	},
}

var controlCmd = &cobra.Command{
	Use:   "control <uuid> <command>",
	Short: "Send a command to a control",
	Example: `  loxctl control 0f86168c-0185-1da4-ffff403fb0c34b9e on
  loxctl control 0f86168c-0185-1da4-ffff403fb0c34b9e pulse`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, s *session) error {
			resp, err := s.client.Control(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			printResponse(resp)
			return nil
		})
	},
}

var fileOutput string

var fileCmd = &cobra.Command{
	Use:   "file <name>",
	Short: "Download a file from the Miniserver",
	Example: `  loxctl file data/LoxAPP3.json -o structure.json
  loxctl file images/light.svg`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, s *session) error {
			file, err := s.client.GetFile(ctx, args[0])
			if err != nil {
				return err
			}
			return writeOutput(fileOutput, file)
		})
	},
}

var structureOutput string

var structureCmd = &cobra.Command{
	Use:   "structure",
	Short: "Download the structure file (LoxAPP3.json)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, s *session) error {
			file, err := s.client.StructureFile(ctx)
			if err != nil {
				return err
			}
			if structureOutput == "-" {
				return writeOutput("", file)
			}
			if err := writeOutput(structureOutput, file); err != nil {
				return err
			}
			states, err := parseStructure(file.JSON)
			if err != nil {
				return err
			}
			ui.NewPrinter(nil).PrintSuccess("Structure file saved", map[string]string{
				"File":   structureOutput,
				"Size":   fmt.Sprintf("%d bytes", len(file.Data)),
				"States": fmt.Sprint(len(states)),
			})
			return nil
		})
	},
}

func init() {
	fileCmd.Flags().StringVarP(&fileOutput, "output", "o", "", "Write to file instead of stdout")
	structureCmd.Flags().StringVarP(&structureOutput, "output", "o", "LoxAPP3.json", "Output file, - for stdout")
}

func writeOutput(path string, file *protocol.FileMessage) error {
	if path == "" {
		_, err := os.Stdout.Write(file.Data)
		return err
	}
	if err := os.WriteFile(path, file.Data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect and refresh the authentication token",
}

var tokenCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Connect and verify the session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, s *session) error {
			token := s.client.Token()
			if token == nil {
				return fmt.Errorf("no token after connect")
			}
			valid, err := s.client.CheckToken(ctx, token.Value)
			if err != nil {
				return err
			}
			details := tokenDetails(token.ValidUntil, token.Rights)
			if !valid {
				ui.NewPrinter(nil).PrintWarning("Token rejected", details)
				return nil
			}
			ui.NewPrinter(nil).PrintSuccess("Token valid", details)
			return nil
		})
	},
}

var tokenRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the session token and print the new expiry",
	Long: `Refresh the session token and print the new expiry.

With --keep-token the refreshed token is printed so it can be passed to
later commands with --token or LOXCLIENT_TOKEN.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, s *session) error {
			if err := s.client.RefreshToken(ctx); err != nil {
				return err
			}
			token := s.client.Token()
			details := tokenDetails(token.ValidUntil, token.Rights)
			if keepToken {
				details["Token"] = token.Value
			}
			ui.NewPrinter(nil).PrintSuccess("Token refreshed", details)
			return nil
		})
	},
}

func init() {
	tokenCmd.AddCommand(tokenCheckCmd)
	tokenCmd.AddCommand(tokenRefreshCmd)
}

func tokenDetails(validUntil time.Time, rights int) map[string]string {
	return map[string]string{
		"Valid until": validUntil.Local().Format(time.RFC1123),
		"Expires in":  time.Until(validUntil).Round(time.Minute).String(),
		"Rights":      fmt.Sprint(rights),
	}
}

// Monitor flags
var (
	watchIDs    []string
	noStructure bool
	allEvents   bool
)

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Aliases: []string{"connect"},
	Short:   "Connect and follow state updates live",
	Long: `Connect, enable status updates and follow them in a terminal view.

State UUIDs are named from the structure file unless --no-structure is
given. --watch limits the view to the given state UUIDs. The client
reconnects after drops when the profile allows it.`,
	Example: `  loxctl monitor
  loxctl monitor --watch 0f86168c-0185-1da4-ffff403fb0c34b9e`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().StringSliceVar(&watchIDs, "watch", nil, "Only show these state UUIDs")
	monitorCmd.Flags().BoolVar(&noStructure, "no-structure", false, "Do not download the structure file for names")
	monitorCmd.Flags().BoolVar(&allEvents, "log-all-events", false, "Log every event at debug level")
}

func parseWatchIDs(raw []string) ([]protocol.UUID, error) {
	ids := make([]protocol.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := protocol.ParseUUID(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid --watch uuid %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// enableOnReady turns on status updates each time the client becomes
// ready, so updates survive reconnects.
func enableOnReady(ctx context.Context, s *session, lookup *structureLookup) client.Observer {
	return func(n client.Notification) {
		if _, ok := n.(client.Ready); !ok {
			return
		}
		go func() {
			if lookup != nil && lookup.Len() == 0 {
				if file, err := s.client.StructureFile(ctx); err != nil {
					logging.Warn("Failed to fetch structure file", zap.Error(err))
				} else if err := lookup.Load(file.JSON); err != nil {
					logging.Warn("Failed to parse structure file", zap.Error(err))
				}
			}
			if err := s.client.EnableUpdates(ctx); err != nil {
				logging.Warn("Failed to enable status updates", zap.Error(err))
			}
		}()
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ids, err := parseWatchIDs(watchIDs)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	var lookup *structureLookup
	if !noStructure {
		lookup = &structureLookup{}
	}
	s, err := newSession(func(o *client.Options) {
		o.LogAllEvents = allEvents
		if lookup != nil {
			o.StateLookup = lookup
		}
	})
	if err != nil {
		return err
	}
	s.client.Watch(ids...)

	program := tea.NewProgram(ui.NewMonitor(s.profile.Host), tea.WithAltScreen(), tea.WithContext(ctx))
	unsubscribe := s.client.Subscribe(ui.Forward(program))
	stopUpdates := s.client.Subscribe(enableOnReady(ctx, s, lookup))

	go func() {
		// failures reach the monitor as notifications
		_ = s.connect(ctx)
	}()

	_, runErr := program.Run()
	unsubscribe()
	stopUpdates()
	s.close()
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}
