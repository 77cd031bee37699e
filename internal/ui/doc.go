// Package ui provides terminal output for the loxctl CLI.
//
// Most commands print once and exit: a Header, then a Result box with
// the outcome, written through a Printer. The monitor command runs a
// full Bubble Tea program (Monitor) that follows client notifications
// live.
//
// # Monitor
//
//	m := ui.NewMonitor(host)
//	p := tea.NewProgram(m)
//	unsubscribe := c.Subscribe(ui.Forward(p))
//	defer unsubscribe()
//	_, err := p.Run()
//
// # Logging Integration
//
// zap logging is silent unless LOXCLIENT_LOG_LEVEL is set, so the styled
// output is not interleaved with log lines. When a log level is set the
// monitor still works but log lines will scroll through it.
package ui
