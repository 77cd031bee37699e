package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/loxclient/internal/client"
)

// maxLogLines bounds the monitor scrollback
const maxLogLines = 500

// NotificationMsg carries a client notification into the program
type NotificationMsg struct {
	Notification client.Notification
}

// Sender is satisfied by *tea.Program
type Sender interface {
	Send(msg tea.Msg)
}

// Forward returns an observer that hands every notification to p
func Forward(p Sender) client.Observer {
	return func(n client.Notification) {
		p.Send(NotificationMsg{Notification: n})
	}
}

type logLine struct {
	at   time.Time
	text string
}

// Monitor is a Bubble Tea model that follows one client
type Monitor struct {
	Host    string
	State   client.State
	Spinner spinner.Model

	Events     int
	Keepalives int
	Expiry     time.Time
	Err        error

	Width  int
	Height int

	lines []logLine
	now   func() time.Time
}

// NewMonitor creates a monitor for host
func NewMonitor(host string) Monitor {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(PrimaryColor)
	return Monitor{
		Host:    host,
		State:   client.StateDisconnected,
		Spinner: s,
		now:     time.Now,
	}
}

func (m Monitor) Init() tea.Cmd {
	return m.Spinner.Tick
}

func (m Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "c":
			m.lines = nil
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd

	case NotificationMsg:
		m = m.apply(msg.Notification)
	}
	return m, nil
}

func (m Monitor) apply(n client.Notification) Monitor {
	switch n := n.(type) {
	case client.StateChanged:
		m.State = n.To
		m = m.log(fmt.Sprintf("state %s → %s", n.From, n.To))
	case client.Connected:
		m = m.log("connected to " + n.Host)
	case client.Authenticated:
		if n.Token != nil {
			m.Expiry = n.Token.ValidUntil
			m = m.log("authenticated, token valid until " + n.Token.ValidUntil.Local().Format(time.RFC3339))
		}
	case client.Ready:
		m.Err = nil
	case client.Disconnected:
		m = m.log("disconnected: " + n.Reason)
	case client.Events:
		m.Events += len(n.Events)
		for _, ev := range n.Events {
			m = m.log(ev.String())
		}
	case client.Text:
		m = m.log(n.Message.String())
	case client.File:
		m = m.log("file " + n.Message.Filename)
	case client.Keepalive:
		m.Keepalives++
	case client.OutOfService:
		m = m.log("miniserver is going out of service")
	case client.Error:
		m.Err = n.Err
		m = m.log("error: " + n.Err.Error())
	}
	return m
}

func (m Monitor) log(text string) Monitor {
	m.lines = append(m.lines, logLine{at: m.now(), text: text})
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	return m
}

func (m Monitor) View() string {
	width := m.Width
	if width == 0 {
		width = GetTerminalWidth()
	}

	status := StateStyle(m.State).Render(string(m.State))
	if m.State != client.StateReady && m.State != client.StateDisconnected {
		status = m.Spinner.View() + " " + status
	}

	header := NewHeader("Miniserver monitor", "", map[string]string{
		"Host":  m.Host,
		"State": status,
	}).SetWidth(width).Render()

	stats := fmt.Sprintf("  events %d   keepalives %d", m.Events, m.Keepalives)
	if !m.Expiry.IsZero() {
		stats += "   token until " + m.Expiry.Local().Format("2006-01-02 15:04")
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(HelpStyle.Render(stats))
	b.WriteString("\n")
	if m.Err != nil {
		b.WriteString(ErrorMessageStyle.Render("  " + m.Err.Error()))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	for _, line := range m.visible() {
		b.WriteString("  ")
		b.WriteString(EventTimeStyle.Render(line.at.Format("15:04:05")))
		b.WriteString(" ")
		b.WriteString(EventNameStyle.Render(line.text))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(HelpStyle.Render("q quit • c clear"))
	return b.String()
}

// visible returns the tail of the log that fits the window
func (m Monitor) visible() []logLine {
	rows := len(m.lines)
	if m.Height > 0 {
		// header box, stats, error, spacing and help
		rows = m.Height - 12
		if rows < 1 {
			rows = 1
		}
	}
	if rows >= len(m.lines) {
		return m.lines
	}
	return m.lines[len(m.lines)-rows:]
}
