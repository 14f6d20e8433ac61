// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/atlink/pkg/atlink"
)

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for notifications
}

// Module state as announced by notifications
type moduleStatus struct {
	wifi    string
	mqtt    string
	lastURC string
	urcAt   time.Time
}

// TUI model
type model struct {
	ctx           context.Context
	link          *atlink.Link
	connInfo      string
	statsInterval int
	showAll       bool
	stats         atlink.Statistics
	eventLog      []logEntry
	maxLogEntries int
	status        moduleStatus
	input         textinput.Model
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type lineMsg struct {
	at   time.Time
	line string
}
type callResultMsg struct {
	command string
	line    string
	ok      bool
}

// formatUptime formats a duration in milliseconds as a human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	plural := func(n uint64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialModel(ctx context.Context, link *atlink.Link, connInfo string, statsInterval int, showAll bool) model {
	ti := textinput.New()
	ti.Placeholder = "AT+CWJAP?"
	ti.Prompt = "at> "
	ti.CharLimit = 256
	ti.Width = 60
	ti.Focus()

	return model{
		ctx:           ctx,
		link:          link,
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         link.Stats(),
		eventLog:      make([]logEntry, 0),
		maxLogEntries: 100,
		status:        moduleStatus{wifi: "UNKNOWN", mqtt: "UNKNOWN"},
		input:         ti,
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		textinput.Blink,
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// callCmd runs a command on the link without blocking the UI
func (m model) callCmd(command string) tea.Cmd {
	return func() tea.Msg {
		line, ok := m.link.SendCustomCommand(m.ctx, command, atlink.TokenOK, 2*time.Second)
		return callResultMsg{command: command, line: line, ok: ok}
	}
}

// update tracks module state from a notification line
func (s *moduleStatus) update(at time.Time, line string) {
	switch {
	case strings.Contains(line, atlink.TokenWiFiGotIP):
		s.wifi = "CONNECTED"
	case strings.Contains(line, atlink.TokenWiFiDisconnect):
		s.wifi = "DISCONNECTED"
	case strings.Contains(line, atlink.TokenMQTTDisconnected):
		s.mqtt = "DISCONNECTED"
	case strings.Contains(line, atlink.TokenMQTTConnected):
		s.mqtt = "CONNECTED"
	}
	if atlink.Classify(line) == atlink.LineURC {
		s.lastURC = line
		s.urcAt = at
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			command := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if command == "" {
				return m, nil
			}
			m.addLogEntry(m.link.Clock().Now(), "> "+command, false)
			return m, m.callCmd(command)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(msg.Width-10, 10)

	case tickMsg:
		m.stats = m.link.Stats()
		return m, tickCmd()

	case lineMsg:
		m.status.update(msg.at, msg.line)
		if m.showAll || notable(msg.line) {
			class := atlink.Classify(msg.line)
			failed := msg.line == atlink.TokenError || msg.line == atlink.TokenFail
			m.addLogEntry(msg.at, fmt.Sprintf("%-6s %s", class, msg.line), failed)
		}
		return m, nil

	case callResultMsg:
		if !msg.ok {
			m.addLogEntry(m.link.Clock().Now(), fmt.Sprintf("%s: no OK", msg.command), true)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) addLogEntry(at time.Time, message string, isError bool) {
	m.eventLog = append(m.eventLog, logEntry{
		timestamp: at,
		message:   message,
		isError:   isError,
	})

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	stateStyle := func(state string) string {
		if state == "CONNECTED" {
			return statsValueStyle.Render(state)
		}
		return warningStyle.Render(state)
	}

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("ATLINK - LINK MONITOR"))
	s.WriteString("\n")
	mode := "Notifications and errors"
	if m.showAll {
		mode = "All lines"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | Enter sends, Esc quits", m.connInfo, mode)))
	s.WriteString("\n\n")

	// Statistics
	stats := m.stats
	var responsePercent float64
	if stats.Calls > 0 {
		responsePercent = float64(stats.Responses) * 100.0 / float64(stats.Calls)
	}
	uptime := uint64(stats.LastUpdateTime.Sub(stats.StartTime).Milliseconds())

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Lines:"), statsValueStyle.Render(fmt.Sprintf("%d", stats.Lines)),
		statsLabelStyle.Render("Bytes in/out:"), statsValueStyle.Render(fmt.Sprintf("%d / %d", stats.BytesIn, stats.BytesOut)),
		statsLabelStyle.Render("Calls:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%% answered)", stats.Calls, responsePercent)),
	))

	if stats.Errors() > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d, %s: %d, %s: %d, %s: %d)\n",
			statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d", stats.Errors())),
			headerStyle.Render("timeouts"), stats.Timeouts,
			headerStyle.Render("dropped"), stats.DroppedChunks,
			headerStyle.Render("poll"), stats.PollErrors,
			headerStyle.Render("write"), stats.WriteErrors,
			headerStyle.Render("panics"), stats.HandlerPanics,
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		statsLabelStyle.Render("Line Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f lines/s", stats.LineRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if stats.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", stats.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", stats.ErrorRate))
		}(),
		statsLabelStyle.Render("Active:"), statsValueStyle.Render(formatUptime(uptime)),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Module state
	statusContent := strings.Builder{}
	statusContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %d",
		statsLabelStyle.Render("WiFi:"), stateStyle(m.status.wifi),
		statsLabelStyle.Render("MQTT:"), stateStyle(m.status.mqtt),
		statsLabelStyle.Render("Subscriptions:"), m.link.Table().Len(),
	))
	if m.status.lastURC != "" {
		statusContent.WriteString(fmt.Sprintf("\n%s %s %s",
			statsLabelStyle.Render("Last notification:"),
			headerStyle.Render(m.status.urcAt.Format("15:04:05")),
			m.status.lastURC,
		))
	}
	s.WriteString(boxStyle.Render(statusContent.String()))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 17 // Reserve space for header, stats and prompt
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))
	s.WriteString("\n")
	s.WriteString(m.input.View())

	return s.String()
}
