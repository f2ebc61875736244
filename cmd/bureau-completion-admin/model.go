// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/completion-backend/adminstats"
	"github.com/bureau-foundation/completion-backend/lib/tui"
)

// pollInterval controls how often the dashboard re-polls the admin
// socket. Short enough to feel live, long enough not to matter if the
// orchestrator is briefly unreachable during a restart.
const pollInterval = 2 * time.Second

// model is the top-level bubbletea model for the admin dashboard. It
// holds the most recently fetched snapshot (or an error, if the last
// poll failed) and redraws on every tick.
type model struct {
	socketPath string
	theme      tui.Theme

	snapshot  adminstats.Snapshot
	lastErr   error
	lastPoll  time.Time
	connected bool

	width, height int
}

func newModel(socketPath string) model {
	return model{
		socketPath: socketPath,
		theme:      tui.DefaultTheme,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(pollCmd(m.socketPath), tea.Tick(pollInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	}))
}

type tickMsg struct{}

type statsMsg struct {
	snapshot adminstats.Snapshot
	err      error
}

func pollCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		snapshot, err := fetchStats(socketPath)
		return statsMsg{snapshot: snapshot, err: err}
	}
}

func (m model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := message.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(pollCmd(m.socketPath), tea.Tick(pollInterval, func(time.Time) tea.Msg {
			return tickMsg{}
		}))

	case statsMsg:
		m.lastPoll = time.Now()
		if msg.err != nil {
			m.connected = false
			m.lastErr = msg.err
		} else {
			m.connected = true
			m.lastErr = nil
			m.snapshot = msg.snapshot
		}
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	header := lipgloss.NewStyle().Bold(true).Foreground(m.theme.HeaderForeground).Render("bureau-completion admin")
	help := lipgloss.NewStyle().Foreground(m.theme.HelpText).Render("q to quit")

	if !m.connected {
		status := lipgloss.NewStyle().Foreground(m.theme.StatusColor(tui.StatusFailed)).Render("orchestrator unreachable")
		detail := ""
		if m.lastErr != nil {
			detail = lipgloss.NewStyle().Foreground(m.theme.FaintText).Render(m.lastErr.Error())
		}
		return fmt.Sprintf("%s\n\n%s\n%s\n\n%s\n", header, status, detail, help)
	}

	rows := []string{
		m.statRow("connections", fmt.Sprintf("%d", m.snapshot.Connections), tui.StatusCompleted),
		m.statRow("inference queue depth", fmt.Sprintf("%d", m.snapshot.InferenceDepth), depthStatus(m.snapshot.InferenceDepth)),
		m.statRow("persist queue depth", fmt.Sprintf("%d", m.snapshot.PersistDepth), depthStatus(m.snapshot.PersistDepth)),
		m.statRow("uptime", formatUptime(m.snapshot.UptimeSeconds), tui.StatusCompleted),
	}

	body := lipgloss.JoinVertical(lipgloss.Left, rows...)
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.theme.BorderColor).
		Padding(1, 2).
		Render(body)

	return fmt.Sprintf("%s\n\n%s\n\n%s\n", header, box, help)
}

func (m model) statRow(label, value, status string) string {
	labelStyle := lipgloss.NewStyle().Foreground(m.theme.NormalText).Width(24)
	valueStyle := lipgloss.NewStyle().Bold(true).Foreground(m.theme.StatusColor(status))
	return labelStyle.Render(label) + valueStyle.Render(value)
}

// depthStatus flags a queue as stalled once it backs up past a small
// threshold, so a growing backlog is visible without needing a
// separate alerting path.
func depthStatus(depth int64) string {
	if depth > 100 {
		return tui.StatusStalled
	}
	return tui.StatusCompleted
}

func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", hours, minutes)
}
