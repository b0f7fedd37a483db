// Package tui is the terminal front end of the agent.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"nuha.dev/gpsagent/internal/gps"
	"nuha.dev/gpsagent/internal/viewctl"
)

const refreshEvery = 500 * time.Millisecond

type Controller interface {
	Login(ctx context.Context, host, username, password string) error
	Logout(ctx context.Context) error
	StartTracking() error
	StopTracking() error
	ViewRoster(group string) error
	SetGroup(group string) error
	Back() error
	Refresh(ctx context.Context) error
	Snapshot() *viewctl.Snapshot
}

const (
	fieldHost = iota
	fieldUsername
	fieldPassword
	fieldCount
)

type tickMsg time.Time

// resultMsg carries the outcome of a controller call made off the UI loop.
type resultMsg struct {
	err error
}

type Model struct {
	ctl     Controller
	snap    *viewctl.Snapshot
	inputs  []textinput.Model
	focus   int
	group   textinput.Model
	roster  table.Model
	busy    bool
	errMsg  string
	timeout time.Duration
	width   int
}

// NewModel builds the UI. host pre-fills the login form.
func NewModel(ctl Controller, host string) Model {
	m := Model{ctl: ctl, timeout: 30 * time.Second}
	m.inputs = make([]textinput.Model, fieldCount)
	for i := range m.inputs {
		ti := textinput.New()
		ti.CharLimit = 128
		ti.Width = 40
		m.inputs[i] = ti
	}
	m.inputs[fieldHost].Placeholder = "tracker.example.org"
	m.inputs[fieldHost].SetValue(host)
	m.inputs[fieldUsername].Placeholder = "username"
	m.inputs[fieldPassword].Placeholder = "password"
	m.inputs[fieldPassword].EchoMode = textinput.EchoPassword
	m.inputs[fieldPassword].EchoCharacter = '•'
	m.inputs[fieldHost].Focus()

	m.group = textinput.New()
	m.group.Placeholder = "user group"
	m.group.CharLimit = 150
	m.group.Width = 30

	m.roster = table.New(
		table.WithColumns([]table.Column{
			{Title: "USER", Width: 16},
			{Title: "LATITUDE", Width: 12},
			{Title: "LONGITUDE", Width: 12},
			{Title: "ALTITUDE", Width: 10},
			{Title: "ACCURACY", Width: 10},
			{Title: "UPDATED", Width: 20},
		}),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	m.roster.SetStyles(s)
	m.snap = ctl.Snapshot()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) run(fn func(ctx context.Context) error) tea.Cmd {
	timeout := m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return resultMsg{err: fn(ctx)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tick()

	case resultMsg:
		m.busy = false
		if msg.err != nil {
			m.errMsg = msg.err.Error()
		} else {
			m.errMsg = ""
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		if m.busy {
			return m, nil
		}
		switch m.snap.State {
		case viewctl.LoggedOut:
			return m.updateLogin(msg)
		case viewctl.Tracking:
			return m.updateTracking(msg)
		case viewctl.Viewing:
			return m.updateViewing(msg)
		}
	}
	return m, nil
}

func (m *Model) refresh() {
	prev := m.snap.State
	m.snap = m.ctl.Snapshot()
	if prev != m.snap.State {
		m.errMsg = ""
		if m.snap.State == viewctl.Viewing {
			m.group.Focus()
		} else {
			m.group.Blur()
		}
	}
	rows := make([]table.Row, 0, len(m.snap.Roster))
	for _, e := range m.snap.Roster {
		rows = append(rows, rosterRow(e))
	}
	m.roster.SetRows(rows)
}

func rosterRow(e gps.RosterEntry) table.Row {
	return table.Row{
		e.MemberID,
		fmt.Sprintf("%.6f", e.Latitude),
		fmt.Sprintf("%.6f", e.Longitude),
		optional(e.Altitude, "%.1f"),
		optional(e.Accuracy, "%.1f"),
		e.Timestamp.Local().Format("2006-01-02 15:04:05"),
	}
}

func optional(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func (m Model) updateLogin(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		return m, tea.Quit
	case tea.KeyTab, tea.KeyDown:
		m.setFocus((m.focus + 1) % fieldCount)
		return m, nil
	case tea.KeyShiftTab, tea.KeyUp:
		m.setFocus((m.focus + fieldCount - 1) % fieldCount)
		return m, nil
	case tea.KeyEnter:
		if m.focus < fieldPassword {
			m.setFocus(m.focus + 1)
			return m, nil
		}
		host := m.inputs[fieldHost].Value()
		user := m.inputs[fieldUsername].Value()
		pass := m.inputs[fieldPassword].Value()
		m.busy = true
		m.errMsg = ""
		m.inputs[fieldPassword].SetValue("")
		return m, m.run(func(ctx context.Context) error {
			return m.ctl.Login(ctx, host, user, pass)
		})
	}
	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

func (m *Model) setFocus(i int) {
	m.inputs[m.focus].Blur()
	m.focus = i
	m.inputs[m.focus].Focus()
}

func (m Model) updateTracking(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		return m, tea.Quit
	case "s":
		return m.now(m.ctl.StartTracking)
	case "x":
		return m.now(m.ctl.StopTracking)
	case "v":
		return m.now(func() error { return m.ctl.ViewRoster(m.group.Value()) })
	case "l":
		m.busy = true
		return m, m.run(m.ctl.Logout)
	}
	return m, nil
}

func (m Model) updateViewing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		return m.now(m.ctl.Back)
	case tea.KeyEnter:
		group := m.group.Value()
		return m.now(func() error { return m.ctl.SetGroup(group) })
	case tea.KeyCtrlR:
		m.busy = true
		return m, m.run(m.ctl.Refresh)
	}
	var cmd tea.Cmd
	m.group, cmd = m.group.Update(msg)
	return m, cmd
}

// now runs a controller call that does not block on the network.
func (m Model) now(fn func() error) (tea.Model, tea.Cmd) {
	if err := fn(); err != nil {
		m.errMsg = err.Error()
	} else {
		m.errMsg = ""
	}
	m.refresh()
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	switch m.snap.State {
	case viewctl.LoggedOut:
		b.WriteString(titleStyle.Render("GPS Tracker Login"))
		b.WriteString("\n")
		labels := []string{"Host", "Username", "Password"}
		for i, in := range m.inputs {
			b.WriteString(labelStyle.Render(labels[i]) + in.View() + "\n")
		}
		if m.busy {
			b.WriteString(subtleStyle.Render("Logging in...") + "\n")
		}
		b.WriteString(helpStyle.Render("tab: next field • enter: login • esc: quit"))
	case viewctl.Tracking:
		b.WriteString(titleStyle.Render("GPS Tracker"))
		b.WriteString("\n")
		b.WriteString(subtleStyle.Render("Host: "+m.snap.Host) + "\n")
		state := "stopped"
		if m.snap.Tracking {
			state = activeStyle.Render(m.snap.TrackerState.String())
		}
		b.WriteString("Tracking: " + state + "\n")
		if m.snap.RetryDepth > 0 {
			b.WriteString(subtleStyle.Render(fmt.Sprintf("%d sample(s) waiting to be resent", m.snap.RetryDepth)) + "\n")
		}
		b.WriteString(statusStyle.Render(m.snap.Status))
		help := "s: start • x: stop • l: logout • q: quit"
		if m.snap.Tracking {
			help = "s: start • x: stop • v: view other users' positions • l: logout • q: quit"
		}
		b.WriteString("\n" + helpStyle.Render(help))
	case viewctl.Viewing:
		b.WriteString(titleStyle.Render("Other Users' Positions"))
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("Group") + m.group.View() + "\n\n")
		if m.snap.RosterError != "" {
			b.WriteString(errorStyle.Render(m.snap.RosterError) + "\n")
		} else if m.snap.Group != "" && len(m.snap.Roster) == 0 {
			b.WriteString(subtleStyle.Render("No positions for this group yet") + "\n")
		} else {
			b.WriteString(m.roster.View() + "\n")
		}
		if m.snap.LastPoll != nil {
			b.WriteString(subtleStyle.Render("Updated "+m.snap.LastPoll.Local().Format("15:04:05")) + "\n")
		}
		b.WriteString(statusStyle.Render(m.snap.Status))
		b.WriteString("\n" + helpStyle.Render("enter: set group • ctrl+r: refresh • esc: back"))
	}
	if m.errMsg != "" {
		b.WriteString("\n" + errorStyle.Render(m.errMsg))
	}
	return b.String() + "\n"
}

// Run starts the UI and blocks until the user quits.
func Run(ctl Controller, host string) error {
	_, err := tea.NewProgram(NewModel(ctl, host), tea.WithAltScreen()).Run()
	return err
}
