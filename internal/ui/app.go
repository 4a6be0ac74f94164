// Package ui provides the terminal status view: radio and link state, the
// two shot counters and the last error, with keys to start scanning and
// to disconnect.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/shotsync/internal/state"
)

// Controller is the engine surface the view drives.
type Controller interface {
	Start()
	Disconnect()
	Snapshot() state.Snapshot
}

// Options configures the UI.
type Options struct {
	Context    context.Context // quitting the engine closes the view
	Controller Controller
	PollTick   time.Duration
	DeviceHint string // name token shown while scanning
}

// Model is the root application state for Bubble Tea.
type Model struct {
	ctrl       Controller
	pollTick   time.Duration
	deviceHint string

	keys   keyMap
	help   help.Model
	styles Styles

	snapshot    state.Snapshot
	lastUpdated time.Time
	width       int
}

// New creates a new Bubble Tea model.
func New(opts Options) Model {
	pollTick := opts.PollTick
	if pollTick == 0 {
		pollTick = 250 * time.Millisecond
	}
	return Model{
		ctrl:       opts.Controller,
		pollTick:   pollTick,
		deviceHint: opts.DeviceHint,
		keys:       DefaultKeyMap(),
		help:       help.New(),
		styles:     DefaultStyles(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(m.pollTick), fetchSnapshotCmd(m.ctrl))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tickMsg:
		return m, tea.Batch(tickCmd(m.pollTick), fetchSnapshotCmd(m.ctrl))

	case snapshotMsg:
		m.snapshot = state.Snapshot(msg)
		m.lastUpdated = time.Now()
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Start):
		m.ctrl.Start()
		return m, fetchSnapshotCmd(m.ctrl)
	case key.Matches(msg, m.keys.Disconnect):
		m.ctrl.Disconnect()
		return m, fetchSnapshotCmd(m.ctrl)
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	s := m.styles
	snap := m.snapshot

	rows := []string{
		m.row("Radio", m.radioText()),
		m.row("Status", m.statusText()),
		m.row("Device", m.deviceText()),
		"",
		m.row("Today", s.Counter.Render(fmt.Sprintf("%d", snap.Today))),
		m.row("Yesterday", s.Counter.Render(fmt.Sprintf("%d", snap.Yesterday))),
	}
	if snap.LastError != "" {
		rows = append(rows, "", m.row("Error", s.Danger.Render(snap.LastError)))
	}

	var b strings.Builder
	b.WriteString(s.Title.Render("shotsync"))
	b.WriteString("\n")
	b.WriteString(s.Panel.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	b.WriteString("\n")
	return b.String()
}

func (m Model) row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, m.styles.Label.Render(label), value)
}

func (m Model) radioText() string {
	if m.snapshot.RadioReady {
		return m.styles.Success.Render("on")
	}
	return m.styles.Danger.Render("off")
}

func (m Model) statusText() string {
	s := m.styles
	switch m.snapshot.Phase {
	case state.PhaseScanning:
		if m.deviceHint != "" {
			return s.Warning.Render("scanning for " + m.deviceHint + "…")
		}
		return s.Warning.Render("scanning…")
	case state.PhaseConnected:
		return s.Success.Render("connected")
	default:
		return s.Muted.Render("idle")
	}
}

func (m Model) deviceText() string {
	dev := m.snapshot.Device
	if dev == nil {
		return m.styles.Muted.Render("-")
	}
	if dev.Name == "" {
		return m.styles.Value.Render(dev.ID)
	}
	return m.styles.Value.Render(fmt.Sprintf("%s (%s)", dev.Name, dev.ID))
}

// Messages

type tickMsg time.Time

type snapshotMsg state.Snapshot

// Commands

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSnapshotCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg(ctrl.Snapshot())
	}
}

// Run starts the Bubble Tea program and blocks until the user quits or
// opts.Context is done.
func Run(opts Options) error {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	p := tea.NewProgram(New(opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
