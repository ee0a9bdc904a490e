// package ui renders a live now-playing view over a session manager.
//
// The model is a plain consumer of the session fan-out: a [Forwarder]
// registered as a listener marshals snapshots from the dispatch goroutine
// into the bubbletea program via Program.Send.
package ui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/ytmd-tools/ytmdctl/internal/models"
	"github.com/ytmd-tools/ytmdctl/internal/session"
)

const commandTimeout = 10 * time.Second

// SnapshotMsg carries a published snapshot into the Update loop.
type SnapshotMsg models.Snapshot

// errMsg reports a failed command.
type errMsg struct{ err error }

// Forwarder adapts the session fan-out to bubbletea message passing. It is
// registered as a listener and called from the session's dispatch goroutine;
// Program.Send is the thread-safe handoff into the UI's own loop.
type Forwarder struct {
	program *tea.Program
}

func NewForwarder(p *tea.Program) *Forwarder {
	return &Forwarder{program: p}
}

// OnState implements session.Listener.
func (f *Forwarder) OnState(snap models.Snapshot) {
	f.program.Send(SnapshotMsg(snap))
}

// Model is the now-playing TUI state.
type Model struct {
	manager *session.Manager
	np      models.NowPlaying
	empty   bool
	err     error
	width   int
	spin    spinner.Model
	help    help.Model
	keys    keyMap
}

type keyMap struct {
	toggle   key.Binding
	next     key.Binding
	previous key.Binding
	quit     key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		toggle: key.NewBinding(
			key.WithKeys(" "),
			key.WithHelp("space", "play/pause"),
		),
		next: key.NewBinding(
			key.WithKeys("n", "right"),
			key.WithHelp("n", "next"),
		),
		previous: key.NewBinding(
			key.WithKeys("p", "left"),
			key.WithHelp("p", "previous"),
		),
		quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.toggle, k.next, k.previous, k.quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.toggle, k.next}, {k.previous, k.quit}}
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	artistStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	stateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("40"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle    = lipgloss.NewStyle().Padding(1, 2)
)

// NewModel creates the now-playing view over an already constructed manager.
func NewModel(manager *session.Manager) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		manager: manager,
		empty:   true,
		spin:    sp,
		help:    help.New(),
		keys:    newKeyMap(),
	}
}

func (m Model) Init() tea.Cmd {
	return m.spin.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case SnapshotMsg:
		snap := models.Snapshot(msg)
		m.empty = snap.Empty()
		m.np = models.NowPlayingFrom(snap)
		m.err = nil
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.toggle):
			if m.np.State == models.StatePlaying {
				return m, m.command(models.CmdPause, nil)
			}
			return m, m.command(models.CmdPlay, nil)
		case key.Matches(msg, m.keys.next):
			return m, m.command(models.CmdNext, nil)
		case key.Matches(msg, m.keys.previous):
			return m, m.command(models.CmdPrevious, nil)
		}
	}

	return m, nil
}

// command issues a player command off the Update loop.
func (m Model) command(name string, data any) tea.Cmd {
	manager := m.manager
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if _, err := manager.Command(ctx, name, data); err != nil {
			return errMsg{err: err}
		}
		return nil
	}
}

func (m Model) View() string {
	var body string

	switch {
	case m.manager.State() != session.Connected:
		body = fmt.Sprintf("%s waiting for server (%s)...", m.spin.View(), m.manager.State())
	case m.empty:
		body = faintStyle.Render("connected, nothing playing")
	default:
		line := titleStyle.Render(m.np.Title)
		if m.np.Artist != "" {
			line += "\n" + artistStyle.Render(m.np.Artist)
		}
		if m.np.Album != "" {
			line += "\n" + faintStyle.Render(m.np.Album)
		}
		line += "\n\n" + stateStyle.Render(string(m.np.State))
		if m.np.Volume >= 0 {
			line += faintStyle.Render(fmt.Sprintf("  vol %d%%", int(m.np.Volume*100)))
		}
		if m.np.Shuffle {
			line += faintStyle.Render("  shuffle")
		}
		body = line
	}

	if m.err != nil {
		body += "\n\n" + errorStyle.Render(fmt.Sprintf("command failed: %v", m.err))
	}

	return boxStyle.Render(body) + "\n" + m.help.View(m.keys)
}
