package ui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// maxChatLines is how much of the conversation stays on screen.
const maxChatLines = 8

// PeerRow is one member of the room as the roster shows it.
type PeerRow struct {
	ID     string
	Name   string
	Polite bool
	State  string
}

type peersMsg []PeerRow

type statusMsg string

type chatMsg struct {
	from string
	body string
}

// RosterUI shows the room's members and their connection state, and lets the
// user say something to all of them.
type RosterUI struct {
	program    *tea.Program
	model      *rosterModel
	updateChan chan tea.Msg
	done       chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
}

type rosterModel struct {
	room       string
	self       string
	status     string
	peers      []PeerRow
	lines      []string
	spinner    spinner.Model
	input      textinput.Model
	submit     func(string)
	updateChan chan tea.Msg
	quitting   bool
}

// NewRosterUI creates the roster for self in room. submit is called with
// every line the user enters.
func NewRosterUI(room, self string, submit func(string)) *RosterUI {
	updateChan := make(chan tea.Msg, 64)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	in := textinput.New()
	in.Placeholder = "say hello"
	in.CharLimit = 280
	in.Focus()

	model := &rosterModel{
		room:       room,
		self:       self,
		status:     "Connecting...",
		spinner:    s,
		input:      in,
		submit:     submit,
		updateChan: updateChan,
	}
	return &RosterUI{
		program:    tea.NewProgram(model),
		model:      model,
		updateChan: updateChan,
		done:       make(chan struct{}),
	}
}

// Start runs the UI in a goroutine
func (ui *RosterUI) Start() {
	ui.startOnce.Do(func() {
		go func() {
			defer close(ui.done)
			// Inline mode keeps previous terminal output visible
			if _, err := ui.program.Run(); err != nil {
				fmt.Printf("UI error: %v\n", err)
			}
		}()
	})
}

// Done is closed once the UI exits, including when the user quits.
func (ui *RosterUI) Done() <-chan struct{} {
	return ui.done
}

// SetPeers replaces the roster.
func (ui *RosterUI) SetPeers(peers []PeerRow) {
	ui.push(peersMsg(peers))
}

// SetStatus sets the line shown next to the spinner.
func (ui *RosterUI) SetStatus(status string) {
	ui.push(statusMsg(status))
}

// Chat appends a line said by from.
func (ui *RosterUI) Chat(from, body string) {
	ui.push(chatMsg{from: from, body: body})
}

func (ui *RosterUI) push(msg tea.Msg) {
	select {
	case ui.updateChan <- msg:
	case <-ui.done:
	}
}

// Stop stops the UI and waits for it to exit
func (ui *RosterUI) Stop() {
	ui.stopOnce.Do(func() {
		ui.program.Quit()
	})
	<-ui.done
}

func (m *rosterModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink, m.listenForUpdates())
}

func (m *rosterModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		return <-m.updateChan
	}
}

func (m *rosterModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			body := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if body == "" {
				return m, nil
			}
			m.appendLine(m.self, body)
			submit := m.submit
			return m, func() tea.Msg {
				if submit != nil {
					submit(body)
				}
				return nil
			}
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case peersMsg:
		m.peers = msg
		cmds = append(cmds, m.listenForUpdates())

	case statusMsg:
		m.status = string(msg)
		cmds = append(cmds, m.listenForUpdates())

	case chatMsg:
		m.appendLine(msg.from, msg.body)
		cmds = append(cmds, m.listenForUpdates())

	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *rosterModel) appendLine(from, body string) {
	m.lines = append(m.lines, fmt.Sprintf("%s %s", BoldStyle.Render(from+":"), body))
	if len(m.lines) > maxChatLines {
		m.lines = m.lines[len(m.lines)-maxChatLines:]
	}
}

func (m *rosterModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s %s as %s", IconRoom, m.room, m.self)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n\n", m.spinner.View(), m.status)
	b.WriteString(RosterView(m.peers))
	b.WriteString("\n\n")

	for _, line := range m.lines {
		fmt.Fprintf(&b, "%s %s\n", IconChat, line)
	}
	b.WriteString(m.input.View())
	b.WriteString("\n" + MutedStyle.Render("enter to send, esc to leave"))
	return b.String()
}

// RosterView renders peers as a table.
func RosterView(peers []PeerRow) string {
	if len(peers) == 0 {
		return MutedStyle.Render(IconWaiting + " Nobody else is here yet")
	}

	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		name := p.Name
		if name == "" {
			name = "-"
		}
		role := "impolite"
		if p.Polite {
			role = "polite"
		}
		rows = append(rows, []string{truncate(p.ID, 36), truncate(name, 24), role, p.State})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Peer", "Name", "Role", "State").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case col == 3 && row >= 0 && row < len(rows):
				return stateStyle(rows[row][3])
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		}).
		Render()
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "connected", "completed":
		return tableCellStyle.Foreground(Success)
	case "failed", "disconnected", "closed":
		return tableCellStyle.Foreground(Error)
	default:
		return tableCellStyle.Foreground(Muted)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
