package ui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func TestRosterViewEmpty(t *testing.T) {
	if got := RosterView(nil); !strings.Contains(got, "Nobody else is here yet") {
		t.Fatalf("empty roster = %q", got)
	}
}

func TestRosterViewRows(t *testing.T) {
	got := RosterView([]PeerRow{
		{ID: "alpha", Name: "laptop", Polite: true, State: "connected"},
		{ID: "bravo", State: "checking"},
	})
	for _, want := range []string{"Peer", "State", "alpha", "laptop", "polite", "connected", "bravo", "impolite", "checking"} {
		if !strings.Contains(got, want) {
			t.Errorf("roster missing %q:\n%s", want, got)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestRosterModelUpdates(t *testing.T) {
	var said []string
	ui := NewRosterUI("home", "me", func(body string) { said = append(said, body) })
	m := ui.model

	m.Update(peersMsg{{ID: "alpha", State: "new"}})
	m.Update(statusMsg("In room home"))
	m.Update(chatMsg{from: "laptop", body: "hi there"})

	view := m.View()
	for _, want := range []string{"home", "alpha", "In room home", "hi there"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}

	m.input.SetValue("  hello  ")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatalf("enter produced no command")
	}
	cmd()
	if len(said) != 1 || said[0] != "hello" {
		t.Fatalf("said = %v", said)
	}
	if m.input.Value() != "" {
		t.Fatalf("input not cleared: %q", m.input.Value())
	}

	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil {
		t.Fatalf("empty line submitted")
	}

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("esc did not quit")
	}
	if m.View() != "" {
		t.Fatalf("view after quit = %q", m.View())
	}
}

func TestChatKeepsRecentLines(t *testing.T) {
	ui := NewRosterUI("home", "me", nil)
	m := ui.model
	for i := 0; i < maxChatLines+3; i++ {
		m.Update(chatMsg{from: "p", body: strings.Repeat("x", i+1)})
	}
	if len(m.lines) != maxChatLines {
		t.Fatalf("kept %d lines", len(m.lines))
	}
	if !strings.HasSuffix(m.lines[len(m.lines)-1], strings.Repeat("x", maxChatLines+3)) {
		t.Fatalf("newest line lost: %q", m.lines[len(m.lines)-1])
	}
}

func TestRoomsTable(t *testing.T) {
	got := RoomsTable("ws://localhost:8080/portal", []string{"coffee-chat", "home"})
	for _, want := range []string{"coffee-chat", "ws://localhost:8080/portal?room=home", "JOIN URL"} {
		if !strings.Contains(got, want) {
			t.Errorf("rooms table missing %q:\n%s", want, got)
		}
	}
	if got := joinURL("ws://h/p?x=1", "a b"); got != "ws://h/p?room=a+b&x=1" {
		t.Fatalf("joinURL = %q", got)
	}
}
