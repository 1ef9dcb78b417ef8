package ui

import (
	"fmt"
	"net/url"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// RoomsTable lists the rooms a server provides and the URL each is joined
// with. base is the public signaling URL, e.g. ws://localhost:8080/portal.
func RoomsTable(base string, rooms []string) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("%s Rooms", IconRoom))
	t.AppendHeader(table.Row{"#", "Room", "Join URL"})
	for i, room := range rooms {
		t.AppendRow(table.Row{i + 1, room, joinURL(base, room)})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 2, Colors: text.Colors{text.FgCyan}},
	})
	return t.Render()
}

// RenderRooms prints RoomsTable to stdout.
func RenderRooms(base string, rooms []string) {
	fmt.Println(RoomsTable(base, rooms))
}

func joinURL(base, room string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("room", room)
	u.RawQuery = q.Encode()
	return u.String()
}
