package ui

import (
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/muurk/subnet-authority/internal/discovery"
	"github.com/muurk/subnet-authority/internal/model"
)

const (
	stateAlive = "alive"
	stateDead  = "dead"
)

// serviceHeaders are the ServicesTable columns; stateColumn indexes STATE.
var serviceHeaders = []string{"TYPE", "INSTANCE", "HOST", "PORT", "ADDRESSES", "STATE", "LAST SEEN"}

const stateColumn = 5

// ServicesTable renders one row per entry. LAST SEEN is shown relative to
// now. A width of 0 lets the table size itself.
func ServicesTable(entries []*model.ServiceEntry, now time.Time, width int) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, serviceRow(e, now))
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(PrimaryColor)).
		Headers(serviceHeaders...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case col == stateColumn && row >= 0 && row < len(rows):
				if rows[row][stateColumn] == stateAlive {
					return AliveStyle
				}
				return DeadStyle
			}
			return TableCellStyle
		})
	if width > 0 {
		t = t.Width(width)
	}
	return t.String()
}

func serviceRow(e *model.ServiceEntry, now time.Time) []string {
	addrs := make([]string, len(e.Addresses))
	for i, a := range e.Addresses {
		addrs[i] = a.String()
	}
	state := stateDead
	if e.Alive {
		state = stateAlive
	}
	return []string{
		e.ServiceType,
		e.Instance,
		e.Hostname,
		strconv.Itoa(int(e.Port)),
		strings.Join(addrs, ", "),
		state,
		Age(now, e.LastSeen),
	}
}

// PeersTable renders the subnet authorities found on the link.
func PeersTable(peers []*discovery.Peer, width int) string {
	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		prefix := ""
		if p.Prefix.IsValid() {
			prefix = p.Prefix.String()
		}
		rows = append(rows, []string{p.Instance, p.Zone, prefix, p.BaseURL(), p.ID, p.Version})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(PrimaryColor)).
		Headers("INSTANCE", "ZONE", "PREFIX", "API", "ID", "VERSION").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			return TableCellStyle
		})
	if width > 0 {
		t = t.Width(width)
	}
	return t.String()
}

// Age formats the time since t in whole seconds, e.g. "42s ago" or
// "3m5s ago". A zero t renders as "never".
func Age(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}
