package ui

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/muurk/subnet-authority/internal/model"
)

// Messages for the event stream
type eventMsg struct{ ev model.BrowserEvent }
type streamClosedMsg struct{}

// scanKeyMap defines key bindings for the scan screen
type scanKeyMap struct {
	Quit key.Binding
}

// ShortHelp returns keybindings to be shown in the mini help view
func (k scanKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Quit}
}

// FullHelp returns keybindings for the expanded help view
func (k scanKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Quit}}
}

// ScanModel is a live view of a browser event stream. It ends when the
// stream closes or the user quits.
type ScanModel struct {
	events  <-chan model.BrowserEvent
	entries map[model.Key]*model.ServiceEntry
	types   map[string]struct{}
	now     func() time.Time
	started time.Time

	spinner spinner.Model
	help    help.Model
	keys    scanKeyMap
	width   int
	done    bool
}

// NewScanModel creates a scan view reading from events.
func NewScanModel(events <-chan model.BrowserEvent) ScanModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = TitleStyle

	return ScanModel{
		events:  events,
		entries: make(map[model.Key]*model.ServiceEntry),
		types:   make(map[string]struct{}),
		now:     time.Now,
		started: time.Now(),
		spinner: s,
		help:    help.New(),
		keys: scanKeyMap{
			Quit: key.NewBinding(
				key.WithKeys("q", "esc", "ctrl+c"),
				key.WithHelp("q", "quit"),
			),
		},
	}
}

// Init starts the spinner and the first read from the stream.
func (m ScanModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func waitForEvent(events <-chan model.BrowserEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{ev: ev}
	}
}

// Update handles messages and updates the model
func (m ScanModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			m.done = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case eventMsg:
		m.apply(msg.ev)
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m ScanModel) apply(ev model.BrowserEvent) {
	switch ev.Kind {
	case model.EventDiscovered:
		m.types[ev.ServiceType] = struct{}{}
	case model.EventResolved:
		e := ev.Entry.Clone()
		now := m.now()
		if prev, ok := m.entries[e.Key()]; ok {
			e.FirstSeen = prev.FirstSeen
		} else {
			e.FirstSeen = now
		}
		e.LastSeen = now
		m.entries[e.Key()] = e
		m.types[e.ServiceType] = struct{}{}
	case model.EventRemoved:
		if e, ok := m.entries[ev.Key()]; ok {
			e.Alive = false
		}
	}
}

// Entries returns what the scan has seen, ordered by key.
func (m ScanModel) Entries() []*model.ServiceEntry {
	out := make([]*model.ServiceEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *model.ServiceEntry) int { return a.Key().Compare(b.Key()) })
	return out
}

// View renders the scan screen
func (m ScanModel) View() string {
	var b strings.Builder

	elapsed := m.now().Sub(m.started).Round(time.Second)
	status := fmt.Sprintf("%d service types, %d instances (%s)", len(m.types), len(m.entries), elapsed)
	if m.done {
		b.WriteString(TitleStyle.Render("SCAN COMPLETE") + "  " + MutedStyle.Render(status))
	} else {
		b.WriteString(m.spinner.View() + TitleStyle.Render("SCANNING") + "  " + MutedStyle.Render(status))
	}
	b.WriteString("\n")

	if len(m.entries) > 0 {
		b.WriteString(ServicesTable(m.Entries(), m.now(), min(m.width, MaxContentWidth)))
		b.WriteString("\n")
	}
	if !m.done {
		b.WriteString(MutedStyle.Render(m.help.View(m.keys)))
		b.WriteString("\n")
	}
	return b.String()
}

// RunScan shows the live scan view on w until events closes or the user
// quits, and returns what was seen.
func RunScan(events <-chan model.BrowserEvent, w io.Writer) ([]*model.ServiceEntry, error) {
	p := tea.NewProgram(NewScanModel(events), tea.WithOutput(w))
	final, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to run scan view: %w", err)
	}
	return final.(ScanModel).Entries(), nil
}

// Collect reads events until the stream closes and returns what was seen,
// for output that is not a terminal.
func Collect(events <-chan model.BrowserEvent) []*model.ServiceEntry {
	m := NewScanModel(events)
	for ev := range events {
		m.apply(ev)
	}
	return m.Entries()
}
