package ui

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/subnet-authority/internal/discovery"
	"github.com/muurk/subnet-authority/internal/model"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func entry(serviceType, instance string, alive bool) *model.ServiceEntry {
	return &model.ServiceEntry{
		ServiceType: serviceType,
		Instance:    instance,
		Hostname:    instance + ".local.",
		Addresses:   []netip.Addr{netip.MustParseAddr("fd00::1"), netip.MustParseAddr("fd00::2")},
		Port:        631,
		Alive:       alive,
		FirstSeen:   t0,
		LastSeen:    t0,
		TTL:         4500,
	}
}

func TestAge(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{name: "zero", t: time.Time{}, want: "never"},
		{name: "seconds", t: t0.Add(-42 * time.Second), want: "42s ago"},
		{name: "minutes", t: t0.Add(-185 * time.Second), want: "3m5s ago"},
		{name: "future clamps", t: t0.Add(time.Minute), want: "0s ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Age(t0, tt.t))
		})
	}
}

func TestServicesTable(t *testing.T) {
	out := ServicesTable([]*model.ServiceEntry{
		entry("_ipp._tcp", "printer", true),
		entry("_ssh._tcp", "nas", false),
	}, t0.Add(10*time.Second), 0)

	for _, want := range []string{"INSTANCE", "printer", "nas", "fd00::1, fd00::2", "alive", "dead", "10s ago", "631"} {
		assert.Contains(t, out, want)
	}
}

func TestPeersTable(t *testing.T) {
	out := PeersTable([]*discovery.Peer{{
		Instance: "authority-a",
		Zone:     "home.arpa",
		Prefix:   netip.MustParsePrefix("fd00::/64"),
		Address:  netip.MustParseAddr("fd00::1"),
		APIPort:  8053,
		ID:       "b1e5c0de",
	}}, 0)

	for _, want := range []string{"authority-a", "home.arpa", "fd00::/64", "http://[fd00::1]:8053", "b1e5c0de"} {
		assert.Contains(t, out, want)
	}
}

func newTestScanModel(events <-chan model.BrowserEvent) ScanModel {
	m := NewScanModel(events)
	m.now = func() time.Time { return t0 }
	m.started = t0
	return m
}

func update(t *testing.T, m ScanModel, msg tea.Msg) (ScanModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	sm, ok := next.(ScanModel)
	require.True(t, ok)
	return sm, cmd
}

func TestScanModel_AppliesEvents(t *testing.T) {
	events := make(chan model.BrowserEvent, 1)
	m := newTestScanModel(events)

	m, cmd := update(t, m, eventMsg{ev: model.Discovered("_ipp._tcp")})
	assert.NotNil(t, cmd, "should keep reading the stream")

	m, _ = update(t, m, eventMsg{ev: model.Resolved(entry("_ipp._tcp", "printer", true))})
	m, _ = update(t, m, eventMsg{ev: model.Resolved(entry("_ssh._tcp", "nas", true))})
	m, _ = update(t, m, eventMsg{ev: model.Removed(model.Key{ServiceType: "_ssh._tcp", Instance: "nas"})})

	got := m.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "printer", got[0].Instance)
	assert.True(t, got[0].Alive)
	assert.Equal(t, "nas", got[1].Instance)
	assert.False(t, got[1].Alive)

	view := m.View()
	assert.Contains(t, view, "SCANNING")
	assert.Contains(t, view, "2 service types, 2 instances")
	assert.Contains(t, view, "printer")
}

func TestScanModel_ReadsFromStream(t *testing.T) {
	events := make(chan model.BrowserEvent, 1)
	events <- model.Discovered("_http._tcp")
	close(events)

	cmd := waitForEvent(events)
	assert.Equal(t, eventMsg{ev: model.Discovered("_http._tcp")}, cmd())
	assert.Equal(t, streamClosedMsg{}, cmd())
}

func TestScanModel_QuitsWhenStreamCloses(t *testing.T) {
	m := newTestScanModel(nil)

	m, cmd := update(t, m, streamClosedMsg{})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.True(t, strings.Contains(m.View(), "SCAN COMPLETE"))
}

func TestScanModel_QuitKey(t *testing.T) {
	m := newTestScanModel(nil)

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestCollect(t *testing.T) {
	events := make(chan model.BrowserEvent, 4)
	events <- model.Discovered("_ipp._tcp")
	events <- model.Resolved(entry("_ipp._tcp", "printer", true))
	events <- model.Resolved(entry("_ipp._tcp", "copier", true))
	events <- model.Removed(model.Key{ServiceType: "_ipp._tcp", Instance: "printer"})
	close(events)

	got := Collect(events)
	require.Len(t, got, 2)
	assert.Equal(t, "copier", got[0].Instance)
	assert.True(t, got[0].Alive)
	assert.Equal(t, "printer", got[1].Instance)
	assert.False(t, got[1].Alive)
}
