package discovery

import (
	"net"
	"net/netip"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/subnet-authority/internal/model"
)

func TestParseServiceType(t *testing.T) {
	tests := []struct {
		name   string
		want   string
		wantOK bool
	}{
		{name: "_http._tcp.local.", want: "_http._tcp", wantOK: true},
		{name: "_http._tcp.local", want: "_http._tcp", wantOK: true},
		{name: "_ipp._tcp", want: "_ipp._tcp", wantOK: true},
		{name: "_sleep-proxy._udp.local.", want: "_sleep-proxy._udp", wantOK: true},
		{name: "_http._sctp.local.", wantOK: false},
		{name: "http._tcp.local.", wantOK: false},
		{name: "_http", wantOK: false},
		{name: "_http._tcp.example.com.", wantOK: false},
		{name: "_services._dns-sd._udp.local.", wantOK: false},
		{name: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseServiceType(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestUnescapeLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`plain`, "plain"},
		{`My\ Printer`, "My Printer"},
		{`a\.b`, "a.b"},
		{`caf\195\169`, "café"},
		{`trailing\`, `trailing\`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, unescapeLabel(tt.in), tt.in)
	}
}

func TestParseTXT(t *testing.T) {
	got := parseTXT([]string{"path=/", "flag", "", "path=/other", "eq=a=b"})
	assert.Equal(t, map[string]string{"path": "/", "flag": "", "eq": "a=b"}, got)
}

func TestToEntry(t *testing.T) {
	tests := []struct {
		name      string
		entry     *zeroconf.ServiceEntry
		ipv6Only  bool
		wantErr   error
		wantAddrs []netip.Addr
		wantTTL   uint32
	}{
		{
			name: "ipv6 only keeps v6",
			entry: &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: `Web\ Server`},
				HostName:      "web.local.",
				Port:          8080,
				AddrIPv4:      []net.IP{net.ParseIP("192.168.1.10")},
				AddrIPv6:      []net.IP{net.ParseIP("fd00::2"), net.ParseIP("fd00::1"), net.ParseIP("fd00::2")},
				Text:          []string{"path=/"},
				TTL:           120,
			},
			ipv6Only:  true,
			wantAddrs: []netip.Addr{netip.MustParseAddr("fd00::1"), netip.MustParseAddr("fd00::2")},
			wantTTL:   120,
		},
		{
			name: "dual stack",
			entry: &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "web"},
				HostName:      "web.local.",
				AddrIPv4:      []net.IP{net.ParseIP("192.168.1.10")},
				AddrIPv6:      []net.IP{net.ParseIP("fd00::1")},
			},
			wantAddrs: []netip.Addr{netip.MustParseAddr("192.168.1.10"), netip.MustParseAddr("fd00::1")},
			wantTTL:   model.DefaultTTL,
		},
		{
			name: "ipv4 only host under ipv6 mode",
			entry: &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "legacy"},
				HostName:      "legacy.local.",
				AddrIPv4:      []net.IP{net.ParseIP("192.168.1.10")},
			},
			ipv6Only: true,
			wantErr:  errNoAddress,
		},
		{
			name: "no hostname",
			entry: &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "web"},
				AddrIPv6:      []net.IP{net.ParseIP("fd00::1")},
			},
			wantErr: errNoHostname,
		},
		{
			name: "no instance",
			entry: &zeroconf.ServiceEntry{
				HostName: "web.local.",
				AddrIPv6: []net.IP{net.ParseIP("fd00::1")},
			},
			wantErr: errBadInstance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toEntry("_http._tcp", tt.entry, model.DefaultTTL, tt.ipv6Only)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "_http._tcp", got.ServiceType)
			assert.Equal(t, tt.wantAddrs, got.Addresses)
			assert.Equal(t, tt.wantTTL, got.TTL)
			assert.True(t, got.Alive)
			assert.True(t, got.FirstSeen.IsZero())
			require.NoError(t, got.Validate())
		})
	}
}

func TestToEntry_UnescapesInstance(t *testing.T) {
	got, err := toEntry("_http._tcp", &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: `Web\ Server`},
		HostName:      "web.local.",
		Port:          8080,
		AddrIPv6:      []net.IP{net.ParseIP("fd00::1")},
		Text:          []string{"path=/"},
	}, model.DefaultTTL, true)
	require.NoError(t, err)
	assert.Equal(t, "Web Server", got.Instance)
	assert.Equal(t, uint16(8080), got.Port)
	assert.Equal(t, "/", got.TXT["path"])
}
