package discovery

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/muurk/subnet-authority/internal/model"
)

// Peer is a subnet authority found on the link, decoded from its
// _subnet-authority._tcp advertisement.
type Peer struct {
	// Instance is the advertised instance name (e.g., "authority-fd00")
	Instance string

	// Address is the first advertised address
	Address netip.Addr

	// APIPort is the port of the peer's HTTP API
	APIPort int

	// Zone is the DNS zone the peer is authoritative for (e.g., "home.arpa.")
	Zone string

	// Prefix is the IPv6 prefix the peer serves
	Prefix netip.Prefix

	// ID is the peer's persistent authority ID, empty for old peers
	ID string

	// Version is the peer's software version, if advertised
	Version string

	// SeenAt is when the advertisement was last observed
	SeenAt time.Time
}

var errNotAuthority = errors.New("not a subnet authority advertisement")

// PeerFromEntry decodes an authority advertisement. Entries of any other
// service type are rejected.
func PeerFromEntry(e *model.ServiceEntry) (*Peer, error) {
	if e.ServiceType != AuthorityServiceType {
		return nil, fmt.Errorf("%w: %s", errNotAuthority, e.Key())
	}
	if len(e.Addresses) == 0 {
		return nil, fmt.Errorf("%s: %w", e.Key(), errNoAddress)
	}

	p := &Peer{
		Instance: e.Instance,
		Address:  e.Addresses[0],
		APIPort:  int(e.Port),
		Zone:     e.TXT[TXTZone],
		ID:       e.TXT[TXTID],
		Version:  e.TXT[TXTVersion],
		SeenAt:   e.LastSeen,
	}
	if v, ok := e.TXT[TXTAPIPort]; ok {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%s: invalid %s %q", e.Key(), TXTAPIPort, v)
		}
		p.APIPort = port
	}
	if v := e.TXT[TXTPrefix]; v != "" {
		prefix, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid %s: %w", e.Key(), TXTPrefix, err)
		}
		p.Prefix = prefix
	}
	return p, nil
}

// String returns a human-readable string representation of the peer
func (p *Peer) String() string {
	return fmt.Sprintf("Authority %s for %s (%s) at %s", p.Instance, p.Zone, p.Prefix, p.BaseURL())
}

// BaseURL returns the HTTP base URL of the peer's API
func (p *Peer) BaseURL() string {
	return "http://" + netip.AddrPortFrom(p.Address, uint16(p.APIPort)).String()
}
