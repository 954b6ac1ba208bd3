package model

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"time"
)

const (
	// Domain is the mDNS domain every entry lives in.
	Domain = "local."

	// DefaultTTL is applied when a resolved record carries no TTL.
	DefaultTTL uint32 = 4500
)

// ErrInvalidEntry is returned when an entry violates one of its invariants.
var ErrInvalidEntry = errors.New("invalid service entry")

// Key identifies a service instance within the subnet.
type Key struct {
	ServiceType string `json:"service_type"`
	Instance    string `json:"instance_name"`
}

// String returns the DNS-SD full name, e.g. "printer._ipp._tcp.local.".
func (k Key) String() string {
	return k.Instance + "." + k.ServiceType + "." + Domain
}

// Compare orders keys by service type, then instance name.
func (k Key) Compare(o Key) int {
	if c := cmp.Compare(k.ServiceType, o.ServiceType); c != 0 {
		return c
	}
	return cmp.Compare(k.Instance, o.Instance)
}

// ServiceEntry is the cached view of one service instance.
type ServiceEntry struct {
	ServiceType string            `json:"service_type"`
	Instance    string            `json:"instance_name"`
	Hostname    string            `json:"hostname"`
	Addresses   []netip.Addr      `json:"addresses"`
	Port        uint16            `json:"port"`
	TXT         map[string]string `json:"txt"`
	Alive       bool              `json:"alive"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
	TTL         uint32            `json:"ttl"`
}

// Key returns the entry's identity.
func (e *ServiceEntry) Key() Key {
	return Key{ServiceType: e.ServiceType, Instance: e.Instance}
}

// Clone returns a deep copy of the entry.
func (e *ServiceEntry) Clone() *ServiceEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Addresses = slices.Clone(e.Addresses)
	c.TXT = maps.Clone(e.TXT)
	return &c
}

// SameContent reports whether two entries agree on every meaningful field.
// Observation timestamps are ignored.
func (e *ServiceEntry) SameContent(o *ServiceEntry) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.ServiceType == o.ServiceType &&
		e.Instance == o.Instance &&
		e.Hostname == o.Hostname &&
		e.Port == o.Port &&
		e.TTL == o.TTL &&
		e.Alive == o.Alive &&
		slices.Equal(e.Addresses, o.Addresses) &&
		txtEqual(e.TXT, o.TXT)
}

// txtEqual treats nil and empty maps as equal.
func txtEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	return maps.Equal(a, b)
}

// Validate checks the entry invariants.
func (e *ServiceEntry) Validate() error {
	switch {
	case e.ServiceType == "":
		return fmt.Errorf("%w: empty service type", ErrInvalidEntry)
	case e.Instance == "":
		return fmt.Errorf("%w: empty instance name", ErrInvalidEntry)
	case e.TTL == 0:
		return fmt.Errorf("%w: %s: ttl must be positive", ErrInvalidEntry, e.Key())
	case e.Alive && len(e.Addresses) == 0:
		return fmt.Errorf("%w: %s: alive entry has no addresses", ErrInvalidEntry, e.Key())
	case e.LastSeen.Before(e.FirstSeen):
		return fmt.Errorf("%w: %s: last_seen before first_seen", ErrInvalidEntry, e.Key())
	}
	return nil
}

// NormalizeAddresses returns the canonical form of an address set: unmapped,
// sorted and without duplicates or invalid addresses.
func NormalizeAddresses(addrs []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if !a.IsValid() {
			continue
		}
		out = append(out, a.Unmap())
	}
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return slices.Compact(out)
}
