// Package model defines the data shared by every component of the subnet
// authority: the ServiceEntry stored in the cache, its Key, and the
// BrowserEvent variants produced by mDNS discovery.
//
// # Meaningful Fields
//
// A ServiceEntry carries two kinds of fields. Content fields (hostname,
// addresses, port, txt, ttl, alive) describe the service; observation fields
// (first_seen, last_seen) describe when the authority saw it. SameContent is
// the single definition of a meaningful change and only looks at content
// fields, so a refresh that merely advances last_seen is never reported as a
// change.
//
// # Addresses
//
// Addresses are held as a canonical set: sorted, deduplicated, with
// IPv4-mapped IPv6 addresses unmapped. Use NormalizeAddresses whenever a new
// slice is assigned.
package model
