// Package discovery browses the link for DNS-SD services and advertises the
// authority itself, both over multicast DNS.
//
// # Browsing
//
// A Browser issues the "_services._dns-sd._udp.local." meta-query to learn
// which service types exist, then keeps one browse subscription per type.
// Every subscription feeds a single event stream:
//
//   - Discovered: a service type was seen for the first time
//   - Resolved: an instance resolved to a hostname, port, addresses and TXT
//   - Removed: an instance sent a goodbye (PTR with TTL 0)
//
// A zeroconf browse reports each instance only once, so the browser restarts
// every subscription on BrowseInterval. Each restart re-resolves all live
// instances, which is what keeps their cache entries fresh.
//
// Goodbyes are invisible to the zeroconf resolver; MulticastGoodbyes reads
// them directly from the mDNS group with miekg/dns.
//
// The event stream is never dropped from: sending blocks while the consumer
// is busy, and the stream is closed when Run returns.
//
// # Addresses
//
// With IPv6Only set (the default for an authority) IPv4 addresses are
// discarded and instances with no IPv6 address are skipped. Records without
// a TTL get model.DefaultTTL.
//
// # Advertising
//
// An Advertiser registers "<instance>._subnet-authority._tcp.local." with TXT
// keys zone, prefix, api, id and vers, and re-announces on RefreshInterval.
// PeerFromEntry decodes such an advertisement seen from another authority.
//
// # Network Requirements
//
//   - Requires multicast support on the network interface
//   - Firewall must allow mDNS (UDP port 5353)
package discovery
