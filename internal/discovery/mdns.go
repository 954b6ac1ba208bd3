package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/miekg/dns"

	"github.com/muurk/subnet-authority/internal/model"
)

// MetaQueryService is the DNS-SD service type enumeration name.
const MetaQueryService = "_services._dns-sd._udp"

var (
	errNoAddress   = errors.New("no usable address")
	errBadInstance = errors.New("empty instance name")
	errNoHostname  = errors.New("no hostname")
)

// Resolver browses for one service type. *zeroconf.Resolver satisfies it.
// Browse must close entries once ctx is done.
type Resolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// ResolverFactory returns a fresh Resolver. Every browse gets its own, since a
// zeroconf resolver's connections are shut down with its browse.
type ResolverFactory func() (Resolver, error)

// NewResolverFactory returns a factory for zeroconf resolvers bound to the
// named interface (all interfaces when empty).
func NewResolverFactory(iface string, ipv6Only bool) (ResolverFactory, error) {
	var opts []zeroconf.ClientOption

	ifaces, err := interfacesByName(iface)
	if err != nil {
		return nil, err
	}
	if ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}
	if ipv6Only {
		opts = append(opts, zeroconf.SelectIPTraffic(zeroconf.IPv6))
	}

	return func() (Resolver, error) {
		r, err := zeroconf.NewResolver(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
		}
		return r, nil
	}, nil
}

// interfacesByName returns nil (meaning all interfaces) for an empty name.
func interfacesByName(name string) ([]net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to find interface %s: %w", name, err)
	}
	return []net.Interface{*iface}, nil
}

// ParseServiceType extracts "_service._proto" from a name such as
// "_http._tcp.local." or "_http._tcp".
func ParseServiceType(name string) (string, bool) {
	labels := dns.SplitDomainName(name)
	if len(labels) < 2 {
		return "", false
	}
	service, proto := labels[0], labels[1]
	if len(service) < 2 || service[0] != '_' {
		return "", false
	}
	if proto != "_tcp" && proto != "_udp" {
		return "", false
	}
	if rest := labels[2:]; len(rest) > 1 || (len(rest) == 1 && rest[0] != "local") {
		return "", false
	}
	return service + "." + proto, true
}

// unescapeLabel turns a presentation-format DNS label ("My\ Printer",
// "caf\195\169") back into its raw text.
func unescapeLabel(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) {
			v := int(s[i+1]-'0')*100 + int(s[i+2]-'0')*10 + int(s[i+3]-'0')
			if v <= 255 {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i+1])
		i++
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// toEntry converts a resolved zeroconf record into a ServiceEntry. Observation
// timestamps are left for the cache manager to set.
func toEntry(serviceType string, se *zeroconf.ServiceEntry, defaultTTL uint32, ipv6Only bool) (*model.ServiceEntry, error) {
	instance := unescapeLabel(se.Instance)
	if instance == "" {
		return nil, errBadInstance
	}
	if se.HostName == "" {
		return nil, errNoHostname
	}

	addrs := make([]netip.Addr, 0, len(se.AddrIPv6)+len(se.AddrIPv4))
	for _, ip := range se.AddrIPv6 {
		if a, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, a)
		}
	}
	if !ipv6Only {
		for _, ip := range se.AddrIPv4 {
			if a, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, a)
			}
		}
	}
	addrs = model.NormalizeAddresses(addrs)
	if ipv6Only {
		addrs = onlyIPv6(addrs)
	}
	if len(addrs) == 0 {
		return nil, errNoAddress
	}

	ttl := se.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}

	return &model.ServiceEntry{
		ServiceType: serviceType,
		Instance:    instance,
		Hostname:    se.HostName,
		Addresses:   addrs,
		Port:        uint16(se.Port),
		TXT:         parseTXT(se.Text),
		Alive:       true,
		TTL:         ttl,
	}, nil
}

// onlyIPv6 drops IPv4 addresses, including mapped ones that normalization
// unmapped.
func onlyIPv6(addrs []netip.Addr) []netip.Addr {
	out := addrs[:0]
	for _, a := range addrs {
		if a.Is6() {
			out = append(out, a)
		}
	}
	return out
}

// parseTXT splits "key=value" strings. A bare key maps to "" and the first
// occurrence of a key wins.
func parseTXT(text []string) map[string]string {
	txt := make(map[string]string, len(text))
	for _, s := range text {
		if s == "" {
			continue
		}
		parts := strings.SplitN(s, "=", 2)
		if _, seen := txt[parts[0]]; seen {
			continue
		}
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		} else {
			// Key without value
			txt[parts[0]] = ""
		}
	}
	return txt
}
