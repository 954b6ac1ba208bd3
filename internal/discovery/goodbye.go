package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/muurk/subnet-authority/internal/model"
)

// mdnsGroupV6 is the IPv6 link-local mDNS group.
var mdnsGroupV6 = &net.UDPAddr{IP: net.ParseIP("ff02::fb"), Port: 5353}

// GoodbyeSource reports instances that announced their departure. Listen
// blocks until ctx is done and must not send after returning.
type GoodbyeSource interface {
	Listen(ctx context.Context, out chan<- model.Key) error
}

// MulticastGoodbyes listens on the mDNS group for PTR records with a zero
// TTL. The zeroconf resolver drops these silently, so they are read here.
type MulticastGoodbyes struct {
	// Interface is the interface to join on; empty lets the system choose.
	Interface string
	Logger    *zap.Logger
}

// Listen implements GoodbyeSource.
func (g *MulticastGoodbyes) Listen(ctx context.Context, out chan<- model.Key) error {
	logger := g.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var ifi *net.Interface
	if g.Interface != "" {
		iface, err := net.InterfaceByName(g.Interface)
		if err != nil {
			return fmt.Errorf("failed to find interface %s: %w", g.Interface, err)
		}
		ifi = iface
	}

	conn, err := net.ListenMulticastUDP("udp6", ifi, mdnsGroupV6)
	if err != nil {
		return fmt.Errorf("failed to join mDNS group: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read mDNS packet: %w", err)
		}

		var msg dns.Msg
		if err := msg.Unpack(buf[:n]); err != nil {
			logger.Debug("Ignoring malformed mDNS packet", zap.Error(err))
			continue
		}

		for _, key := range goodbyeKeys(&msg) {
			select {
			case out <- key:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// goodbyeKeys returns the instances a response withdraws: PTR records with
// TTL 0 for a service type.
func goodbyeKeys(msg *dns.Msg) []model.Key {
	if !msg.Response {
		return nil
	}

	var keys []model.Key
	records := append(append([]dns.RR{}, msg.Answer...), msg.Extra...)
	for _, rr := range records {
		ptr, ok := rr.(*dns.PTR)
		if !ok || ptr.Hdr.Ttl != 0 {
			continue
		}
		serviceType, ok := ParseServiceType(ptr.Hdr.Name)
		if !ok {
			continue
		}
		owner := dns.Fqdn(ptr.Hdr.Name)
		target := dns.Fqdn(ptr.Ptr)
		if !strings.HasSuffix(target, "."+owner) {
			continue
		}
		instance := unescapeLabel(strings.TrimSuffix(target, "."+owner))
		if instance == "" {
			continue
		}
		keys = append(keys, model.Key{ServiceType: serviceType, Instance: instance})
	}
	return keys
}
