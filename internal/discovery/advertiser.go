package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/muurk/subnet-authority/internal/model"
)

const (
	// AuthorityServiceType is the service type the authority advertises.
	AuthorityServiceType = "_subnet-authority._tcp"

	DefaultAdvertiseTTL    = 2 * time.Minute
	DefaultRefreshInterval = time.Minute
)

// TXT keys published by the advertiser.
const (
	TXTZone    = "zone"
	TXTPrefix  = "prefix"
	TXTAPIPort = "api"
	TXTID      = "id"
	TXTVersion = "vers"
)

// Announcer is a registered mDNS service. *zeroconf.Server satisfies it.
type Announcer interface {
	SetText(text []string)
	TTL(ttl uint32)
	Shutdown()
}

// RegisterFunc registers a service and starts answering for it.
type RegisterFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (Announcer, error)

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (Announcer, error) {
	server, err := zeroconf.Register(instance, service, domain, port, text, ifaces)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// AdvertiserConfig describes the authority's own advertisement.
type AdvertiserConfig struct {
	Instance        string
	Interface       string
	Zone            string
	Prefix          string
	APIPort         int
	AuthorityID     string
	Version         string
	TTL             time.Duration
	RefreshInterval time.Duration
}

// Advertiser publishes the authority's presence. It never touches the cache.
type Advertiser struct {
	cfg AdvertiserConfig
	options
}

// NewAdvertiser creates an Advertiser.
func NewAdvertiser(cfg AdvertiserConfig, opts ...Option) *Advertiser {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultAdvertiseTTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	a := &Advertiser{cfg: cfg, options: buildOptions(opts)}
	if a.register == nil {
		a.register = zeroconfRegister
	}
	return a
}

// TXT returns the TXT strings of the advertisement.
func (a *Advertiser) TXT() []string {
	txt := []string{
		TXTZone + "=" + a.cfg.Zone,
		TXTPrefix + "=" + a.cfg.Prefix,
		TXTAPIPort + "=" + strconv.Itoa(a.cfg.APIPort),
	}
	if a.cfg.AuthorityID != "" {
		txt = append(txt, TXTID+"="+a.cfg.AuthorityID)
	}
	if a.cfg.Version != "" {
		txt = append(txt, TXTVersion+"="+a.cfg.Version)
	}
	return txt
}

// Run registers the advertisement and re-announces it every refresh
// interval until ctx is done. A failed registration is retried on the next
// tick rather than returned.
func (a *Advertiser) Run(ctx context.Context) error {
	ifaces, err := interfacesByName(a.cfg.Interface)
	if err != nil {
		return err
	}

	var server Announcer
	defer func() {
		if server != nil {
			server.Shutdown()
			a.logger.Info("Advertisement withdrawn", zap.String("instance", a.cfg.Instance))
		}
	}()

	start := func() {
		s, err := a.register(a.cfg.Instance, AuthorityServiceType, model.Domain, a.cfg.APIPort, a.TXT(), ifaces)
		if err != nil {
			a.logger.Warn("Failed to register advertisement", zap.Error(fmt.Errorf("%s: %w", a.cfg.Instance, err)))
			return
		}
		s.TTL(uint32(a.cfg.TTL / time.Second))
		server = s
		a.metrics.Announcements.Inc()
		a.logger.Info("Advertising authority",
			zap.String("instance", a.cfg.Instance),
			zap.String("service_type", AuthorityServiceType),
			zap.Int("port", a.cfg.APIPort),
			zap.Strings("txt", a.TXT()),
		)
	}
	start()

	ticker := a.clock.Ticker(a.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if server == nil {
				start()
				continue
			}
			server.SetText(a.TXT())
			a.metrics.Announcements.Inc()
		}
	}
}
