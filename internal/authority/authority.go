package authority

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/muurk/subnet-authority/internal/cache"
	"github.com/muurk/subnet-authority/internal/config"
	"github.com/muurk/subnet-authority/internal/discovery"
	"github.com/muurk/subnet-authority/internal/metrics"
	"github.com/muurk/subnet-authority/internal/model"
	"github.com/muurk/subnet-authority/internal/server"
	"github.com/muurk/subnet-authority/internal/store"
	"github.com/muurk/subnet-authority/internal/version"
)

// shutdownTimeout bounds the final flush once every component has stopped.
const shutdownTimeout = 30 * time.Second

// Authority is one running subnet authority.
type Authority struct {
	cfg      *config.Config
	logger   *zap.Logger
	id       string
	registry *prometheus.Registry

	manager    *cache.Manager
	browser    *discovery.Browser
	advertiser *discovery.Advertiser
	server     *server.Server
}

type options struct {
	clock     clock.Clock
	logger    *zap.Logger
	discovery []discovery.Option
}

// Option configures an Authority.
type Option func(*options)

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the root logger; components log through named children.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDiscoveryOptions appends options for the browser and the advertiser,
// applied after the defaults derived from the configuration.
func WithDiscoveryOptions(opts ...discovery.Option) Option {
	return func(o *options) { o.discovery = append(o.discovery, opts...) }
}

// New opens the store, restores the cache and builds every component. No
// network activity starts until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Authority, error) {
	o := options{clock: clock.New(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	apiPort, err := cfg.API.Port()
	if err != nil {
		return nil, fmt.Errorf("invalid api.listen: %w", err)
	}

	registry := metrics.NewRegistry()
	m := metrics.New(registry)

	st, err := store.Open(store.Config{
		Path:   cfg.Cache.DBPath,
		Logger: o.logger.Named("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	id, err := st.AuthorityID(ctx)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to read authority id: %w", err)
	}

	manager, err := cache.Open(ctx, cache.Config{
		StaleAfter:          cfg.Cache.StaleAfter,
		PruneAfter:          cfg.Cache.PruneAfter,
		MaintenanceInterval: cfg.Cache.MaintenanceInterval,
		FlushInterval:       cfg.Cache.FlushInterval,
		InboxSize:           cfg.Cache.InboxSize,
	}, st,
		cache.WithClock(o.clock),
		cache.WithLogger(o.logger.Named("cache")),
		cache.WithMetrics(m),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	resolvers, err := discovery.NewResolverFactory(cfg.Authority.Interface, cfg.Discovery.IPv6Only)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	browserOpts := []discovery.Option{
		discovery.WithClock(o.clock),
		discovery.WithLogger(o.logger.Named("browser")),
		discovery.WithMetrics(m),
		discovery.WithResolverFactory(resolvers),
	}
	if cfg.Discovery.Goodbyes {
		browserOpts = append(browserOpts, discovery.WithGoodbyes(&discovery.MulticastGoodbyes{
			Interface: cfg.Authority.Interface,
			Logger:    o.logger.Named("goodbyes"),
		}))
	}
	browser := discovery.NewBrowser(discovery.BrowserConfig{
		BrowseInterval: cfg.Discovery.BrowseInterval,
		DefaultTTL:     cfg.Discovery.DefaultTTL,
		IPv6Only:       cfg.Discovery.IPv6Only,
	}, append(browserOpts, o.discovery...)...)

	var advertiser *discovery.Advertiser
	if cfg.Advertise.Enabled {
		advertiser = discovery.NewAdvertiser(discovery.AdvertiserConfig{
			Instance:        cfg.Authority.InstanceName(),
			Interface:       cfg.Authority.Interface,
			Zone:            cfg.Authority.Zone,
			Prefix:          cfg.Authority.Prefix,
			APIPort:         apiPort,
			AuthorityID:     id,
			Version:         version.Version,
			TTL:             cfg.Advertise.TTL,
			RefreshInterval: cfg.Advertise.RefreshInterval,
		}, append([]discovery.Option{
			discovery.WithClock(o.clock),
			discovery.WithLogger(o.logger.Named("advertiser")),
			discovery.WithMetrics(m),
		}, o.discovery...)...)
	}

	srv := server.New(server.Config{
		Listen: cfg.API.Listen,
		Info: server.Info{
			Zone:        cfg.Authority.Zone,
			Prefix:      cfg.Authority.Prefix,
			APIPort:     apiPort,
			AuthorityID: id,
			Version:     version.Version,
		},
		Gatherer: registry,
	}, manager,
		server.WithLogger(o.logger.Named("api")),
		server.WithMetrics(m),
	)

	return &Authority{
		cfg:        cfg,
		logger:     o.logger,
		id:         id,
		registry:   registry,
		manager:    manager,
		browser:    browser,
		advertiser: advertiser,
		server:     srv,
	}, nil
}

// ID returns the persistent authority ID.
func (a *Authority) ID() string {
	return a.id
}

// Registry returns the prometheus registry every component reports to.
func (a *Authority) Registry() *prometheus.Registry {
	return a.registry
}

// Run runs every component until ctx is cancelled or one of them fails, then
// shuts the cache down. It must be called once; the store is closed when it
// returns.
func (a *Authority) Run(ctx context.Context) error {
	managerDone := make(chan error, 1)
	go func() { managerDone <- a.manager.Run() }()

	a.logger.Info("Authority starting",
		zap.String("id", a.id),
		zap.String("zone", a.cfg.Authority.Zone),
		zap.String("prefix", a.cfg.Authority.Prefix),
		zap.String("interface", a.cfg.Authority.Interface),
		zap.String("version", version.Version),
	)

	events := make(chan model.BrowserEvent, a.cfg.Cache.EventBuffer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.browser.Run(gctx, events)
	})
	g.Go(func() error {
		// Returns once the browser has closed events and all of them were applied.
		if err := a.manager.Consume(events); err != nil {
			return fmt.Errorf("event pump stopped: %w", err)
		}
		return nil
	})
	if a.advertiser != nil {
		g.Go(func() error {
			return a.advertiser.Run(gctx)
		})
	}
	g.Go(func() error {
		return a.server.Run(gctx)
	})

	runErr := g.Wait()
	if runErr != nil {
		a.logger.Error("Component failed", zap.Error(runErr))
	}

	a.logger.Info("Shutting down cache...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := a.manager.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		shutdownErr = fmt.Errorf("failed to shut down cache: %w", shutdownErr)
	}

	var loopErr error
	select {
	case loopErr = <-managerDone:
	case <-shutdownCtx.Done():
		loopErr = fmt.Errorf("cache loop did not stop: %w", shutdownCtx.Err())
	}

	err := multierr.Combine(runErr, shutdownErr, loopErr)
	if err == nil {
		a.logger.Info("Authority stopped")
	}
	return err
}
