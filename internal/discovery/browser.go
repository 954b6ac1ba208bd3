package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/muurk/subnet-authority/internal/model"
)

const (
	// DefaultBrowseInterval is how often per-type browses are restarted.
	DefaultBrowseInterval = 2 * time.Minute

	// drainTimeout bounds how long a stopped subscription waits for its
	// resolver to close the entries channel.
	drainTimeout = 5 * time.Second
)

// BrowserConfig holds the browser settings.
type BrowserConfig struct {
	// BrowseInterval paces the restart of every per-type browse. A zeroconf
	// browse reports each instance once, so restarting it is what yields the
	// periodic re-resolves that keep entries fresh.
	BrowseInterval time.Duration

	// DefaultTTL is used for records without a TTL.
	DefaultTTL uint32

	// IPv6Only drops IPv4 addresses from resolved entries.
	IPv6Only bool
}

// Browser discovers service types with a meta-query and keeps one browse
// subscription per type, multiplexing all of them into a single event stream.
type Browser struct {
	cfg BrowserConfig
	options
}

// resolved is a record received by one per-type subscription.
type resolved struct {
	serviceType string
	entry       *zeroconf.ServiceEntry
}

type subscription struct {
	serviceType string
	cancel      context.CancelFunc
}

// NewBrowser creates a Browser. Without WithResolverFactory it uses zeroconf
// on every interface.
func NewBrowser(cfg BrowserConfig, opts ...Option) *Browser {
	if cfg.BrowseInterval <= 0 {
		cfg.BrowseInterval = DefaultBrowseInterval
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = model.DefaultTTL
	}
	b := &Browser{cfg: cfg, options: buildOptions(opts)}
	if b.resolvers == nil {
		b.resolvers, _ = NewResolverFactory("", cfg.IPv6Only)
	}
	return b
}

// Run browses until ctx is cancelled, sending events to out. Sending blocks
// while out is full. Run closes out when it returns. Only a failure to start
// the meta-query is returned as an error.
func (b *Browser) Run(ctx context.Context, out chan<- model.BrowserEvent) error {
	defer close(out)

	metaEntries, err := b.startMeta(ctx)
	if err != nil {
		return err
	}

	fanIn := make(chan resolved)
	goodbyes := make(chan model.Key)
	if b.goodbyes != nil {
		go func() {
			if err := b.goodbyes.Listen(ctx, goodbyes); err != nil {
				b.logger.Warn("Goodbye listener stopped", zap.Error(err))
			}
		}()
	}

	subs := make(map[string]*subscription)
	var wg sync.WaitGroup
	defer func() {
		for _, sub := range subs {
			sub.cancel()
		}
		wg.Wait()
		b.metrics.BrowsedTypes.Set(0)
	}()

	refresh := b.clock.Ticker(b.cfg.BrowseInterval)
	defer refresh.Stop()

	b.logger.Info("Browser started", zap.Duration("browse_interval", b.cfg.BrowseInterval))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Browser stopped", zap.Int("service_types", len(subs)))
			return nil

		case se, ok := <-metaEntries:
			if !ok {
				// Restarted on the next refresh tick.
				metaEntries = nil
				if ctx.Err() == nil {
					b.logger.Warn("Meta-query browse ended")
				}
				continue
			}
			serviceType, ok := ParseServiceType(se.Instance)
			if !ok {
				b.logger.Debug("Ignoring malformed service type", zap.String("name", se.Instance))
				continue
			}
			if _, known := subs[serviceType]; known {
				continue
			}
			subs[serviceType] = b.subscribe(ctx, serviceType, fanIn, &wg)
			b.metrics.BrowsedTypes.Set(float64(len(subs)))
			if !b.publish(ctx, out, model.Discovered(serviceType)) {
				return nil
			}

		case r := <-fanIn:
			entry, err := toEntry(r.serviceType, r.entry, b.cfg.DefaultTTL, b.cfg.IPv6Only)
			if err != nil {
				b.metrics.ResolveErrors.Inc()
				b.logger.Debug("Discarding resolve",
					zap.String("service_type", r.serviceType),
					zap.String("instance", r.entry.Instance),
					zap.Error(err),
				)
				continue
			}
			if !b.publish(ctx, out, model.Resolved(entry)) {
				return nil
			}

		case key := <-goodbyes:
			b.metrics.GoodbyesSeen.Inc()
			if _, browsed := subs[key.ServiceType]; !browsed {
				continue
			}
			if !b.publish(ctx, out, model.Removed(key)) {
				return nil
			}

		case <-refresh.C:
			if metaEntries == nil {
				if metaEntries, err = b.startMeta(ctx); err != nil {
					b.logger.Warn("Failed to restart meta-query", zap.Error(err))
				}
			}
			for serviceType, sub := range subs {
				sub.cancel()
				subs[serviceType] = b.subscribe(ctx, serviceType, fanIn, &wg)
				b.metrics.Rearms.Inc()
			}
		}
	}
}

func (b *Browser) startMeta(ctx context.Context) (chan *zeroconf.ServiceEntry, error) {
	r, err := b.resolvers()
	if err != nil {
		return nil, fmt.Errorf("failed to create meta-query resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := r.Browse(ctx, MetaQueryService, model.Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to start meta-query: %w", err)
	}
	// The resolver blocks on unread entries; keep the channel drained once
	// the run loop stops reading.
	go func() {
		<-ctx.Done()
		drain(entries)
	}()
	return entries, nil
}

// subscribe starts a browse for serviceType whose records are forwarded to
// fanIn. A failed start is logged and retried on the next refresh tick.
func (b *Browser) subscribe(ctx context.Context, serviceType string, fanIn chan<- resolved, wg *sync.WaitGroup) *subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{serviceType: serviceType, cancel: cancel}

	r, err := b.resolvers()
	if err != nil {
		b.logger.Warn("Failed to create resolver", zap.String("service_type", serviceType), zap.Error(err))
		return sub
	}

	entries := make(chan *zeroconf.ServiceEntry)
	wg.Add(1)
	go func() {
		defer wg.Done()
		forward(ctx, subCtx, serviceType, entries, fanIn)
	}()

	if err := r.Browse(subCtx, serviceType, model.Domain, entries); err != nil {
		b.logger.Warn("Failed to browse service type", zap.String("service_type", serviceType), zap.Error(err))
		cancel()
	}
	return sub
}

// forward copies records into fanIn until sub ends, then drains entries so
// the resolver can shut down. A record already read when sub ends is still
// delivered unless run has ended too.
func forward(run, sub context.Context, serviceType string, entries <-chan *zeroconf.ServiceEntry, fanIn chan<- resolved) {
	defer drain(entries)
	for {
		select {
		case <-sub.Done():
			return
		case se, ok := <-entries:
			if !ok {
				return
			}
			select {
			case fanIn <- resolved{serviceType: serviceType, entry: se}:
			case <-run.Done():
				return
			}
		}
	}
}

func drain(entries <-chan *zeroconf.ServiceEntry) {
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-entries:
			if !ok {
				return
			}
		case <-timer.C:
			return
		}
	}
}

func (b *Browser) publish(ctx context.Context, out chan<- model.BrowserEvent, ev model.BrowserEvent) bool {
	b.metrics.BrowserEvents.WithLabelValues(ev.Kind.String()).Inc()
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
