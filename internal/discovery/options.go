package discovery

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/muurk/subnet-authority/internal/metrics"
)

type options struct {
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
	resolvers ResolverFactory
	goodbyes  GoodbyeSource
	register  RegisterFunc
}

// Option configures a Browser or an Advertiser.
type Option func(*options)

// WithClock sets the clock driving re-arm and re-announce tickers.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the component logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the collectors to report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithResolverFactory replaces the zeroconf resolver factory.
func WithResolverFactory(f ResolverFactory) Option {
	return func(o *options) { o.resolvers = f }
}

// WithGoodbyes sets the source of goodbye notifications. Without one the
// browser never emits Removed events.
func WithGoodbyes(g GoodbyeSource) Option {
	return func(o *options) { o.goodbyes = g }
}

// WithRegisterFunc replaces zeroconf.Register for the advertiser.
func WithRegisterFunc(f RegisterFunc) Option {
	return func(o *options) { o.register = f }
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}
	return o
}
