package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/muurk/subnet-authority/internal/hash"
	"github.com/muurk/subnet-authority/internal/metrics"
	"github.com/muurk/subnet-authority/internal/model"
)

const (
	DefaultStaleAfter          = 5 * time.Minute
	DefaultPruneAfter          = time.Hour
	DefaultMaintenanceInterval = time.Minute
	DefaultFlushInterval       = 10 * time.Second
	DefaultInboxSize           = 256
)

// Store is the durable backing of the cache.
type Store interface {
	LoadAll(ctx context.Context) ([]*model.ServiceEntry, error)
	Put(ctx context.Context, e *model.ServiceEntry) (bool, error)
	Touch(ctx context.Context, stamps map[model.Key]time.Time) error
	ApplySweep(ctx context.Context, staled, pruned []model.Key) error
	Close() error
}

// Config controls the manager's timing and queue size.
type Config struct {
	// StaleAfter is how long an entry may go without a refresh before it is
	// marked dead.
	StaleAfter time.Duration

	// PruneAfter is how long an entry may go without a refresh before it is
	// deleted. Must exceed StaleAfter.
	PruneAfter time.Duration

	// MaintenanceInterval paces the sweeps issued by Consume.
	MaintenanceInterval time.Duration

	// FlushInterval paces the batched write of timestamp-only refreshes.
	FlushInterval time.Duration

	// InboxSize bounds the command queue.
	InboxSize int
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		StaleAfter:          DefaultStaleAfter,
		PruneAfter:          DefaultPruneAfter,
		MaintenanceInterval: DefaultMaintenanceInterval,
		FlushInterval:       DefaultFlushInterval,
		InboxSize:           DefaultInboxSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = d.PruneAfter
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	return c
}

// SweepResult summarises one maintenance sweep.
type SweepResult struct {
	Staled    int `json:"staled"`
	Pruned    int `json:"pruned"`
	Remaining int `json:"remaining"`
}

// Health describes the manager's state as seen by the API.
type Health struct {
	Entries       int    `json:"entries"`
	Alive         int    `json:"alive"`
	PendingWrites int    `json:"pending_writes"`
	Degraded      bool   `json:"degraded"`
	Hash          string `json:"hash"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for timestamps and tickers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the collectors the manager reports to.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager owns the service cache. Only the Run goroutine touches the fields
// below the inbox.
type Manager struct {
	cfg     Config
	store   Store
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	hub     *hub

	inbox chan command
	done  chan struct{}

	entries  map[model.Key]*model.ServiceEntry
	byType   map[string]map[model.Key]struct{}
	touched  map[model.Key]struct{}
	pending  map[model.Key]struct{}
	unpruned map[model.Key]struct{}
	hash     string

	// touchFailed is set while the last batched refresh write failed.
	touchFailed bool
}

// Open restores the cache from st and computes the initial hash. Every stored
// row is in memory when Open returns, before any browser event can arrive.
// The caller must start Run.
func Open(ctx context.Context, cfg Config, st Store, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.PruneAfter <= cfg.StaleAfter {
		return nil, fmt.Errorf("prune_after (%s) must exceed stale_after (%s)", cfg.PruneAfter, cfg.StaleAfter)
	}

	m := &Manager{
		cfg:      cfg,
		store:    st,
		clock:    clock.New(),
		logger:   zap.NewNop(),
		hub:      newHub(),
		inbox:    make(chan command, cfg.InboxSize),
		done:     make(chan struct{}),
		entries:  make(map[model.Key]*model.ServiceEntry),
		byType:   make(map[string]map[model.Key]struct{}),
		touched:  make(map[model.Key]struct{}),
		pending:  make(map[model.Key]struct{}),
		unpruned: make(map[model.Key]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}

	rows, err := st.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to restore cache: %w", err)
	}
	for _, e := range rows {
		m.insert(e)
	}
	m.hash = hash.Compute(m.values())
	m.updateGauges()

	m.logger.Info("Cache restored",
		zap.Int("entries", len(m.entries)),
		zap.String("hash", m.hash),
	)
	return m, nil
}

// Run processes commands until Shutdown. It must be called exactly once.
func (m *Manager) Run() error {
	defer close(m.done)

	flush := m.clock.Ticker(m.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case cmd := <-m.inbox:
			if cmd.op == opShutdown {
				err := m.shutdown()
				cmd.reply <- result{err: err}
				return nil
			}
			cmd.reply <- m.handle(cmd)
		case <-flush.C:
			if err := m.flush(); err != nil {
				m.logger.Warn("Flush failed", zap.Error(err))
			}
		}
	}
}

// Done is closed once Run has returned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Subscribe returns a channel receiving each new change hash, and a function
// that ends the subscription.
func (m *Manager) Subscribe() (<-chan string, func()) {
	return m.hub.subscribe()
}

// Upsert inserts or refreshes an entry and reports whether a meaningful field
// changed. A *PersistError means the cache was updated but the store was not.
func (m *Manager) Upsert(ctx context.Context, e *model.ServiceEntry) (bool, error) {
	res, err := m.submit(ctx, command{op: opUpsert, entry: e})
	return res.changed, err
}

// MarkDead flags an entry as no longer alive. Unknown or already dead entries
// are left alone and reported as unchanged.
func (m *Manager) MarkDead(ctx context.Context, key model.Key) (bool, error) {
	res, err := m.submit(ctx, command{op: opMarkDead, key: key})
	return res.changed, err
}

// GetAll returns copies of every entry ordered by key.
func (m *Manager) GetAll(ctx context.Context) ([]*model.ServiceEntry, error) {
	res, err := m.submit(ctx, command{op: opGetAll})
	return res.entries, err
}

// GetByType returns copies of every entry of serviceType ordered by instance.
func (m *Manager) GetByType(ctx context.Context, serviceType string) ([]*model.ServiceEntry, error) {
	res, err := m.submit(ctx, command{op: opGetByType, serviceType: serviceType})
	return res.entries, err
}

// GetOne returns a copy of the entry for key, or nil.
func (m *Manager) GetOne(ctx context.Context, key model.Key) (*model.ServiceEntry, error) {
	res, err := m.submit(ctx, command{op: opGetOne, key: key})
	return res.entry, err
}

// Hash returns the current change hash.
func (m *Manager) Hash(ctx context.Context) (string, error) {
	res, err := m.submit(ctx, command{op: opHash})
	return res.hash, err
}

// Maintenance runs the staleness and prune sweeps as of now.
func (m *Manager) Maintenance(ctx context.Context, now time.Time) (SweepResult, error) {
	res, err := m.submit(ctx, command{op: opMaintenance, now: now})
	return res.sweep, err
}

// Health reports entry counts and whether the store is behind the cache.
func (m *Manager) Health(ctx context.Context) (Health, error) {
	res, err := m.submit(ctx, command{op: opHealth})
	return res.health, err
}

// Shutdown stops the manager after every command queued before it has been
// processed, flushes buffered refreshes and closes the store. Calling it on a
// stopped manager is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	_, err := m.submit(ctx, command{op: opShutdown})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (m *Manager) submit(ctx context.Context, cmd command) (result, error) {
	cmd.reply = make(chan result, 1)

	select {
	case <-m.done:
		return result{}, ErrClosed
	default:
	}

	select {
	case m.inbox <- cmd:
	case <-m.done:
		return result{}, ErrClosed
	case <-ctx.Done():
		return result{}, ctx.Err()
	}

	// An accepted command is always processed, even if ctx ends first.
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-m.done:
		select {
		case res := <-cmd.reply:
			return res, res.err
		default:
			return result{}, ErrClosed
		}
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}
