package cache

import (
	"context"
	"slices"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/muurk/subnet-authority/internal/hash"
	"github.com/muurk/subnet-authority/internal/logging"
	"github.com/muurk/subnet-authority/internal/metrics"
	"github.com/muurk/subnet-authority/internal/model"
)

type opKind int

const (
	opUpsert opKind = iota
	opMarkDead
	opGetAll
	opGetByType
	opGetOne
	opHash
	opMaintenance
	opHealth
	opShutdown
)

type command struct {
	op          opKind
	entry       *model.ServiceEntry
	key         model.Key
	serviceType string
	now         time.Time
	reply       chan result
}

type result struct {
	changed bool
	entries []*model.ServiceEntry
	entry   *model.ServiceEntry
	hash    string
	sweep   SweepResult
	health  Health
	err     error
}

func (m *Manager) handle(cmd command) result {
	switch cmd.op {
	case opUpsert:
		changed, err := m.upsert(cmd.entry)
		return result{changed: changed, err: err}
	case opMarkDead:
		changed, err := m.markDead(cmd.key)
		return result{changed: changed, err: err}
	case opGetAll:
		return result{entries: m.copies(m.values())}
	case opGetByType:
		return result{entries: m.copies(m.ofType(cmd.serviceType))}
	case opGetOne:
		return result{entry: m.entries[cmd.key].Clone()}
	case opHash:
		return result{hash: m.hash}
	case opMaintenance:
		sweep, err := m.maintain(cmd.now)
		return result{sweep: sweep, err: err}
	case opHealth:
		return result{health: m.health()}
	}
	return result{}
}

// storeContext bounds a single store call made from the loop.
func (m *Manager) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func (m *Manager) upsert(in *model.ServiceEntry) (bool, error) {
	if in == nil {
		return false, model.ErrInvalidEntry
	}

	now := m.clock.Now()
	key := in.Key()
	e := in.Clone()
	e.Addresses = model.NormalizeAddresses(e.Addresses)

	cur, known := m.entries[key]
	if known {
		e.FirstSeen = cur.FirstSeen
		e.LastSeen = cur.LastSeen
		if now.After(e.LastSeen) {
			e.LastSeen = now
		}
	} else {
		e.FirstSeen = now
		e.LastSeen = now
	}

	if err := e.Validate(); err != nil {
		m.metrics.Upserts.WithLabelValues(metrics.ResultError).Inc()
		return false, err
	}

	if known && cur.SameContent(e) {
		m.entries[key] = e
		m.touched[key] = struct{}{}
		m.metrics.Upserts.WithLabelValues(metrics.ResultRefreshed).Inc()
		return false, nil
	}

	m.insert(e)
	if known {
		m.metrics.Upserts.WithLabelValues(metrics.ResultChanged).Inc()
		m.logger.Debug("Entry changed", logging.KeyFields(key)...)
	} else {
		m.metrics.Upserts.WithLabelValues(metrics.ResultInserted).Inc()
		m.logger.Info("Entry added", append(logging.KeyFields(key), zap.String("hostname", e.Hostname))...)
	}
	m.refreshHash()

	if _, ok := m.unpruned[key]; ok {
		// The durable row outlived its prune; it has to go first or the
		// upsert would keep its first_seen.
		if err := m.dropUnpruned(key); err != nil {
			m.pending[key] = struct{}{}
			m.metrics.PersistErrors.Inc()
			m.updateGauges()
			m.logger.Warn("Persist failed, cache is ahead of store",
				append(logging.KeyFields(key), zap.String("op", "prune"), zap.Error(err))...)
			return true, &PersistError{Op: "upsert", Key: key, Err: err}
		}
	}

	return true, m.persist("upsert", e)
}

// dropUnpruned deletes the durable row of a key whose prune failed.
func (m *Manager) dropUnpruned(key model.Key) error {
	ctx, cancel := m.storeContext()
	defer cancel()

	if err := m.store.ApplySweep(ctx, nil, []model.Key{key}); err != nil {
		return err
	}
	delete(m.unpruned, key)
	return nil
}

func (m *Manager) markDead(key model.Key) (bool, error) {
	e, ok := m.entries[key]
	if !ok || !e.Alive {
		return false, nil
	}

	e.Alive = false
	m.metrics.MarkedDead.Inc()
	m.logger.Info("Entry marked dead", logging.KeyFields(key)...)
	m.refreshHash()

	return true, m.persist("mark dead", e)
}

func (m *Manager) maintain(now time.Time) (SweepResult, error) {
	var errs error
	if err := m.flush(); err != nil {
		errs = multierr.Append(errs, err)
	}

	var staled, pruned []model.Key
	for key, e := range m.entries {
		age := now.Sub(e.LastSeen)
		switch {
		case age > m.cfg.PruneAfter:
			pruned = append(pruned, key)
		case e.Alive && age > m.cfg.StaleAfter:
			staled = append(staled, key)
		}
	}
	slices.SortFunc(staled, model.Key.Compare)
	slices.SortFunc(pruned, model.Key.Compare)

	for _, key := range staled {
		m.entries[key].Alive = false
	}
	for _, key := range pruned {
		m.remove(key)
	}

	res := SweepResult{Staled: len(staled), Pruned: len(pruned), Remaining: len(m.entries)}
	if len(staled) == 0 && len(pruned) == 0 {
		return res, errs
	}

	m.metrics.Staled.Add(float64(len(staled)))
	m.metrics.Pruned.Add(float64(len(pruned)))
	m.logger.Info("Maintenance sweep",
		zap.Int("staled", len(staled)),
		zap.Int("pruned", len(pruned)),
		zap.Int("remaining", len(m.entries)),
	)
	m.refreshHash()

	ctx, cancel := m.storeContext()
	defer cancel()
	if err := m.store.ApplySweep(ctx, staled, pruned); err != nil {
		for _, key := range staled {
			m.pending[key] = struct{}{}
		}
		for _, key := range pruned {
			m.unpruned[key] = struct{}{}
		}
		m.metrics.PersistErrors.Inc()
		m.updateGauges()
		return res, multierr.Append(errs, &PersistError{Op: "sweep", Err: err})
	}

	for _, key := range pruned {
		delete(m.unpruned, key)
	}
	m.updateGauges()
	return res, errs
}

// persist writes e now. On failure the key is queued for the next flush.
func (m *Manager) persist(op string, e *model.ServiceEntry) error {
	key := e.Key()

	ctx, cancel := m.storeContext()
	defer cancel()

	if _, err := m.store.Put(ctx, e); err != nil {
		m.pending[key] = struct{}{}
		m.metrics.PersistErrors.Inc()
		m.updateGauges()
		m.logger.Warn("Persist failed, cache is ahead of store",
			append(logging.KeyFields(key), zap.String("op", op), zap.Error(err))...)
		return &PersistError{Op: op, Key: key, Err: err}
	}

	delete(m.pending, key)
	delete(m.touched, key)
	m.updateGauges()
	return nil
}

// flush applies failed prunes, then writes pending full rows and buffered
// refreshes. A pending key whose prune is still outstanding waits.
func (m *Manager) flush() error {
	ctx, cancel := m.storeContext()
	defer cancel()

	var errs error

	if len(m.unpruned) > 0 {
		keys := make([]model.Key, 0, len(m.unpruned))
		for key := range m.unpruned {
			keys = append(keys, key)
		}
		if err := m.store.ApplySweep(ctx, nil, keys); err != nil {
			errs = multierr.Append(errs, &PersistError{Op: "prune", Err: err})
		} else {
			clear(m.unpruned)
		}
	}

	for key := range m.pending {
		if _, ok := m.unpruned[key]; ok {
			continue
		}
		e, ok := m.entries[key]
		if !ok {
			delete(m.pending, key)
			continue
		}
		if _, err := m.store.Put(ctx, e); err != nil {
			errs = multierr.Append(errs, &PersistError{Op: "retry", Key: key, Err: err})
			continue
		}
		delete(m.pending, key)
		delete(m.touched, key)
	}

	if len(m.touched) > 0 {
		stamps := make(map[model.Key]time.Time, len(m.touched))
		for key := range m.touched {
			if e, ok := m.entries[key]; ok {
				stamps[key] = e.LastSeen
			}
		}
		if err := m.store.Touch(ctx, stamps); err != nil {
			m.touchFailed = true
			errs = multierr.Append(errs, &PersistError{Op: "refresh", Err: err})
		} else {
			m.touchFailed = false
			clear(m.touched)
		}
	}

	if errs != nil {
		m.metrics.PersistErrors.Inc()
	}
	m.updateGauges()
	return errs
}

func (m *Manager) shutdown() error {
	err := m.flush()
	if cerr := m.store.Close(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	m.logger.Info("Cache manager stopped",
		zap.Int("entries", len(m.entries)),
		zap.String("hash", m.hash),
		zap.Error(err),
	)
	return err
}

func (m *Manager) degraded() bool {
	return len(m.pending) > 0 || len(m.unpruned) > 0 || m.touchFailed
}

func (m *Manager) health() Health {
	return Health{
		Entries:       len(m.entries),
		Alive:         m.aliveCount(),
		PendingWrites: len(m.pending) + len(m.unpruned),
		Degraded:      m.degraded(),
		Hash:          m.hash,
	}
}

func (m *Manager) insert(e *model.ServiceEntry) {
	key := e.Key()
	m.entries[key] = e
	set, ok := m.byType[key.ServiceType]
	if !ok {
		set = make(map[model.Key]struct{})
		m.byType[key.ServiceType] = set
	}
	set[key] = struct{}{}
}

func (m *Manager) remove(key model.Key) {
	delete(m.entries, key)
	delete(m.touched, key)
	delete(m.pending, key)
	if set, ok := m.byType[key.ServiceType]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(m.byType, key.ServiceType)
		}
	}
}

func (m *Manager) values() []*model.ServiceEntry {
	out := make([]*model.ServiceEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

func (m *Manager) ofType(serviceType string) []*model.ServiceEntry {
	set := m.byType[serviceType]
	out := make([]*model.ServiceEntry, 0, len(set))
	for key := range set {
		out = append(out, m.entries[key])
	}
	return out
}

// copies returns deep copies ordered by key.
func (m *Manager) copies(entries []*model.ServiceEntry) []*model.ServiceEntry {
	out := make([]*model.ServiceEntry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	slices.SortFunc(out, func(a, b *model.ServiceEntry) int {
		return a.Key().Compare(b.Key())
	})
	return out
}

func (m *Manager) refreshHash() {
	h := hash.Compute(m.values())
	m.updateGauges()
	if h == m.hash {
		return
	}
	m.hash = h
	m.metrics.HashChanges.Inc()
	m.logger.Debug("Hash changed", zap.String("hash", h))
	m.hub.publish(h)
}

func (m *Manager) aliveCount() int {
	n := 0
	for _, e := range m.entries {
		if e.Alive {
			n++
		}
	}
	return n
}

func (m *Manager) updateGauges() {
	m.metrics.Entries.Set(float64(len(m.entries)))
	m.metrics.AliveEntries.Set(float64(m.aliveCount()))
	m.metrics.PendingWrites.Set(float64(len(m.pending) + len(m.unpruned)))
}
