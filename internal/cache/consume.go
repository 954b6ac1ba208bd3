package cache

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/muurk/subnet-authority/internal/logging"
	"github.com/muurk/subnet-authority/internal/model"
)

// Consume applies browser events to the cache and issues a maintenance sweep
// every MaintenanceInterval. It returns when events is closed, after every
// event received has been applied, or with ErrClosed if the manager stops
// first.
func (m *Manager) Consume(events <-chan model.BrowserEvent) error {
	ticker := m.clock.Ticker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()

	// Commands are not cancelled: an event already produced is always applied.
	ctx := context.Background()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := m.apply(ctx, ev); errors.Is(err, ErrClosed) {
				return err
			}
		case <-ticker.C:
			_, err := m.Maintenance(ctx, m.clock.Now())
			if errors.Is(err, ErrClosed) {
				return err
			}
			if err != nil {
				m.logger.Warn("Maintenance sweep incomplete", zap.Error(err))
			}
		}
	}
}

func (m *Manager) apply(ctx context.Context, ev model.BrowserEvent) error {
	logging.LogBrowserEvent(m.logger, ev)

	switch ev.Kind {
	case model.EventDiscovered:
		m.logger.Info("Service type discovered", zap.String("service_type", ev.ServiceType))
		return nil

	case model.EventResolved:
		if ev.Entry == nil {
			return nil
		}
		_, err := m.Upsert(ctx, ev.Entry)
		if err != nil && !errors.Is(err, ErrClosed) {
			m.logger.Warn("Upsert failed", append(logging.KeyFields(ev.Key()), zap.Error(err))...)
		}
		return err

	case model.EventRemoved:
		_, err := m.MarkDead(ctx, ev.Key())
		if err != nil && !errors.Is(err, ErrClosed) {
			m.logger.Warn("Mark dead failed", append(logging.KeyFields(ev.Key()), zap.Error(err))...)
		}
		return err
	}
	return nil
}
