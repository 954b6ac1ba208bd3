// Package cache implements the cache manager: the single owner of the
// in-memory service cache.
//
// # Actor Model
//
// A Manager runs one goroutine (Run) that receives commands from a single
// bounded inbox in FIFO order. Every mutation and every read goes through
// that inbox, so a read always observes every mutation submitted before it
// and no lock protects the cache itself. Each command carries its own reply
// channel; callers block until the reply arrives.
//
//	m, err := cache.Open(ctx, cfg, st)
//	go m.Run()
//	changed, err := m.Upsert(ctx, entry)
//	...
//	err = m.Shutdown(ctx)
//
// # Persistence
//
// Meaningful changes are written to the store before the command replies.
// Refreshes that only advance last_seen are collected and written in one
// batch on the flush ticker, before each maintenance sweep and at shutdown.
// A failed write leaves the in-memory state ahead of the store: the key is
// retried on the next flush and Health reports the cache as degraded until
// the retry succeeds.
//
// # Change Notifications
//
// Subscribe returns a channel that receives the new change hash every time it
// changes. Each subscriber keeps only the latest value, so a slow subscriber
// never holds up the manager and never misses the current state.
package cache
