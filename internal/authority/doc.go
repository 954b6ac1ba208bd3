// Package authority wires the store, cache manager, browser, advertiser and
// API server into one process and owns their startup and shutdown order.
//
// Startup: the store is opened and the whole cache restored before the
// browser starts, so no event is applied to a half-loaded cache.
//
// Shutdown: cancelling Run's context stops the browser, which closes the
// event channel. The pump applies whatever was still queued, then the manager
// receives Shutdown through its inbox, flushes and closes the store.
package authority
