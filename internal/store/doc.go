// Package store persists service entries in a SQLite database running in
// write-ahead-log mode.
//
// # Layout
//
// All entries live in one table keyed by (service_type, instance_name).
// Addresses and TXT records are stored as canonical CBOR blobs; timestamps
// are Unix nanoseconds. A small meta table holds process-wide values such as
// the authority identifier.
//
// # Change Detection
//
// Put reads the stored row back into a typed ServiceEntry and compares it to
// the new one with ServiceEntry.SameContent, inside the same IMMEDIATE
// transaction as the write. Nothing is compared as serialized text.
//
// # Concurrency
//
// Store wraps a small sqlitex pool. WAL mode lets readers (for example the
// dump command) run while the daemon writes. The cache manager is the only
// writer inside the daemon.
package store
