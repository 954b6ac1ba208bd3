// Package hash computes the change digest of the service cache.
//
// The digest is a SHA-256 over the canonical CBOR encoding of every entry's
// meaningful fields, visited in (service type, instance) order. Observation
// timestamps and the record TTL are not part of the digest, so two caches that
// list the same services with the same content hash identically no matter
// when, or how often, they were refreshed. Clients poll the digest and only
// re-fetch the service list when it changes.
package hash
