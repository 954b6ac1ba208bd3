// Package server is the authority's read-only HTTP front end.
//
// # Routes
//
//	GET /v1/config                      zone, prefix, API port and authority ID
//	GET /v1/services[?type=_http._tcp]  cached entries, ordered by key
//	GET /v1/services/hash               change hash as text/plain
//	GET /v1/services/:type/:instance    one entry, 404 when absent
//	GET /v1/watch                       websocket of {"hash": "..."} messages
//	GET /healthz                        200, or 503 while writes are failing
//	GET /metrics                        prometheus exposition
//
// Clients poll /v1/services/hash (or hold /v1/watch open) and re-fetch the
// listing only when the hash changes.
//
// Every handler goes through the Directory interface, which exposes no
// mutation. Instance names in paths are percent-encoded by the client.
package server
