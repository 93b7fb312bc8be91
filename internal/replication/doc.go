// Package replication is the server side of realm state replication.
//
// Ownership boundary:
// - per-client sessions, each with a bounded async outbox and writer goroutine
// - connect-time existence announcement and full descriptor resync
// - broadcast of existence deltas, single syncs and warnings
// - TCP (optionally TLS) and websocket transports, plus a reconnecting client
//
// Clients are read-only. A client whose outbox fills or whose send fails is
// dropped without retry; reconnecting rebuilds its state from scratch.
package replication
