// Package session owns the replication wire: message codecs, descriptor
// payloads, chunking and the receiving side's mirror state.
//
// Ownership boundary:
// - hello/ack control envelopes exchanged before framing starts
// - ExistenceDelta, Warning, SingleSync, BulkSync and ChunkedSync codecs
// - chunk splitting and ordered, all-or-nothing reassembly
// - per-client mirror state (existence set, descriptors, chunk buffer)
// - transport security validation and backoff helpers
//
// The sending side (fan-out, outboxes, resync planning) lives in
// internal/replication.
package session
