// Package registry owns the keyed registries realms are published into and the
// mutator that edits them after boot.
//
// Ownership boundary:
// - namespaced keys and slot-indexed entries
// - the frozen marker each registry controls itself
// - one process-wide write lock with per-transaction rollback
// - read-only validation and statistics
package registry
