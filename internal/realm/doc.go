// Package realm owns runtime realm lifecycle: startup provisioning into the
// coupled type/stem registries, runtime bookkeeping, and shutdown teardown.
//
// Ownership boundary:
// - realm state machine (provisioning -> active -> draining -> closed)
// - identifier allocation, seed assignment and scoped world construction
// - occupant evacuation with per-occupant timeout and forced fallback
// - registry removal and existence broadcasts on teardown
//
// World construction, player movement and replication are boundaries
// expressed as interfaces (Constructor, Evacuator, Replicator).
package realm
