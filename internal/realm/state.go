package realm

import (
	"errors"
	"fmt"
)

var ErrLifecycleOrder = errors.New("realm: invalid lifecycle transition")

// State is one realm lifecycle phase.
type State string

const (
	StateProvisioning State = "provisioning"
	StateActive       State = "active"
	StateDraining     State = "draining"
	StateClosed       State = "closed"
)

var States = []State{StateProvisioning, StateActive, StateDraining, StateClosed}

// Provisioning may also end in Closed when construction is abandoned; that
// is startup-failure cleanup, not a skipped phase.
var transitions = map[State][]State{
	StateProvisioning: {StateActive, StateClosed},
	StateActive:       {StateDraining},
	StateDraining:     {StateClosed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}
