package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

var (
	ErrFrozen      = errors.New("registry: frozen")
	ErrKeyExists   = errors.New("registry: key already present")
	ErrKeyMissing  = errors.New("registry: key not present")
	ErrSlotTaken   = errors.New("registry: slot already in use")
	ErrInvalidSlot = errors.New("registry: invalid slot")
)

// Entry is one published registry value.
type Entry[V any] struct {
	Key   Key
	Slot  int
	Value V
}

// Store is the typed surface the mutator and validators work against. Every
// registry implements it; the unexported methods keep mutation inside this
// package.
type Store interface {
	Name() string
	Frozen() bool
	Len() int
	Contains(key Key) bool
	Keys() []Key
	Freeze()

	setFrozen(frozen bool)
	indexIssues() []string
	nextSlot(namespace string, spread int) int
	slotCount() int
	maxSlot() int
}

// Registry is a keyed container that refuses mutation once frozen, unless the
// mutator lifts the marker inside a transaction.
type Registry[V any] struct {
	name string

	mu     sync.RWMutex
	frozen bool
	byKey  map[Key]Entry[V]
	bySlot map[int]Key
}

var _ Store = (*Registry[struct{}])(nil)

func New[V any](name string) *Registry[V] {
	return &Registry[V]{
		name:   name,
		byKey:  make(map[Key]Entry[V]),
		bySlot: make(map[int]Key),
	}
}

func (r *Registry[V]) Name() string {
	return r.name
}

func (r *Registry[V]) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Freeze marks the end of the boot phase.
func (r *Registry[V]) Freeze() {
	r.setFrozen(true)
}

func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

func (r *Registry[V]) Contains(key Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byKey[key]
	return ok
}

func (r *Registry[V]) Get(key Key) (Entry[V], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[key]
	return e, ok
}

// BySlot resolves the key currently holding slot.
func (r *Registry[V]) BySlot(slot int) (Entry[V], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.bySlot[slot]
	if !ok {
		return Entry[V]{}, false
	}
	e, ok := r.byKey[key]
	return e, ok
}

// Keys returns all keys in deterministic order.
func (r *Registry[V]) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Entries returns all entries ordered by slot.
func (r *Registry[V]) Entries() []Entry[V] {
	r.mu.RLock()
	out := make([]Entry[V], 0, len(r.byKey))
	for _, e := range r.byKey {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Register publishes a boot-time entry at the next free slot. It fails once
// the registry is frozen.
func (r *Registry[V]) Register(key Key, value V) (Entry[V], error) {
	if err := key.Validate(); err != nil {
		return Entry[V]{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return Entry[V]{}, fmt.Errorf("%w: %s", ErrFrozen, r.name)
	}
	if _, ok := r.byKey[key]; ok {
		return Entry[V]{}, fmt.Errorf("%w: %s in %s", ErrKeyExists, key, r.name)
	}
	slot := len(r.byKey)
	for {
		if _, taken := r.bySlot[slot]; !taken {
			break
		}
		slot++
	}
	e := Entry[V]{Key: key, Slot: slot, Value: value}
	r.byKey[key] = e
	r.bySlot[slot] = key
	return e, nil
}

func (r *Registry[V]) setFrozen(frozen bool) {
	r.mu.Lock()
	r.frozen = frozen
	r.mu.Unlock()
}

// put inserts or replaces key at slot. The caller holds the mutator lock.
func (r *Registry[V]) put(e Entry[V]) error {
	if e.Slot < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, e.Slot)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: %s", ErrFrozen, r.name)
	}
	if owner, taken := r.bySlot[e.Slot]; taken && owner != e.Key {
		return fmt.Errorf("%w: %d held by %s in %s", ErrSlotTaken, e.Slot, owner, r.name)
	}
	if prev, ok := r.byKey[e.Key]; ok && prev.Slot != e.Slot {
		delete(r.bySlot, prev.Slot)
	}
	r.byKey[e.Key] = e
	r.bySlot[e.Slot] = e.Key
	return nil
}

// del removes key and releases its slot. The caller holds the mutator lock.
func (r *Registry[V]) del(key Key) (Entry[V], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return Entry[V]{}, fmt.Errorf("%w: %s", ErrFrozen, r.name)
	}
	e, ok := r.byKey[key]
	if !ok {
		return Entry[V]{}, fmt.Errorf("%w: %s in %s", ErrKeyMissing, key, r.name)
	}
	delete(r.byKey, key)
	if r.bySlot[e.Slot] == key {
		delete(r.bySlot, e.Slot)
	}
	return e, nil
}

// nextSlot allocates size + hash(namespace) mod spread, probing past slots
// that are still live. Unique within this registry only.
func (r *Registry[V]) nextSlot(namespace string, spread int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot := len(r.byKey)
	if spread > 0 {
		slot += int(namespaceHash(namespace) % uint32(spread))
	}
	for {
		if _, taken := r.bySlot[slot]; !taken {
			return slot
		}
		slot++
	}
}

func (r *Registry[V]) indexIssues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var issues []string
	if len(r.byKey) != len(r.bySlot) {
		issues = append(issues, fmt.Sprintf("key index has %d entries but slot index has %d", len(r.byKey), len(r.bySlot)))
	}
	for slot, key := range r.bySlot {
		e, ok := r.byKey[key]
		if !ok {
			issues = append(issues, fmt.Sprintf("slot %d points at missing key %s", slot, key))
			continue
		}
		if e.Slot != slot {
			issues = append(issues, fmt.Sprintf("slot %d points at %s which records slot %d", slot, key, e.Slot))
		}
	}
	sort.Strings(issues)
	return issues
}

func (r *Registry[V]) slotCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySlot)
}

func (r *Registry[V]) maxSlot() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max := -1
	for slot := range r.bySlot {
		if slot > max {
			max = slot
		}
	}
	return max
}

func namespaceHash(namespace string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(namespace))
	return h.Sum32()
}
