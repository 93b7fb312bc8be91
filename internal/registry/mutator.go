package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/realmctl/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrDiscovery       = errors.New("registry: discovery failed")
	ErrTxDone          = errors.New("registry: transaction already finished")
	ErrForeignRegistry = errors.New("registry: registry not owned by mutator")
	ErrDuplicateStore  = errors.New("registry: registry name already registered")
)

// DiscoveryError reports a registry that cannot be assumed safe to mutate.
// It is fatal for the affected category and not retryable.
type DiscoveryError struct {
	Registry string
	Reason   string
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("registry: discovery failed for %q: %s", e.Registry, e.Reason)
}

func (e *DiscoveryError) Unwrap() error {
	return ErrDiscovery
}

// Options tunes slot allocation and frozen-marker handling.
type Options struct {
	// SlotSpread is K in size + hash(namespace) mod K.
	SlotSpread int
	// RestoreFrozen re-freezes touched registries on commit.
	RestoreFrozen bool
}

func DefaultOptions() Options {
	return Options{SlotSpread: 64, RestoreFrozen: true}
}

// Report is the outcome of one read-only validation pass.
type Report struct {
	Registry string
	OK       bool
	Issues   []string
}

// Stats is a point-in-time view of one registry.
type Stats struct {
	Registry       string
	Entries        int
	Slots          int
	MaxSlot        int
	Frozen         bool
	ExpectedFrozen bool
	Commits        uint64
	Rollbacks      uint64
}

type storeState struct {
	store          Store
	expectedFrozen bool
	commits        uint64
	rollbacks      uint64
}

// Mutator serializes every registry write behind one process-wide lock so
// coupled registries are never observed half-updated.
type Mutator struct {
	mu     sync.RWMutex
	opts   Options
	stores map[string]*storeState
	txSeq  atomic.Uint64
}

func NewMutator(opts Options, stores ...Store) (*Mutator, error) {
	if opts.SlotSpread < 0 {
		opts.SlotSpread = 0
	}
	m := &Mutator{
		opts:   opts,
		stores: make(map[string]*storeState),
	}
	for _, s := range stores {
		if err := m.Register(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register hands a registry to the mutator. Its current frozen marker becomes
// the expected post-mutation state.
func (m *Mutator) Register(s Store) error {
	if s == nil {
		return &DiscoveryError{Registry: "<nil>", Reason: "nil registry"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[s.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStore, s.Name())
	}
	m.stores[s.Name()] = &storeState{store: s, expectedFrozen: s.Frozen()}
	observability.SetRegistrySize(s.Name(), s.Len())
	return nil
}

// Discover resolves a registry by name and checks it is internally consistent
// before anything is written to it.
func (m *Mutator) Discover(name string) (Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stores[name]
	if !ok {
		return nil, &DiscoveryError{Registry: name, Reason: "not registered with mutator"}
	}
	if issues := st.store.indexIssues(); len(issues) > 0 {
		return nil, &DiscoveryError{Registry: name, Reason: issues[0]}
	}
	return st.store, nil
}

// Begin acquires the write lock. The transaction must be finished with Commit
// or Rollback.
func (m *Mutator) Begin() *Transaction {
	m.mu.Lock()
	return &Transaction{
		m:       m,
		id:      m.txSeq.Add(1),
		thawed:  make(map[Store]bool),
		started: time.Now(),
	}
}

// Update runs fn inside one transaction, committing on nil and rolling back
// otherwise.
func (m *Mutator) Update(fn func(tx *Transaction) error) error {
	tx := m.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Uint64("tx", tx.id).Err(rbErr).Msg("registry.Mutator.Update rollback incomplete")
		}
		return err
	}
	return tx.Commit()
}

// View runs fn under the shared lock so coupled registries read consistently.
func (m *Mutator) View(fn func()) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn()
}

// ViewValidated validates stores and hands the reports to fn under the same
// shared lock, so fn can cross-check registries against that snapshot.
func (m *Mutator) ViewValidated(fn func(reports []Report), stores ...Store) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reports := make([]Report, 0, len(stores))
	for _, s := range stores {
		reports = append(reports, m.validateLocked(s))
	}
	fn(reports)
}

// Validate checks index agreement and the frozen marker. It never repairs.
func (m *Mutator) Validate(s Store) Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateLocked(s)
}

// ValidateAll validates every registered registry in name order.
func (m *Mutator) ValidateAll() []Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := m.namesLocked()
	out := make([]Report, 0, len(names))
	for _, name := range names {
		out = append(out, m.validateLocked(m.stores[name].store))
	}
	return out
}

func (m *Mutator) Stats(s Store) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statsLocked(s)
}

func (m *Mutator) StatsAll() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := m.namesLocked()
	out := make([]Stats, 0, len(names))
	for _, name := range names {
		out = append(out, m.statsLocked(m.stores[name].store))
	}
	return out
}

func (m *Mutator) validateLocked(s Store) Report {
	rep := Report{Registry: s.Name()}
	st, ok := m.stores[s.Name()]
	if !ok || st.store != s {
		rep.Issues = append(rep.Issues, "registry not owned by mutator")
		return rep
	}
	rep.Issues = append(rep.Issues, s.indexIssues()...)
	if frozen := s.Frozen(); frozen != st.expectedFrozen {
		rep.Issues = append(rep.Issues, fmt.Sprintf("frozen marker is %v, expected %v", frozen, st.expectedFrozen))
	}
	rep.OK = len(rep.Issues) == 0
	return rep
}

func (m *Mutator) statsLocked(s Store) Stats {
	out := Stats{
		Registry: s.Name(),
		Entries:  s.Len(),
		Slots:    s.slotCount(),
		MaxSlot:  s.maxSlot(),
		Frozen:   s.Frozen(),
	}
	if st, ok := m.stores[s.Name()]; ok {
		out.ExpectedFrozen = st.expectedFrozen
		out.Commits = st.commits
		out.Rollbacks = st.rollbacks
	}
	return out
}

func (m *Mutator) namesLocked() []string {
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type step struct {
	op       string
	registry string
	key      Key
	present  bool
	undo     func() error
}

// Transaction holds the pre-mutation snapshot of every (registry, key) it
// touched. It lives for one write section and is never persisted.
type Transaction struct {
	m       *Mutator
	id      uint64
	steps   []step
	thawed  map[Store]bool
	started time.Time
	done    bool
}

func (tx *Transaction) ID() uint64 {
	return tx.id
}

// Steps reports how many mutations have been applied so far.
func (tx *Transaction) Steps() int {
	return len(tx.steps)
}

func (tx *Transaction) owns(s Store) error {
	if tx.done {
		return ErrTxDone
	}
	st, ok := tx.m.stores[s.Name()]
	if !ok || st.store != s {
		return fmt.Errorf("%w: %s", ErrForeignRegistry, s.Name())
	}
	return nil
}

// thaw lifts the frozen marker once per registry and remembers the prior
// state for commit or rollback.
func (tx *Transaction) thaw(s Store) {
	if _, seen := tx.thawed[s]; seen {
		return
	}
	tx.thawed[s] = s.Frozen()
	s.setFrozen(false)
}

// AllocateSlot returns the slot Add would use for key in reg.
func AllocateSlot(tx *Transaction, s Store, key Key) int {
	return s.nextSlot(key.Namespace, tx.m.opts.SlotSpread)
}

// Add publishes value under key at an allocated slot.
func Add[V any](tx *Transaction, reg *Registry[V], key Key, value V) (Entry[V], error) {
	if err := tx.owns(reg); err != nil {
		return Entry[V]{}, err
	}
	return AddAt(tx, reg, key, AllocateSlot(tx, reg, key), value)
}

// AddAt publishes value under key at slot. Only this step is recorded, so a
// later rollback removes exactly what was added here.
func AddAt[V any](tx *Transaction, reg *Registry[V], key Key, slot int, value V) (Entry[V], error) {
	if err := tx.owns(reg); err != nil {
		return Entry[V]{}, err
	}
	if err := key.Validate(); err != nil {
		return Entry[V]{}, err
	}
	if _, present := reg.Get(key); present {
		return Entry[V]{}, fmt.Errorf("%w: %s in %s", ErrKeyExists, key, reg.Name())
	}
	tx.thaw(reg)
	e := Entry[V]{Key: key, Slot: slot, Value: value}
	if err := reg.put(e); err != nil {
		return Entry[V]{}, err
	}
	tx.steps = append(tx.steps, step{
		op:       "add",
		registry: reg.Name(),
		key:      key,
		present:  false,
		undo: func() error {
			_, err := reg.del(key)
			return err
		},
	})
	return e, nil
}

// Remove withdraws key, keeping the prior entry so rollback can restore it at
// the same slot.
func Remove[V any](tx *Transaction, reg *Registry[V], key Key) (Entry[V], error) {
	if err := tx.owns(reg); err != nil {
		return Entry[V]{}, err
	}
	prior, present := reg.Get(key)
	if !present {
		return Entry[V]{}, fmt.Errorf("%w: %s in %s", ErrKeyMissing, key, reg.Name())
	}
	tx.thaw(reg)
	if _, err := reg.del(key); err != nil {
		return Entry[V]{}, err
	}
	tx.steps = append(tx.steps, step{
		op:       "remove",
		registry: reg.Name(),
		key:      key,
		present:  true,
		undo: func() error {
			return reg.put(prior)
		},
	})
	return prior, nil
}

// Commit keeps every applied step and re-freezes touched registries when the
// mutator is configured to.
func (tx *Transaction) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	defer tx.m.mu.Unlock()

	for s, wasFrozen := range tx.thawed {
		st := tx.m.stores[s.Name()]
		if tx.m.opts.RestoreFrozen {
			s.setFrozen(wasFrozen)
		} else {
			st.expectedFrozen = false
		}
		st.commits++
		observability.SetRegistrySize(s.Name(), s.Len())
	}
	observability.RecordTransaction("commit", len(tx.steps), time.Since(tx.started))
	log.Debug().Uint64("tx", tx.id).Int("steps", len(tx.steps)).Msg("registry.Transaction.Commit")
	return nil
}

// Rollback undoes the applied steps in reverse order and restores frozen
// markers. Undo failures are logged and returned joined; they never panic.
func (tx *Transaction) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	defer tx.m.mu.Unlock()

	var errs []error
	for i := len(tx.steps) - 1; i >= 0; i-- {
		st := tx.steps[i]
		if err := st.undo(); err != nil {
			log.Error().
				Uint64("tx", tx.id).
				Str("op", st.op).
				Str("registry", st.registry).
				Str("key", st.key.String()).
				Err(err).
				Msg("registry.Transaction.Rollback undo failed")
			errs = append(errs, fmt.Errorf("undo %s %s in %s: %w", st.op, st.key, st.registry, err))
		}
	}
	for s, wasFrozen := range tx.thawed {
		s.setFrozen(wasFrozen)
		tx.m.stores[s.Name()].rollbacks++
		observability.SetRegistrySize(s.Name(), s.Len())
	}
	observability.RecordTransaction("rollback", len(tx.steps), time.Since(tx.started))
	log.Warn().Uint64("tx", tx.id).Int("undone", len(tx.steps)).Msg("registry.Transaction.Rollback")
	return errors.Join(errs...)
}
