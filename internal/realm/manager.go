package realm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/realmctl/internal/observability"
	"github.com/danmuck/realmctl/internal/protocol/session"
	"github.com/danmuck/realmctl/internal/registry"
)

// Deps are the collaborators a Manager drives. Mutator, Types, Stems,
// Counter, Seeder and Constructor are required.
type Deps struct {
	Mutator     *registry.Mutator
	Types       *registry.Registry[TypeEntry]
	Stems       *registry.Registry[StemEntry]
	Counter     Counter
	Seeder      Seeder
	Constructor Constructor
	Evacuator   Evacuator
	Replicator  Replicator
	Validator   Validator
	Now         func() time.Time
}

type record struct {
	key       registry.Key
	category  Category
	id        uint64
	seed      int64
	state     State
	createdAt time.Time
	spawn     Vec3
	noiseX    float64
	noiseZ    float64
	world     World
	occupants map[string]struct{}
}

func (r *record) info() Info {
	occ := make([]string, 0, len(r.occupants))
	for id := range r.occupants {
		occ = append(occ, id)
	}
	sort.Strings(occ)
	return Info{
		Key:       r.key,
		Category:  r.category.Name,
		ID:        r.id,
		Seed:      r.seed,
		State:     r.state,
		CreatedAt: r.createdAt,
		Occupants: occ,
		Spawn:     r.spawn,
	}
}

func (r *record) descriptor() session.Descriptor {
	attrs := make(map[string]string, len(r.category.Attributes))
	for k, v := range r.category.Attributes {
		attrs[k] = v
	}
	return session.Descriptor{
		Key:          r.key.String(),
		Category:     r.category.Name,
		ID:           r.id,
		Seed:         r.seed,
		CreatedAt:    r.createdAt,
		Generator:    r.category.Generator,
		BiomeScale:   r.category.BiomeScale,
		SeaLevel:     r.category.SeaLevel,
		Spawn:        session.Vec3{X: r.spawn.X, Y: r.spawn.Y, Z: r.spawn.Z},
		NoiseOffsetX: r.noiseX,
		NoiseOffsetZ: r.noiseZ,
		Attributes:   attrs,
	}
}

// Manager owns every runtime realm created by this process.
type Manager struct {
	cfg  Config
	deps Deps

	mu     sync.RWMutex
	realms map[registry.Key]*record

	// control serializes Startup, Shutdown and EmergencyCleanupAll.
	control sync.Mutex
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Mutator == nil:
		return nil, fmt.Errorf("%w: mutator required", ErrInvalidConfig)
	case deps.Types == nil || deps.Stems == nil:
		return nil, fmt.Errorf("%w: type and stem registries required", ErrInvalidConfig)
	case deps.Counter == nil:
		return nil, fmt.Errorf("%w: counter required", ErrInvalidConfig)
	case deps.Seeder == nil:
		return nil, fmt.Errorf("%w: seeder required", ErrInvalidConfig)
	case deps.Constructor == nil:
		return nil, fmt.Errorf("%w: constructor required", ErrInvalidConfig)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.EvacuationTimeout <= 0 {
		cfg.EvacuationTimeout = DefaultConfig().EvacuationTimeout
	}
	cats := make([]Category, len(cfg.Categories))
	for i, cat := range cfg.Categories {
		if strings.TrimSpace(cat.Generator) == "" {
			cat.Generator = DefaultGenerator
		}
		cats[i] = cat
	}
	cfg.Categories = cats
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		realms: make(map[registry.Key]*record),
	}, nil
}

func (m *Manager) Config() Config {
	return m.cfg
}

// SetValidator installs the post-creation check. The validator usually reads
// the manager back, so it is wired after construction.
func (m *Manager) SetValidator(v Validator) {
	m.mu.Lock()
	m.deps.Validator = v
	m.mu.Unlock()
}

func (m *Manager) SetReplicator(r Replicator) {
	m.mu.Lock()
	m.deps.Replicator = r
	m.mu.Unlock()
}

func (m *Manager) SetEvacuator(e Evacuator) {
	m.mu.Lock()
	m.deps.Evacuator = e
	m.mu.Unlock()
}

// IsRealm reports whether key names a realm that is currently Active.
func (m *Manager) IsRealm(key registry.Key) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.realms[key]
	return ok && r.state == StateActive
}

// ListActive returns Active realm keys in key order.
func (m *Manager) ListActive() []registry.Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keysLocked(StateActive)
}

// ListCategory returns Active realm keys of one category in key order.
func (m *Manager) ListCategory(category string) []registry.Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []registry.Key
	for _, key := range m.keysLocked(StateActive) {
		if m.realms[key].category.Name == category {
			out = append(out, key)
		}
	}
	return out
}

func (m *Manager) Occupants(key registry.Key) ([]string, error) {
	info, err := m.Get(key)
	if err != nil {
		return nil, err
	}
	return info.Occupants, nil
}

func (m *Manager) Get(key registry.Key) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.realms[key]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrUnknownRealm, key)
	}
	return r.info(), nil
}

// Snapshot copies every tracked realm, including closed ones, in key order.
func (m *Manager) Snapshot() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.keysLocked("")
	out := make([]Info, 0, len(keys))
	for _, key := range keys {
		out = append(out, m.realms[key].info())
	}
	return out
}

// Descriptors returns the replicated descriptor of every Active realm.
func (m *Manager) Descriptors() []session.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.keysLocked(StateActive)
	out := make([]session.Descriptor, 0, len(keys))
	for _, key := range keys {
		out = append(out, m.realms[key].descriptor())
	}
	return out
}

// ActiveKeys is ListActive rendered as strings, for replication resync.
func (m *Manager) ActiveKeys() []string {
	keys := m.ListActive()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

func (m *Manager) StateCounts() map[State]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateCountsLocked()
}

// Enter records client as an occupant of an Active realm.
func (m *Manager) Enter(key registry.Key, client string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.realms[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRealm, key)
	}
	if r.state != StateActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, key, r.state)
	}
	r.occupants[client] = struct{}{}
	return nil
}

// Leave drops client from the realm's occupants. Unknown clients are ignored.
func (m *Manager) Leave(key registry.Key, client string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.realms[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRealm, key)
	}
	delete(r.occupants, client)
	return nil
}

func (m *Manager) keysLocked(state State) []registry.Key {
	keys := make([]registry.Key, 0, len(m.realms))
	for key, r := range m.realms {
		if state == "" || r.state == state {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func (m *Manager) stateCountsLocked() map[State]int {
	out := make(map[State]int, len(States))
	for _, s := range States {
		out[s] = 0
	}
	for _, r := range m.realms {
		out[r.state]++
	}
	return out
}

// transition moves r to next, refusing skipped or backward phases.
func (m *Manager) transition(r *record, next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !canTransition(r.state, next) {
		return transitionError(r.state, next)
	}
	r.state = next
	m.publishStatesLocked()
	return nil
}

func (m *Manager) publishStatesLocked() {
	counts := m.stateCountsLocked()
	labels := make(map[string]int, len(counts))
	for s, n := range counts {
		labels[string(s)] = n
	}
	observability.SetRealmStates(labels)
}

func (m *Manager) replicator() Replicator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deps.Replicator
}

func (m *Manager) validator() Validator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deps.Validator
}

func (m *Manager) evacuator() Evacuator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deps.Evacuator
}
