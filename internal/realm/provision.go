package realm

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/realmctl/internal/observability"
	"github.com/danmuck/realmctl/internal/registry"
	"github.com/danmuck/realmctl/internal/seed"
	"github.com/rs/zerolog/log"
)

var ErrDuplicateRealm = errors.New("realm: realm already tracked")

// Failure records one realm, or one whole category, that did not come up.
type Failure struct {
	Category string
	Key      registry.Key
	Err      error
}

type StartupReport struct {
	Created []registry.Key
	Failed  []Failure
	Aborted bool
}

// Startup provisions every configured category in order. Under PolicyAbort
// the first failure stops startup and is returned; under PolicyContinue
// failures are only reported. The counter is flushed either way.
func (m *Manager) Startup(ctx context.Context) (StartupReport, error) {
	m.control.Lock()
	defer m.control.Unlock()

	var report StartupReport
	var abortErr error

categories:
	for _, cat := range m.cfg.Categories {
		if err := m.discover(); err != nil {
			log.Error().Str("category", cat.Name).Err(err).Msg("realm.Manager.Startup discovery failed")
			observability.RecordRealmProvision(cat.Name, "discovery_failed")
			report.Failed = append(report.Failed, Failure{Category: cat.Name, Err: err})
			if m.cfg.FailurePolicy == PolicyAbort {
				abortErr = fmt.Errorf("category %s: %w", cat.Name, err)
				break
			}
			continue
		}

		for i := 0; i < cat.Count; i++ {
			if err := ctx.Err(); err != nil {
				abortErr = err
				break categories
			}
			key, err := m.provision(ctx, cat)
			if err != nil {
				log.Error().Str("category", cat.Name).Str("key", key.String()).Err(err).Msg("realm.Manager.Startup provision failed")
				observability.RecordRealmProvision(cat.Name, "failed")
				report.Failed = append(report.Failed, Failure{Category: cat.Name, Key: key, Err: err})
				if m.cfg.FailurePolicy == PolicyAbort {
					abortErr = fmt.Errorf("realm %s: %w", key, err)
					break categories
				}
				continue
			}
			observability.RecordRealmProvision(cat.Name, "created")
			report.Created = append(report.Created, key)
		}
	}

	report.Aborted = abortErr != nil
	if err := m.deps.Counter.Flush(); err != nil {
		log.Error().Err(err).Msg("realm.Manager.Startup counter flush failed")
		abortErr = errors.Join(abortErr, err)
	}
	log.Info().
		Int("created", len(report.Created)).
		Int("failed", len(report.Failed)).
		Bool("aborted", report.Aborted).
		Msg("realm.Manager.Startup complete")
	return report, abortErr
}

func (m *Manager) discover() error {
	if _, err := m.deps.Mutator.Discover(m.deps.Types.Name()); err != nil {
		return err
	}
	if _, err := m.deps.Mutator.Discover(m.deps.Stems.Name()); err != nil {
		return err
	}
	return nil
}

// provision creates one realm. The type entry, the constructed world and the
// stem entry land in one mutator transaction; any failure inside it rolls
// both entries back and closes whatever world was built.
func (m *Manager) provision(ctx context.Context, cat Category) (registry.Key, error) {
	id, err := m.deps.Counter.Next(cat.Name)
	if err != nil {
		return registry.Key{}, err
	}
	key := registry.NewKey(m.cfg.Namespace, fmt.Sprintf("%s_%d", cat.Name, id))
	seedValue := m.deps.Seeder.Compute(cat.Name, id)

	r := &record{
		key:       key,
		category:  cat,
		id:        id,
		seed:      seedValue,
		state:     StateProvisioning,
		createdAt: m.deps.Now(),
		occupants: make(map[string]struct{}),
	}
	if err := m.track(r); err != nil {
		return key, err
	}

	var world World
	err = m.deps.Mutator.Update(func(tx *registry.Transaction) error {
		if _, err := registry.Add(tx, m.deps.Types, key, TypeEntry{
			Category:   cat.Name,
			Generator:  cat.Generator,
			BiomeScale: cat.BiomeScale,
			SeaLevel:   cat.SeaLevel,
			Attributes: cat.Attributes,
			Dynamic:    true,
		}); err != nil {
			return err
		}
		w, err := seed.Scoped(ctx, seedValue, func(ctx context.Context) (World, error) {
			return m.construct(ctx, Spec{Key: key, Category: cat, ID: id})
		})
		if err != nil {
			return fmt.Errorf("construct %s: %w", key, err)
		}
		world = w
		_, err = registry.Add(tx, m.deps.Stems, key, StemEntry{
			Generator: cat.Generator,
			Seed:      seedValue,
			Spawn:     w.Spawn(),
			CreatedAt: r.createdAt,
		})
		return err
	})
	if err != nil {
		if world != nil {
			world.DetachListeners()
			if cerr := world.Close(); cerr != nil {
				log.Warn().Str("key", key.String()).Err(cerr).Msg("realm.Manager.provision close after failure")
			}
		}
		if terr := m.transition(r, StateClosed); terr != nil {
			log.Error().Str("key", key.String()).Err(terr).Msg("realm.Manager.provision")
		}
		return key, err
	}

	m.mu.Lock()
	r.world = world
	r.spawn = world.Spawn()
	r.noiseX, r.noiseZ = world.NoiseOffsets()
	m.mu.Unlock()
	if err := m.transition(r, StateActive); err != nil {
		return key, err
	}

	if v := m.validator(); v != nil {
		if err := v.ValidateRealm(key); err != nil {
			log.Warn().Str("key", key.String()).Err(err).Msg("realm.Manager.provision validation issues")
		}
	}
	if rep := m.replicator(); rep != nil {
		m.mu.RLock()
		desc := r.descriptor()
		m.mu.RUnlock()
		rep.BroadcastExistence(key.String(), true)
		rep.BroadcastSync(desc)
	}
	log.Info().
		Str("key", key.String()).
		Uint64("id", id).
		Int64("seed", seedValue).
		Msg("realm.Manager.provision active")
	return key, nil
}

// construct turns a constructor panic into an error so the surrounding
// transaction rolls back instead of unwinding the control goroutine.
func (m *Manager) construct(ctx context.Context, spec Spec) (w World, err error) {
	defer func() {
		if p := recover(); p != nil {
			w = nil
			err = fmt.Errorf("constructor panic: %v", p)
		}
	}()
	w, err = m.deps.Constructor.Construct(ctx, spec)
	if err == nil && w == nil {
		err = errors.New("constructor returned nil world")
	}
	return w, err
}

func (m *Manager) track(r *record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.realms[r.key]; ok && prev.state != StateClosed {
		return fmt.Errorf("%w: %s is %s", ErrDuplicateRealm, r.key, prev.state)
	}
	m.realms[r.key] = r
	m.publishStatesLocked()
	return nil
}
