package realm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/realmctl/internal/observability"
	"github.com/danmuck/realmctl/internal/registry"
	"github.com/rs/zerolog/log"
)

// Shutdown drains and closes every Active realm in key order. A failing realm
// is logged and skipped; the rest still close. The joined error lists every
// realm that did not reach Closed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.control.Lock()
	defer m.control.Unlock()

	m.mu.RLock()
	keys := m.keysLocked(StateActive)
	m.mu.RUnlock()

	err := m.teardownAll(ctx, keys)
	if ferr := m.deps.Counter.Flush(); ferr != nil {
		err = errors.Join(err, fmt.Errorf("counter flush: %w", ferr))
	}
	log.Info().Int("realms", len(keys)).Err(err).Msg("realm.Manager.Shutdown complete")
	return err
}

// EmergencyCleanupAll tears down every realm that is not Closed, including
// ones stuck in Provisioning or left Draining by an earlier failure.
func (m *Manager) EmergencyCleanupAll(ctx context.Context) ([]registry.Key, error) {
	m.control.Lock()
	defer m.control.Unlock()

	m.mu.RLock()
	var keys []registry.Key
	for _, key := range m.keysLocked("") {
		if m.realms[key].state != StateClosed {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()

	log.Warn().Int("realms", len(keys)).Msg("realm.Manager.EmergencyCleanupAll")
	err := m.teardownAll(ctx, keys)
	if ferr := m.deps.Counter.Flush(); ferr != nil {
		err = errors.Join(err, fmt.Errorf("counter flush: %w", ferr))
	}
	return keys, err
}

func (m *Manager) teardownAll(ctx context.Context, keys []registry.Key) error {
	var errs []error
	for _, key := range keys {
		m.mu.RLock()
		r := m.realms[key]
		m.mu.RUnlock()
		if r == nil {
			continue
		}
		if err := m.teardown(ctx, r); err != nil {
			log.Error().Str("key", key.String()).Err(err).Msg("realm.Manager.teardown failed")
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// teardown walks one realm to Closed: drain, evacuate, release the world,
// withdraw both registry entries, then announce the removal.
func (m *Manager) teardown(ctx context.Context, r *record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("teardown panic: %v", p)
		}
	}()

	m.mu.RLock()
	state := r.state
	m.mu.RUnlock()
	if state == StateActive {
		if err := m.transition(r, StateDraining); err != nil {
			return err
		}
		state = StateDraining
	}
	if state == StateDraining {
		m.evacuate(ctx, r)
	}

	m.releaseWorld(ctx, r)

	if err := m.withdraw(r.key); err != nil {
		return err
	}
	if err := m.transition(r, StateClosed); err != nil {
		return err
	}
	if rep := m.replicator(); rep != nil {
		rep.BroadcastExistence(r.key.String(), false)
	}
	log.Info().Str("key", r.key.String()).Msg("realm.Manager.teardown closed")
	return nil
}

// evacuate moves every occupant to the fallback target. An occupant that
// cannot be moved within the timeout is forced to SafePosition in the
// fallback realm and evacuation continues.
func (m *Manager) evacuate(ctx context.Context, r *record) {
	m.mu.Lock()
	occupants := make([]string, 0, len(r.occupants))
	for id := range r.occupants {
		occupants = append(occupants, id)
	}
	m.mu.Unlock()
	sort.Strings(occupants)

	ev := m.evacuator()
	for _, occ := range occupants {
		outcome := "moved"
		switch {
		case ev == nil:
			outcome = "skipped"
			log.Warn().Str("key", r.key.String()).Str("occupant", occ).Msg("realm.Manager.evacuate no evacuator")
		default:
			if err := m.bounded(ctx, func(ctx context.Context) error {
				return ev.Move(ctx, occ, m.cfg.Fallback)
			}); err != nil {
				log.Warn().Str("key", r.key.String()).Str("occupant", occ).Err(err).Msg("realm.Manager.evacuate move failed, forcing")
				outcome = "forced"
				safe := Target{Realm: m.cfg.Fallback.Realm, Position: SafePosition}
				if ferr := m.bounded(ctx, func(ctx context.Context) error {
					return ev.ForceMove(ctx, occ, safe)
				}); ferr != nil {
					outcome = "failed"
					log.Error().Str("key", r.key.String()).Str("occupant", occ).Err(ferr).Msg("realm.Manager.evacuate force move failed")
				}
			}
		}
		observability.RecordEvacuation(outcome)
		m.mu.Lock()
		delete(r.occupants, occ)
		m.mu.Unlock()
	}
}

// bounded runs fn with the evacuation timeout and gives up waiting once it
// expires, even if fn ignores its context.
func (m *Manager) bounded(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.EvacuationTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("evacuator panic: %v", p)
			}
		}()
		done <- fn(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseWorld detaches, persists or discards, and closes the world. A
// panicking world is logged; the realm's registry entries are still withdrawn.
func (m *Manager) releaseWorld(ctx context.Context, r *record) {
	m.mu.Lock()
	w := r.world
	r.world = nil
	m.mu.Unlock()
	if w == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("key", r.key.String()).Interface("panic", p).Msg("realm.Manager.releaseWorld panic")
		}
	}()
	w.DetachListeners()
	if m.cfg.SaveOnShutdown {
		if err := w.Save(ctx); err != nil {
			log.Error().Str("key", r.key.String()).Err(err).Msg("realm.Manager.releaseWorld save failed")
		}
	} else if err := w.Discard(); err != nil {
		log.Warn().Str("key", r.key.String()).Err(err).Msg("realm.Manager.releaseWorld discard failed")
	}
	if err := w.Close(); err != nil {
		log.Warn().Str("key", r.key.String()).Err(err).Msg("realm.Manager.releaseWorld close failed")
	}
}

// withdraw removes whichever of the two registry entries are present.
func (m *Manager) withdraw(key registry.Key) error {
	return m.deps.Mutator.Update(func(tx *registry.Transaction) error {
		if m.deps.Types.Contains(key) {
			if _, err := registry.Remove(tx, m.deps.Types, key); err != nil {
				return err
			}
		}
		if m.deps.Stems.Contains(key) {
			if _, err := registry.Remove(tx, m.deps.Stems, key); err != nil {
				return err
			}
		}
		return nil
	})
}
