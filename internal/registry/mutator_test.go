package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/danmuck/realmctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type typeDesc struct{ Name string }
type stemDesc struct{ Generator string }

func newPair(t *testing.T, opts Options) (*Mutator, *Registry[typeDesc], *Registry[stemDesc]) {
	t.Helper()
	types := New[typeDesc]("types")
	stems := New[stemDesc]("stems")
	_, err := types.Register(NewKey("base", "overworld"), typeDesc{Name: "overworld"})
	require.NoError(t, err)
	_, err = stems.Register(NewKey("base", "overworld"), stemDesc{Generator: "noise"})
	require.NoError(t, err)
	types.Freeze()
	stems.Freeze()

	m, err := NewMutator(opts, types, stems)
	require.NoError(t, err)
	return m, types, stems
}

func TestCoupledAddProducesUniqueSlots(t *testing.T) {
	testlog.Start(t)
	m, types, stems := newPair(t, DefaultOptions())

	const n = 12
	for i := 0; i < n; i++ {
		key := NewKey("ns", fmt.Sprintf("alpha_%d", i))
		err := m.Update(func(tx *Transaction) error {
			if _, err := Add(tx, types, key, typeDesc{Name: key.Path}); err != nil {
				return err
			}
			_, err := Add(tx, stems, key, stemDesc{Generator: "noise"})
			return err
		})
		require.NoError(t, err)
	}

	for _, reg := range []Store{types, stems} {
		require.Equal(t, n+1, reg.Len())
		require.True(t, reg.Frozen())
		rep := m.Validate(reg)
		require.True(t, rep.OK, rep.Issues)
	}
	seen := make(map[int]Key)
	for _, e := range types.Entries() {
		prev, dup := seen[e.Slot]
		require.False(t, dup, "slot %d shared by %s and %s", e.Slot, prev, e.Key)
		seen[e.Slot] = e.Key
	}
	for _, key := range types.Keys() {
		require.True(t, stems.Contains(key), key.String())
	}
}

func TestFailureBetweenCoupledAddsLeavesNeitherEntry(t *testing.T) {
	testlog.Start(t)
	m, types, stems := newPair(t, DefaultOptions())
	key := NewKey("ns", "alpha_0")
	boom := errors.New("construct failed")

	err := m.Update(func(tx *Transaction) error {
		if _, err := Add(tx, types, key, typeDesc{Name: "alpha"}); err != nil {
			return err
		}
		require.True(t, types.Contains(key))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, types.Contains(key))
	require.False(t, stems.Contains(key))
	require.True(t, types.Frozen())

	st := m.Stats(types)
	require.Equal(t, uint64(1), st.Rollbacks)
	require.Equal(t, uint64(0), st.Commits)
	require.True(t, m.Validate(types).OK)
}

func TestRollbackOnPanicReleasesLock(t *testing.T) {
	testlog.Start(t)
	m, types, _ := newPair(t, DefaultOptions())
	key := NewKey("ns", "alpha_0")

	require.Panics(t, func() {
		_ = m.Update(func(tx *Transaction) error {
			_, _ = Add(tx, types, key, typeDesc{})
			panic("boom")
		})
	})
	require.False(t, types.Contains(key))

	// the write lock must be free again
	require.NoError(t, m.Update(func(tx *Transaction) error { return nil }))
}

func TestRemoveRollbackRestoresSlot(t *testing.T) {
	testlog.Start(t)
	m, types, _ := newPair(t, DefaultOptions())
	key := NewKey("base", "overworld")
	before, ok := types.Get(key)
	require.True(t, ok)

	err := m.Update(func(tx *Transaction) error {
		if _, err := Remove(tx, types, key); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	after, ok := types.Get(key)
	require.True(t, ok)
	require.Equal(t, before, after)
}

func TestRemoveCommitted(t *testing.T) {
	testlog.Start(t)
	m, types, stems := newPair(t, DefaultOptions())
	key := NewKey("base", "overworld")

	require.NoError(t, m.Update(func(tx *Transaction) error {
		if _, err := Remove(tx, types, key); err != nil {
			return err
		}
		_, err := Remove(tx, stems, key)
		return err
	}))
	require.Zero(t, types.Len())
	require.Zero(t, stems.Len())

	err := m.Update(func(tx *Transaction) error {
		_, err := Remove(tx, types, key)
		return err
	})
	require.ErrorIs(t, err, ErrKeyMissing)
}

func TestFrozenMarkerExpectationWithoutRestore(t *testing.T) {
	testlog.Start(t)
	opts := DefaultOptions()
	opts.RestoreFrozen = false
	m, types, stems := newPair(t, opts)

	require.NoError(t, m.Update(func(tx *Transaction) error {
		_, err := Add(tx, types, NewKey("ns", "alpha_0"), typeDesc{})
		return err
	}))
	require.False(t, types.Frozen())
	require.True(t, m.Validate(types).OK)
	require.True(t, stems.Frozen())

	// an out-of-band freeze now disagrees with what the mutator expects
	types.Freeze()
	rep := m.Validate(types)
	require.False(t, rep.OK)
	require.Contains(t, rep.Issues[0], "frozen marker")
}

func TestAddRejectsDuplicateAndForeign(t *testing.T) {
	testlog.Start(t)
	m, types, _ := newPair(t, DefaultOptions())
	stray := New[typeDesc]("stray")

	err := m.Update(func(tx *Transaction) error {
		_, err := Add(tx, types, NewKey("base", "overworld"), typeDesc{})
		return err
	})
	require.ErrorIs(t, err, ErrKeyExists)

	err = m.Update(func(tx *Transaction) error {
		_, err := Add(tx, stray, NewKey("ns", "x"), typeDesc{})
		return err
	})
	require.ErrorIs(t, err, ErrForeignRegistry)

	_, err = NewMutator(DefaultOptions(), types, types)
	require.ErrorIs(t, err, ErrDuplicateStore)
}

func TestDiscover(t *testing.T) {
	testlog.Start(t)
	m, types, _ := newPair(t, DefaultOptions())

	s, err := m.Discover("types")
	require.NoError(t, err)
	require.Equal(t, Store(types), s)

	_, err = m.Discover("dimensions")
	var de *DiscoveryError
	require.ErrorAs(t, err, &de)
	require.Equal(t, "dimensions", de.Registry)
	require.ErrorIs(t, err, ErrDiscovery)

	types.bySlot[99] = NewKey("ns", "ghost")
	_, err = m.Discover("types")
	require.ErrorAs(t, err, &de)
}

func TestTransactionFinishedTwice(t *testing.T) {
	testlog.Start(t)
	m, types, _ := newPair(t, DefaultOptions())

	tx := m.Begin()
	require.NoError(t, tx.Commit())
	require.ErrorIs(t, tx.Commit(), ErrTxDone)
	require.ErrorIs(t, tx.Rollback(), ErrTxDone)
	_, err := Add(tx, types, NewKey("ns", "late"), typeDesc{})
	require.ErrorIs(t, err, ErrTxDone)
}

func TestValidateRunsConcurrentlyWithWriters(t *testing.T) {
	testlog.Start(t)
	m, types, stems := newPair(t, DefaultOptions())

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				key := NewKey("ns", fmt.Sprintf("w%d_%d", w, i))
				_ = m.Update(func(tx *Transaction) error {
					if _, err := Add(tx, types, key, typeDesc{}); err != nil {
						return err
					}
					_, err := Add(tx, stems, key, stemDesc{})
					return err
				})
			}
		}(w)
	}
	for i := 0; i < 50; i++ {
		m.View(func() {
			require.Equal(t, types.Len(), stems.Len())
		})
		for _, rep := range m.ValidateAll() {
			require.True(t, rep.OK, rep.Issues)
		}
	}
	wg.Wait()
	require.Equal(t, 81, types.Len())

	stats := m.StatsAll()
	require.Len(t, stats, 2)
	require.Equal(t, "stems", stats[0].Registry)
	require.Equal(t, uint64(80), stats[1].Commits)
}

func TestViewValidatedSharesSnapshot(t *testing.T) {
	testlog.Start(t)
	m, types, stems := newPair(t, DefaultOptions())

	var names []string
	var typesHasBase, stemsHasBase bool
	m.ViewValidated(func(reports []Report) {
		for _, r := range reports {
			require.True(t, r.OK, r.Issues)
			names = append(names, r.Registry)
		}
		typesHasBase = types.Contains(NewKey("base", "overworld"))
		stemsHasBase = stems.Contains(NewKey("base", "overworld"))
	}, stems, types)

	require.Equal(t, []string{"stems", "types"}, names)
	require.True(t, typesHasBase)
	require.True(t, stemsHasBase)
}
