package registry

import (
	"fmt"
	"testing"

	"github.com/danmuck/realmctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	testlog.Start(t)

	k, err := ParseKey("ns:alpha_0")
	require.NoError(t, err)
	require.Equal(t, "ns", k.Namespace)
	require.Equal(t, "alpha_0", k.Path)
	require.Equal(t, "ns:alpha_0", k.String())

	k, err = ParseKey("realm:worlds/deep.v2")
	require.NoError(t, err)
	require.Equal(t, "worlds/deep.v2", k.Path)

	for _, raw := range []string{"", "alpha", ":alpha", "ns:", "NS:alpha", "ns:Alpha", "ns/x:alpha", "ns:al pha"} {
		_, err := ParseKey(raw)
		require.ErrorIs(t, err, ErrInvalidKey, raw)
	}
}

func TestRegisterRefusedOnceFrozen(t *testing.T) {
	testlog.Start(t)

	reg := New[string]("types")
	e, err := reg.Register(NewKey("base", "overworld"), "overworld")
	require.NoError(t, err)
	require.Equal(t, 0, e.Slot)

	_, err = reg.Register(NewKey("base", "overworld"), "again")
	require.ErrorIs(t, err, ErrKeyExists)

	reg.Freeze()
	require.True(t, reg.Frozen())
	_, err = reg.Register(NewKey("base", "nether"), "nether")
	require.ErrorIs(t, err, ErrFrozen)
	require.Equal(t, 1, reg.Len())
}

func TestKeysAndEntriesOrdering(t *testing.T) {
	testlog.Start(t)

	reg := New[int]("stems")
	for i, path := range []string{"c", "a", "b"} {
		_, err := reg.Register(NewKey("ns", path), i)
		require.NoError(t, err)
	}

	keys := reg.Keys()
	require.Equal(t, []Key{NewKey("ns", "a"), NewKey("ns", "b"), NewKey("ns", "c")}, keys)

	entries := reg.Entries()
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, i, e.Slot)
	}
	got, ok := reg.BySlot(0)
	require.True(t, ok)
	require.Equal(t, NewKey("ns", "c"), got.Key)
}

func TestNextSlotSkipsLiveSlots(t *testing.T) {
	testlog.Start(t)

	reg := New[int]("types")
	spread := 8
	first := reg.nextSlot("ns", spread)
	require.NoError(t, reg.put(Entry[int]{Key: NewKey("ns", "a"), Slot: first + 1}))

	// size is now 1, so the base candidate collides with the slot just taken.
	next := reg.nextSlot("ns", spread)
	require.NotEqual(t, first+1, next)
	require.Equal(t, first+2, next)
}

func TestPutRejectsForeignSlot(t *testing.T) {
	testlog.Start(t)

	reg := New[int]("types")
	require.NoError(t, reg.put(Entry[int]{Key: NewKey("ns", "a"), Slot: 5}))
	err := reg.put(Entry[int]{Key: NewKey("ns", "b"), Slot: 5})
	require.ErrorIs(t, err, ErrSlotTaken)
	err = reg.put(Entry[int]{Key: NewKey("ns", "b"), Slot: -1})
	require.ErrorIs(t, err, ErrInvalidSlot)
	require.Empty(t, reg.indexIssues())
}

func TestIndexIssuesReportsDrift(t *testing.T) {
	testlog.Start(t)

	reg := New[int]("types")
	require.NoError(t, reg.put(Entry[int]{Key: NewKey("ns", "a"), Slot: 1}))
	reg.bySlot[9] = NewKey("ns", "ghost")

	issues := reg.indexIssues()
	require.Len(t, issues, 2)
	require.Contains(t, fmt.Sprint(issues), "missing key ns:ghost")
}
