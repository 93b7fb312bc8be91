package seed

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/realmctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func newAssigner(t *testing.T, p Params, now time.Time) *Assigner {
	t.Helper()
	a, err := NewAssigner(p)
	require.NoError(t, err)
	a.now = func() time.Time { return now }
	return a
}

func TestDateBasedStableWithinDay(t *testing.T) {
	testlog.Start(t)
	morning := time.Date(2026, 3, 14, 0, 5, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 14, 23, 55, 0, 0, time.UTC)
	a := newAssigner(t, Params{Strategy: StrategyDateBased}, morning)

	first := a.Compute("alpha", 0)
	require.Equal(t, first, a.Compute("alpha", 0))
	require.Equal(t, first, a.Compute("alpha", 7), "id does not feed date seeds")
	require.Equal(t, first, a.ComputeAt("alpha", 0, evening))
	require.NotEqual(t, first, a.Compute("beta", 0))
	require.NotEqual(t, first, a.ComputeAt("alpha", 0, evening.Add(time.Hour)))
}

func TestDateBasedCategoriesRarelyCollide(t *testing.T) {
	testlog.Start(t)
	a := newAssigner(t, Params{Strategy: StrategyDateBased}, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	seen := make(map[int64]string)
	for i := 0; i < 2000; i++ {
		cat := fmt.Sprintf("category_%d", i)
		s := a.Compute(cat, 0)
		prev, dup := seen[s]
		require.False(t, dup, "%s collides with %s", cat, prev)
		seen[s] = cat
	}
}

func TestWeeklyRollsOverOnBoundary(t *testing.T) {
	testlog.Start(t)
	a := newAssigner(t, Params{Strategy: StrategyWeekly, WeekBoundary: time.Monday}, time.Time{})

	// 2026-10-12 is a Monday.
	mon := time.Date(2026, 10, 12, 1, 0, 0, 0, time.UTC)
	sun := time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC)
	nextMon := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	prevSun := time.Date(2026, 10, 11, 23, 0, 0, 0, time.UTC)

	require.Equal(t, time.Monday, mon.Weekday())
	require.Equal(t, a.ComputeAt("alpha", 0, mon), a.ComputeAt("alpha", 0, sun))
	require.NotEqual(t, a.ComputeAt("alpha", 0, sun), a.ComputeAt("alpha", 0, nextMon))
	require.NotEqual(t, a.ComputeAt("alpha", 0, prevSun), a.ComputeAt("alpha", 0, mon))
	require.Equal(t, WeekIndex(mon, time.Monday)+1, WeekIndex(nextMon, time.Monday))
}

func TestWeekIndexBeforeEpoch(t *testing.T) {
	testlog.Start(t)
	// 1970-01-05 is the first Monday after the epoch and opens week 0.
	require.Equal(t, int64(0), WeekIndex(time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC), time.Monday))
	require.Equal(t, int64(-1), WeekIndex(time.Date(1970, 1, 4, 0, 0, 0, 0, time.UTC), time.Monday))
	require.Equal(t, int64(-1), WeekIndex(time.Date(1969, 12, 29, 0, 0, 0, 0, time.UTC), time.Monday))
	require.Equal(t, int64(-2), WeekIndex(time.Date(1969, 12, 28, 0, 0, 0, 0, time.UTC), time.Monday))
	require.Equal(t, int64(0), WeekIndex(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), time.Thursday))
}

func TestFixedAndRandom(t *testing.T) {
	testlog.Start(t)
	fixed := newAssigner(t, Params{Strategy: StrategyFixed, Fixed: 42}, time.Now())
	require.Equal(t, int64(42), fixed.Compute("alpha", 3))

	r := newAssigner(t, Params{Strategy: StrategyRandom}, time.Now())
	require.Equal(t, r.Compute("alpha", 0), r.Compute("alpha", 0))
	require.NotEqual(t, r.Compute("alpha", 0), r.Compute("alpha", 1))
}

func TestParseStrategy(t *testing.T) {
	testlog.Start(t)
	s, err := ParseStrategy(" DATE_BASED ")
	require.NoError(t, err)
	require.Equal(t, StrategyDateBased, s)
	s, err = ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, StrategyRandom, s)
	_, err = ParseStrategy("hourly")
	require.ErrorIs(t, err, ErrUnknownStrategy)
	_, err = NewAssigner(Params{Strategy: "hourly"})
	require.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestStringHashMatchesPolynomial(t *testing.T) {
	testlog.Start(t)
	require.Equal(t, int32(0), StringHash(""))
	require.Equal(t, int32(97), StringHash("a"))
	require.Equal(t, int32(96354), StringHash("abc"))
	require.Equal(t, int32(92909918), StringHash("alpha"))
}

func TestMixAvalanches(t *testing.T) {
	testlog.Start(t)
	total := 0
	const rounds = 256
	for i := uint64(0); i < rounds; i++ {
		total += bits.OnesCount64(Mix(i, "alpha") ^ Mix(i+1, "alpha"))
	}
	avg := float64(total) / rounds
	require.InDelta(t, 32, avg, 4)
}

func TestOverrideIsCallScoped(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	_, ok := OverrideFrom(ctx)
	require.False(t, ok)

	got, err := Scoped(ctx, 99, func(inner context.Context) (int64, error) {
		v, ok := OverrideFrom(inner)
		require.True(t, ok)
		return v, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(99), got)

	_, ok = OverrideFrom(ctx)
	require.False(t, ok)
}

func TestConcurrentOverridesDoNotLeak(t *testing.T) {
	testlog.Start(t)
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(want int64) {
			defer wg.Done()
			_, _ = Scoped(context.Background(), want, func(ctx context.Context) (struct{}, error) {
				time.Sleep(time.Millisecond)
				if got, _ := OverrideFrom(ctx); got != want {
					errs <- fmt.Errorf("override leaked: want %d got %d", want, got)
				}
				return struct{}{}, nil
			})
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
