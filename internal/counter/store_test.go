package counter

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/realmctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestTwoRunsNeverReuseIdentifiers(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "counters.txt")

	first, err := Open(path)
	require.NoError(t, err)
	for _, cat := range []string{"alpha", "beta"} {
		id, err := first.Next(cat)
		require.NoError(t, err)
		require.Equal(t, uint64(0), id)
	}
	require.True(t, first.Dirty())
	require.NoError(t, first.Flush())
	require.False(t, first.Dirty())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "alpha=1\nbeta=1\n", string(raw))

	second, err := Open(path)
	require.NoError(t, err)
	for _, cat := range []string{"alpha", "beta"} {
		id, err := second.Next(cat)
		require.NoError(t, err)
		require.Equal(t, uint64(1), id)
	}
}

func TestFlushSkippedWhenClean(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "nested", "counters.txt")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	_, err = s.Next("alpha")
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	_, err = os.Stat(path)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file left behind")
}

func TestResetMarksDirty(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "counters.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha=4\nbeta=2\n"), 0o644))

	s, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, uint64(4), s.Peek("alpha"))
	require.False(t, s.Dirty())

	s.Reset("missing")
	require.False(t, s.Dirty())

	s.Reset("alpha")
	require.True(t, s.Dirty())
	require.Zero(t, s.Peek("alpha"))
	require.NoError(t, s.Flush())

	s.ResetAll()
	require.Empty(t, s.Snapshot())
	require.NoError(t, s.Flush())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, raw)
}

func TestParse(t *testing.T) {
	testlog.Start(t)

	counts, err := Parse(strings.NewReader("# counters\n\n beta = 7 \nalpha=3\n"))
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{"alpha": 3, "beta": 7}, counts)

	for _, bad := range []string{"alpha\n", "alpha=x\n", "=3\n", "alpha=-1\n"} {
		_, err := Parse(strings.NewReader(bad))
		require.ErrorIs(t, err, ErrMalformedLine, bad)
	}

	var buf bytes.Buffer
	require.NoError(t, Format(&buf, counts))
	require.Equal(t, "alpha=3\nbeta=7\n", buf.String())
}

func TestNextRejectsInvalidCategory(t *testing.T) {
	testlog.Start(t)
	s, err := Open(filepath.Join(t.TempDir(), "c.txt"))
	require.NoError(t, err)
	for _, bad := range []string{"", "a=b", "a\nb", " alpha"} {
		_, err := s.Next(bad)
		require.ErrorIs(t, err, ErrInvalidCategory)
	}
}
