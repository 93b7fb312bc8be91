// Package counter allocates monotonically increasing identifiers per category
// and persists them as "category=integer" lines.
//
// Writes are deferred: Next only marks the store dirty, and Flush rewrites the
// whole file. A crash between an allocation and the next Flush can hand the
// same identifier out again after restart.
package counter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidCategory = errors.New("counter: invalid category")
	ErrMalformedLine   = errors.New("counter: malformed line")
)

type Store struct {
	path string

	mu     sync.Mutex
	counts map[string]uint64
	dirty  bool
}

// Open loads path if it exists. A missing file starts every category at zero.
func Open(path string) (*Store, error) {
	s := &Store{path: path, counts: make(map[string]uint64)}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

// Load replaces the in-memory state with the file contents.
func (s *Store) Load() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.counts = make(map[string]uint64)
		s.dirty = false
		s.mu.Unlock()
		log.Debug().Str("path", s.path).Msg("counter.Store.Load no counters file")
		return nil
	}
	if err != nil {
		return fmt.Errorf("counter: open %s: %w", s.path, err)
	}
	defer f.Close()

	counts, err := Parse(f)
	if err != nil {
		return fmt.Errorf("counter: load %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.counts = counts
	s.dirty = false
	s.mu.Unlock()
	log.Info().Str("path", s.path).Int("categories", len(counts)).Msg("counter.Store.Load")
	return nil
}

// Next returns the current value for category and advances it.
func (s *Store) Next(category string) (uint64, error) {
	if err := validCategory(category); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.counts[category]
	s.counts[category] = id + 1
	s.dirty = true
	return id, nil
}

// Peek returns the value Next would hand out without advancing.
func (s *Store) Peek(category string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[category]
}

func (s *Store) Reset(category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counts[category]; !ok {
		return
	}
	delete(s.counts, category)
	s.dirty = true
}

func (s *Store) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.counts) == 0 {
		return
	}
	s.counts = make(map[string]uint64)
	s.dirty = true
}

func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Store) Snapshot() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Flush rewrites the counters file when there are unsaved allocations. The
// file is replaced atomically through a sibling temp file.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("counter: mkdir %s: %w", dir, err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("counter: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	if err := Format(w, s.counts); err != nil {
		tmp.Close()
		return fmt.Errorf("counter: write %s: %w", tmpName, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("counter: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("counter: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("counter: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("counter: rename %s: %w", s.path, err)
	}
	s.dirty = false
	log.Debug().Str("path", s.path).Int("categories", len(s.counts)).Msg("counter.Store.Flush")
	return nil
}

// Parse reads "category=integer" lines. Blank lines and lines starting with
// '#' are ignored.
func Parse(r io.Reader) (map[string]uint64, error) {
	counts := make(map[string]uint64)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, raw, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w %d: %q", ErrMalformedLine, lineNo, line)
		}
		name = strings.TrimSpace(name)
		if err := validCategory(name); err != nil {
			return nil, fmt.Errorf("%w %d: %v", ErrMalformedLine, lineNo, err)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w %d: %q: %v", ErrMalformedLine, lineNo, line, err)
		}
		counts[name] = v
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// Format writes counts sorted by category.
func Format(w io.Writer, counts map[string]uint64) error {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "%s=%d\n", name, counts[name]); err != nil {
			return err
		}
	}
	return nil
}

func validCategory(category string) error {
	if category == "" || strings.ContainsAny(category, "=\n\r") || strings.TrimSpace(category) != category {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	return nil
}
