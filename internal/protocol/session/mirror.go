package session

import (
	"sort"
	"sync"

	"github.com/danmuck/realmctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Mirror is the receiving side of one replication session: the existence set
// the server has announced, the descriptors it has synced, and the chunk
// buffer. It is safe for concurrent readers.
type Mirror struct {
	mu          sync.RWMutex
	exists      map[string]bool
	descriptors map[string]Descriptor
	warnings    []Warning
	chunks      Reassembler
	applied     uint64
	dropped     uint64
}

func NewMirror() *Mirror {
	return &Mirror{
		exists:      make(map[string]bool),
		descriptors: make(map[string]Descriptor),
	}
}

// ApplyFrame decodes f and applies it. Decode failures are returned; chunk
// ordering and payload errors only reset state.
func (m *Mirror) ApplyFrame(f frame.Frame) error {
	msg, err := DecodeFrame(f)
	if err != nil {
		return err
	}
	m.Apply(msg)
	return nil
}

func (m *Mirror) Apply(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch v := msg.(type) {
	case ExistenceDelta:
		if v.Exists {
			m.exists[v.Key] = true
		} else {
			delete(m.exists, v.Key)
			delete(m.descriptors, v.Key)
		}
	case Warning:
		m.warnings = append(m.warnings, v)
	case SingleSync:
		m.applyDescriptor(v.Key, v.Payload)
	case BulkSync:
		m.applyBulk(v.Payload)
	case ChunkedSync:
		body, done := m.chunks.Accept(v)
		if done {
			m.applyBulk(body)
		}
	}
	m.applied++
}

func (m *Mirror) applyBulk(body []byte) {
	entries, err := DecodeBulk(body)
	if err != nil {
		m.dropped++
		log.Debug().Err(err).Msg("session.Mirror bulk body rejected")
		return
	}
	for _, e := range entries {
		m.applyDescriptor(e.Key, e.Payload)
	}
}

func (m *Mirror) applyDescriptor(key string, payload []byte) {
	d, err := DecodeDescriptor(payload)
	if err != nil || d.Key != key {
		m.dropped++
		log.Debug().Str("key", key).Err(err).Msg("session.Mirror descriptor rejected")
		return
	}
	m.descriptors[key] = d
}

// Exists reports whether key is currently announced.
func (m *Mirror) Exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exists[key]
}

// Keys returns the announced keys in order.
func (m *Mirror) Keys() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.exists))
	for k := range m.exists {
		out = append(out, k)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *Mirror) Descriptor(key string) (Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.descriptors[key]
	return d, ok
}

// Descriptors returns every synced descriptor ordered by key.
func (m *Mirror) Descriptors() []Descriptor {
	m.mu.RLock()
	out := make([]Descriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Mirror) Warnings() []Warning {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Warning(nil), m.warnings...)
}

// MirrorStats counts what the mirror has seen.
type MirrorStats struct {
	Applied      uint64
	Dropped      uint64
	ChunkResets  uint64
	ChunkPending bool
}

func (m *Mirror) Stats() MirrorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MirrorStats{
		Applied:      m.applied,
		Dropped:      m.dropped,
		ChunkResets:  m.chunks.Resets(),
		ChunkPending: m.chunks.Pending(),
	}
}

// Reset discards everything, as on disconnect.
func (m *Mirror) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists = make(map[string]bool)
	m.descriptors = make(map[string]Descriptor)
	m.warnings = nil
	m.chunks.Reset()
}
