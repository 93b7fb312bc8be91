package session

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

var ErrInvalidChunkSize = errors.New("session: chunk size must be positive")

// SplitChunks cuts payload into ordered parts of at most size bytes. An
// empty payload still yields one empty part so the receiver sees a complete
// transfer.
func SplitChunks(payload []byte, size int) ([]ChunkedSync, error) {
	if size <= 0 {
		return nil, ErrInvalidChunkSize
	}
	total := (len(payload) + size - 1) / size
	if total == 0 {
		total = 1
	}
	out := make([]ChunkedSync, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := min(start+size, len(payload))
		out = append(out, ChunkedSync{
			Index:   uint32(i),
			Total:   uint32(total),
			Payload: payload[start:end],
		})
	}
	return out, nil
}

// Reassembler rebuilds one chunked transfer at a time. Any ordering
// violation discards the whole buffer and waits for a fresh part 0.
type Reassembler struct {
	// MaxBytes caps the accumulated buffer. Zero means unlimited.
	MaxBytes int

	active   bool
	expected uint32
	total    uint32
	buf      []byte
	resets   uint64
}

// Accept feeds one part. It returns the complete payload when the final part
// arrives in sequence.
func (r *Reassembler) Accept(c ChunkedSync) ([]byte, bool) {
	if c.Index == 0 {
		if r.active {
			r.discard("restarted before completion", c)
		}
		r.active = true
		r.expected = 0
		r.total = c.Total
		r.buf = r.buf[:0]
	}
	if !r.active {
		log.Debug().Uint32("index", c.Index).Uint32("total", c.Total).Msg("session.Reassembler.Accept waiting for part 0")
		return nil, false
	}
	if c.Index != r.expected {
		r.discard(fmt.Sprintf("expected part %d", r.expected), c)
		return nil, false
	}
	if c.Total != r.total {
		r.discard(fmt.Sprintf("total changed from %d", r.total), c)
		return nil, false
	}
	if r.MaxBytes > 0 && len(r.buf)+len(c.Payload) > r.MaxBytes {
		r.discard("buffer limit exceeded", c)
		return nil, false
	}
	r.buf = append(r.buf, c.Payload...)
	r.expected++
	if r.expected < r.total {
		return nil, false
	}
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	r.clear()
	return out, true
}

// Pending reports whether a transfer is in progress.
func (r *Reassembler) Pending() bool {
	return r.active
}

// Resets counts discarded transfers.
func (r *Reassembler) Resets() uint64 {
	return r.resets
}

// Reset drops any in-flight transfer without counting it as a discard.
func (r *Reassembler) Reset() {
	r.clear()
}

func (r *Reassembler) discard(reason string, c ChunkedSync) {
	log.Debug().
		Str("reason", reason).
		Uint32("index", c.Index).
		Uint32("total", c.Total).
		Int("buffered", len(r.buf)).
		Msg("session.Reassembler discard")
	r.resets++
	r.clear()
}

func (r *Reassembler) clear() {
	r.active = false
	r.expected = 0
	r.total = 0
	r.buf = r.buf[:0]
}
