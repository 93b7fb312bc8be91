package replication

import (
	"fmt"

	"github.com/danmuck/realmctl/internal/observability"
	"github.com/danmuck/realmctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// PlanResync packs descriptors greedily into BulkSync messages whose payload
// stays within chunkSize. A descriptor too large for any bulk message is sent
// as a ChunkedSync sequence carrying a one-entry bulk body. A descriptor that
// cannot be encoded is logged and left out; the rest still sync.
func PlanResync(descs []session.Descriptor, chunkSize int) ([]session.Message, error) {
	if chunkSize <= 0 {
		return nil, session.ErrInvalidChunkSize
	}
	var (
		out   []session.Message
		batch []session.BulkEntry
		bytes int
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		out = append(out, session.BulkSync{
			Count:   uint64(len(batch)),
			Payload: session.EncodeBulk(batch),
		})
		batch, bytes = nil, 0
	}

	for _, d := range descs {
		payload, err := session.EncodeDescriptor(d)
		if err != nil {
			log.Error().Str("key", d.Key).Err(err).Msg("replication.PlanResync skipped descriptor")
			observability.RecordResyncSkip()
			continue
		}
		entry := session.BulkEntry{Key: d.Key, Payload: payload}
		size := session.BulkEntrySize(entry)

		if session.BulkOverhead(1)+size > chunkSize {
			flush()
			parts, err := session.SplitChunks(session.EncodeBulk([]session.BulkEntry{entry}), chunkSize)
			if err != nil {
				return nil, err
			}
			for _, p := range parts {
				out = append(out, p)
			}
			continue
		}
		if session.BulkOverhead(len(batch)+1)+bytes+size > chunkSize {
			flush()
		}
		batch = append(batch, entry)
		bytes += size
	}
	flush()
	return out, nil
}

// PlanSingle renders one descriptor update: a SingleSync when it fits,
// otherwise the chunked fallback PlanResync uses.
func PlanSingle(d session.Descriptor, chunkSize int) ([]session.Message, error) {
	payload, err := session.EncodeDescriptor(d)
	if err != nil {
		return nil, fmt.Errorf("replication: encode %s: %w", d.Key, err)
	}
	if len(payload) <= chunkSize {
		return []session.Message{session.SingleSync{Key: d.Key, Payload: payload}}, nil
	}
	return PlanResync([]session.Descriptor{d}, chunkSize)
}
