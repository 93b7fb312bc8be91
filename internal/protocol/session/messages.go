package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/realmctl/internal/protocol/frame"
	"github.com/danmuck/realmctl/internal/protocol/schema"
	"github.com/danmuck/realmctl/internal/protocol/tlv"
)

var ErrUnknownMessage = errors.New("session: unknown message type")

// Message is implemented by every replication message.
type Message interface {
	MessageType() uint32
	fields() ([]tlv.Field, error)
}

// ExistenceDelta announces that a realm key appeared or disappeared.
type ExistenceDelta struct {
	Key    string
	Exists bool
}

// Warning is a human-readable notice, typically a shutdown countdown.
type Warning struct {
	MinutesRemaining uint32
	Text             string
}

// SingleSync carries one encoded descriptor.
type SingleSync struct {
	Key     string
	Payload []byte
}

// BulkSync carries a bulk body (see EncodeBulk) of Count keyed payloads.
type BulkSync struct {
	Count   uint64
	Payload []byte
}

// ChunkedSync carries part Index of Total of one oversized bulk body.
type ChunkedSync struct {
	Index   uint32
	Total   uint32
	Payload []byte
}

func (ExistenceDelta) MessageType() uint32 { return schema.MsgExistenceDelta }
func (Warning) MessageType() uint32        { return schema.MsgWarning }
func (SingleSync) MessageType() uint32     { return schema.MsgSingleSync }
func (BulkSync) MessageType() uint32       { return schema.MsgBulkSync }
func (ChunkedSync) MessageType() uint32    { return schema.MsgChunkedSync }

func (m ExistenceDelta) fields() ([]tlv.Field, error) {
	if strings.TrimSpace(m.Key) == "" {
		return nil, fmt.Errorf("existence delta missing key")
	}
	return []tlv.Field{
		tlv.String(schema.FieldKey, m.Key),
		tlv.Bool(schema.FieldExists, m.Exists),
	}, nil
}

func (m Warning) fields() ([]tlv.Field, error) {
	return []tlv.Field{
		tlv.Varint(schema.FieldMinutesRemaining, uint64(m.MinutesRemaining)),
		tlv.String(schema.FieldText, m.Text),
	}, nil
}

func (m SingleSync) fields() ([]tlv.Field, error) {
	if strings.TrimSpace(m.Key) == "" {
		return nil, fmt.Errorf("single sync missing key")
	}
	return []tlv.Field{
		tlv.String(schema.FieldKey, m.Key),
		tlv.Bytes(schema.FieldPayload, m.Payload),
	}, nil
}

func (m BulkSync) fields() ([]tlv.Field, error) {
	return []tlv.Field{
		tlv.Varint(schema.FieldCount, m.Count),
		tlv.Bytes(schema.FieldPayload, m.Payload),
	}, nil
}

func (m ChunkedSync) fields() ([]tlv.Field, error) {
	if m.Total == 0 || m.Index >= m.Total {
		return nil, fmt.Errorf("chunk %d/%d out of range", m.Index, m.Total)
	}
	return []tlv.Field{
		tlv.Varint(schema.FieldChunkIndex, uint64(m.Index)),
		tlv.Varint(schema.FieldChunkTotal, uint64(m.Total)),
		tlv.Bytes(schema.FieldPayload, m.Payload),
	}, nil
}

// EncodeFrame renders m as one wire frame.
func EncodeFrame(messageID uint64, m Message, flags uint32, limits frame.Limits) ([]byte, error) {
	fields, err := m.fields()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(m.MessageType(), fields); err != nil {
		return nil, err
	}
	f := frame.New(m.MessageType(), messageID, tlv.EncodeFields(fields))
	f.Header.Flags = flags
	return frame.Encode(f, limits)
}

// DecodeFrame parses the payload of f into its typed message.
func DecodeFrame(f frame.Frame) (Message, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	mt := f.Header.MessageType
	switch mt {
	case schema.MsgExistenceDelta, schema.MsgWarning, schema.MsgSingleSync, schema.MsgBulkSync, schema.MsgChunkedSync:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, mt)
	}
	if err := schema.Validate(mt, fields); err != nil {
		return nil, err
	}

	switch mt {
	case schema.MsgExistenceDelta:
		exists, err := getBool(fields, schema.FieldExists)
		if err != nil {
			return nil, err
		}
		return ExistenceDelta{Key: getRequiredString(fields, schema.FieldKey), Exists: exists}, nil
	case schema.MsgWarning:
		minutes, err := getVarint(fields, schema.FieldMinutesRemaining)
		if err != nil {
			return nil, err
		}
		return Warning{MinutesRemaining: uint32(minutes), Text: getRequiredString(fields, schema.FieldText)}, nil
	case schema.MsgSingleSync:
		return SingleSync{
			Key:     getRequiredString(fields, schema.FieldKey),
			Payload: getRequiredBytes(fields, schema.FieldPayload),
		}, nil
	case schema.MsgBulkSync:
		count, err := getVarint(fields, schema.FieldCount)
		if err != nil {
			return nil, err
		}
		return BulkSync{Count: count, Payload: getRequiredBytes(fields, schema.FieldPayload)}, nil
	default:
		index, err := getVarint(fields, schema.FieldChunkIndex)
		if err != nil {
			return nil, err
		}
		total, err := getVarint(fields, schema.FieldChunkTotal)
		if err != nil {
			return nil, err
		}
		if total == 0 || index >= total || total > 1<<32-1 {
			return nil, fmt.Errorf("chunk %d/%d out of range", index, total)
		}
		return ChunkedSync{Index: uint32(index), Total: uint32(total), Payload: getRequiredBytes(fields, schema.FieldPayload)}, nil
	}
}
