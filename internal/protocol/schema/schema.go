package schema

import (
	"fmt"

	"github.com/danmuck/realmctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs. The frame message type doubles as the channel/op id.
const (
	MsgExistenceDelta uint32 = 1
	MsgWarning        uint32 = 2
	MsgSingleSync     uint32 = 3
	MsgBulkSync       uint32 = 4
	MsgChunkedSync    uint32 = 5

	// RecordDescriptor and RecordBulkEntry never travel as frames; they type
	// the nested TLV records carried inside sync payloads.
	RecordDescriptor uint32 = 100
	RecordBulkEntry  uint32 = 101
)

// Field IDs.
const (
	FieldKey    uint16 = 1
	FieldExists uint16 = 2

	FieldMinutesRemaining uint16 = 10
	FieldText             uint16 = 11

	FieldPayload    uint16 = 20
	FieldCount      uint16 = 21
	FieldEntry      uint16 = 22
	FieldChunkIndex uint16 = 23
	FieldChunkTotal uint16 = 24

	FieldCategory     uint16 = 100
	FieldRealmID      uint16 = 101
	FieldSeed         uint16 = 102
	FieldCreatedMS    uint16 = 103
	FieldGenerator    uint16 = 104
	FieldBiomeScale   uint16 = 105
	FieldSpawnX       uint16 = 106
	FieldSpawnY       uint16 = 107
	FieldSpawnZ       uint16 = 108
	FieldAttribute    uint16 = 109
	FieldSeaLevel     uint16 = 110
	FieldNoiseOffsetX uint16 = 111
	FieldNoiseOffsetZ uint16 = 112
)

// Name renders a message type for logs and metric labels.
func Name(messageType uint32) string {
	switch messageType {
	case MsgExistenceDelta:
		return "existence_delta"
	case MsgWarning:
		return "warning"
	case MsgSingleSync:
		return "single_sync"
	case MsgBulkSync:
		return "bulk_sync"
	case MsgChunkedSync:
		return "chunked_sync"
	case RecordDescriptor:
		return "descriptor"
	case RecordBulkEntry:
		return "bulk_entry"
	default:
		return fmt.Sprintf("unknown_%d", messageType)
	}
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgExistenceDelta: {
		{FieldKey, tlv.TypeString},
		{FieldExists, tlv.TypeBool},
	},
	MsgWarning: {
		{FieldMinutesRemaining, tlv.TypeVarint},
		{FieldText, tlv.TypeString},
	},
	MsgSingleSync: {
		{FieldKey, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgBulkSync: {
		{FieldCount, tlv.TypeVarint},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgChunkedSync: {
		{FieldChunkIndex, tlv.TypeVarint},
		{FieldChunkTotal, tlv.TypeVarint},
		{FieldPayload, tlv.TypeBytes},
	},
	RecordDescriptor: {
		{FieldKey, tlv.TypeString},
		{FieldCategory, tlv.TypeString},
		{FieldRealmID, tlv.TypeVarint},
		{FieldSeed, tlv.TypeI64},
		{FieldCreatedMS, tlv.TypeU64},
		{FieldGenerator, tlv.TypeString},
	},
	RecordBulkEntry: {
		{FieldKey, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored so newer senders stay readable.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Str("message", Name(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Str("message", Name(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
