package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MinHeaderLen is id(2) + type(1) + a one-byte uvarint length.
const MinHeaderLen = 4

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrBadLength        = errors.New("tlv: malformed length varint")
)

// Type IDs carried on every field so payloads stay self-describing.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
	TypeVarint uint8 = 8
	TypeI64    uint8 = 9
	TypeF64    uint8 = 10
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

// EncodeField writes id (u16 big endian), type (u8), length (uvarint), value.
func EncodeField(f Field) []byte {
	return AppendField(make([]byte, 0, 3+binary.MaxVarintLen64+len(f.Value)), f)
}

func AppendField(dst []byte, f Field) []byte {
	dst = binary.BigEndian.AppendUint16(dst, f.ID)
	dst = append(dst, f.Type)
	dst = binary.AppendUvarint(dst, uint64(len(f.Value)))
	return append(dst, f.Value...)
}

// EncodedLen reports the wire size of f without encoding it.
func EncodedLen(f Field) int {
	return 3 + UvarintLen(uint64(len(f.Value))) + len(f.Value)
}

func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < MinHeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		i += 3
		l, n := binary.Uvarint(payload[i:])
		if n == 0 {
			return nil, ErrShortFieldHeader
		}
		if n < 0 {
			return nil, ErrBadLength
		}
		i += n
		if uint64(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func EncodeFields(fields []Field) []byte {
	size := 0
	for _, f := range fields {
		size += EncodedLen(f)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = AppendField(out, f)
	}
	return out
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// GetFields returns every field with id, in wire order.
func GetFields(fields []Field, id uint16) []Field {
	var out []Field
	for _, f := range fields {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: v}
}

func Bool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func U32(id uint16, v uint32) Field {
	return Field{ID: id, Type: TypeU32, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func U64(id uint16, v uint64) Field {
	return Field{ID: id, Type: TypeU64, Value: binary.BigEndian.AppendUint64(nil, v)}
}

func Varint(id uint16, v uint64) Field {
	return Field{ID: id, Type: TypeVarint, Value: binary.AppendUvarint(nil, v)}
}

func I64(id uint16, v int64) Field {
	return Field{ID: id, Type: TypeI64, Value: binary.AppendVarint(nil, v)}
}

func F64(id uint16, v float64) Field {
	return Field{ID: id, Type: TypeF64, Value: binary.BigEndian.AppendUint64(nil, math.Float64bits(v))}
}

func BoolFromBytes(b []byte) (bool, error) {
	if len(b) != 1 || b[0] > 1 {
		return false, fmt.Errorf("tlv: invalid bool encoding: %v", b)
	}
	return b[0] == 1, nil
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func U64FromBytes(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("tlv: invalid u64 length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func VarintFromBytes(b []byte) (uint64, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 || n != len(b) {
		return 0, fmt.Errorf("tlv: invalid varint encoding")
	}
	return v, nil
}

func I64FromBytes(b []byte) (int64, error) {
	v, n := binary.Varint(b)
	if n <= 0 || n != len(b) {
		return 0, fmt.Errorf("tlv: invalid signed varint encoding")
	}
	return v, nil
}

func F64FromBytes(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("tlv: invalid f64 length: %d", len(b))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}
