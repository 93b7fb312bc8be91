package session

import (
	"fmt"

	"github.com/danmuck/realmctl/internal/protocol/tlv"
)

// The getRequired* helpers run after schema.Validate, which guarantees
// presence and type.
func getRequiredString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

func getRequiredBytes(fields []tlv.Field, id uint16) []byte {
	f, _ := tlv.GetField(fields, id)
	return f.Value
}

func getVarint(fields []tlv.Field, id uint16) (uint64, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, fmt.Errorf("field %d missing", id)
	}
	if err := tlv.MustType(f, tlv.TypeVarint); err != nil {
		return 0, err
	}
	return tlv.VarintFromBytes(f.Value)
}

func getI64(fields []tlv.Field, id uint16) (int64, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, fmt.Errorf("field %d missing", id)
	}
	if err := tlv.MustType(f, tlv.TypeI64); err != nil {
		return 0, err
	}
	return tlv.I64FromBytes(f.Value)
}

func getU64(fields []tlv.Field, id uint16) (uint64, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, fmt.Errorf("field %d missing", id)
	}
	if err := tlv.MustType(f, tlv.TypeU64); err != nil {
		return 0, err
	}
	return tlv.U64FromBytes(f.Value)
}

func getBool(fields []tlv.Field, id uint16) (bool, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return false, fmt.Errorf("field %d missing", id)
	}
	return tlv.BoolFromBytes(f.Value)
}
