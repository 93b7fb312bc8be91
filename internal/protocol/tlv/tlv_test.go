package tlv

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/danmuck/realmctl/internal/testutil/testlog"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		String(1, "ns:alpha_0"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestVarintLengthForLargeValues(t *testing.T) {
	testlog.Start(t)
	big := bytes.Repeat([]byte{0x5A}, 300)
	f := Bytes(7, big)
	enc := EncodeField(f)
	// 300 needs a two-byte uvarint.
	if len(enc) != 3+2+300 || EncodedLen(f) != len(enc) {
		t.Fatalf("unexpected encoded length: %d (EncodedLen=%d)", len(enc), EncodedLen(f))
	}
	out, err := DecodeFields(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(out[0].Value, big) {
		t.Fatalf("value mismatch")
	}
}

func TestTypedHelpersRoundTrip(t *testing.T) {
	testlog.Start(t)
	fields, err := DecodeFields(EncodeFields([]Field{
		Bool(1, true),
		U32(2, 0xDEADBEEF),
		U64(3, math.MaxUint64),
		Varint(4, 1<<40),
		I64(5, -12345),
		F64(6, 0.5),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, err := BoolFromBytes(fields[0].Value); err != nil || !v {
		t.Fatalf("bool: %v %v", v, err)
	}
	if v, err := U32FromBytes(fields[1].Value); err != nil || v != 0xDEADBEEF {
		t.Fatalf("u32: %v %v", v, err)
	}
	if v, err := U64FromBytes(fields[2].Value); err != nil || v != math.MaxUint64 {
		t.Fatalf("u64: %v %v", v, err)
	}
	if v, err := VarintFromBytes(fields[3].Value); err != nil || v != 1<<40 {
		t.Fatalf("varint: %v %v", v, err)
	}
	if v, err := I64FromBytes(fields[4].Value); err != nil || v != -12345 {
		t.Fatalf("i64: %v %v", v, err)
	}
	if v, err := F64FromBytes(fields[5].Value); err != nil || v != 0.5 {
		t.Fatalf("f64: %v %v", v, err)
	}
	if _, err := BoolFromBytes([]byte{2}); err == nil {
		t.Fatalf("expected invalid bool error")
	}
	if err := MustType(fields[0], TypeString); err == nil {
		t.Fatalf("expected type mismatch")
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
	// continuation bit set on the final length byte
	_, err = DecodeFields([]byte{0, 1, TypeString, 0x80})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader for truncated varint, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	testlog.Start(t)
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
