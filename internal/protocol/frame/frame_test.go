package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/realmctl/internal/protocol/tlv"
	"github.com/danmuck/realmctl/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := tlv.EncodeFields([]tlv.Field{tlv.String(1, "ns:alpha_0")})
	in := New(3, 42, payload)
	in.Header.Flags = FlagResync

	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.MessageType != 3 || out.Header.MessageID != 42 || out.Header.Flags != FlagResync {
		t.Fatalf("header mismatch: got=%+v", out.Header)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestEncodeDecodeSingleBuffer(t *testing.T) {
	testlog.Start(t)
	b, err := Encode(New(1, 7, []byte{1, 2, 3}), DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := Decode(b, DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Header.MessageID != 7 || !bytes.Equal(f.Payload, []byte{1, 2, 3}) {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if _, err := Decode(append(b, 0xFF), DefaultLimits()); !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
	if _, err := Decode(nil, DefaultLimits()); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
	_, err = ReadFrame(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on clean close, got %v", err)
	}
}

func TestReadFrameRejectsForeignMagicAndVersion(t *testing.T) {
	testlog.Start(t)
	h := Header{Magic: 0xEDCE1001, Version: Version, HeaderLen: FixedHeaderLen}
	if _, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits()); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
	h = Header{Magic: Magic, Version: 9, HeaderLen: FixedHeaderLen}
	if _, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits()); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestReadFrameHeaderLenTooSmall(t *testing.T) {
	testlog.Start(t)
	h := Header{Magic: Magic, Version: Version, HeaderLen: 8, MessageID: 1, MessageType: 1}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenTooSmall) {
		t.Fatalf("expected ErrHeaderLenTooSmall, got %v", err)
	}
}

func TestReadFrameSkipsHeaderExtension(t *testing.T) {
	testlog.Start(t)
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen + 4, MessageType: 2, PayloadLen: 2}
	wire := append(EncodeHeader(h), 0xEE, 0xEE, 0xEE, 0xEE, 'o', 'k')
	f, err := ReadFrame(bytes.NewReader(wire), DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(f.Payload) != "ok" {
		t.Fatalf("unexpected payload %q", f.Payload)
	}
}

func TestPayloadLimits(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxExtensionBytes: 0, MaxPayloadBytes: 4}
	if _, err := Encode(New(1, 1, make([]byte, 5)), limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, PayloadLen: 5}
	if _, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if got := LimitsFor(4 * 1024 * 1024).MaxPayloadBytes; got != 4*1024*1024+4096 {
		t.Fatalf("unexpected LimitsFor ceiling: %d", got)
	}
}
