package session

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/realmctl/internal/protocol/frame"
	"github.com/danmuck/realmctl/internal/protocol/schema"
	"github.com/danmuck/realmctl/internal/testutil/testlog"
)

func testDescriptor(key string) Descriptor {
	return Descriptor{
		Key:          key,
		Category:     "alpha",
		ID:           3,
		Seed:         -8812734,
		CreatedAt:    time.UnixMilli(1_760_000_000_123),
		Generator:    "noise",
		BiomeScale:   1.25,
		SeaLevel:     63,
		Spawn:        Vec3{X: 12.5, Y: 70, Z: -4.5},
		NoiseOffsetX: 1021.5,
		NoiseOffsetZ: -77.25,
		Attributes:   map[string]string{"difficulty": "hard", "border": "16000"},
	}
}

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	b, err := EncodeFrame(9, m, 0, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("encode %T: %v", m, err)
	}
	f, err := frame.Decode(b, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("frame decode %T: %v", m, err)
	}
	if f.Header.MessageType != m.MessageType() || f.Header.MessageID != 9 {
		t.Fatalf("unexpected header: %+v", f.Header)
	}
	out, err := DecodeFrame(f)
	if err != nil {
		t.Fatalf("decode %T: %v", m, err)
	}
	return out
}

func TestDescriptorRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := testDescriptor("ns:alpha_3")
	b, err := EncodeDescriptor(in)
	if err != nil {
		t.Fatalf("encode descriptor: %v", err)
	}
	out, err := DecodeDescriptor(b)
	if err != nil {
		t.Fatalf("decode descriptor: %v", err)
	}
	if out.Key != in.Key || out.Seed != in.Seed || out.ID != in.ID || !out.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("identity mismatch: %+v", out)
	}
	if out.Spawn != in.Spawn || out.BiomeScale != in.BiomeScale || out.SeaLevel != in.SeaLevel {
		t.Fatalf("generation params mismatch: %+v", out)
	}
	if len(out.Attributes) != 2 || out.Attributes["border"] != "16000" {
		t.Fatalf("attributes mismatch: %+v", out.Attributes)
	}
	again, _ := EncodeDescriptor(out)
	if !bytes.Equal(again, b) {
		t.Fatalf("re-encoding is not stable")
	}
	if _, err := EncodeDescriptor(Descriptor{Key: "ns:x"}); err == nil {
		t.Fatalf("expected validation error for empty category")
	}
}

func TestMessageCodecsRoundTrip(t *testing.T) {
	testlog.Start(t)
	if got := roundTrip(t, ExistenceDelta{Key: "ns:alpha_0", Exists: true}); got != (ExistenceDelta{Key: "ns:alpha_0", Exists: true}) {
		t.Fatalf("existence delta mismatch: %+v", got)
	}
	if got := roundTrip(t, Warning{MinutesRemaining: 5, Text: "server restarting"}); got != (Warning{MinutesRemaining: 5, Text: "server restarting"}) {
		t.Fatalf("warning mismatch: %+v", got)
	}
	ss, ok := roundTrip(t, SingleSync{Key: "ns:a", Payload: []byte{1, 2}}).(SingleSync)
	if !ok || ss.Key != "ns:a" || !bytes.Equal(ss.Payload, []byte{1, 2}) {
		t.Fatalf("single sync mismatch: %+v", ss)
	}
	bs, ok := roundTrip(t, BulkSync{Count: 2, Payload: []byte{9}}).(BulkSync)
	if !ok || bs.Count != 2 {
		t.Fatalf("bulk sync mismatch: %+v", bs)
	}
	cs, ok := roundTrip(t, ChunkedSync{Index: 2, Total: 3, Payload: []byte("xyz")}).(ChunkedSync)
	if !ok || cs.Index != 2 || cs.Total != 3 || string(cs.Payload) != "xyz" {
		t.Fatalf("chunked sync mismatch: %+v", cs)
	}
}

func TestEncodeFrameRejectsInvalidMessages(t *testing.T) {
	testlog.Start(t)
	if _, err := EncodeFrame(1, ExistenceDelta{}, 0, frame.DefaultLimits()); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, err := EncodeFrame(1, ChunkedSync{Index: 3, Total: 3}, 0, frame.DefaultLimits()); err == nil {
		t.Fatalf("expected out of range chunk error")
	}
	_, err := DecodeFrame(frame.New(77, 1, nil))
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
	_, err = DecodeFrame(frame.New(schema.MsgExistenceDelta, 1, nil))
	if _, ok := err.(schema.ValidationError); !ok {
		t.Fatalf("expected schema.ValidationError, got %v", err)
	}
}

func TestChunkRoundTripIsByteIdentical(t *testing.T) {
	testlog.Start(t)
	rng := rand.New(rand.NewSource(7))
	entries := make([]BulkEntry, 0, 40)
	for i := 0; i < 40; i++ {
		d := testDescriptor(fmt.Sprintf("ns:alpha_%d", i))
		d.ID = uint64(i)
		d.Seed = rng.Int63()
		p, err := EncodeDescriptor(d)
		if err != nil {
			t.Fatalf("encode descriptor: %v", err)
		}
		entries = append(entries, BulkEntry{Key: d.Key, Payload: p})
	}
	body := EncodeBulk(entries)

	for _, size := range []int{1, 7, 64, 1000, len(body), len(body) + 1} {
		parts, err := SplitChunks(body, size)
		if err != nil {
			t.Fatalf("split size=%d: %v", size, err)
		}
		var r Reassembler
		var out []byte
		for i, p := range parts {
			got, done := r.Accept(roundTrip(t, p).(ChunkedSync))
			if done != (i == len(parts)-1) {
				t.Fatalf("size=%d part %d: done=%v", size, i, done)
			}
			out = got
		}
		if !bytes.Equal(out, body) {
			t.Fatalf("size=%d: reassembled payload differs", size)
		}
		if r.Pending() {
			t.Fatalf("size=%d: reassembler still pending", size)
		}
	}

	decoded, err := DecodeBulk(body)
	if err != nil || len(decoded) != 40 {
		t.Fatalf("decode bulk: %d entries, %v", len(decoded), err)
	}
}

func TestChunkGapDiscardsWholeTransfer(t *testing.T) {
	testlog.Start(t)
	body := EncodeBulk([]BulkEntry{mustEntry(t, "ns:alpha_0")})
	parts, err := SplitChunks(body, (len(body)+3)/4)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(parts) != 4 {
		t.Fatalf("expected 4 parts, got %d", len(parts))
	}

	m := NewMirror()
	for _, i := range []int{0, 1, 3} {
		m.Apply(parts[i])
	}
	st := m.Stats()
	if st.ChunkPending || st.ChunkResets != 1 {
		t.Fatalf("expected discarded buffer, got %+v", st)
	}
	if len(m.Descriptors()) != 0 {
		t.Fatalf("expected zero parsed descriptors, got %d", len(m.Descriptors()))
	}

	// a late part 2 must not resurrect anything
	m.Apply(parts[2])
	if len(m.Descriptors()) != 0 {
		t.Fatalf("late part parsed descriptors")
	}

	// a fresh transfer from part 0 succeeds
	for _, p := range parts {
		m.Apply(p)
	}
	if _, ok := m.Descriptor("ns:alpha_0"); !ok {
		t.Fatalf("expected descriptor after clean transfer")
	}
}

func TestReassemblerTotalMismatchAndRestart(t *testing.T) {
	testlog.Start(t)
	var r Reassembler
	r.Accept(ChunkedSync{Index: 0, Total: 3, Payload: []byte("a")})
	if _, done := r.Accept(ChunkedSync{Index: 1, Total: 4, Payload: []byte("b")}); done || r.Pending() {
		t.Fatalf("total mismatch must discard")
	}
	r.Accept(ChunkedSync{Index: 0, Total: 2, Payload: []byte("x")})
	r.Accept(ChunkedSync{Index: 0, Total: 2, Payload: []byte("y")})
	out, done := r.Accept(ChunkedSync{Index: 1, Total: 2, Payload: []byte("z")})
	if !done || string(out) != "yz" {
		t.Fatalf("restart should keep only the newest transfer: %q %v", out, done)
	}
	if r.Resets() != 2 {
		t.Fatalf("expected 2 resets, got %d", r.Resets())
	}

	r = Reassembler{MaxBytes: 2}
	r.Accept(ChunkedSync{Index: 0, Total: 2, Payload: []byte("ab")})
	if _, done := r.Accept(ChunkedSync{Index: 1, Total: 2, Payload: []byte("c")}); done {
		t.Fatalf("expected limit discard")
	}
}

func TestSplitChunksEdgeCases(t *testing.T) {
	testlog.Start(t)
	if _, err := SplitChunks([]byte("x"), 0); !errors.Is(err, ErrInvalidChunkSize) {
		t.Fatalf("expected ErrInvalidChunkSize, got %v", err)
	}
	parts, err := SplitChunks(nil, 8)
	if err != nil || len(parts) != 1 || parts[0].Total != 1 {
		t.Fatalf("empty payload should be one part: %+v %v", parts, err)
	}
	var r Reassembler
	out, done := r.Accept(parts[0])
	if !done || len(out) != 0 {
		t.Fatalf("empty transfer should complete")
	}
}

func TestMirrorExistenceIsIdempotent(t *testing.T) {
	testlog.Start(t)
	once := NewMirror()
	twice := NewMirror()
	delta := ExistenceDelta{Key: "ns:alpha_0", Exists: true}
	once.Apply(delta)
	twice.Apply(delta)
	twice.Apply(delta)
	if fmt.Sprint(once.Keys()) != fmt.Sprint(twice.Keys()) || !twice.Exists("ns:alpha_0") {
		t.Fatalf("duplicate delta changed visible state: %v vs %v", once.Keys(), twice.Keys())
	}

	twice.Apply(ExistenceDelta{Key: "ns:alpha_0", Exists: false})
	if twice.Exists("ns:alpha_0") || len(twice.Keys()) != 0 {
		t.Fatalf("later delta must supersede")
	}
}

func TestMirrorSyncAndReset(t *testing.T) {
	testlog.Start(t)
	m := NewMirror()
	e := mustEntry(t, "ns:beta_0")
	m.Apply(ExistenceDelta{Key: e.Key, Exists: true})
	m.Apply(SingleSync{Key: e.Key, Payload: e.Payload})
	m.Apply(SingleSync{Key: "ns:other", Payload: e.Payload})
	m.Apply(Warning{MinutesRemaining: 1, Text: "bye"})

	if _, ok := m.Descriptor(e.Key); !ok {
		t.Fatalf("expected descriptor")
	}
	if st := m.Stats(); st.Dropped != 1 || st.Applied != 4 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if len(m.Warnings()) != 1 {
		t.Fatalf("expected one warning")
	}

	m.Reset()
	if len(m.Keys()) != 0 || len(m.Descriptors()) != 0 || len(m.Warnings()) != 0 {
		t.Fatalf("reset left state behind")
	}
}

func TestHelloHandshakeOverLines(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteHello(&buf, NewHello("realmwatch")); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	ack := HelloAck{Status: AckStatusAccepted, SessionID: "s-1", ChunkSize: 1024, TimestampMS: 1}
	if err := WriteHelloAck(&buf, ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	r := bufio.NewReader(&buf)
	h, err := ReadHello(r)
	if err != nil || h.ClientName != "realmwatch" || h.ProtocolVersion != frame.Version {
		t.Fatalf("read hello: %+v %v", h, err)
	}
	got, err := ReadHelloAck(r)
	if err != nil || got != ack {
		t.Fatalf("read ack: %+v %v", got, err)
	}

	if _, err := MarshalHello(Hello{}); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}
	if _, err := MarshalHelloAck(HelloAck{Status: AckStatusAccepted, TimestampMS: 1}); !errors.Is(err, ErrInvalidHelloAck) {
		t.Fatalf("expected ErrInvalidHelloAck, got %v", err)
	}
	raw, _ := MarshalHelloAck(ack)
	if _, err := UnmarshalHello(raw); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("ack must not parse as hello: %v", err)
	}
	long := bufio.NewReader(bytes.NewReader(append(bytes.Repeat([]byte("x"), maxControlBytes+10), '\n')))
	if _, err := ReadHello(long); !errors.Is(err, ErrControlMessageTooLarge) {
		t.Fatalf("expected ErrControlMessageTooLarge, got %v", err)
	}
}

func TestTransportSecurityValidation(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if err := cfg.ValidateServerTransport(); err != nil {
		t.Fatalf("development defaults must validate: %v", err)
	}
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	cfg.TLS.CertFile, cfg.TLS.KeyFile = "server.crt", "server.key"
	if err := cfg.ValidateServerTransport(); err != nil {
		t.Fatalf("unexpected server error: %v", err)
	}
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
	cfg.SecurityMode = "staging"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
	if NormalizeSecurityMode(" Production ") != SecurityModeProduction {
		t.Fatalf("normalize failed")
	}
}

func TestNextBackoffDelay(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w*time.Millisecond {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w*time.Millisecond)
		}
	}
	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		d := NextBackoffDelay(cfg, 1, rng)
		if d < 50*time.Millisecond || d >= 150*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}

func mustEntry(t *testing.T, key string) BulkEntry {
	t.Helper()
	p, err := EncodeDescriptor(testDescriptor(key))
	if err != nil {
		t.Fatalf("encode descriptor: %v", err)
	}
	return BulkEntry{Key: key, Payload: p}
}
