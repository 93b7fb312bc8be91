package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/realmctl/internal/protocol/session"
	"github.com/danmuck/realmctl/internal/replication"
	"github.com/danmuck/realmctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type oneRealm struct{ d session.Descriptor }

func (s oneRealm) ActiveKeys() []string              { return []string{s.d.Key} }
func (s oneRealm) Descriptors() []session.Descriptor { return []session.Descriptor{s.d} }

func testDescriptor() session.Descriptor {
	return session.Descriptor{
		Key:       "ns:alpha_0",
		Category:  "alpha",
		Seed:      99,
		CreatedAt: time.UnixMilli(1_700_000_000_000),
		Generator: "noise",
		Spawn:     session.Vec3{X: 0.5, Y: 64, Z: 0.5},
	}
}

func TestSummarizeListsRealms(t *testing.T) {
	testlog.Start(t)
	m := session.NewMirror()
	payload, err := session.EncodeDescriptor(testDescriptor())
	require.NoError(t, err)
	m.Apply(session.ExistenceDelta{Key: "ns:alpha_0", Exists: true})
	m.Apply(session.ExistenceDelta{Key: "ns:beta_0", Exists: true})
	m.Apply(session.SingleSync{Key: "ns:alpha_0", Payload: payload})
	m.Apply(session.Warning{MinutesRemaining: 2, Text: "restart"})

	var out bytes.Buffer
	summarize(&out, m)
	text := out.String()
	require.Contains(t, text, "realms: 2")
	require.Contains(t, text, "ns:alpha_0 category=alpha seed=99 generator=noise spawn=(0.5,64.0,0.5)")
	require.Contains(t, text, "ns:beta_0 (no descriptor)")
	require.Contains(t, text, "warning: 2m restart")
	require.Contains(t, text, "chunk_resets=0")
}

func TestPrintMessage(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	printMessage(&out, session.ExistenceDelta{Key: "ns:alpha_0", Exists: false})
	printMessage(&out, session.ChunkedSync{Index: 0, Total: 3, Payload: []byte("abc")})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasSuffix(lines[0], "ns:alpha_0 exists=false"), lines[0])
	require.True(t, strings.HasSuffix(lines[1], "part 1/3 3B"), lines[1])
}

func TestWatchMirrorsServer(t *testing.T) {
	testlog.Start(t)
	hub := replication.NewHub(replication.DefaultConfig())
	hub.SetSource(oneRealm{d: testDescriptor()})
	defer hub.Close()

	srv := replication.NewTCPServer(hub, "127.0.0.1:0")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srvCtx, stopSrv := context.WithCancel(context.Background())
	defer stopSrv()
	go func() { _ = srv.Serve(srvCtx, ln) }()

	opts := watchOptions{addr: ln.Addr().String(), name: "watch-test", mode: "development", interval: 20 * time.Millisecond, verbose: true}
	client, err := replication.NewClient(opts.clientConfig())
	require.NoError(t, err)

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watch(ctx, &out, client, opts) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "ns:alpha_0 category=alpha")
	}, 5*time.Second, 10*time.Millisecond)
	require.Contains(t, out.String(), "existence_delta ns:alpha_0 exists=true")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("watch did not stop")
	}
}

func TestClientConfigEnablesTLSWithCA(t *testing.T) {
	testlog.Start(t)
	cfg := watchOptions{addr: "x:1", mode: "production"}.clientConfig()
	require.False(t, cfg.Session.TLS.Enabled)
	require.Error(t, cfg.Session.ValidateClientTransport())

	cfg = watchOptions{addr: "x:1", mode: "production", caFile: "ca.crt", certFile: "c.crt", keyFile: "c.key"}.clientConfig()
	require.True(t, cfg.Session.TLS.Enabled)
	require.True(t, cfg.Session.TLS.Mutual)
	require.NoError(t, cfg.Session.ValidateClientTransport())
}
