package replication

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/realmctl/internal/protocol/frame"
	"github.com/danmuck/realmctl/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("replication: address required")
	ErrHelloRejected   = errors.New("replication: hello rejected")
)

type ClientConfig struct {
	// Address is host:port for TCP or a ws:// or wss:// URL for websocket.
	Address string
	Name    string
	Session session.Config
	// MaxConnectAttempts bounds consecutive failed connects. Zero retries
	// forever.
	MaxConnectAttempts int
}

// Client is a read-only replication consumer that mirrors server state and
// reconnects with backoff.
type Client struct {
	cfg    ClientConfig
	rng    *rand.Rand
	mirror *session.Mirror

	mu        sync.RWMutex
	sessionID string
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "realmwatch"
	}
	def := session.DefaultConfig()
	if cfg.Session.HandshakeTimeout <= 0 {
		cfg.Session.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.Session.Backoff.InitialDelay <= 0 {
		cfg.Session.Backoff = def.Backoff
	}
	return &Client{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		mirror: session.NewMirror(),
	}, nil
}

func (c *Client) Mirror() *session.Mirror {
	return c.mirror
}

func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Run connects, mirrors every frame, and reconnects after a lost session
// until ctx ends. Each new session starts from an empty mirror. onMessage,
// when set, sees every decoded message after it is applied.
func (c *Client) Run(ctx context.Context, onMessage func(session.Message)) error {
	attempt := 0
	for {
		st, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			log.Warn().Int("attempt", attempt).Str("addr", c.cfg.Address).Err(err).Msg("replication.Client.Run connect")
			if errors.Is(err, ErrHelloRejected) || (c.cfg.MaxConnectAttempts > 0 && attempt >= c.cfg.MaxConnectAttempts) {
				return err
			}
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil
			}
			continue
		}

		attempt = 0
		c.mirror.Reset()
		err = c.consume(ctx, st, onMessage)
		_ = st.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Str("session_id", c.SessionID()).Err(err).Msg("replication.Client.Run session lost")
		attempt++
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil
		}
	}
}

func (c *Client) consume(ctx context.Context, st stream, onMessage func(session.Message)) error {
	stop := context.AfterFunc(ctx, func() { _ = st.Close() })
	defer stop()
	for {
		f, err := st.Next()
		if err != nil {
			return err
		}
		msg, err := session.DecodeFrame(f)
		if err != nil {
			return fmt.Errorf("replication: decode frame %d: %w", f.Header.MessageID, err)
		}
		c.mirror.Apply(msg)
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(c.cfg.Session.Backoff, attempt, c.rng)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type stream interface {
	Next() (frame.Frame, error)
	Close() error
}

func (c *Client) connect(ctx context.Context) (stream, error) {
	addr := strings.TrimSpace(c.cfg.Address)
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return c.connectWS(ctx, addr)
	}
	return c.connectTCP(ctx, addr)
}

func (c *Client) connectTCP(ctx context.Context, addr string) (stream, error) {
	tlsCfg, err := c.cfg.Session.ClientTLS()
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: c.cfg.Session.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		if tlsCfg.ServerName == "" {
			if host, _, err := net.SplitHostPort(addr); err == nil {
				tlsCfg.ServerName = host
			}
		}
		tc := tls.Client(conn, tlsCfg)
		_ = tc.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tc
	}

	_ = conn.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	if err := session.WriteHello(conn, session.NewHello(c.cfg.Name)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	reader := bufio.NewReader(conn)
	ack, err := session.ReadHelloAck(reader)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := c.accept(ack); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return &tcpStream{conn: conn, reader: reader, limits: frame.LimitsFor(ack.ChunkSize)}, nil
}

func (c *Client) connectWS(ctx context.Context, url string) (stream, error) {
	tlsCfg, err := c.cfg.Session.ClientTLS()
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.Session.HandshakeTimeout,
		TLSClientConfig:  tlsCfg,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	raw, err := session.MarshalHello(session.NewHello(c.cfg.Name))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	_, ackRaw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	ack, err := session.UnmarshalHelloAck(ackRaw)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := c.accept(ack); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	return &wsStream{conn: conn, limits: frame.LimitsFor(ack.ChunkSize)}, nil
}

func (c *Client) accept(ack session.HelloAck) error {
	if ack.Status != session.AckStatusAccepted {
		return fmt.Errorf("%w: %s", ErrHelloRejected, ack.Message)
	}
	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.mu.Unlock()
	log.Info().Str("session_id", ack.SessionID).Int("chunk_size", ack.ChunkSize).Str("addr", c.cfg.Address).Msg("replication.Client connected")
	return nil
}

type tcpStream struct {
	conn   net.Conn
	reader *bufio.Reader
	limits frame.Limits
}

func (s *tcpStream) Next() (frame.Frame, error) {
	return frame.ReadFrame(s.reader, s.limits)
}

func (s *tcpStream) Close() error {
	return s.conn.Close()
}

type wsStream struct {
	conn   *websocket.Conn
	limits frame.Limits
}

func (s *wsStream) Next() (frame.Frame, error) {
	for {
		mt, b, err := s.conn.ReadMessage()
		if err != nil {
			return frame.Frame{}, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return frame.Decode(b, s.limits)
	}
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
