package replication

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/realmctl/internal/protocol/frame"
	"github.com/danmuck/realmctl/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TCPServer accepts replication clients on a stream listener.
type TCPServer struct {
	hub  *Hub
	addr string

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

func NewTCPServer(hub *Hub, addr string) *TCPServer {
	return &TCPServer{
		hub:   hub,
		addr:  addr,
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen opens the configured address, wrapping it in TLS when enabled.
func (s *TCPServer) Listen() (net.Listener, error) {
	tlsCfg, err := s.hub.cfg.Session.ServerTLS()
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return net.Listen("tcp", s.addr)
	}
	return tls.Listen("tcp", s.addr, tlsCfg)
}

func (s *TCPServer) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.hub.cfg.Session.TLS.Enabled).Msg("replication.TCPServer listening")
	return s.Serve(ctx, ln)
}

// Serve accepts until ctx ends or ln is closed.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.hub.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

func (s *TCPServer) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	cfg := s.hub.cfg.Session
	remote := conn.RemoteAddr().String()

	if tc, ok := conn.(*tls.Conn); ok {
		_ = tc.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
		if err := tc.Handshake(); err != nil {
			log.Warn().Str("remote", remote).Err(err).Msg("replication.TCPServer.handleConn tls handshake")
			return
		}
	}

	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	hello, err := session.ReadHello(reader)
	if err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("replication.TCPServer.handleConn read hello")
		_ = session.WriteHelloAck(conn, rejectAck("invalid hello"))
		return
	}
	ack, ok := acceptHello(hello, cfg.ChunkSize)
	if err := session.WriteHelloAck(conn, ack); err != nil || !ok {
		log.Warn().Str("remote", remote).Str("client", hello.ClientName).Err(err).Msg("replication.TCPServer.handleConn hello refused")
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("replication.TCPServer.handleConn clear deadline")
	}

	tc := &tcpConn{conn: conn, writeTimeout: cfg.WriteTimeout}
	if err := s.hub.Attach(ack.SessionID, hello.ClientName, "tcp", tc); err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("replication.TCPServer.handleConn attach")
		return
	}

	// Clients never send after the hello; the read side only detects hangup.
	buf := make([]byte, 512)
	for {
		if cfg.ReadIdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadIdleTimeout))
		}
		if _, err := reader.Read(buf); err != nil {
			reason := "disconnect"
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				reason = "read_error"
			}
			s.hub.Detach(ack.SessionID, reason)
			return
		}
	}
}

func acceptHello(h session.Hello, chunkSize int) (session.HelloAck, bool) {
	if h.ProtocolVersion != frame.Version {
		return rejectAck(fmt.Sprintf("unsupported protocol version %d", h.ProtocolVersion)), false
	}
	return session.HelloAck{
		Status:      session.AckStatusAccepted,
		SessionID:   uuid.NewString(),
		Message:     "synced",
		ChunkSize:   chunkSize,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}, true
}

func rejectAck(msg string) session.HelloAck {
	return session.HelloAck{
		Status:      session.AckStatusRejected,
		Message:     msg,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
}

type tcpConn struct {
	conn         net.Conn
	writeTimeout time.Duration
}

func (c *tcpConn) Send(b []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.conn.Write(b)
	return err
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (s *TCPServer) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *TCPServer) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *TCPServer) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
