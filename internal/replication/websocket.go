package replication

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/realmctl/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSHandler serves replication over websocket. The first text message is the
// hello JSON, the answer is the ack JSON, and every later binary message
// carries exactly one frame.
type WSHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewWSHandler allows browser origins listed in origins; an empty list or
// "*" accepts any origin.
func NewWSHandler(hub *Hub, origins []string) *WSHandler {
	allowed := make(map[string]bool, len(origins))
	anyOrigin := len(origins) == 0
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			anyOrigin = true
		}
		allowed[o] = true
	}
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return anyOrigin || origin == "" || allowed[origin]
			},
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("replication.WSHandler upgrade failed")
		return
	}
	defer conn.Close()
	cfg := h.hub.cfg.Session

	_ = conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	conn.SetReadLimit(64 * 1024)
	mt, raw, err := conn.ReadMessage()
	if err != nil || mt != websocket.TextMessage {
		log.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("replication.WSHandler read hello")
		return
	}
	hello, err := session.UnmarshalHello(raw)
	var ack session.HelloAck
	ok := false
	if err != nil {
		ack = rejectAck("invalid hello")
	} else {
		ack, ok = acceptHello(hello, cfg.ChunkSize)
	}
	ackRaw, err := session.MarshalHelloAck(ack)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(cfg.HandshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, ackRaw); err != nil || !ok {
		log.Warn().Str("remote", r.RemoteAddr).Str("client", hello.ClientName).Err(err).Msg("replication.WSHandler hello refused")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	wc := &wsConn{conn: conn, remote: r.RemoteAddr, writeTimeout: cfg.WriteTimeout}
	if err := h.hub.Attach(ack.SessionID, hello.ClientName, "websocket", wc); err != nil {
		log.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("replication.WSHandler attach")
		return
	}

	for {
		if cfg.ReadIdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadIdleTimeout))
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			reason := "disconnect"
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "read_error"
			}
			h.hub.Detach(ack.SessionID, reason)
			return
		}
	}
}

type wsConn struct {
	conn         *websocket.Conn
	remote       string
	writeTimeout time.Duration

	closeOnce sync.Once
}

func (c *wsConn) Send(b []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}
