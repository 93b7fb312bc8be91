package replication

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/realmctl/internal/observability"
	"github.com/danmuck/realmctl/internal/protocol/frame"
	"github.com/danmuck/realmctl/internal/protocol/schema"
	"github.com/danmuck/realmctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrHubClosed       = errors.New("replication: hub closed")
	ErrDuplicateClient = errors.New("replication: session id already attached")
)

// Source is the authoritative realm view a new client is synced from.
type Source interface {
	ActiveKeys() []string
	Descriptors() []session.Descriptor
}

type Config struct {
	Session session.Config
	// OutboxSize bounds frames queued per client beyond its initial sync.
	OutboxSize int
	// SendRate paces frames per client per second. Zero disables pacing.
	SendRate  float64
	SendBurst int
}

func DefaultConfig() Config {
	return Config{
		Session:    session.DefaultConfig(),
		OutboxSize: 256,
		SendBurst:  64,
	}
}

// Conn is one framed client transport. Send writes exactly one frame.
type Conn interface {
	Send(frame []byte) error
	Close() error
	RemoteAddr() string
}

type ClientInfo struct {
	SessionID   string    `json:"session_id"`
	Name        string    `json:"name"`
	Transport   string    `json:"transport"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	Queued      int       `json:"queued"`
	Sent        uint64    `json:"sent"`
}

// Hub fans realm state out to every attached client.
type Hub struct {
	cfg    Config
	limits frame.Limits
	msgID  atomic.Uint64

	mu     sync.RWMutex
	source Source
	peers  map[string]*peer
	closed bool

	wg sync.WaitGroup
}

func NewHub(cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.Session.ChunkSize <= 0 {
		cfg.Session.ChunkSize = def.Session.ChunkSize
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = def.SendBurst
	}
	return &Hub{
		cfg:    cfg,
		limits: frame.LimitsFor(cfg.Session.ChunkSize),
		peers:  make(map[string]*peer),
	}
}

func (h *Hub) Config() Config {
	return h.cfg
}

// Limits are the frame limits both ends of a session use.
func (h *Hub) Limits() frame.Limits {
	return h.limits
}

func (h *Hub) SetSource(s Source) {
	h.mu.Lock()
	h.source = s
	h.mu.Unlock()
}

// Attach registers conn and queues the connect-time sync: one existence delta
// per Active realm followed by a full resync. Both are taken under the hub
// lock, so no broadcast can slip between the snapshot and registration.
func (h *Hub) Attach(sessionID, name, transport string, conn Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if _, ok := h.peers[sessionID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateClient, sessionID)
	}

	initial, err := h.initialLocked()
	if err != nil {
		return err
	}
	p := newPeer(sessionID, name, transport, conn, len(initial)+h.cfg.OutboxSize, h.cfg)
	for _, out := range initial {
		p.outbox <- out
		observability.RecordReplicationMessage(out.kind, len(out.data))
	}
	h.peers[sessionID] = p
	observability.SetReplicationClients(len(h.peers))

	h.wg.Add(1)
	go h.writeLoop(p)

	log.Info().
		Str("session_id", sessionID).
		Str("client", name).
		Str("transport", transport).
		Str("remote", conn.RemoteAddr()).
		Int("initial_frames", len(initial)).
		Msg("replication.Hub.Attach")
	return nil
}

// Detach drops a client, typically after its transport read side ended.
func (h *Hub) Detach(sessionID, reason string) {
	h.mu.RLock()
	p := h.peers[sessionID]
	h.mu.RUnlock()
	if p != nil {
		p.drop(reason, nil)
	}
}

func (h *Hub) BroadcastExistence(key string, exists bool) {
	h.broadcast(session.ExistenceDelta{Key: key, Exists: exists})
}

func (h *Hub) BroadcastSync(d session.Descriptor) {
	msgs, err := PlanSingle(d, h.cfg.Session.ChunkSize)
	if err != nil {
		log.Error().Str("key", d.Key).Err(err).Msg("replication.Hub.BroadcastSync plan")
		return
	}
	h.broadcast(msgs...)
}

func (h *Hub) BroadcastWarning(minutesRemaining uint32, text string) {
	h.broadcast(session.Warning{MinutesRemaining: minutesRemaining, Text: text})
}

// Resync queues a fresh full sync to every client.
func (h *Hub) Resync() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	initial, err := h.initialLocked()
	if err != nil {
		log.Error().Err(err).Msg("replication.Hub.Resync")
		return
	}
	for _, p := range h.peers {
		for _, out := range initial {
			h.enqueue(p, out)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	out := make([]ClientInfo, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p.info())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Close drops every client and waits for their writers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.drop("shutdown", nil)
	}
	h.wg.Wait()
}

func (h *Hub) broadcast(msgs ...session.Message) {
	outs := make([]outgoing, 0, len(msgs))
	for _, m := range msgs {
		out, err := h.encode(m, 0)
		if err != nil {
			log.Error().Uint32("message_type", m.MessageType()).Err(err).Msg("replication.Hub.broadcast encode")
			return
		}
		outs = append(outs, out)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		for _, out := range outs {
			h.enqueue(p, out)
		}
	}
}

// enqueue never blocks; a full outbox drops the client.
func (h *Hub) enqueue(p *peer, out outgoing) {
	select {
	case <-p.ctx.Done():
	case p.outbox <- out:
		observability.RecordReplicationMessage(out.kind, len(out.data))
	default:
		p.drop("outbox_full", nil)
	}
}

func (h *Hub) initialLocked() ([]outgoing, error) {
	if h.source == nil {
		return nil, nil
	}
	var msgs []session.Message
	for _, key := range h.source.ActiveKeys() {
		msgs = append(msgs, session.ExistenceDelta{Key: key, Exists: true})
	}
	resync, err := PlanResync(h.source.Descriptors(), h.cfg.Session.ChunkSize)
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, resync...)

	out := make([]outgoing, 0, len(msgs))
	for _, m := range msgs {
		o, err := h.encode(m, frame.FlagResync)
		if err != nil {
			log.Error().Str("kind", schema.Name(m.MessageType())).Err(err).Msg("replication.Hub.initial skipped message")
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (h *Hub) encode(m session.Message, flags uint32) (outgoing, error) {
	b, err := session.EncodeFrame(h.msgID.Add(1), m, flags, h.limits)
	if err != nil {
		return outgoing{}, err
	}
	return outgoing{kind: schema.Name(m.MessageType()), data: b}, nil
}

func (h *Hub) writeLoop(p *peer) {
	defer h.wg.Done()
	defer h.remove(p)
	for {
		select {
		case <-p.ctx.Done():
			return
		case out := <-p.outbox:
			if p.limiter != nil {
				if err := p.limiter.Wait(p.ctx); err != nil {
					return
				}
			}
			if err := p.conn.Send(out.data); err != nil {
				p.drop("send_error", err)
				return
			}
			p.sent.Add(1)
		}
	}
}

func (h *Hub) remove(p *peer) {
	p.drop("closed", nil)
	h.mu.Lock()
	if h.peers[p.id] == p {
		delete(h.peers, p.id)
	}
	n := len(h.peers)
	h.mu.Unlock()
	observability.SetReplicationClients(n)
}
