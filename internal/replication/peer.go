package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/realmctl/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type outgoing struct {
	kind string
	data []byte
}

// peer is one attached client. Its writer goroutine is the only code that
// touches conn for writing.
type peer struct {
	id          string
	name        string
	transport   string
	conn        Conn
	connectedAt time.Time

	outbox  chan outgoing
	limiter *rate.Limiter
	sent    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newPeer(id, name, transport string, conn Conn, capacity int, cfg Config) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{
		id:          id,
		name:        name,
		transport:   transport,
		conn:        conn,
		connectedAt: time.Now(),
		outbox:      make(chan outgoing, capacity),
		ctx:         ctx,
		cancel:      cancel,
	}
	if cfg.SendRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst)
	}
	return p
}

// drop closes the client once. Later calls are no-ops.
func (p *peer) drop(reason string, err error) {
	p.once.Do(func() {
		p.cancel()
		_ = p.conn.Close()
		observability.RecordClientDrop(reason)
		event := log.Info()
		if err != nil || reason == "outbox_full" {
			event = log.Warn().Err(err)
		}
		event.
			Str("session_id", p.id).
			Str("client", p.name).
			Str("reason", reason).
			Uint64("sent", p.sent.Load()).
			Msg("replication.peer.drop")
	})
}

func (p *peer) info() ClientInfo {
	return ClientInfo{
		SessionID:   p.id,
		Name:        p.name,
		Transport:   p.transport,
		Remote:      p.conn.RemoteAddr(),
		ConnectedAt: p.connectedAt,
		Queued:      len(p.outbox),
		Sent:        p.sent.Load(),
	}
}
