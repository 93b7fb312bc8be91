// Package admin is the operator HTTP surface: health, metrics, realm
// inspection, validation, emergency cleanup and the websocket replication
// endpoint.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/realmctl/internal/auth"
	"github.com/danmuck/realmctl/internal/consistency"
	"github.com/danmuck/realmctl/internal/observability"
	"github.com/danmuck/realmctl/internal/realm"
	"github.com/danmuck/realmctl/internal/registry"
	"github.com/danmuck/realmctl/internal/replication"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

type Realms interface {
	Snapshot() []realm.Info
	Get(key registry.Key) (realm.Info, error)
	EmergencyCleanupAll(ctx context.Context) ([]registry.Key, error)
	Enter(key registry.Key, occupant string) error
	Leave(key registry.Key, occupant string) error
}

type Checker interface {
	ValidateAll() consistency.Report
	Stats() consistency.Stats
}

type Counters interface {
	Reset(category string)
	ResetAll()
	Flush() error
	Snapshot() map[string]uint64
}

type Broadcaster interface {
	BroadcastWarning(minutesRemaining uint32, text string)
	Resync()
	Clients() []replication.ClientInfo
}

// Deps are the components the routes read and act on. Stream, when set, is
// mounted at StreamPath for websocket replication clients.
type Deps struct {
	Realms     Realms
	Checker    Checker
	Counters   Counters
	Hub        Broadcaster
	Stream     http.Handler
	StreamPath string
	// Ready reports whether startup provisioning has finished.
	Ready func() bool
	// Auth guards every POST route; nil leaves them open.
	Auth auth.Validator
}

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	deps   Deps
	router *gin.Engine
}

func New(id, addr string, corsOrigins []string, deps Deps) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		deps:     deps,
		router:   r,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve blocks until ctx is cancelled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("admin.Server.Serve shutdown")
		}
	}()

	log.Info().Str("id", s.ID).Str("addr", ln.Addr().String()).Msg("admin.Server.Serve listening")
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

func (s *Server) ready() bool {
	return s.deps.Ready == nil || s.deps.Ready()
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
