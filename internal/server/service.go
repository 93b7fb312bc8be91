// Package server assembles the registries, realm lifecycle, consistency
// checker and replication transports into one runnable process.
package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/danmuck/realmctl/internal/admin"
	"github.com/danmuck/realmctl/internal/auth"
	"github.com/danmuck/realmctl/internal/config"
	"github.com/danmuck/realmctl/internal/consistency"
	"github.com/danmuck/realmctl/internal/counter"
	"github.com/danmuck/realmctl/internal/realm"
	"github.com/danmuck/realmctl/internal/registry"
	"github.com/danmuck/realmctl/internal/replication"
	"github.com/danmuck/realmctl/internal/seed"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	TypesRegistry = "types"
	StemsRegistry = "stems"
	serviceID     = "realmctl"
)

type options struct {
	constructor realm.Constructor
	evacuator   realm.Evacuator
	now         func() time.Time
}

type Option func(*options)

// WithConstructor replaces the procedural world constructor.
func WithConstructor(c realm.Constructor) Option {
	return func(o *options) { o.constructor = c }
}

// WithEvacuator replaces the in-process Roster.
func WithEvacuator(e realm.Evacuator) Option {
	return func(o *options) { o.evacuator = e }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type Service struct {
	cfg config.Config

	Types    *registry.Registry[realm.TypeEntry]
	Stems    *registry.Registry[realm.StemEntry]
	Mutator  *registry.Mutator
	Counters *counter.Store
	Seeds    *seed.Assigner
	Realms   *realm.Manager
	Checker  *consistency.Checker
	Hub      *replication.Hub
	TCP      *replication.TCPServer
	Admin    *admin.Server
	// Roster is nil when WithEvacuator supplied another evacuator.
	Roster *Roster

	adminLn net.Listener
	replLn  net.Listener
	ready   atomic.Bool
}

func New(cfg config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{cfg: cfg}
	if err := s.bootRegistries(o.now()); err != nil {
		return nil, err
	}

	mutator, err := registry.NewMutator(cfg.RegistryOptions(), s.Types, s.Stems)
	if err != nil {
		return nil, err
	}
	s.Mutator = mutator

	if s.Counters, err = counter.Open(cfg.Counters.Path); err != nil {
		return nil, fmt.Errorf("server: counters: %w", err)
	}
	params, err := cfg.SeedParams()
	if err != nil {
		return nil, err
	}
	if s.Seeds, err = seed.NewAssigner(params); err != nil {
		return nil, err
	}

	rc, err := cfg.RealmConfig()
	if err != nil {
		return nil, err
	}
	if o.constructor == nil {
		o.constructor = realm.ProceduralConstructor{SaveDir: cfg.Server.SaveDir}
	}
	if o.evacuator == nil {
		s.Roster = NewRoster()
		o.evacuator = s.Roster
	}

	s.Hub = replication.NewHub(cfg.ReplicationConfig())
	s.Realms, err = realm.NewManager(rc, realm.Deps{
		Mutator:     mutator,
		Types:       s.Types,
		Stems:       s.Stems,
		Counter:     s.Counters,
		Seeder:      s.Seeds,
		Constructor: o.constructor,
		Evacuator:   o.evacuator,
		Replicator:  s.Hub,
		Now:         o.now,
	})
	if err != nil {
		return nil, err
	}
	s.Checker = consistency.New(mutator, s.Types, s.Stems, s.Realms, rc.Namespace)
	s.Checker.SetClients(s.Hub)
	s.Realms.SetValidator(s.Checker)
	s.Hub.SetSource(s.Realms)

	if cfg.Replication.ListenAddr != "" {
		s.TCP = replication.NewTCPServer(s.Hub, cfg.Replication.ListenAddr)
	}
	var guard auth.Validator
	if cfg.Server.AdminToken != "" {
		guard = auth.StaticToken{Token: cfg.Server.AdminToken}
	}
	var stream http.Handler
	if cfg.Replication.WebsocketPath != "" {
		stream = replication.NewWSHandler(s.Hub, cfg.Server.CorsOrigins)
	}
	s.Admin = admin.New(serviceID, cfg.Server.AdminAddr, cfg.Server.CorsOrigins, admin.Deps{
		Realms:     s.Realms,
		Checker:    s.Checker,
		Counters:   s.Counters,
		Hub:        s.Hub,
		Stream:     stream,
		StreamPath: cfg.Replication.WebsocketPath,
		Ready:      s.Ready,
		Auth:       guard,
	})
	return s, nil
}

// bootRegistries registers the static boot entries and freezes both
// registries, which is the state every later mutation restores.
func (s *Service) bootRegistries(now time.Time) error {
	s.Types = registry.New[realm.TypeEntry](TypesRegistry)
	s.Stems = registry.New[realm.StemEntry](StemsRegistry)
	keys, err := s.cfg.BootKeys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := s.Types.Register(k, realm.TypeEntry{Category: k.Namespace, Generator: "static"}); err != nil {
			return fmt.Errorf("server: boot entry %s: %w", k, err)
		}
		if _, err := s.Stems.Register(k, realm.StemEntry{Generator: "static", Spawn: realm.SafePosition, CreatedAt: now}); err != nil {
			return fmt.Errorf("server: boot entry %s: %w", k, err)
		}
	}
	s.Types.Freeze()
	s.Stems.Freeze()
	return nil
}

func (s *Service) Config() config.Config {
	return s.cfg
}

// Ready reports whether startup provisioning has completed and shutdown has
// not begun.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Listen binds the admin and replication listeners. Run calls it when the
// caller has not.
func (s *Service) Listen() error {
	if s.adminLn == nil {
		ln, err := net.Listen("tcp", s.cfg.Server.AdminAddr)
		if err != nil {
			return fmt.Errorf("server: admin listen: %w", err)
		}
		s.adminLn = ln
	}
	if s.TCP != nil && s.replLn == nil {
		ln, err := s.TCP.Listen()
		if err != nil {
			_ = s.adminLn.Close()
			s.adminLn = nil
			return fmt.Errorf("server: replication listen: %w", err)
		}
		s.replLn = ln
	}
	return nil
}

func (s *Service) AdminAddr() string {
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

func (s *Service) ReplicationAddr() string {
	if s.replLn == nil {
		return ""
	}
	return s.replLn.Addr().String()
}

// Run serves the admin and replication surfaces, provisions every configured
// realm, and blocks until ctx ends or a listener fails. Realms are torn down
// while the transports are still up so clients observe the removals.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error { return s.Admin.Serve(gctx, s.adminLn) })
	if s.TCP != nil {
		g.Go(func() error { return s.TCP.Serve(gctx, s.replLn) })
	}

	report, err := s.Realms.Startup(ctx)
	if err != nil {
		log.Error().Err(err).Int("created", len(report.Created)).Msg("server.Service.Run startup aborted")
		removed, cleanupErr := s.Realms.EmergencyCleanupAll(context.Background())
		log.Warn().Int("removed", len(removed)).Msg("server.Service.Run emergency cleanup after abort")
		stopServing()
		serveErr := g.Wait()
		s.Hub.Close()
		return errors.Join(fmt.Errorf("server: startup: %w", err), cleanupErr, serveErr)
	}
	s.ready.Store(true)
	log.Info().
		Int("created", len(report.Created)).
		Int("failed", len(report.Failed)).
		Str("admin", s.AdminAddr()).
		Str("replication", s.ReplicationAddr()).
		Msg("server.Service.Run ready")

	g.Go(func() error { return s.Checker.Run(gctx, s.cfg.Lifecycle.ValidationInterval.Duration) })

	select {
	case <-ctx.Done():
	case <-gctx.Done():
	}
	shutdownErr := s.Shutdown()
	stopServing()
	serveErr := g.Wait()
	s.Hub.Close()
	return errors.Join(serveErr, shutdownErr)
}

// Shutdown warns clients when configured, tears every Active realm down
// within the grace period, and runs a final consistency pass.
func (s *Service) Shutdown() error {
	s.ready.Store(false)

	if warn := s.cfg.Lifecycle.ShutdownWarning.Duration; warn > 0 {
		minutes := uint32(math.Ceil(warn.Minutes()))
		s.Hub.BroadcastWarning(minutes, fmt.Sprintf("realms shutting down in %s", warn))
		log.Info().Dur("warning", warn).Msg("server.Service.Shutdown warned clients")
		time.Sleep(warn)
	}

	ctx := context.Background()
	if grace := s.cfg.Lifecycle.ShutdownGrace.Duration; grace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}
	err := s.Realms.Shutdown(ctx)

	final := s.Checker.ValidateAll()
	if !final.OK {
		log.Error().Strs("issues", final.Issues).Msg("server.Service.Shutdown final validation failed")
		err = errors.Join(err, final.Err())
	}
	log.Info().Bool("consistent", final.OK).Msg("server.Service.Shutdown complete")
	return err
}

func (s *Service) ValidateAll() consistency.Report {
	return s.Checker.ValidateAll()
}

func (s *Service) EmergencyCleanupAll(ctx context.Context) ([]registry.Key, error) {
	return s.Realms.EmergencyCleanupAll(ctx)
}

func (s *Service) Stats() consistency.Stats {
	return s.Checker.Stats()
}
