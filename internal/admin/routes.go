package admin

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/realmctl/internal/auth"
	"github.com/danmuck/realmctl/internal/realm"
	"github.com/danmuck/realmctl/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// RealmView is the JSON shape of one tracked realm.
type RealmView struct {
	Key       string     `json:"key"`
	Category  string     `json:"category"`
	ID        uint64     `json:"id"`
	Seed      int64      `json:"seed"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	Occupants []string   `json:"occupants"`
	Spawn     [3]float64 `json:"spawn"`
}

type occupancyRequest struct {
	Realm    string `json:"realm" binding:"required"`
	Occupant string `json:"occupant" binding:"required"`
}

type warnRequest struct {
	Minutes uint32 `json:"minutes" binding:"required,gte=1"`
	Text    string `json:"text"`
}

func viewOf(info realm.Info) RealmView {
	occupants := info.Occupants
	if occupants == nil {
		occupants = []string{}
	}
	return RealmView{
		Key:       info.Key.String(),
		Category:  info.Category,
		ID:        info.ID,
		Seed:      info.Seed,
		State:     string(info.State),
		CreatedAt: info.CreatedAt,
		Occupants: occupants,
		Spawn:     [3]float64{info.Spawn.X, info.Spawn.Y, info.Spawn.Z},
	}
}

func (s *Server) RegisterRoutes() {
	r := s.router

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.ready() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   s.ready(),
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/realms", s.listRealms)
	r.GET("/realms/*key", s.getRealm)
	r.GET("/stats", s.stats)
	r.GET("/counters", s.counters)
	r.GET("/clients", s.clients)

	ops := r.Group("/", auth.Middleware(s.deps.Auth))
	ops.POST("/occupants/enter", s.occupancy(s.deps.Realms.Enter))
	ops.POST("/occupants/leave", s.occupancy(s.deps.Realms.Leave))
	ops.POST("/validate", s.validate)
	ops.POST("/emergency-cleanup", s.emergencyCleanup)
	ops.POST("/warn", s.warn)
	ops.POST("/resync", s.resync)
	ops.POST("/counters/reset", s.resetCounters)

	if s.deps.Stream != nil {
		path := s.deps.StreamPath
		if path == "" {
			path = "/ws"
		}
		r.GET(path, gin.WrapH(s.deps.Stream))
	}
}

// listRealms accepts ?state= and ?category= filters.
func (s *Server) listRealms(c *gin.Context) {
	state := strings.TrimSpace(c.Query("state"))
	category := strings.TrimSpace(c.Query("category"))

	out := make([]RealmView, 0)
	for _, info := range s.deps.Realms.Snapshot() {
		if state != "" && string(info.State) != state {
			continue
		}
		if category != "" && info.Category != category {
			continue
		}
		out = append(out, viewOf(info))
	}
	c.JSON(http.StatusOK, gin.H{"realms": out})
}

func (s *Server) getRealm(c *gin.Context) {
	key, err := registry.ParseKey(strings.TrimPrefix(c.Param("key"), "/"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, err := s.deps.Realms.Get(key)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, realm.ErrUnknownRealm) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, viewOf(info))
}

func (s *Server) occupancy(apply func(registry.Key, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req occupancyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		key, err := registry.ParseKey(req.Realm)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := apply(key, req.Occupant); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, realm.ErrUnknownRealm):
				status = http.StatusNotFound
			case errors.Is(err, realm.ErrNotActive):
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Checker.Stats())
}

func (s *Server) validate(c *gin.Context) {
	report := s.deps.Checker.ValidateAll()
	status := http.StatusOK
	if !report.OK {
		status = http.StatusConflict
	}
	c.JSON(status, report)
}

func (s *Server) emergencyCleanup(c *gin.Context) {
	log.Warn().Str("client_ip", c.ClientIP()).Msg("admin.Server.emergencyCleanup requested")
	keys, err := s.deps.Realms.EmergencyCleanupAll(c.Request.Context())
	removed := make([]string, 0, len(keys))
	for _, k := range keys {
		removed = append(removed, k.String())
	}
	s.deps.Hub.Resync()
	body := gin.H{"removed": removed}
	if err != nil {
		body["error"] = err.Error()
		c.JSON(http.StatusInternalServerError, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) warn(c *gin.Context) {
	var req warnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.deps.Hub.BroadcastWarning(req.Minutes, req.Text)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": len(s.deps.Hub.Clients())})
}

// resync queues a full existence and descriptor sync to every client.
func (s *Server) resync(c *gin.Context) {
	s.deps.Hub.Resync()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": len(s.deps.Hub.Clients())})
}

func (s *Server) counters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"counters": s.deps.Counters.Snapshot()})
}

// resetCounters zeroes ?category= (or every category) and flushes at once.
func (s *Server) resetCounters(c *gin.Context) {
	category := strings.TrimSpace(c.Query("category"))
	if category == "" {
		s.deps.Counters.ResetAll()
	} else {
		s.deps.Counters.Reset(category)
	}
	if err := s.deps.Counters.Flush(); err != nil {
		log.Error().Err(err).Msg("admin.Server.resetCounters flush failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("category", category).Msg("admin.Server.resetCounters reset")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "counters": s.deps.Counters.Snapshot()})
}

func (s *Server) clients(c *gin.Context) {
	list := s.deps.Hub.Clients()
	sort.Slice(list, func(i, j int) bool {
		return list[i].SessionID < list[j].SessionID
	})
	c.JSON(http.StatusOK, gin.H{"clients": list})
}
