package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/realmctl/internal/logging"
	"github.com/danmuck/realmctl/internal/protocol/session"
	"github.com/danmuck/realmctl/internal/realm"
	"github.com/danmuck/realmctl/internal/registry"
	"github.com/danmuck/realmctl/internal/replication"
	"github.com/danmuck/realmctl/internal/seed"
)

func (c Config) RealmConfig() (realm.Config, error) {
	fallback, err := registry.ParseKey(c.Lifecycle.FallbackRealm)
	if err != nil {
		return realm.Config{}, fmt.Errorf("%w: fallback realm: %v", ErrInvalid, err)
	}
	out := realm.Config{
		Namespace:         c.Registry.Namespace,
		Categories:        make([]realm.Category, 0, len(c.Categories)),
		FailurePolicy:     realm.FailurePolicy(c.Lifecycle.FailurePolicy),
		EvacuationTimeout: c.Lifecycle.EvacuationTimeout.Duration,
		Fallback:          realm.Target{Realm: fallback, Position: realm.SafePosition},
		SaveOnShutdown:    c.Lifecycle.SaveOnShutdown,
	}
	if p := c.Lifecycle.FallbackPosition; len(p) == 3 {
		out.Fallback.Position = realm.Vec3{X: p[0], Y: p[1], Z: p[2]}
	}
	for _, cat := range c.Categories {
		out.Categories = append(out.Categories, realm.Category{
			Name:       cat.Name,
			Count:      cat.Count,
			Generator:  cat.Generator,
			BiomeScale: cat.BiomeScale,
			SeaLevel:   cat.SeaLevel,
			Attributes: cat.Attributes,
		})
	}
	return out, nil
}

func (c Config) SeedParams() (seed.Params, error) {
	strategy, err := seed.ParseStrategy(c.Seed.Strategy)
	if err != nil {
		return seed.Params{}, err
	}
	boundary, err := seed.ParseWeekday(c.Seed.WeekBoundary)
	if err != nil {
		return seed.Params{}, err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(c.Seed.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return seed.Params{}, fmt.Errorf("%w: timezone: %v", ErrInvalid, err)
		}
	}
	return seed.Params{
		Strategy:     strategy,
		WeekBoundary: boundary,
		Fixed:        c.Seed.Fixed,
		Location:     loc,
	}, nil
}

func (c Config) RegistryOptions() registry.Options {
	return registry.Options{
		SlotSpread:    c.Registry.SlotSpread,
		RestoreFrozen: c.Registry.RestoreFrozen,
	}
}

// BootKeys parses registry.boot_entries in file order.
func (c Config) BootKeys() ([]registry.Key, error) {
	keys := make([]registry.Key, 0, len(c.Registry.BootEntries))
	for _, raw := range c.Registry.BootEntries {
		k, err := registry.ParseKey(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (c Config) SessionConfig() session.Config {
	out := session.DefaultConfig()
	r := c.Replication
	out.HandshakeTimeout = r.HandshakeTimeout.Duration
	out.WriteTimeout = r.WriteTimeout.Duration
	out.ReadIdleTimeout = r.ReadIdleTimeout.Duration
	out.ChunkSize = r.ChunkSize
	out.SecurityMode = session.SecurityMode(r.SecurityMode)
	out.TLS = session.TLSConfig{
		Enabled:  r.TLS.Enabled,
		Mutual:   r.TLS.Mutual,
		CertFile: r.TLS.CertFile,
		KeyFile:  r.TLS.KeyFile,
		CAFile:   r.TLS.CAFile,
	}
	return out
}

func (c Config) ReplicationConfig() replication.Config {
	return replication.Config{
		Session:    c.SessionConfig(),
		OutboxSize: c.Replication.OutboxSize,
		SendRate:   c.Replication.SendRate,
		SendBurst:  c.Replication.SendBurst,
	}
}

func (c Config) LoggingConfig() logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{
		Level:     level,
		JSON:      c.Log.JSON,
		Timestamp: c.Log.Timestamp,
		NoColor:   c.Log.NoColor,
	}
}
