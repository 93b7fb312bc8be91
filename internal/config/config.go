package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	gotoml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownKey = errors.New("config: unknown key")
	ErrInvalid    = errors.New("config: invalid")
)

// Duration reads "5s" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server      ServerConfig      `toml:"server"`
	Registry    RegistryConfig    `toml:"registry"`
	Counters    CountersConfig    `toml:"counters"`
	Seed        SeedConfig        `toml:"seed"`
	Lifecycle   LifecycleConfig   `toml:"lifecycle"`
	Replication ReplicationConfig `toml:"replication"`
	Log         LogConfig         `toml:"log"`
	Categories  []CategoryConfig  `toml:"categories" validate:"dive"`
}

type ServerConfig struct {
	AdminAddr   string   `toml:"admin_addr" validate:"required"`
	CorsOrigins []string `toml:"cors_origins"`
	// SaveDir receives realm snapshots when lifecycle.save_on_shutdown is set.
	SaveDir string `toml:"save_dir"`
	// AdminToken, when set, is required as a bearer token on admin POSTs.
	AdminToken string `toml:"admin_token"`
}

type RegistryConfig struct {
	Namespace     string `toml:"namespace" validate:"required,realmpart"`
	SlotSpread    int    `toml:"slot_spread" validate:"gte=1"`
	RestoreFrozen bool   `toml:"restore_frozen"`
	// BootEntries are static keys registered in both registries before they
	// are frozen.
	BootEntries []string `toml:"boot_entries"`
}

type CountersConfig struct {
	Path string `toml:"path" validate:"required"`
}

type SeedConfig struct {
	Strategy     string `toml:"strategy" validate:"omitempty,oneof=random date_based weekly fixed"`
	WeekBoundary string `toml:"week_boundary"`
	Fixed        int64  `toml:"fixed"`
	Timezone     string `toml:"timezone"`
}

type LifecycleConfig struct {
	FailurePolicy      string    `toml:"failure_policy" validate:"oneof=continue abort"`
	EvacuationTimeout  Duration  `toml:"evacuation_timeout"`
	FallbackRealm      string    `toml:"fallback_realm" validate:"required"`
	FallbackPosition   []float64 `toml:"fallback_position" validate:"len=3"`
	SaveOnShutdown     bool      `toml:"save_on_shutdown"`
	ValidationInterval Duration  `toml:"validation_interval"`
	ShutdownWarning    Duration  `toml:"shutdown_warning"`
	ShutdownGrace      Duration  `toml:"shutdown_grace"`
}

type ReplicationConfig struct {
	// ListenAddr is the TCP listener; empty leaves only the websocket path.
	ListenAddr       string    `toml:"listen_addr"`
	WebsocketPath    string    `toml:"websocket_path" validate:"omitempty,startswith=/"`
	ChunkSize        int       `toml:"chunk_size" validate:"gte=64,lte=1048576"`
	OutboxSize       int       `toml:"outbox_size" validate:"gte=1"`
	SendRate         float64   `toml:"send_rate" validate:"gte=0"`
	SendBurst        int       `toml:"send_burst" validate:"gte=0"`
	HandshakeTimeout Duration  `toml:"handshake_timeout"`
	WriteTimeout     Duration  `toml:"write_timeout"`
	ReadIdleTimeout  Duration  `toml:"read_idle_timeout"`
	SecurityMode     string    `toml:"security_mode" validate:"oneof=development production"`
	TLS              TLSConfig `toml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Mutual   bool   `toml:"mutual"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	CAFile   string `toml:"ca_file"`
}

type LogConfig struct {
	Level     string `toml:"level"`
	JSON      bool   `toml:"json"`
	Timestamp bool   `toml:"timestamp"`
	NoColor   bool   `toml:"no_color"`
}

type CategoryConfig struct {
	Name       string            `toml:"name" validate:"required,realmpart"`
	Count      int               `toml:"count" validate:"gte=0"`
	Generator  string            `toml:"generator"`
	BiomeScale float64           `toml:"biome_scale" validate:"gte=0"`
	SeaLevel   int64             `toml:"sea_level"`
	Attributes map[string]string `toml:"attributes"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			AdminAddr: ":9300",
			SaveDir:   "realms",
		},
		Registry: RegistryConfig{
			Namespace:     "ns",
			SlotSpread:    64,
			RestoreFrozen: true,
			BootEntries:   []string{"base:overworld"},
		},
		Counters: CountersConfig{Path: "counters.txt"},
		Seed: SeedConfig{
			Strategy:     "random",
			WeekBoundary: "monday",
			Timezone:     "UTC",
		},
		Lifecycle: LifecycleConfig{
			FailurePolicy:      "continue",
			EvacuationTimeout:  Duration{5 * time.Second},
			FallbackRealm:      "base:overworld",
			FallbackPosition:   []float64{0.5, 64, 0.5},
			ValidationInterval: Duration{time.Minute},
			ShutdownGrace:      Duration{30 * time.Second},
		},
		Replication: ReplicationConfig{
			ListenAddr:       ":9301",
			WebsocketPath:    "/ws",
			ChunkSize:        32 * 1024,
			OutboxSize:       256,
			SendBurst:        64,
			HandshakeTimeout: Duration{5 * time.Second},
			WriteTimeout:     Duration{10 * time.Second},
			SecurityMode:     "development",
		},
		Log: LogConfig{Level: "info", Timestamp: true},
	}
}

// Load overlays path onto Default, resolves relative paths against the
// config file's directory, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(keys, ", "))
	}
	if meta.IsDefined("seed", "fixed") && !meta.IsDefined("seed", "strategy") {
		cfg.Seed.Strategy = "fixed"
	}
	cfg.resolvePaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	log.Debug().
		Str("path", path).
		Str("namespace", cfg.Registry.Namespace).
		Int("categories", len(cfg.Categories)).
		Msg("config.Load loaded")
	return cfg, nil
}

// Marshal renders the resolved config, defaults included.
func Marshal(cfg Config) ([]byte, error) {
	return gotoml.Marshal(cfg)
}

func (c *Config) resolvePaths(baseDir string) {
	for _, p := range []*string{
		&c.Counters.Path,
		&c.Server.SaveDir,
		&c.Replication.TLS.CertFile,
		&c.Replication.TLS.KeyFile,
		&c.Replication.TLS.CAFile,
	} {
		*p = resolvePath(baseDir, *p)
	}
}

func resolvePath(baseDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
