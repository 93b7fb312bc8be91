package realm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/realmctl/internal/seed"
)

var (
	ErrNoSeedOverride = errors.New("realm: construction without seed override")
	ErrWorldClosed    = errors.New("realm: world closed")
)

// spawnRadius bounds the procedural spawn point around the origin.
const spawnRadius = 1024

// ProceduralConstructor builds in-process worlds whose generation state is
// derived entirely from the seed override in the construction context.
type ProceduralConstructor struct {
	// SaveDir, when set, receives one TOML snapshot per saved world.
	SaveDir string
}

func (p ProceduralConstructor) Construct(ctx context.Context, spec Spec) (World, error) {
	s, ok := seed.OverrideFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSeedOverride, spec.Key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(s))
	w := &ProceduralWorld{
		spec: spec,
		seed: s,
		spawn: Vec3{
			X: float64(rng.Intn(2*spawnRadius)-spawnRadius) + 0.5,
			Y: float64(spec.Category.SeaLevel + 1),
			Z: float64(rng.Intn(2*spawnRadius)-spawnRadius) + 0.5,
		},
		noiseX:    rng.Float64() * 100000,
		noiseZ:    rng.Float64() * 100000,
		saveDir:   p.SaveDir,
		listeners: true,
	}
	return w, nil
}

// ProceduralWorld is the world handle ProceduralConstructor returns.
type ProceduralWorld struct {
	spec    Spec
	seed    int64
	spawn   Vec3
	noiseX  float64
	noiseZ  float64
	saveDir string

	mu        sync.Mutex
	listeners bool
	closed    bool
}

var _ World = (*ProceduralWorld)(nil)

func (w *ProceduralWorld) Seed() int64 {
	return w.seed
}

func (w *ProceduralWorld) Spawn() Vec3 {
	return w.spawn
}

func (w *ProceduralWorld) NoiseOffsets() (float64, float64) {
	return w.noiseX, w.noiseZ
}

func (w *ProceduralWorld) DetachListeners() {
	w.mu.Lock()
	w.listeners = false
	w.mu.Unlock()
}

// Attached reports whether cross-realm listeners are still hooked up.
func (w *ProceduralWorld) Attached() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.listeners
}

type worldSnapshot struct {
	Key          string            `toml:"key"`
	Category     string            `toml:"category"`
	ID           uint64            `toml:"id"`
	Seed         int64             `toml:"seed"`
	Generator    string            `toml:"generator"`
	SavedAt      time.Time         `toml:"saved_at"`
	Spawn        [3]float64        `toml:"spawn"`
	NoiseOffsetX float64           `toml:"noise_offset_x"`
	NoiseOffsetZ float64           `toml:"noise_offset_z"`
	Attributes   map[string]string `toml:"attributes,omitempty"`
}

func (w *ProceduralWorld) snapshotPath() string {
	return filepath.Join(w.saveDir, w.spec.Key.Namespace, w.spec.Key.Path+".toml")
}

// Save writes the world snapshot when a save directory is configured.
func (w *ProceduralWorld) Save(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorldClosed
	}
	if w.saveDir == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := w.snapshotPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("realm: save %s: %w", w.spec.Key, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("realm: save %s: %w", w.spec.Key, err)
	}
	defer f.Close()
	snap := worldSnapshot{
		Key:          w.spec.Key.String(),
		Category:     w.spec.Category.Name,
		ID:           w.spec.ID,
		Seed:         w.seed,
		Generator:    w.spec.Category.Generator,
		SavedAt:      time.Now().UTC(),
		Spawn:        [3]float64{w.spawn.X, w.spawn.Y, w.spawn.Z},
		NoiseOffsetX: w.noiseX,
		NoiseOffsetZ: w.noiseZ,
		Attributes:   w.spec.Category.Attributes,
	}
	if err := toml.NewEncoder(f).Encode(snap); err != nil {
		return fmt.Errorf("realm: save %s: %w", w.spec.Key, err)
	}
	return f.Sync()
}

// Discard removes any snapshot an earlier save left behind.
func (w *ProceduralWorld) Discard() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.saveDir == "" {
		return nil
	}
	if err := os.Remove(w.snapshotPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("realm: discard %s: %w", w.spec.Key, err)
	}
	return nil
}

func (w *ProceduralWorld) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorldClosed
	}
	w.closed = true
	w.listeners = false
	return nil
}
