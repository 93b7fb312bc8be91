package realm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/realmctl/internal/registry"
	"github.com/danmuck/realmctl/internal/protocol/session"
)

var (
	ErrUnknownRealm  = errors.New("realm: unknown realm")
	ErrNotActive     = errors.New("realm: realm not active")
	ErrInvalidConfig = errors.New("realm: invalid config")
)

type FailurePolicy string

const (
	// PolicyContinue rolls back the failed realm and provisions the rest.
	PolicyContinue FailurePolicy = "continue"
	// PolicyAbort stops startup at the first failure.
	PolicyAbort FailurePolicy = "abort"
)

type Vec3 struct {
	X, Y, Z float64
}

// SafePosition is where an occupant lands when the normal evacuation fails.
var SafePosition = Vec3{X: 0.5, Y: 64, Z: 0.5}

// Target is a destination inside some realm.
type Target struct {
	Realm    registry.Key
	Position Vec3
}

// DefaultGenerator names the generator of a category that does not set one.
const DefaultGenerator = "noise"

// ValidAttributeName reports whether name can travel in a replicated
// descriptor, which carries attributes as name=value pairs.
func ValidAttributeName(name string) bool {
	return strings.TrimSpace(name) != "" && !strings.Contains(name, "=")
}

// Category is one class of realms and how many to create at startup.
type Category struct {
	Name       string
	Count      int
	Generator  string
	BiomeScale float64
	SeaLevel   int64
	Attributes map[string]string
}

type Config struct {
	Namespace         string
	Categories        []Category
	FailurePolicy     FailurePolicy
	EvacuationTimeout time.Duration
	Fallback          Target
	SaveOnShutdown    bool
}

func DefaultConfig() Config {
	return Config{
		Namespace:         "ns",
		FailurePolicy:     PolicyContinue,
		EvacuationTimeout: 5 * time.Second,
		Fallback: Target{
			Realm:    registry.NewKey("base", "overworld"),
			Position: SafePosition,
		},
	}
}

func (c Config) validate() error {
	if err := registry.NewKey(c.Namespace, "x").Validate(); err != nil {
		return fmt.Errorf("%w: namespace %q", ErrInvalidConfig, c.Namespace)
	}
	switch c.FailurePolicy {
	case PolicyContinue, PolicyAbort:
	default:
		return fmt.Errorf("%w: failure policy %q", ErrInvalidConfig, c.FailurePolicy)
	}
	seen := make(map[string]bool, len(c.Categories))
	for _, cat := range c.Categories {
		if err := registry.NewKey(c.Namespace, cat.Name+"_0").Validate(); err != nil || strings.Contains(cat.Name, "/") {
			return fmt.Errorf("%w: category name %q", ErrInvalidConfig, cat.Name)
		}
		if seen[cat.Name] {
			return fmt.Errorf("%w: duplicate category %q", ErrInvalidConfig, cat.Name)
		}
		seen[cat.Name] = true
		if cat.Count < 0 {
			return fmt.Errorf("%w: category %q count %d", ErrInvalidConfig, cat.Name, cat.Count)
		}
		for name := range cat.Attributes {
			if !ValidAttributeName(name) {
				return fmt.Errorf("%w: category %q attribute name %q", ErrInvalidConfig, cat.Name, name)
			}
		}
	}
	return nil
}

// TypeEntry is the value published in the type registry.
type TypeEntry struct {
	Category   string
	Generator  string
	BiomeScale float64
	SeaLevel   int64
	Attributes map[string]string
	Dynamic    bool
}

// StemEntry is the value published in the generation stem registry.
type StemEntry struct {
	Generator string
	Seed      int64
	Spawn     Vec3
	CreatedAt time.Time
}

// Spec is what a Constructor receives. The seed itself travels through the
// context (see seed.WithOverride).
type Spec struct {
	Key      registry.Key
	Category Category
	ID       uint64
}

// World is the constructed, running realm.
type World interface {
	Spawn() Vec3
	NoiseOffsets() (x, z float64)
	// DetachListeners drops hooks shared with other realms, such as border
	// propagation.
	DetachListeners()
	Save(ctx context.Context) error
	Discard() error
	Close() error
}

type Constructor interface {
	Construct(ctx context.Context, spec Spec) (World, error)
}

// Evacuator moves connected occupants between realms.
type Evacuator interface {
	Move(ctx context.Context, occupant string, to Target) error
	ForceMove(ctx context.Context, occupant string, to Target) error
}

// Replicator pushes realm state to connected clients. Calls must not block.
type Replicator interface {
	BroadcastExistence(key string, exists bool)
	BroadcastSync(d session.Descriptor)
}

// Validator runs the post-creation consistency check for one realm.
type Validator interface {
	ValidateRealm(key registry.Key) error
}

// Counter allocates per-category identifiers.
type Counter interface {
	Next(category string) (uint64, error)
	Flush() error
}

// Seeder computes the generation seed for a new realm.
type Seeder interface {
	Compute(category string, id uint64) int64
}

// Info is a point-in-time copy of one realm.
type Info struct {
	Key       registry.Key
	Category  string
	ID        uint64
	Seed      int64
	State     State
	CreatedAt time.Time
	Occupants []string
	Spawn     Vec3
}
