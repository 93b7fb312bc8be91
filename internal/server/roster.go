package server

import (
	"context"
	"sort"
	"sync"

	"github.com/danmuck/realmctl/internal/realm"
	"github.com/rs/zerolog/log"
)

// Placement is where an evacuated occupant was sent.
type Placement struct {
	Occupant string
	Target   realm.Target
	Forced   bool
}

// Roster is the in-process evacuator: it records where each occupant was
// moved so a host integration can pick the placements up.
type Roster struct {
	mu     sync.Mutex
	placed map[string]Placement
}

var _ realm.Evacuator = (*Roster)(nil)

func NewRoster() *Roster {
	return &Roster{placed: make(map[string]Placement)}
}

func (r *Roster) Move(ctx context.Context, occupant string, to realm.Target) error {
	return r.place(ctx, occupant, to, false)
}

func (r *Roster) ForceMove(ctx context.Context, occupant string, to realm.Target) error {
	return r.place(ctx, occupant, to, true)
}

func (r *Roster) place(ctx context.Context, occupant string, to realm.Target, forced bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.placed[occupant] = Placement{Occupant: occupant, Target: to, Forced: forced}
	r.mu.Unlock()
	log.Debug().
		Str("occupant", occupant).
		Str("realm", to.Realm.String()).
		Bool("forced", forced).
		Msg("server.Roster.place")
	return nil
}

func (r *Roster) Where(occupant string) (Placement, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.placed[occupant]
	return p, ok
}

// Placements lists every recorded placement by occupant.
func (r *Roster) Placements() []Placement {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Placement, 0, len(r.placed))
	for _, p := range r.placed {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Occupant < out[j].Occupant })
	return out
}
