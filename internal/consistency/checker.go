// Package consistency checks the coupled registries against the realm
// manager's view. It reports; it never repairs.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/realmctl/internal/observability"
	"github.com/danmuck/realmctl/internal/realm"
	"github.com/danmuck/realmctl/internal/registry"
	"github.com/rs/zerolog/log"
)

var ErrInconsistent = errors.New("consistency: invariant violated")

// RealmSource is the read side of realm.Manager.
type RealmSource interface {
	Snapshot() []realm.Info
}

// ClientCounter reports connected replication clients.
type ClientCounter interface {
	ClientCount() int
}

type Report struct {
	OK         bool              `json:"ok"`
	CheckedAt  time.Time         `json:"checked_at"`
	Registries []registry.Report `json:"registries"`
	Issues     []string          `json:"issues,omitempty"`
}

func (r Report) Err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInconsistent, strings.Join(r.Issues, "; "))
}

type Stats struct {
	Registries       []registry.Stats `json:"registries"`
	RealmsByState    map[string]int   `json:"realms_by_state"`
	ActiveByCategory map[string]int   `json:"active_by_category"`
	Clients          int              `json:"clients"`
	Passes           uint64           `json:"validation_passes"`
	LastOK           bool             `json:"last_ok"`
	LastCheckedAt    time.Time        `json:"last_checked_at"`
}

type Checker struct {
	mutator   *registry.Mutator
	types     registry.Store
	stems     registry.Store
	realms    RealmSource
	namespace string

	mu      sync.Mutex
	clients ClientCounter
	passes  uint64
	last    Report
	now     func() time.Time
}

var _ realm.Validator = (*Checker)(nil)

// New builds a checker for the realms of namespace held in types and stems.
func New(mutator *registry.Mutator, types, stems registry.Store, realms RealmSource, namespace string) *Checker {
	return &Checker{
		mutator:   mutator,
		types:     types,
		stems:     stems,
		realms:    realms,
		namespace: namespace,
		now:       time.Now,
	}
}

func (c *Checker) SetClients(cc ClientCounter) {
	c.mu.Lock()
	c.clients = cc
	c.mu.Unlock()
}

// ValidateRealm checks one freshly created realm: both registries pass
// mutator validation and the key is present in both.
func (c *Checker) ValidateRealm(key registry.Key) error {
	var issues []string
	c.mutator.ViewValidated(func(reports []registry.Report) {
		issues = append(issues, reportIssues(reports)...)
		inTypes, inStems := c.types.Contains(key), c.stems.Contains(key)
		if !inTypes || !inStems {
			issues = append(issues, fmt.Sprintf("%s presence mismatch: %s=%v %s=%v", key, c.types.Name(), inTypes, c.stems.Name(), inStems))
		}
	}, c.types, c.stems)
	observability.RecordValidation(len(issues) == 0)
	if len(issues) > 0 {
		return fmt.Errorf("%w: %s", ErrInconsistent, strings.Join(issues, "; "))
	}
	return nil
}

// ValidateAll runs a full pass: per-registry validation, coupled presence of
// every realm-namespace key, Active realms present, Closed realms absent. The
// realm snapshot is taken under the registry read lock so a teardown in
// flight is seen at one consistent point. A Draining realm may be either
// registered or withdrawn, but never half of each.
func (c *Checker) ValidateAll() Report {
	var infos []realm.Info
	rep := Report{CheckedAt: c.now()}

	c.mutator.ViewValidated(func(reports []registry.Report) {
		infos = c.realms.Snapshot()
		rep.Registries = reports
		rep.Issues = append(rep.Issues, reportIssues(reports)...)
		rep.Issues = append(rep.Issues, c.couplingIssues()...)

		for _, info := range infos {
			inTypes, inStems := c.types.Contains(info.Key), c.stems.Contains(info.Key)
			switch info.State {
			case realm.StateActive:
				if !inTypes || !inStems {
					rep.Issues = append(rep.Issues, fmt.Sprintf("%s realm %s missing from registries", info.State, info.Key))
				}
			case realm.StateDraining:
				if inTypes != inStems {
					rep.Issues = append(rep.Issues, fmt.Sprintf("%s realm %s half withdrawn", info.State, info.Key))
				}
			case realm.StateClosed:
				if inTypes || inStems {
					rep.Issues = append(rep.Issues, fmt.Sprintf("closed realm %s still registered", info.Key))
				}
			}
		}
	}, c.types, c.stems)
	sort.Strings(rep.Issues)
	rep.OK = len(rep.Issues) == 0

	c.mu.Lock()
	c.passes++
	c.last = rep
	c.mu.Unlock()

	observability.RecordValidation(rep.OK)
	if rep.OK {
		log.Debug().Int("realms", len(infos)).Msg("consistency.Checker.ValidateAll ok")
	} else {
		log.Warn().Strs("issues", rep.Issues).Msg("consistency.Checker.ValidateAll issues")
	}
	return rep
}

// Last returns the most recent full pass.
func (c *Checker) Last() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Checker) Stats() Stats {
	infos := c.realms.Snapshot()
	out := Stats{
		Registries:       c.mutator.StatsAll(),
		RealmsByState:    make(map[string]int, len(realm.States)),
		ActiveByCategory: make(map[string]int),
	}
	for _, s := range realm.States {
		out.RealmsByState[string(s)] = 0
	}
	for _, info := range infos {
		out.RealmsByState[string(info.State)]++
		if info.State == realm.StateActive {
			out.ActiveByCategory[info.Category]++
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clients != nil {
		out.Clients = c.clients.ClientCount()
	}
	out.Passes = c.passes
	out.LastOK = c.last.OK
	out.LastCheckedAt = c.last.CheckedAt
	return out
}

// Run validates every interval until ctx ends. A non-positive interval
// disables the periodic pass.
func (c *Checker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.ValidateAll()
		}
	}
}

func reportIssues(reports []registry.Report) []string {
	var issues []string
	for _, r := range reports {
		for _, issue := range r.Issues {
			issues = append(issues, r.Registry+": "+issue)
		}
	}
	return issues
}

// couplingIssues lists realm-namespace keys held by only one registry.
func (c *Checker) couplingIssues() []string {
	var issues []string
	check := func(from, to registry.Store) {
		for _, key := range from.Keys() {
			if key.Namespace != c.namespace {
				continue
			}
			if !to.Contains(key) {
				issues = append(issues, fmt.Sprintf("%s in %s but not %s", key, from.Name(), to.Name()))
			}
		}
	}
	check(c.types, c.stems)
	check(c.stems, c.types)
	return issues
}
