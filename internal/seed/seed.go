// Package seed computes per-realm generation seeds and scopes a seed override
// to one construction call path.
package seed

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownStrategy = errors.New("seed: unknown strategy")
	ErrUnknownWeekday  = errors.New("seed: unknown weekday")
)

type Strategy string

const (
	StrategyRandom    Strategy = "random"
	StrategyDateBased Strategy = "date_based"
	StrategyWeekly    Strategy = "weekly"
	StrategyFixed     Strategy = "fixed"
)

func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(raw))); s {
	case StrategyRandom, StrategyDateBased, StrategyWeekly, StrategyFixed:
		return s, nil
	case "":
		return StrategyRandom, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, raw)
	}
}

// ParseWeekday accepts full or three-letter English day names. Empty means
// Monday.
func ParseWeekday(raw string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return time.Monday, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || v == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownWeekday, raw)
}

// Params are the inputs one strategy needs.
type Params struct {
	Strategy Strategy
	// WeekBoundary is the weekday on which WEEKLY seeds roll over.
	WeekBoundary time.Weekday
	// Fixed is returned verbatim by the fixed strategy.
	Fixed int64
	// Location resolves calendar days. Nil means UTC.
	Location *time.Location
}

// Assigner hands out seeds. The random strategy draws once per process so
// every category sees a stable value for the lifetime of the server.
type Assigner struct {
	params  Params
	now     func() time.Time
	session uint64
}

func NewAssigner(p Params) (*Assigner, error) {
	if _, err := ParseStrategy(string(p.Strategy)); err != nil {
		return nil, err
	}
	if p.Strategy == "" {
		p.Strategy = StrategyRandom
	}
	if p.Location == nil {
		p.Location = time.UTC
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("seed: draw session entropy: %w", err)
	}
	return &Assigner{
		params:  p,
		now:     time.Now,
		session: binary.BigEndian.Uint64(buf[:]),
	}, nil
}

func (a *Assigner) Strategy() Strategy {
	return a.params.Strategy
}

// Compute returns the seed for the realm identified by category and id.
func (a *Assigner) Compute(category string, id uint64) int64 {
	return a.ComputeAt(category, id, a.now())
}

func (a *Assigner) ComputeAt(category string, id uint64, at time.Time) int64 {
	at = at.In(a.params.Location)
	switch a.params.Strategy {
	case StrategyFixed:
		return a.params.Fixed
	case StrategyDateBased:
		return int64(Mix(uint64(EpochDay(at)), category))
	case StrategyWeekly:
		return int64(Mix(uint64(WeekIndex(at, a.params.WeekBoundary)), category))
	default:
		return int64(Mix(a.session^id, category))
	}
}

// Mix combines epoch with the category name and avalanches the result.
func Mix(epoch uint64, category string) uint64 {
	h := epoch*0x9e3779b97f4a7c15 ^ uint64(int64(StringHash(category)))
	return fmix64(h)
}

// StringHash is the 31-polynomial hash over the UTF-16 code units of s.
func StringHash(s string) int32 {
	var h int32
	for _, r := range s {
		if r >= 0x10000 {
			r -= 0x10000
			h = 31*h + int32(0xd800+(r>>10))
			h = 31*h + int32(0xdc00+(r&0x3ff))
			continue
		}
		h = 31*h + int32(r)
	}
	return h
}

func fmix64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

// EpochDay counts calendar days since 1970-01-01 in t's location.
func EpochDay(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

// WeekIndex advances by one every time the calendar reaches boundary.
func WeekIndex(t time.Time, boundary time.Weekday) int64 {
	// 1970-01-01 was a Thursday.
	offset := (int64(boundary) - int64(time.Thursday) + 7) % 7
	return floorDiv(EpochDay(t)-offset, 7)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
