// Package dispersal moves population mass between grid cells. It is the
// per-cell, per-step entry point that combines a transport strategy with a
// precomputed gravity index.
package dispersal

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/pthm-cable/dispersal/gravity"
	"github.com/pthm-cable/dispersal/raster"
	"github.com/pthm-cable/dispersal/transport"
)

// Sentinel errors for rule configuration.
var (
	ErrNoPopulation = errors.New("dispersal: human population raster is required")
	ErrNoIndex      = errors.New("dispersal: gravity index holder is empty")
	ErrRate         = errors.New("dispersal: dispersal per population must be finite and non-negative")
	ErrPolicy       = errors.New("dispersal: unknown discard policy")
	ErrRedraws      = errors.New("dispersal: max redraws must be non-negative")
)

// Grid is the host's writable view of the population being dispersed. When
// the host runs Execute for several cells concurrently, Add must be safe for
// concurrent use.
type Grid interface {
	InBounds(ix raster.Index) bool
	Masked(ix raster.Index) bool
	Add(ix raster.Index, v float64)
}

// Policy decides what happens to an event whose destination is masked or
// outside the grid.
type Policy int

const (
	// Discard removes the event's mass from the source and drops it, so a
	// blocked event still counts against the source and the grid total
	// shrinks by Outcome.Discarded.
	Discard Policy = iota
	// Retain leaves the event's mass in the source: only delivered events are
	// subtracted, which conserves mass at the cost of under-dispersing from
	// cells next to masked or out-of-grid areas.
	Retain
	// Redraw samples a new destination up to MaxRedraws times, then discards.
	Redraw
)

func (p Policy) String() string {
	switch p {
	case Discard:
		return "discard"
	case Retain:
		return "retain"
	case Redraw:
		return "redraw"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps a config name to a Policy. The empty string is Discard.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "discard":
		return Discard, nil
	case "retain":
		return Retain, nil
	case "redraw":
		return Redraw, nil
	default:
		return 0, fmt.Errorf("%q: %w", s, ErrPolicy)
	}
}

// Rule is the dispersal configuration shared by every executor of a run.
type Rule struct {
	HumanPop        *raster.Grid // fine resolution, same shape as the host grid
	DispersalPerPop float64
	Mode            transport.Mode
	Index           *gravity.Holder
	Policy          Policy
	MaxRedraws      int
}

// Validate checks the rule.
func (r *Rule) Validate() error {
	if r.HumanPop == nil || r.HumanPop.Len() == 0 {
		return ErrNoPopulation
	}
	if r.Index == nil || r.Index.Load() == nil {
		return ErrNoIndex
	}
	if !(r.DispersalPerPop >= 0) || math.IsInf(r.DispersalPerPop, 0) {
		return ErrRate
	}
	if err := r.Mode.Validate(); err != nil {
		return err
	}
	if r.Policy < Discard || r.Policy > Redraw {
		return ErrPolicy
	}
	if r.MaxRedraws < 0 {
		return ErrRedraws
	}
	return nil
}

// Outcome summarizes one Execute call.
type Outcome struct {
	Events    int     // events generated by the transport mode
	Dispersed float64 // mass added to destinations
	Discarded float64 // mass removed from the source but never delivered
	Retained  float64 // mass of blocked events kept by the source
	Redraws   int
}

// Removed is the mass taken out of the source cell.
func (o Outcome) Removed() float64 { return o.Dispersed + o.Discarded }

// Merge accumulates o2 into o.
func (o *Outcome) Merge(o2 Outcome) {
	o.Events += o2.Events
	o.Dispersed += o2.Dispersed
	o.Discarded += o2.Discarded
	o.Retained += o2.Retained
	o.Redraws += o2.Redraws
}

// Executor runs dispersal for one worker. It owns its generator and event
// buffer and must not be shared between goroutines.
type Executor struct {
	rule   *Rule
	pcg    *rand.PCG
	rng    *rand.Rand
	events []int
}

// NewExecutor returns an executor for rule seeded with (seed1, seed2).
func NewExecutor(rule *Rule, seed1, seed2 uint64) *Executor {
	pcg := rand.NewPCG(seed1, seed2)
	return &Executor{
		rule:   rule,
		pcg:    pcg,
		rng:    rand.New(pcg),
		events: make([]int, 0, 64),
	}
}

// Reseed resets the generator. Hosts reseed per row or per cell to make a
// step independent of how cells are split across workers.
func (e *Executor) Reseed(seed1, seed2 uint64) { e.pcg.Seed(seed1, seed2) }

// Execute disperses from the source cell src holding n. It reads the index
// once, so a concurrent swap takes effect on the next call.
func (e *Executor) Execute(g Grid, n float64, src raster.Index) Outcome {
	var out Outcome
	if !(n > 0) {
		return out
	}
	r := e.rule
	if !r.HumanPop.InBounds(src) {
		return out
	}
	human := r.HumanPop.At(src)
	if raster.IsNoData(human) {
		return out
	}
	rate := human * r.DispersalPerPop

	idx := r.Index.Load()
	if idx == nil {
		return out
	}
	sl := idx.Shortlist(raster.CoarseIndex(src, idx.Scale))
	if len(sl) == 0 {
		return out
	}

	e.events = r.Mode.Events(e.events[:0], n, rate, e.rng)
	out.Events = len(e.events)
	for _, size := range e.events {
		mass := float64(size)
		dest, ok := e.destination(g, idx, sl)
		for tries := 0; !ok && r.Policy == Redraw && tries < r.MaxRedraws; tries++ {
			out.Redraws++
			dest, ok = e.destination(g, idx, sl)
		}
		switch {
		case ok:
			g.Add(dest, mass)
			out.Dispersed += mass
		case r.Policy == Retain:
			out.Retained += mass
		default:
			out.Discarded += mass
		}
	}

	if removed := out.Removed(); removed > 0 {
		g.Add(src, -removed)
	}
	return out
}

// destination samples a fine cell from the shortlist and reports whether it
// can receive mass.
func (e *Executor) destination(g Grid, idx *gravity.Index, sl gravity.Shortlist) (raster.Index, bool) {
	p, _ := sl.Sample(e.rng.Float64())
	origin := raster.FineIndex(idx.Coarse(p.Index), idx.Scale)
	dest := origin.Add(raster.Index{Row: e.rng.IntN(idx.Scale), Col: e.rng.IntN(idx.Scale)})
	if !g.InBounds(dest) || g.Masked(dest) {
		return dest, false
	}
	return dest, true
}
