package gravity

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/pthm-cable/dispersal/raster"
)

// Shortlist is the cumulative destination distribution of one coarse cell,
// sorted ascending with the final entry exactly 1.0. A nil shortlist marks a
// no-data source; an empty one a source with nowhere to go.
type Shortlist []Proportion

// Sample returns the first entry whose cumulative proportion is >= u, for u
// in [0,1). It reports false for an empty shortlist.
func (s Shortlist) Sample(u float64) (Proportion, bool) {
	if len(s) == 0 {
		return Proportion{}, false
	}
	i := sort.Search(len(s), func(i int) bool { return s[i].Cumulative >= u })
	if i == len(s) {
		i = len(s) - 1
	}
	return s[i], true
}

// Probability returns the probability of the i-th entry.
func (s Shortlist) Probability(i int) float64 {
	if i == 0 {
		return s[0].Cumulative
	}
	return s[i].Cumulative - s[i-1].Cumulative
}

// Validate checks that proportions are strictly increasing and end at 1.0.
func (s Shortlist) Validate() error {
	if len(s) == 0 {
		return nil
	}
	prev := 0.0
	for i, p := range s {
		if !(p.Cumulative > prev) {
			return fmt.Errorf("entry %d: %v after %v: %w", i, p.Cumulative, prev, ErrShortlistOrder)
		}
		prev = p.Cumulative
	}
	if last := s[len(s)-1].Cumulative; last != 1 {
		return fmt.Errorf("last entry is %v: %w", last, ErrShortlistOrder)
	}
	return nil
}

// Index is the precomputed gravity index: one shortlist per coarse cell,
// stored row-major. It is immutable once built.
type Index struct {
	Rows, Cols int // coarse shape
	Scale      int
	Shortlists []Shortlist
}

// Len returns the number of coarse cells.
func (x *Index) Len() int { return x.Rows * x.Cols }

// Shortlist returns the shortlist for a coarse cell, or nil when the cell is
// outside the index.
func (x *Index) Shortlist(c raster.Index) Shortlist {
	if c.Row < 0 || c.Row >= x.Rows || c.Col < 0 || c.Col >= x.Cols {
		return nil
	}
	return x.Shortlists[c.Row*x.Cols+c.Col]
}

// Coarse converts a flat destination index to coarse coordinates.
func (x *Index) Coarse(flat int) raster.Index {
	return raster.Index{Row: flat / x.Cols, Col: flat % x.Cols}
}

// Validate checks every shortlist.
func (x *Index) Validate() error {
	for i, s := range x.Shortlists {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("shortlist %v: %w", x.Coarse(i), err)
		}
	}
	return nil
}

// Holder publishes an Index to concurrent readers. A rebuilt index replaces
// the old one in a single store; readers that loaded the old one keep using
// it until they load again.
type Holder struct {
	p atomic.Pointer[Index]
}

// NewHolder returns a holder publishing idx.
func NewHolder(idx *Index) *Holder {
	h := &Holder{}
	h.p.Store(idx)
	return h
}

// Load returns the current index, or nil if none has been stored.
func (h *Holder) Load() *Index { return h.p.Load() }

// Store publishes idx.
func (h *Holder) Store(idx *Index) { h.p.Store(idx) }
