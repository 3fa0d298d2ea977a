package sim

import (
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"

	"github.com/pthm-cable/dispersal/raster"
)

// World is a double-buffered population grid. Executors read the current
// buffer and add into the next one; Add is safe for concurrent use.
type World struct {
	Rows, Cols int

	cur  []float64
	next []uint64 // float64 bits, updated by CAS
	mask []bool
}

// NewWorld copies initial into a new world. Cells flagged in mask never
// receive mass; a nil mask masks nothing. No-data initial cells start empty
// and are masked.
func NewWorld(initial *raster.Grid, mask []bool) (*World, error) {
	if initial.Rows == 0 || initial.Cols == 0 {
		return nil, raster.ErrEmpty
	}
	n := initial.Len()
	if mask != nil && len(mask) != n {
		return nil, fmt.Errorf("mask has %d cells, grid %d: %w", len(mask), n, raster.ErrShape)
	}
	w := &World{
		Rows: initial.Rows,
		Cols: initial.Cols,
		cur:  make([]float64, n),
		next: make([]uint64, n),
		mask: make([]bool, n),
	}
	if mask != nil {
		copy(w.mask, mask)
	}
	for i, v := range initial.Data {
		if raster.IsNoData(v) {
			w.mask[i] = true
			continue
		}
		w.cur[i] = v
	}
	return w, nil
}

// InBounds reports whether ix is inside the grid.
func (w *World) InBounds(ix raster.Index) bool {
	return ix.Row >= 0 && ix.Row < w.Rows && ix.Col >= 0 && ix.Col < w.Cols
}

// Masked reports whether ix may not receive mass.
func (w *World) Masked(ix raster.Index) bool {
	return w.mask[ix.Row*w.Cols+ix.Col]
}

// Add adds v to ix in the next buffer.
func (w *World) Add(ix raster.Index, v float64) {
	p := &w.next[ix.Row*w.Cols+ix.Col]
	for {
		old := atomic.LoadUint64(p)
		if atomic.CompareAndSwapUint64(p, old, math.Float64bits(math.Float64frombits(old)+v)) {
			return
		}
	}
}

// Value returns the current value at ix.
func (w *World) Value(ix raster.Index) float64 { return w.cur[ix.Row*w.Cols+ix.Col] }

// Current returns a copy of the current buffer. Masked cells are no-data.
func (w *World) Current() *raster.Grid {
	g := raster.New(w.Rows, w.Cols)
	for i, v := range w.cur {
		if w.mask[i] && v == 0 {
			g.Data[i] = raster.NoData
			continue
		}
		g.Data[i] = v
	}
	return g
}

// Total returns the current total mass.
func (w *World) Total() float64 { return floats.Sum(w.cur) }

// begin copies the current buffer into the next one.
func (w *World) begin() {
	for i, v := range w.cur {
		w.next[i] = math.Float64bits(v)
	}
}

// Swap publishes the next buffer as current.
func (w *World) Swap() {
	for i, b := range w.next {
		w.cur[i] = math.Float64frombits(b)
	}
}
