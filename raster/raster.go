// Package raster provides the 2D fields used by the dispersal model: fine
// population rasters, coarse aggregation buffers, and the index mapping
// between the two resolutions.
package raster

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Sentinel errors for raster operations.
var (
	// ErrEmpty indicates a raster with no rows or no columns.
	ErrEmpty = errors.New("raster: grid must have at least one row and one column")
	// ErrShape indicates two rasters whose shapes do not agree.
	ErrShape = errors.New("raster: shape mismatch")
	// ErrScale indicates a non-positive downsampling scale.
	ErrScale = errors.New("raster: scale must be a positive integer")
	// ErrAggregator indicates an unknown aggregator name.
	ErrAggregator = errors.New("raster: unknown aggregator")
)

// NoData marks a cell without a valid value.
var NoData = math.NaN()

// IsNoData reports whether v is the no-data marker.
func IsNoData(v float64) bool { return math.IsNaN(v) }

// Index addresses a cell by zero-based row and column.
type Index struct {
	Row, Col int
}

// Add returns the element-wise sum of two indices.
func (ix Index) Add(o Index) Index {
	return Index{Row: ix.Row + o.Row, Col: ix.Col + o.Col}
}

func (ix Index) String() string {
	return fmt.Sprintf("(%d,%d)", ix.Row, ix.Col)
}

// Grid is a row-major 2D field of float64 values. NaN marks no-data.
type Grid struct {
	Rows, Cols int
	Data       []float64
}

// New allocates a zero-filled grid.
func New(rows, cols int) *Grid {
	return &Grid{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// FromRows builds a grid from a slice of equal-length rows.
func FromRows(rows [][]float64) (*Grid, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ErrEmpty
	}
	g := New(len(rows), len(rows[0]))
	for i, row := range rows {
		if len(row) != g.Cols {
			return nil, fmt.Errorf("row %d has %d columns, want %d: %w", i, len(row), g.Cols, ErrShape)
		}
		copy(g.Data[i*g.Cols:], row)
	}
	return g, nil
}

// Fill sets every cell to v.
func (g *Grid) Fill(v float64) {
	for i := range g.Data {
		g.Data[i] = v
	}
}

// Clone returns a deep copy of g.
func (g *Grid) Clone() *Grid {
	c := &Grid{Rows: g.Rows, Cols: g.Cols, Data: make([]float64, len(g.Data))}
	copy(c.Data, g.Data)
	return c
}

// Len returns the number of cells.
func (g *Grid) Len() int { return g.Rows * g.Cols }

// InBounds reports whether ix lies inside the grid.
func (g *Grid) InBounds(ix Index) bool {
	return ix.Row >= 0 && ix.Row < g.Rows && ix.Col >= 0 && ix.Col < g.Cols
}

// Flat returns the row-major offset of ix.
func (g *Grid) Flat(ix Index) int { return ix.Row*g.Cols + ix.Col }

// Unflat converts a row-major offset back to an Index.
func (g *Grid) Unflat(i int) Index { return Index{Row: i / g.Cols, Col: i % g.Cols} }

// At returns the value at ix. The index must be in bounds.
func (g *Grid) At(ix Index) float64 { return g.Data[ix.Row*g.Cols+ix.Col] }

// Set stores v at ix. The index must be in bounds.
func (g *Grid) Set(ix Index, v float64) { g.Data[ix.Row*g.Cols+ix.Col] = v }

// SameShape reports whether g and o have identical dimensions.
func (g *Grid) SameShape(o *Grid) bool {
	return g.Rows == o.Rows && g.Cols == o.Cols
}

// Valid returns the number of cells holding a value.
func (g *Grid) Valid() int {
	n := 0
	for _, v := range g.Data {
		if !IsNoData(v) {
			n++
		}
	}
	return n
}

// Sum returns the total over all valid cells.
func (g *Grid) Sum() float64 {
	var s float64
	for _, v := range g.Data {
		if !IsNoData(v) {
			s += v
		}
	}
	return s
}

// Max returns the largest valid value, or NoData if none exist.
func (g *Grid) Max() float64 {
	valid := make([]float64, 0, len(g.Data))
	for _, v := range g.Data {
		if !IsNoData(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return NoData
	}
	return floats.Max(valid)
}

// Pow returns a copy of g with every valid value raised to exp.
// No-data cells stay no-data.
func (g *Grid) Pow(exp float64) *Grid {
	out := g.Clone()
	for i, v := range out.Data {
		if !IsNoData(v) {
			out.Data[i] = math.Pow(v, exp)
		}
	}
	return out
}
