package raster

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Aggregator reduces the valid fine values of one coarse block to a single
// value. It is never called with an empty slice and may reorder its input.
type Aggregator func(values []float64) float64

// Mean is the default aggregator.
func Mean(values []float64) float64 { return stat.Mean(values, nil) }

// Sum adds the block values.
func Sum(values []float64) float64 { return floats.Sum(values) }

// Max takes the largest block value.
func Max(values []float64) float64 { return floats.Max(values) }

// Min takes the smallest block value.
func Min(values []float64) float64 { return floats.Min(values) }

// Median takes the empirical median of the block values.
func Median(values []float64) float64 {
	sort.Float64s(values)
	return stat.Quantile(0.5, stat.Empirical, values, nil)
}

var aggregators = map[string]Aggregator{
	"mean":   Mean,
	"sum":    Sum,
	"max":    Max,
	"min":    Min,
	"median": Median,
}

// AggregatorByName looks up a named aggregator. The empty name selects Mean.
func AggregatorByName(name string) (Aggregator, error) {
	if name == "" {
		return Mean, nil
	}
	agg, ok := aggregators[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrAggregator)
	}
	return agg, nil
}

// CoarseShape returns ceil(rows/scale), ceil(cols/scale).
func CoarseShape(rows, cols, scale int) (int, int) {
	return (rows + scale - 1) / scale, (cols + scale - 1) / scale
}

// NewCoarse allocates a buffer sized for downsampling fine by scale.
func NewCoarse(fine *Grid, scale int) (*Grid, error) {
	if scale < 1 {
		return nil, ErrScale
	}
	r, c := CoarseShape(fine.Rows, fine.Cols, scale)
	return New(r, c), nil
}

// Downsample aggregates fine into dst, one coarse cell per scale×scale block.
// No-data fine cells are left out of each block; a block with no valid cells
// becomes no-data. dst must have the shape returned by CoarseShape.
func Downsample(dst, fine *Grid, agg Aggregator, scale int) error {
	if scale < 1 {
		return ErrScale
	}
	if fine.Rows == 0 || fine.Cols == 0 {
		return ErrEmpty
	}
	r, c := CoarseShape(fine.Rows, fine.Cols, scale)
	if dst.Rows != r || dst.Cols != c {
		return fmt.Errorf("coarse buffer is %dx%d, want %dx%d: %w", dst.Rows, dst.Cols, r, c, ErrShape)
	}
	if agg == nil {
		agg = Mean
	}

	block := make([]float64, 0, scale*scale)
	for ci := 0; ci < r; ci++ {
		for cj := 0; cj < c; cj++ {
			block = block[:0]
			i0, j0 := ci*scale, cj*scale
			i1, j1 := min(i0+scale, fine.Rows), min(j0+scale, fine.Cols)
			for i := i0; i < i1; i++ {
				for _, v := range fine.Data[i*fine.Cols+j0 : i*fine.Cols+j1] {
					if !IsNoData(v) {
						block = append(block, v)
					}
				}
			}
			if len(block) == 0 {
				dst.Data[ci*c+cj] = NoData
				continue
			}
			dst.Data[ci*c+cj] = agg(block)
		}
	}
	return nil
}

// CoarseIndex maps a fine index to the coarse cell containing it.
func CoarseIndex(fine Index, scale int) Index {
	return Index{Row: fine.Row / scale, Col: fine.Col / scale}
}

// FineIndex maps a coarse index to the origin (top-left) fine cell of its
// block. CoarseIndex(FineIndex(c, s), s) == c.
func FineIndex(coarse Index, scale int) Index {
	return Index{Row: coarse.Row * scale, Col: coarse.Col * scale}
}
