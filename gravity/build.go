// Package gravity precomputes, for every cell of a coarse population grid,
// a shortlist of the most probable dispersal destinations under a gravity
// model, stored as a cumulative distribution for sampling.
package gravity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/pthm-cable/dispersal/raster"
)

// Sentinel errors for index construction.
var (
	// ErrShortlistTooLong indicates more shortlisted destinations than coarse cells.
	ErrShortlistTooLong = errors.New("gravity: nshortlisted exceeds the number of coarse cells")
	// ErrShortlistLength indicates a non-positive shortlist length.
	ErrShortlistLength = errors.New("gravity: nshortlisted must be at least 1")
	// ErrCellsize indicates a non-positive or non-finite cell size.
	ErrCellsize = errors.New("gravity: cellsize must be positive")
	// ErrExponent indicates a non-finite exponent.
	ErrExponent = errors.New("gravity: exponents must be finite")
	// ErrShortlistOrder indicates a shortlist that is not a valid cumulative distribution.
	ErrShortlistOrder = errors.New("gravity: shortlist proportions must increase strictly to 1.0")
)

// Params are the inputs of a gravity index build. Any change requires a
// full rebuild.
type Params struct {
	Cellsize      float64
	Scale         int
	Aggregator    raster.Aggregator // nil selects raster.Mean
	HumanExponent float64
	DistExponent  float64
	NShortlisted  int
	Workers       int // 0 uses GOMAXPROCS
}

// DefaultParams returns the default build parameters.
func DefaultParams() Params {
	return Params{
		Cellsize:      1.0,
		Scale:         4,
		Aggregator:    raster.Mean,
		HumanExponent: 1.0,
		DistExponent:  2.0,
		NShortlisted:  100,
	}
}

// Validate checks the parameters that do not depend on the raster.
func (p Params) Validate() error {
	if p.Scale < 1 {
		return raster.ErrScale
	}
	if !(p.Cellsize > 0) || math.IsInf(p.Cellsize, 0) {
		return ErrCellsize
	}
	if p.NShortlisted < 1 {
		return ErrShortlistLength
	}
	for _, e := range []float64{p.HumanExponent, p.DistExponent} {
		if math.IsNaN(e) || math.IsInf(e, 0) {
			return ErrExponent
		}
	}
	return nil
}

// Build computes a gravity index for pop.
func Build(pop *raster.Grid, p Params) (*Index, error) {
	return BuildContext(context.Background(), pop, p)
}

// BuildContext is Build with cancellation.
func BuildContext(ctx context.Context, pop *raster.Grid, p Params) (*Index, error) {
	return NewBuilder().Build(ctx, pop, p)
}

// Builder keeps the coarse buffer and distance field between builds so a
// rebuild after a parameter change only reallocates what changed.
type Builder struct {
	coarse *raster.Grid
	dist   DistanceField
	distOK bool

	distExponent float64
	cellsize     float64
	scale        int
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

// Build downsamples pop, refreshes the distance field if needed, and computes
// every shortlist. Columns are processed by a bounded worker pool; a
// cancelled ctx stops dispatch and returns ctx.Err().
func (b *Builder) Build(ctx context.Context, pop *raster.Grid, p Params) (*Index, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if pop.Rows == 0 || pop.Cols == 0 {
		return nil, raster.ErrEmpty
	}
	start := time.Now()

	rows, cols := raster.CoarseShape(pop.Rows, pop.Cols, p.Scale)
	if p.NShortlisted > rows*cols {
		return nil, fmt.Errorf("nshortlisted %d, coarse grid %dx%d: %w", p.NShortlisted, rows, cols, ErrShortlistTooLong)
	}
	if b.coarse == nil || b.coarse.Rows != rows || b.coarse.Cols != cols {
		b.coarse = raster.New(rows, cols)
	}
	if err := raster.Downsample(b.coarse, pop, p.Aggregator, p.Scale); err != nil {
		return nil, fmt.Errorf("downsampling population: %w", err)
	}
	if !b.distOK || b.dist.Rows != rows || b.dist.Cols != cols ||
		b.distExponent != p.DistExponent || b.cellsize != p.Cellsize || b.scale != p.Scale {
		b.dist = BuildDistances(rows, cols, p.DistExponent, p.Cellsize, p.Scale)
		b.distExponent, b.cellsize, b.scale = p.DistExponent, p.Cellsize, p.Scale
		b.distOK = true
	}

	job := &columnJob{
		human: b.coarse.Pow(p.HumanExponent),
		dist:  &b.dist,
		n:     p.NShortlisted,
		out: &Index{
			Rows:       rows,
			Cols:       cols,
			Scale:      p.Scale,
			Shortlists: make([]Shortlist, rows*cols),
		},
	}

	workers := p.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, cols)

	colChan := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(scratch []Gravity) {
			defer wg.Done()
			for j := range colChan {
				job.column(j, scratch)
			}
		}(make([]Gravity, rows*cols))
	}

dispatch:
	for j := 0; j < cols; j++ {
		select {
		case <-ctx.Done():
			break dispatch
		case colChan <- j:
		}
	}
	close(colChan)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slog.Debug("gravity index built",
		"coarse_rows", rows,
		"coarse_cols", cols,
		"nshortlisted", p.NShortlisted,
		"workers", workers,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return job.out, nil
}

// columnJob is the read-only state shared by all column workers. Each
// worker writes only the shortlists of its own column.
type columnJob struct {
	human *raster.Grid // coarse population raised to the human exponent
	dist  *DistanceField
	n     int
	out   *Index
}

// column builds the shortlists of every cell in column j using the
// worker-owned scratch buffer.
func (cj *columnJob) column(j int, scratch []Gravity) {
	rows, cols := cj.human.Rows, cj.human.Cols
	for i := 0; i < rows; i++ {
		c := i*cols + j
		src := cj.human.Data[c]
		if raster.IsNoData(src) {
			cj.out.Shortlists[c] = nil
			continue
		}
		cj.gravities(i, j, src, scratch)
		cj.out.Shortlists[c] = cumulate(scratch, cj.n)
	}
}

// gravities fills scratch with the gravity from (i,j) to every coarse cell.
func (cj *columnJob) gravities(i, j int, src float64, scratch []Gravity) {
	cols := cj.human.Cols
	for ii := 0; ii < cj.human.Rows; ii++ {
		di := absInt(i - ii)
		for jj := 0; jj < cols; jj++ {
			d := ii*cols + jj
			dst := cj.human.Data[d]
			g := 0.0
			if !raster.IsNoData(dst) {
				g = src * dst / cj.dist.At(di, absInt(j-jj))
			}
			scratch[d] = Gravity{Value: g, Index: d}
		}
	}
}

// cumulate selects the n largest gravities in scratch and converts them to a
// cumulative distribution, visiting them from lowest to highest. Proportions
// are conditional on the retained set. Zero-gravity entries carry no
// probability and are left out.
func cumulate(scratch []Gravity, n int) Shortlist {
	selectTop(scratch, n)
	top := scratch[:n]
	sort.Slice(top, func(a, b int) bool { return top[a].Less(top[b]) })

	var sum float64
	for _, g := range top {
		sum += g.Value
	}
	if !(sum > 0) || math.IsInf(sum, 0) {
		return Shortlist{}
	}

	sl := make(Shortlist, 0, n)
	cum := 0.0
	for _, g := range top {
		if !(g.Value > 0) {
			continue
		}
		cum += g.Value / sum
		if len(sl) > 0 && cum <= sl[len(sl)-1].Cumulative {
			// Below float resolution at this point of the sum.
			continue
		}
		sl = append(sl, Proportion{Cumulative: cum, Index: g.Index})
	}
	sl[len(sl)-1].Cumulative = 1
	return sl
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
