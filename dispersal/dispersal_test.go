package dispersal

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/dispersal/gravity"
	"github.com/pthm-cable/dispersal/raster"
	"github.com/pthm-cable/dispersal/transport"
)

// testGrid is a single-threaded Grid with an optional mask.
type testGrid struct {
	*raster.Grid
	mask    map[raster.Index]bool
	removed float64 // sum of negative adds
}

func newTestGrid(rows, cols int) *testGrid {
	return &testGrid{Grid: raster.New(rows, cols), mask: map[raster.Index]bool{}}
}

func (g *testGrid) Masked(ix raster.Index) bool { return g.mask[ix] }

func (g *testGrid) Add(ix raster.Index, v float64) {
	if v < 0 {
		g.removed -= v
	}
	g.Data[g.Flat(ix)] += v
}

func uniformRule(t *testing.T, rows, cols, scale int) *Rule {
	t.Helper()
	human := raster.New(rows, cols)
	human.Fill(1)

	p := gravity.DefaultParams()
	p.Scale = scale
	rr, cc := raster.CoarseShape(rows, cols, scale)
	p.NShortlisted = rr * cc
	idx, err := gravity.Build(human, p)
	require.NoError(t, err)

	return &Rule{
		HumanPop:        human,
		DispersalPerPop: 0.5,
		Mode:            transport.Batch(10),
		Index:           gravity.NewHolder(idx),
	}
}

func TestExecuteBatchMovesExactTotal(t *testing.T) {
	rule := uniformRule(t, 8, 8, 4)
	require.NoError(t, rule.Validate())
	e := NewExecutor(rule, 1, 2)

	src := raster.Index{Row: 1, Col: 2}
	g := newTestGrid(8, 8)
	g.Set(src, 100)

	out := e.Execute(g, 100, src)
	assert.Equal(t, 50.0, out.Dispersed)
	assert.Zero(t, out.Discarded)
	assert.Equal(t, 50.0, g.removed, "mass removed from the source equals mass dispersed")
	assert.InDelta(t, 100.0, g.Sum(), 1e-9)
	assert.GreaterOrEqual(t, out.Events, 5)
}

func TestExecutePolicies(t *testing.T) {
	src := raster.Index{Row: 0, Col: 0}
	maskAllBut := func(g *testGrid) {
		for i := 0; i < g.Len(); i++ {
			if ix := g.Unflat(i); ix != src {
				g.mask[ix] = true
			}
		}
	}

	tests := []struct {
		name   string
		policy Policy
		check  func(t *testing.T, out Outcome, g *testGrid)
	}{
		{"discard", Discard, func(t *testing.T, out Outcome, g *testGrid) {
			assert.Positive(t, out.Discarded)
			assert.Equal(t, 50.0, out.Dispersed+out.Discarded)
			assert.InDelta(t, 100-out.Discarded, g.Sum(), 1e-9)
			assert.Equal(t, 50.0, g.removed, "blocked events still leave the source")
		}},
		{"retain", Retain, func(t *testing.T, out Outcome, g *testGrid) {
			assert.Zero(t, out.Discarded)
			assert.Positive(t, out.Retained)
			assert.Equal(t, 50.0, out.Dispersed+out.Retained)
			assert.InDelta(t, 100.0, g.Sum(), 1e-9)
			assert.Equal(t, out.Dispersed, g.removed, "only delivered events leave the source")
		}},
		{"redraw", Redraw, func(t *testing.T, out Outcome, g *testGrid) {
			assert.Zero(t, out.Discarded)
			assert.Positive(t, out.Redraws)
			assert.Equal(t, 50.0, out.Dispersed)
			assert.InDelta(t, 100.0, g.Sum(), 1e-9)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := uniformRule(t, 8, 8, 4)
			rule.Policy = tt.policy
			rule.MaxRedraws = 10000
			require.NoError(t, rule.Validate())

			g := newTestGrid(8, 8)
			maskAllBut(g)
			g.Set(src, 100)

			out := NewExecutor(rule, 3, 4).Execute(g, 100, src)
			tt.check(t, out, g)
		})
	}
}

func TestExecuteOutOfBoundsDiscards(t *testing.T) {
	// 6x6 at scale 4 leaves partial coarse blocks whose upsampled cells
	// fall outside the grid.
	rule := uniformRule(t, 6, 6, 4)
	rule.DispersalPerPop = 1
	e := NewExecutor(rule, 5, 6)

	var total Outcome
	for i := 0; i < 20; i++ {
		g := newTestGrid(6, 6)
		src := raster.Index{Row: i % 6, Col: (i * 5) % 6}
		g.Set(src, 40)
		out := e.Execute(g, 40, src)
		assert.InDelta(t, 40-out.Discarded, g.Sum(), 1e-9)
		assert.Equal(t, 40.0, out.Removed())
		total.Merge(out)
	}
	assert.Positive(t, total.Discarded)
	assert.Positive(t, total.Dispersed)
}

func TestExecuteNoOps(t *testing.T) {
	src := raster.Index{Row: 2, Col: 2}

	tests := []struct {
		name   string
		n      float64
		modify func(r *Rule)
	}{
		{"empty cell", 0, nil},
		{"no-data population value", math.NaN(), nil},
		{"no-data human population", 100, func(r *Rule) {
			r.HumanPop = r.HumanPop.Clone()
			r.HumanPop.Set(src, raster.NoData)
		}},
		{"zero dispersal rate", 100, func(r *Rule) { r.DispersalPerPop = 0 }},
		{"source outside raster", 100, func(r *Rule) {
			r.HumanPop = raster.New(2, 2)
			r.HumanPop.Fill(1)
		}},
		{"no-data shortlist", 100, func(r *Rule) {
			idx := *r.Index.Load()
			idx.Shortlists = make([]gravity.Shortlist, len(idx.Shortlists))
			r.Index = gravity.NewHolder(&idx)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := uniformRule(t, 8, 8, 4)
			if tt.modify != nil {
				tt.modify(rule)
			}
			g := newTestGrid(8, 8)
			g.Set(src, 100)

			out := NewExecutor(rule, 7, 8).Execute(g, tt.n, src)
			assert.Equal(t, Outcome{}, out)
			assert.Equal(t, 100.0, g.At(src))
		})
	}
}

func TestExecuteReproducible(t *testing.T) {
	rule := uniformRule(t, 8, 8, 2)
	rule.Mode = transport.Hierarchical(0.05)
	src := raster.Index{Row: 4, Col: 3}

	run := func() *testGrid {
		e := NewExecutor(rule, 0, 0)
		e.Reseed(11, 13)
		g := newTestGrid(8, 8)
		g.Set(src, 500)
		e.Execute(g, 500, src)
		return g
	}
	assert.Equal(t, run().Data, run().Data)
}

func TestExecuteUsesSwappedIndex(t *testing.T) {
	rule := uniformRule(t, 8, 8, 4)
	e := NewExecutor(rule, 9, 9)
	src := raster.Index{Row: 0, Col: 0}

	// An index whose only destination is the bottom-right block.
	old := rule.Index.Load()
	only := &gravity.Index{Rows: old.Rows, Cols: old.Cols, Scale: old.Scale,
		Shortlists: make([]gravity.Shortlist, len(old.Shortlists))}
	only.Shortlists[0] = gravity.Shortlist{{Cumulative: 1, Index: 3}}
	rule.Index.Store(only)

	g := newTestGrid(8, 8)
	g.Set(src, 100)
	out := e.Execute(g, 100, src)
	require.Equal(t, 50.0, out.Dispersed)

	var block float64
	for r := 4; r < 8; r++ {
		for c := 4; c < 8; c++ {
			block += g.At(raster.Index{Row: r, Col: c})
		}
	}
	assert.Equal(t, 50.0, block)
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *Rule)
		want   error
	}{
		{"valid", func(r *Rule) {}, nil},
		{"no raster", func(r *Rule) { r.HumanPop = nil }, ErrNoPopulation},
		{"no index", func(r *Rule) { r.Index = &gravity.Holder{} }, ErrNoIndex},
		{"negative rate", func(r *Rule) { r.DispersalPerPop = -1 }, ErrRate},
		{"infinite rate", func(r *Rule) { r.DispersalPerPop = math.Inf(1) }, ErrRate},
		{"bad mode", func(r *Rule) { r.Mode = transport.Batch(0) }, transport.ErrMaxEventSize},
		{"bad policy", func(r *Rule) { r.Policy = Policy(9) }, ErrPolicy},
		{"negative redraws", func(r *Rule) { r.MaxRedraws = -1 }, ErrRedraws},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := uniformRule(t, 8, 8, 4)
			tt.modify(rule)
			err := rule.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": Discard, "discard": Discard, "retain": Retain, "redraw": Redraw} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if in != "" {
			assert.Equal(t, in, got.String())
		}
	}
	_, err := ParsePolicy("bounce")
	assert.True(t, errors.Is(err, ErrPolicy))
}
