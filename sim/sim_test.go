package sim

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/dispersal/dispersal"
	"github.com/pthm-cable/dispersal/gravity"
	"github.com/pthm-cable/dispersal/raster"
	"github.com/pthm-cable/dispersal/telemetry"
	"github.com/pthm-cable/dispersal/transport"
)

// coastal returns a synthetic human raster with a sea of no-data cells and
// an initial population of 100 on every land cell.
func coastal(t *testing.T) (human, initial *raster.Grid) {
	t.Helper()
	sp := raster.DefaultSynthParams()
	sp.Rows, sp.Cols = 32, 32
	sp.SeaLevel = 0.4
	human = raster.Synthesize(sp)
	require.Positive(t, human.Valid())
	require.Less(t, human.Valid(), human.Len(), "expected some sea")

	initial = raster.New(human.Rows, human.Cols)
	for i, v := range human.Data {
		if !raster.IsNoData(v) {
			initial.Data[i] = 100
		}
	}
	return human, initial
}

func testConfig() Config {
	p := gravity.DefaultParams()
	p.NShortlisted = 20
	return Config{
		Gravity:         p,
		DispersalPerPop: 1e-3,
		Mode:            transport.Batch(5),
		Seed:            42,
		Workers:         4,
	}
}

func TestStepMassAccounting(t *testing.T) {
	tests := []struct {
		name   string
		policy dispersal.Policy
	}{
		{"discard", dispersal.Discard},
		{"retain", dispersal.Retain},
		{"redraw", dispersal.Redraw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			human, initial := coastal(t)
			cfg := testConfig()
			cfg.Policy = tt.policy
			cfg.MaxRedraws = 3

			s, err := New(cfg, human, initial, nil)
			require.NoError(t, err)

			var cum float64
			var dispersed float64
			for i := 0; i < 5; i++ {
				st := s.Step()
				assert.Equal(t, i+1, st.Step)
				assert.InDelta(t, 0, st.MassError(), 1e-6, "step %d", st.Step)
				cum += st.Discarded
				dispersed += st.Dispersed
				assert.InDelta(t, cum, st.CumDiscarded, 1e-9)
			}
			assert.Positive(t, dispersed)

			switch tt.policy {
			case dispersal.Discard:
				assert.Positive(t, cum, "sea cells should swallow some events")
			case dispersal.Retain:
				assert.Zero(t, cum)
				assert.InDelta(t, initial.Sum(), s.World().Total(), 1e-6)
			}
		})
	}
}

func TestStepMaskedCellsStayEmpty(t *testing.T) {
	human, initial := coastal(t)
	s, err := New(testConfig(), human, initial, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s.Step()
	}
	for i, v := range s.World().cur {
		if raster.IsNoData(human.Data[i]) {
			assert.Zero(t, v, "sea cell %v received mass", human.Unflat(i))
		}
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestStepIndependentOfWorkers(t *testing.T) {
	human, initial := coastal(t)

	run := func(workers int) []float64 {
		cfg := testConfig()
		cfg.Workers = workers
		cfg.Mode = transport.Hierarchical(0.02)
		s, err := New(cfg, human, initial, nil)
		require.NoError(t, err)
		require.NoError(t, s.Run(context.Background(), 4, nil))
		return append([]float64(nil), s.World().cur...)
	}

	assert.Equal(t, run(1), run(6))
}

func TestSeedChangesOutcome(t *testing.T) {
	human, initial := coastal(t)

	run := func(seed uint64) []float64 {
		cfg := testConfig()
		cfg.Seed = seed
		s, err := New(cfg, human, initial, nil)
		require.NoError(t, err)
		s.Step()
		return append([]float64(nil), s.World().cur...)
	}
	assert.NotEqual(t, run(1), run(2))
}

func TestNewErrors(t *testing.T) {
	human := raster.New(8, 8)
	human.Fill(1)
	initial := raster.New(8, 8)

	cfg := testConfig()
	cfg.Gravity.NShortlisted = 5 // 2x2 coarse grid
	_, err := New(cfg, human, initial, nil)
	assert.ErrorIs(t, err, gravity.ErrShortlistTooLong)

	cfg = testConfig()
	cfg.Gravity.NShortlisted = 4
	_, err = New(cfg, human, raster.New(4, 8), nil)
	assert.ErrorIs(t, err, raster.ErrShape)

	_, err = New(cfg, human, initial, make([]bool, 3))
	assert.ErrorIs(t, err, raster.ErrShape)

	cfg.Index = &gravity.Index{Rows: 4, Cols: 4, Scale: 2, Shortlists: make([]gravity.Shortlist, 16)}
	_, err = New(cfg, human, initial, nil)
	assert.ErrorIs(t, err, ErrIndexShape)

	cfg = testConfig()
	cfg.Gravity.NShortlisted = 4
	cfg.Mode = transport.Batch(0)
	_, err = New(cfg, human, initial, nil)
	assert.ErrorIs(t, err, transport.ErrMaxEventSize)
}

func TestNewWithPrebuiltIndex(t *testing.T) {
	human, initial := coastal(t)
	cfg := testConfig()
	idx, err := gravity.Build(human, cfg.Gravity)
	require.NoError(t, err)

	cfg.Index = idx
	s, err := New(cfg, human, initial, nil)
	require.NoError(t, err)
	assert.Same(t, idx, s.Index())
}

func TestSetParamsSwapsIndex(t *testing.T) {
	human, initial := coastal(t)
	s, err := New(testConfig(), human, initial, nil)
	require.NoError(t, err)
	old := s.Index()

	p := s.Params()
	p.DistExponent = 1
	require.NoError(t, s.SetParams(context.Background(), p))
	assert.NotSame(t, old, s.Index())
	assert.Equal(t, 1.0, s.Params().DistExponent)

	current := s.Index()
	p.NShortlisted = 10_000
	err = s.SetParams(context.Background(), p)
	assert.ErrorIs(t, err, gravity.ErrShortlistTooLong)
	assert.Same(t, current, s.Index(), "failed rebuild keeps the published index")
}

func TestSetParamsDuringSteps(t *testing.T) {
	human, initial := coastal(t)
	s, err := New(testConfig(), human, initial, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p := s.Params()
		for _, e := range []float64{1, 1.5, 2.5} {
			p.DistExponent = e
			assert.NoError(t, s.SetParams(context.Background(), p))
		}
	}()
	for i := 0; i < 5; i++ {
		st := s.Step()
		assert.InDelta(t, 0, st.MassError(), 1e-6)
	}
	wg.Wait()
}

func TestRun(t *testing.T) {
	human, initial := coastal(t)
	s, err := New(testConfig(), human, initial, nil)
	require.NoError(t, err)
	s.SetPerf(telemetry.NewPerfCollector(10))

	var seen []int
	stop := errors.New("stop")
	err = s.Run(context.Background(), 10, func(st telemetry.StepStats) error {
		seen = append(seen, st.Step)
		if st.Step == 3 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, 3, s.StepCount())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx, 5, nil), context.Canceled)
	assert.Equal(t, 3, s.StepCount())
}

func TestStepPhases(t *testing.T) {
	human, initial := coastal(t)
	s, err := New(testConfig(), human, initial, nil)
	require.NoError(t, err)
	perf := telemetry.NewPerfCollector(10)
	s.SetPerf(perf)

	require.NoError(t, s.Run(context.Background(), 2, nil))
	var got []string
	for phase := range perf.Stats().PhaseAvg {
		got = append(got, phase)
	}
	assert.ElementsMatch(t, []string{
		telemetry.PhaseTotals,
		telemetry.PhaseCopy,
		telemetry.PhaseDispersal,
		telemetry.PhaseCommit,
		telemetry.PhaseStats,
	}, got)
}

func TestWorldConcurrentAdd(t *testing.T) {
	w, err := NewWorld(raster.New(2, 2), nil)
	require.NoError(t, err)
	w.begin()

	ix := raster.Index{Row: 1, Col: 0}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				w.Add(ix, 1)
			}
		}()
	}
	wg.Wait()
	w.Swap()
	assert.Equal(t, 8000.0, w.Value(ix))
	assert.Equal(t, 8000.0, w.Total())
}

func TestWorldCurrentMarksMasked(t *testing.T) {
	initial, err := raster.FromRows([][]float64{{1, raster.NoData}, {3, 4}})
	require.NoError(t, err)
	w, err := NewWorld(initial, []bool{false, false, true, false})
	require.NoError(t, err)

	assert.True(t, w.Masked(raster.Index{Row: 0, Col: 1}), "no-data cells are masked")
	assert.True(t, w.Masked(raster.Index{Row: 1, Col: 0}))
	assert.False(t, w.InBounds(raster.Index{Row: 2, Col: 0}))

	g := w.Current()
	assert.True(t, raster.IsNoData(g.At(raster.Index{Row: 0, Col: 1})))
	assert.Equal(t, 3.0, g.At(raster.Index{Row: 1, Col: 0}), "masked cells keep their initial mass")
	assert.Equal(t, 8.0, w.Total())
}
