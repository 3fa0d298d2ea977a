// Package telemetry records per-step dispersal statistics, mass accounting
// and phase timing, and writes them as CSV.
package telemetry

import (
	"log/slog"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// StepStats holds the statistics of one simulation step.
type StepStats struct {
	Step int `csv:"step"`

	// Mass accounting
	TotalBefore  float64 `csv:"total_before"`
	TotalAfter   float64 `csv:"total_after"`
	CumDiscarded float64 `csv:"cum_discarded"` // discarded since the start of the run

	// Occupancy at step end
	Occupied    int     `csv:"occupied"`
	MaxCell     float64 `csv:"max_cell"`
	OccupiedP10 float64 `csv:"occupied_p10"`
	OccupiedP50 float64 `csv:"occupied_p50"`
	OccupiedP90 float64 `csv:"occupied_p90"`

	// Dispersal during the step
	Events    int     `csv:"events"`
	Dispersed float64 `csv:"dispersed"`
	Discarded float64 `csv:"discarded"`
	Retained  float64 `csv:"retained"`
	Redraws   int     `csv:"redraws"`
}

// MassError is the mass that appeared or vanished beyond what was discarded.
// It is zero up to float rounding.
func (s StepStats) MassError() float64 {
	return s.TotalAfter - (s.TotalBefore - s.Discarded)
}

// Percentile calculates the p-th percentile of a sorted slice by linear
// interpolation. p should be in [0, 1]. Returns 0 if slice is empty.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	idx := p * float64(n-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Occupancy summarizes the positive values of a population field. Zero and
// no-data cells are ignored. scratch is reused when large enough.
func Occupancy(values, scratch []float64) (occupied int, maxCell, p10, p50, p90 float64, buf []float64) {
	buf = scratch[:0]
	for _, v := range values {
		if v > 0 {
			buf = append(buf, v)
		}
	}
	if len(buf) == 0 {
		return 0, 0, 0, 0, 0, buf
	}
	sort.Float64s(buf)
	return len(buf), buf[len(buf)-1],
		Percentile(buf, 0.10), Percentile(buf, 0.50), Percentile(buf, 0.90), buf
}

// MeanStd returns the mean and standard deviation of values.
func MeanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(values, nil)
}

// LogValue implements slog.LogValuer for structured logging.
func (s StepStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("step", s.Step),
		slog.Float64("total_before", s.TotalBefore),
		slog.Float64("total_after", s.TotalAfter),
		slog.Float64("cum_discarded", s.CumDiscarded),
		slog.Int("occupied", s.Occupied),
		slog.Float64("max_cell", s.MaxCell),
		slog.Float64("occupied_p50", s.OccupiedP50),
		slog.Int("events", s.Events),
		slog.Float64("dispersed", s.Dispersed),
		slog.Float64("discarded", s.Discarded),
		slog.Float64("retained", s.Retained),
		slog.Int("redraws", s.Redraws),
	)
}

// LogStats logs the step stats using slog.
func (s StepStats) LogStats() {
	slog.Info("stats",
		"step", s.Step,
		"total", s.TotalAfter,
		"occupied", s.Occupied,
		"max_cell", s.MaxCell,
		"events", s.Events,
		"dispersed", s.Dispersed,
		"discarded", s.Discarded,
		"retained", s.Retained,
		"redraws", s.Redraws,
		"cum_discarded", s.CumDiscarded,
	)
}
