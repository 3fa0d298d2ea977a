// Package transport converts an expected number of dispersers leaving a cell
// into a sequence of discrete dispersal events.
package transport

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Sentinel errors for transport configuration.
var (
	// ErrKind indicates an unknown transport kind.
	ErrKind = errors.New("transport: unknown mode")
	// ErrMaxEventSize indicates a batch mode with no room for a disperser.
	ErrMaxEventSize = errors.New("transport: batch max event size must be at least 1")
	// ErrScalar indicates a hierarchical mode with a non-positive scalar.
	ErrScalar = errors.New("transport: hierarchical scalar must be positive")
)

// Kind selects the event-generation policy.
type Kind int

const (
	// BatchGroups disperses exactly min(N·rate, N) individuals in uniformly
	// sized groups.
	BatchGroups Kind = iota
	// HierarchicalGroups draws a binomial number of events, each with a
	// Poisson-distributed size.
	HierarchicalGroups
)

func (k Kind) String() string {
	switch k {
	case BatchGroups:
		return "batch"
	case HierarchicalGroups:
		return "hierarchical"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a config name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "batch":
		return BatchGroups, nil
	case "hierarchical":
		return HierarchicalGroups, nil
	default:
		return 0, fmt.Errorf("%q: %w", s, ErrKind)
	}
}

// Mode is a transport policy with its parameters. Only the fields for its
// Kind are used.
type Mode struct {
	Kind         Kind
	MaxEventSize int     // BatchGroups: largest group moved by one event
	Scalar       float64 // HierarchicalGroups: mean event size as a fraction of N
}

// Batch returns a BatchGroups mode.
func Batch(maxEventSize int) Mode {
	return Mode{Kind: BatchGroups, MaxEventSize: maxEventSize}
}

// Hierarchical returns a HierarchicalGroups mode.
func Hierarchical(scalar float64) Mode {
	return Mode{Kind: HierarchicalGroups, Scalar: scalar}
}

// Validate checks the parameters of the selected kind.
func (m Mode) Validate() error {
	switch m.Kind {
	case BatchGroups:
		if m.MaxEventSize < 1 {
			return ErrMaxEventSize
		}
	case HierarchicalGroups:
		if !(m.Scalar > 0) || math.IsInf(m.Scalar, 0) {
			return ErrScalar
		}
	default:
		return ErrKind
	}
	return nil
}

// Events appends the sizes of the dispersal events for a cell holding n
// individuals with per-capita dispersal rate to dst and returns it. The sum
// of the sizes never exceeds trunc(n).
func (m Mode) Events(dst []int, n, rate float64, rng *rand.Rand) []int {
	if !(n >= 1) || !(rate > 0) {
		return dst
	}
	count := math.Trunc(n)
	switch m.Kind {
	case BatchGroups:
		return m.batch(dst, count, rate, rng)
	case HierarchicalGroups:
		return m.hierarchical(dst, count, rate, rng)
	default:
		return dst
	}
}

func (m Mode) batch(dst []int, n, rate float64, rng *rand.Rand) []int {
	if m.MaxEventSize < 1 {
		return dst
	}
	total := int(math.Trunc(math.Min(n*rate, n)))
	for dispersed := 0; dispersed < total; {
		size := min(rng.IntN(m.MaxEventSize)+1, total-dispersed)
		dst = append(dst, size)
		dispersed += size
	}
	return dst
}

// hierarchical may disperse fewer than the binomial target: it stops at the
// first event larger than what is left in the cell.
func (m Mode) hierarchical(dst []int, n, rate float64, rng *rand.Rand) []int {
	lambda := n * m.Scalar
	if !(lambda > 0) {
		return dst
	}
	events := distuv.Binomial{N: n, P: math.Min(rate, 1), Src: rng}.Rand()
	size := distuv.Poisson{Lambda: lambda, Src: rng}

	remaining := int(n)
	for e := 0; e < int(events); e++ {
		s := int(size.Rand())
		if s > remaining {
			break
		}
		if s == 0 {
			continue
		}
		dst = append(dst, s)
		remaining -= s
	}
	return dst
}
