package normalize

import (
	"math"

	"github.com/pkg/errors"

	"github.com/Noofbiz/csiflow/errs"
)

// Accumulator carries the statistics of one normalization pass. Chunks of
// the tensor produce partial accumulators that are combined with Merge, so
// the result does not depend on the order chunks are processed in.
type Accumulator struct {
	// N and T are the sample and timeslot extents of the whole pass.
	N, T int

	// Powers[ts][n] is the spherical divisor of sample n at timeslot ts.
	// Nil for modes that do not divide.
	Powers [][]float64

	// Pre holds extrema of the raw real and imaginary components.
	Pre *Extrema
	// Sph holds extrema of the spherically normalized components.
	Sph *Extrema
	// SphMag holds extrema of the spherically normalized magnitudes.
	SphMag *Extrema
	// Mag holds extrema of the raw magnitudes.
	Mag *Extrema

	// covered marks the samples this accumulator has observed.
	covered []bool
}

// NewAccumulator returns an empty accumulator for the given extents.
func NewAccumulator(n, t int, mode Mode) *Accumulator {
	a := &Accumulator{N: n, T: t, Pre: NewExtrema(t), covered: make([]bool, n)}
	if mode.spherical() {
		a.Powers = make([][]float64, t)
		for ts := range a.Powers {
			a.Powers[ts] = make([]float64, n)
		}
		a.Sph = NewExtrema(t)
		a.SphMag = NewExtrema(t)
	}
	if mode == Magnitude {
		a.Mag = NewExtrema(t)
	}
	return a
}

// Complete reports whether every sample has been observed.
func (a *Accumulator) Complete() bool {
	for _, c := range a.covered {
		if !c {
			return false
		}
	}
	return true
}

// Power returns the divisor of sample n at timeslot ts.
func (a *Accumulator) Power(n, ts int) (float64, error) {
	if a.Powers == nil || ts < 0 || ts >= len(a.Powers) || n < 0 || n >= len(a.Powers[ts]) {
		return 0, errs.New(errs.MissingStatistic, errs.StageDenormalize, errs.Sample(n, ts), "no power recorded")
	}
	return a.Powers[ts][n], nil
}

// Rows returns the powers of samples [from, to) as an accumulator of
// to-from samples. Extrema are shared with a, not recomputed.
func (a *Accumulator) Rows(from, to int) *Accumulator {
	out := &Accumulator{N: to - from, T: a.T, Pre: a.Pre, Sph: a.Sph, SphMag: a.SphMag, Mag: a.Mag}
	out.covered = append([]bool(nil), a.covered[from:to]...)
	if a.Powers != nil {
		out.Powers = make([][]float64, a.T)
		for ts := range a.Powers {
			out.Powers[ts] = a.Powers[ts][from:to]
		}
	}
	return out
}

// Merge combines two accumulators over disjoint sample ranges.
func (a *Accumulator) Merge(b *Accumulator) (*Accumulator, error) {
	if a.N != b.N || a.T != b.T || (a.Powers == nil) != (b.Powers == nil) || (a.Mag == nil) != (b.Mag == nil) {
		return nil, errors.New("cannot merge accumulators of different passes")
	}
	out := &Accumulator{N: a.N, T: a.T, covered: make([]bool, a.N)}
	for n := range out.covered {
		if a.covered[n] && b.covered[n] {
			return nil, errs.New(errs.Overlap, errs.StageNormalize, errs.Sample(n, 0), "sample observed by two chunks")
		}
		out.covered[n] = a.covered[n] || b.covered[n]
	}
	if a.Powers != nil {
		out.Powers = make([][]float64, a.T)
		for ts := range out.Powers {
			out.Powers[ts] = make([]float64, a.N)
			for n := range out.Powers[ts] {
				if a.covered[n] {
					out.Powers[ts][n] = a.Powers[ts][n]
				} else if b.covered[n] {
					out.Powers[ts][n] = b.Powers[ts][n]
				}
			}
		}
	}

	var err error
	if out.Pre, err = a.Pre.Merge(b.Pre); err != nil {
		return nil, err
	}
	if out.Sph, err = mergeOptional(a.Sph, b.Sph); err != nil {
		return nil, err
	}
	if out.SphMag, err = mergeOptional(a.SphMag, b.SphMag); err != nil {
		return nil, err
	}
	if out.Mag, err = mergeOptional(a.Mag, b.Mag); err != nil {
		return nil, err
	}
	return out, nil
}

func mergeOptional(a, b *Extrema) (*Extrema, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	return a.Merge(b)
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
