// Package normalize applies power-based normalization to assembled CSI
// tensors, records the statistics each scheme needs to be undone, and
// inverts it.
//
// Four mutually exclusive modes are supported:
//
//	spherical           every (sample, timeslot) slot divided by its L2 power
//	minmax              raw values left untouched, component extrema recorded
//	magnitude           |z| min-max scaled per timeslot, phase set aside
//	spherical-magnitude spherical, then |z| min-max scaled, phase set aside
//
// Every mode records the extrema of the raw real and imaginary components.
package normalize

import (
	"math/cmplx"
	"runtime"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/Noofbiz/csiflow/datasets"
	"github.com/Noofbiz/csiflow/errs"
)

// Mode selects a normalization scheme.
type Mode int

const (
	Spherical Mode = iota
	MinMax
	Magnitude
	SphericalMagnitude
)

func (m Mode) String() string {
	switch m {
	case Spherical:
		return "spherical"
	case MinMax:
		return "minmax"
	case Magnitude:
		return "magnitude"
	case SphericalMagnitude:
		return "spherical-magnitude"
	}
	return "unknown"
}

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spherical", "sph":
		return Spherical, nil
	case "minmax", "min-max":
		return MinMax, nil
	case "magnitude", "mag":
		return Magnitude, nil
	case "spherical-magnitude", "sph_mag", "sph-mag":
		return SphericalMagnitude, nil
	}
	return 0, errors.Errorf("unknown normalization mode %q", s)
}

func (m Mode) spherical() bool { return m == Spherical || m == SphericalMagnitude }

// RealOnly reports whether normalized tensors of this mode carry only a
// real-valued magnitude.
func (m Mode) RealOnly() bool { return m == Magnitude || m == SphericalMagnitude }

// Options tunes how a pass is split across goroutines.
type Options struct {
	// ChunkSize is the number of samples per work item (default 256).
	ChunkSize int
	// Workers is the goroutine count (0 = NumCPU).
	Workers int
}

// Result is the outcome of a normalization pass.
type Result struct {
	// Tensor is the normalized input tensor (normalized in place).
	Tensor *datasets.Tensor
	Acc    *Accumulator
	// Phase holds, in its real parts, the phase of every cell before
	// magnitude scaling. Nil unless the mode is magnitude based.
	Phase *datasets.Tensor
}

// Normalize normalizes t in place with the default options.
func Normalize(t *datasets.Tensor, mode Mode) (*Result, error) {
	return NormalizeWith(t, mode, Options{})
}

// NormalizeWith normalizes t in place. Chunks of samples are processed
// concurrently; their partial accumulators are merged at the end. The pass
// runs on a copy, so t is left untouched when an error is returned.
func NormalizeWith(dst *datasets.Tensor, mode Mode, opts Options) (*Result, error) {
	s := dst.Shape
	if s.N == 0 || s.SampleLen() == 0 {
		return nil, errs.New(errs.ShapeMismatch, errs.StageNormalize, "", "empty tensor %v", s)
	}
	t := dst.Clone()
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = 256
	}
	chunks := (s.N + chunk - 1) / chunk
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > chunks {
		workers = chunks
	}

	jobs := make(chan int, chunks)
	errCh := make(chan error, workers)
	parts := make([]*Accumulator, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		acc := NewAccumulator(s.N, s.T, mode)
		parts[w] = acc
		go func() {
			defer wg.Done()
			for c := range jobs {
				from, to := c*chunk, min((c+1)*chunk, s.N)
				if err := observe(t, from, to, mode, acc); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	for c := 0; c < chunks; c++ {
		jobs <- c
	}
	close(jobs)
	wg.Wait()
	close(errCh)
	if err, ok := <-errCh; ok {
		return nil, err
	}

	acc := parts[0]
	for _, p := range parts[1:] {
		var err error
		if acc, err = acc.Merge(p); err != nil {
			return nil, err
		}
	}
	if !acc.Complete() {
		return nil, errs.New(errs.IncompleteAssembly, errs.StageNormalize, "", "not every sample was observed")
	}

	res := &Result{Tensor: dst, Acc: acc}
	switch mode {
	case Magnitude:
		phase, err := scaleMagnitude(t, acc.Mag)
		if err != nil {
			return nil, err
		}
		res.Phase = phase
	case SphericalMagnitude:
		phase, err := scaleMagnitude(t, acc.SphMag)
		if err != nil {
			return nil, err
		}
		res.Phase = phase
	}
	copy(dst.Data, t.Data)
	return res, nil
}

// observe records rows [from, to) of t into acc and, for spherical modes,
// divides each slot by its power.
func observe(t *datasets.Tensor, from, to int, mode Mode, acc *Accumulator) error {
	slot := t.Shape.SlotLen()
	comps := make([]float64, 2*slot)
	mags := make([]float64, slot)
	for n := from; n < to; n++ {
		acc.covered[n] = true
		for ts := 0; ts < t.Shape.T; ts++ {
			cells := t.Slot(n, ts)
			components(cells, comps)
			acc.Pre.Observe(ts, comps)
			if mode == Magnitude {
				magnitudes(cells, mags)
				acc.Mag.Observe(ts, mags)
			}
			if !mode.spherical() {
				continue
			}

			p := floats.Norm(comps, 2)
			if p == 0 || !isFinite(p) {
				return errs.New(errs.DegeneratePower, errs.StageNormalize, errs.Sample(n, ts), "power is %v", p)
			}
			acc.Powers[ts][n] = p
			for i, v := range cells {
				cells[i] = complex(real(v)/p, imag(v)/p)
			}
			components(cells, comps)
			acc.Sph.Observe(ts, comps)
			magnitudes(cells, mags)
			acc.SphMag.Observe(ts, mags)
		}
	}
	return nil
}

// scaleMagnitude replaces every cell by its min-max scaled magnitude and
// returns the phases it discarded.
func scaleMagnitude(t *datasets.Tensor, ext *Extrema) (*datasets.Tensor, error) {
	phase := datasets.NewTensor(t.Shape)
	for ts := 0; ts < t.Shape.T; ts++ {
		lo, width, err := ext.span(ts, errs.StageNormalize)
		if err != nil {
			return nil, err
		}
		for n := 0; n < t.Shape.N; n++ {
			cells := t.Slot(n, ts)
			ph := phase.Slot(n, ts)
			for i, v := range cells {
				ph[i] = complex(cmplx.Phase(v), 0)
				cells[i] = complex((cmplx.Abs(v)-lo)/width, 0)
			}
		}
	}
	return phase, nil
}

// ScaleMinMax maps every real and imaginary component of t into [0, 1]
// using the per-timeslot component extrema ext, in place. Denormalize in
// MinMax mode inverts it.
func ScaleMinMax(t *datasets.Tensor, ext *Extrema) error {
	for ts := 0; ts < t.Shape.T; ts++ {
		lo, width, err := ext.span(ts, errs.StageNormalize)
		if err != nil {
			return err
		}
		for n := 0; n < t.Shape.N; n++ {
			cells := t.Slot(n, ts)
			for i, v := range cells {
				cells[i] = complex((real(v)-lo)/width, (imag(v)-lo)/width)
			}
		}
	}
	return nil
}

// components writes the real parts of cells followed by their imaginary
// parts into dst.
func components(cells []complex128, dst []float64) {
	l := len(cells)
	for i, v := range cells {
		dst[i] = real(v)
		dst[l+i] = imag(v)
	}
}

func magnitudes(cells []complex128, dst []float64) {
	for i, v := range cells {
		dst[i] = cmplx.Abs(v)
	}
}
