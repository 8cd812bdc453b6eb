// Package domain converts CSI tensors between the delay-spatial layout they
// are stored in and the delay-angular and frequency-spatial representations.
package domain

import (
	"math/cmplx"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/Noofbiz/csiflow/datasets"
)

// Domain is a tensor representation.
type Domain int

const (
	// DelaySpatial is the native (delay, antenna) layout.
	DelaySpatial Domain = iota
	// DelayAngular applies a DFT along the antenna axis.
	DelayAngular
	// FrequencySpatial applies a DFT along the delay axis.
	FrequencySpatial
)

func (d Domain) String() string {
	switch d {
	case DelaySpatial:
		return "delay-spatial"
	case DelayAngular:
		return "delay-angular"
	case FrequencySpatial:
		return "frequency-spatial"
	}
	return "unknown"
}

// Suffix is appended to per-domain artifact names.
func (d Domain) Suffix() string {
	switch d {
	case DelayAngular:
		return "_delang"
	case FrequencySpatial:
		return "_freq"
	}
	return ""
}

// Parse maps a configuration string to a Domain.
func Parse(s string) (Domain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "delay-spatial", "spatial":
		return DelaySpatial, nil
	case "delay-angular", "angular", "delang":
		return DelayAngular, nil
	case "frequency-spatial", "frequency", "freq":
		return FrequencySpatial, nil
	}
	return 0, errors.Errorf("unknown domain %q", s)
}

// All lists every domain.
func All() []Domain { return []Domain{DelaySpatial, DelayAngular, FrequencySpatial} }

// Transform returns t converted from the delay-spatial layout to d.
// t is not modified.
func Transform(t *datasets.Tensor, d Domain) *datasets.Tensor {
	return apply(t, d, false)
}

// Inverse returns t converted from d back to the delay-spatial layout.
func Inverse(t *datasets.Tensor, d Domain) *datasets.Tensor {
	return apply(t, d, true)
}

func apply(t *datasets.Tensor, d Domain, inverse bool) *datasets.Tensor {
	out := t.Clone()
	s := t.Shape
	switch d {
	case DelayAngular:
		// rows of A contiguous cells
		f := newLine(s.A, inverse)
		for off := 0; off < len(out.Data); off += s.A {
			f.run(out.Data[off:off+s.A], 1)
		}
	case FrequencySpatial:
		// columns of D cells at stride A
		f := newLine(s.D, inverse)
		slot := s.SlotLen()
		for base := 0; base < len(out.Data); base += slot {
			for a := 0; a < s.A; a++ {
				f.run(out.Data[base+a:base+slot], s.A)
			}
		}
	}
	return out
}

// line runs a length-n DFT over strided views of a buffer.
type line struct {
	fft     *fourier.CmplxFFT
	inverse bool
	buf     []complex128
	res     []complex128
}

func newLine(n int, inverse bool) *line {
	return &line{
		fft:     fourier.NewCmplxFFT(n),
		inverse: inverse,
		buf:     make([]complex128, n),
		res:     make([]complex128, n),
	}
}

// run transforms data[0], data[stride], ... data[(n-1)*stride] in place.
func (l *line) run(data []complex128, stride int) {
	n := len(l.buf)
	for i := 0; i < n; i++ {
		l.buf[i] = data[i*stride]
	}
	if !l.inverse {
		l.fft.Coefficients(l.res, l.buf)
	} else {
		// ifft(x) = conj(fft(conj(x))) / n
		for i, v := range l.buf {
			l.buf[i] = cmplx.Conj(v)
		}
		l.fft.Coefficients(l.res, l.buf)
		inv := 1 / float64(n)
		for i, v := range l.res {
			l.res[i] = complex(real(v)*inv, -imag(v)*inv)
		}
	}
	for i := 0; i < n; i++ {
		data[i*stride] = l.res[i]
	}
}
