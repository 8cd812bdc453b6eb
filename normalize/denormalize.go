package normalize

import (
	"context"
	"math/cmplx"

	"github.com/pkg/errors"

	"github.com/Noofbiz/csiflow/datasets"
	"github.com/Noofbiz/csiflow/domain"
	"github.com/Noofbiz/csiflow/errs"
	"github.com/Noofbiz/csiflow/stats"
)

// Denormalizer maps normalized values back to physical units using the
// statistics recorded by the normalization pass.
type Denormalizer struct {
	Mode Mode

	// powers[ts][n] as recorded by the pass
	powers map[int][]float64
	pre    *Extrema
	sphMag *Extrema
	mag    *Extrema
}

// NewDenormalizer inverts a pass from its in-memory accumulator.
func NewDenormalizer(mode Mode, acc *Accumulator) *Denormalizer {
	d := &Denormalizer{Mode: mode, pre: acc.Pre, sphMag: acc.SphMag, mag: acc.Mag}
	if acc.Powers != nil {
		d.powers = make(map[int][]float64, len(acc.Powers))
		for ts, p := range acc.Powers {
			d.powers[ts] = p
		}
	}
	return d
}

// LoadDenormalizer reads the artifacts mode needs for the listed timeslots
// of domain d. Any absent artifact or key fails with errs.MissingStatistic.
func LoadDenormalizer(ctx context.Context, store stats.Store, mode Mode, d domain.Domain, timeslots []int) (*Denormalizer, error) {
	out := &Denormalizer{Mode: mode}
	var err error
	if mode.spherical() {
		if out.powers, err = loadPowers(ctx, store, d, timeslots); err != nil {
			return nil, err
		}
	}
	switch mode {
	case MinMax:
		out.pre, err = loadExtrema(ctx, store, VariantPre, d)
	case Magnitude:
		out.mag, err = loadExtrema(ctx, store, VariantMag, d)
	case SphericalMagnitude:
		out.sphMag, err = loadExtrema(ctx, store, VariantSphMag, d)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Denormalizer) power(n, ts int) (float64, error) {
	p, ok := d.powers[ts]
	if !ok {
		return 0, errs.New(errs.MissingStatistic, errs.StageDenormalize, errs.Timeslot(ts), "no power record")
	}
	if n < 0 || n >= len(p) {
		return 0, errs.New(errs.MissingStatistic, errs.StageDenormalize, errs.Sample(n, ts),
			"power record covers %d samples", len(p))
	}
	return p[n], nil
}

func (d *Denormalizer) magExtrema() *Extrema {
	if d.Mode == SphericalMagnitude {
		return d.sphMag
	}
	return d.mag
}

// Value denormalizes one cell of sample n (global index) at timeslot ts.
// phase is used by the magnitude modes only.
func (d *Denormalizer) Value(v complex128, n, ts int, phase float64) (complex128, error) {
	switch d.Mode {
	case Spherical:
		p, err := d.power(n, ts)
		if err != nil {
			return 0, err
		}
		return complex(real(v)*p, imag(v)*p), nil
	case MinMax:
		lo, width, err := d.span(d.pre, ts)
		if err != nil {
			return 0, err
		}
		return complex(real(v)*width+lo, imag(v)*width+lo), nil
	case Magnitude, SphericalMagnitude:
		lo, width, err := d.span(d.magExtrema(), ts)
		if err != nil {
			return 0, err
		}
		z := cmplx.Rect(real(v)*width+lo, phase)
		if d.Mode == SphericalMagnitude {
			p, err := d.power(n, ts)
			if err != nil {
				return 0, err
			}
			z = complex(real(z)*p, imag(z)*p)
		}
		return z, nil
	}
	return 0, errors.Errorf("unsupported mode %v", d.Mode)
}

func (d *Denormalizer) span(ext *Extrema, ts int) (lo, width float64, err error) {
	if ext == nil {
		return 0, 0, errs.New(errs.MissingStatistic, errs.StageDenormalize, errs.Timeslot(ts), "no extrema record for %v", d.Mode)
	}
	return ext.span(ts, errs.StageDenormalize)
}

// DenormalizeOptions places a normalized tensor within the pass that produced it.
type DenormalizeOptions struct {
	// FirstTimeslot is the pass timeslot of the tensor's timeslot 0.
	FirstTimeslot int
	// SampleOffset is the pass sample index of the tensor's sample 0.
	SampleOffset int
	// Skip drops the first Skip samples of the denormalized result, e.g.
	// the training rows of a pooled train+validation tensor.
	Skip int
	// Phase supplies, in its real parts, the phase of every cell for the
	// magnitude modes. It must have the tensor's shape.
	Phase *datasets.Tensor
}

// Tensor denormalizes t into a new tensor and drops the first o.Skip rows.
func (d *Denormalizer) Tensor(t *datasets.Tensor, o DenormalizeOptions) (*datasets.Tensor, error) {
	s := t.Shape
	if o.Skip < 0 || o.Skip > s.N {
		return nil, errors.Errorf("skip %d out of range [0, %d]", o.Skip, s.N)
	}
	if d.Mode.RealOnly() && (o.Phase == nil || o.Phase.Shape != s) {
		return nil, errs.New(errs.ShapeMismatch, errs.StageDenormalize, "", "magnitude reconstruction needs a phase tensor of shape %v", s)
	}

	out := datasets.NewTensor(datasets.Shape{N: s.N - o.Skip, T: s.T, D: s.D, A: s.A})
	for n := o.Skip; n < s.N; n++ {
		for j := 0; j < s.T; j++ {
			src := t.Slot(n, j)
			dst := out.Slot(n-o.Skip, j)
			var ph []complex128
			if o.Phase != nil {
				ph = o.Phase.Slot(n, j)
			}
			for i, v := range src {
				var phase float64
				if ph != nil {
					phase = real(ph[i])
				}
				z, err := d.Value(v, o.SampleOffset+n, o.FirstTimeslot+j, phase)
				if err != nil {
					return nil, err
				}
				dst[i] = z
			}
		}
	}
	return out, nil
}
