// Package scoring compares a reconstructed channel estimate with the ground
// truth in physical units.
package scoring

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"

	"github.com/Noofbiz/csiflow/datasets"
	"github.com/Noofbiz/csiflow/errs"
)

// Extent is the declared delay x angle extent the MSE is averaged over.
// Zero fields fall back to the tensor's own D and A.
type Extent struct {
	Delay int
	Angle int
}

// Result holds the two error figures.
type Result struct {
	// MSE is the mean squared error per cell.
	MSE float64
	// NMSE is the mean over samples of error energy / truth energy (linear).
	NMSE float64
}

// NMSEdB returns NMSE in decibels.
func (r Result) NMSEdB() float64 { return 10 * math.Log10(r.NMSE) }

// Score computes MSE and NMSE of est against truth.
func Score(est, truth *datasets.Tensor, ext Extent) (Result, error) {
	return ScoreWeighted(est, truth, ext, nil)
}

// ScoreWeighted computes MSE and NMSE of est against truth. When powDiff is
// not nil, powDiff[n] is added to both the error energy and the truth energy
// of sample n before the ratio is taken: power the estimate cannot
// represent, such as energy cut by delay truncation, counts as error.
func ScoreWeighted(est, truth *datasets.Tensor, ext Extent, powDiff []float64) (Result, error) {
	if est.Shape != truth.Shape {
		return Result{}, errs.New(errs.ShapeMismatch, errs.StageScore, "",
			"estimate %v and truth %v differ", est.Shape, truth.Shape)
	}
	s := truth.Shape
	if s.N == 0 {
		return Result{}, errs.New(errs.ShapeMismatch, errs.StageScore, "", "no samples")
	}
	if powDiff != nil && len(powDiff) != s.N {
		return Result{}, errs.New(errs.ShapeMismatch, errs.StageScore, "",
			"%d power differences for %d samples", len(powDiff), s.N)
	}
	delay, angle := ext.Delay, ext.Angle
	if delay <= 0 {
		delay = s.D
	}
	if angle <= 0 {
		angle = s.A
	}

	errEnergy := make([]float64, s.N)
	ratios := make([]float64, s.N)
	for n := 0; n < s.N; n++ {
		var se, pw float64
		e, tr := est.Sample(n), truth.Sample(n)
		for i, v := range tr {
			d := e[i] - v
			se += real(d)*real(d) + imag(d)*imag(d)
			pw += real(v)*real(v) + imag(v)*imag(v)
		}
		if powDiff != nil {
			se += powDiff[n]
			pw += powDiff[n]
		}
		errEnergy[n] = se
		switch {
		case se == 0:
			ratios[n] = 0
		case pw == 0:
			return Result{}, errs.New(errs.DegeneratePower, errs.StageScore, errs.Sample(n, 0),
				"truth has zero energy but error is %v", se)
		default:
			ratios[n] = se / pw
		}
	}

	n := float64(s.N)
	return Result{
		MSE:  floats.Sum(errEnergy) / n / float64(s.T*delay*angle),
		NMSE: floats.Sum(ratios) / n,
	}, nil
}

// CosineSimilarity is the mean, over every sample, timeslot and delay row,
// of |<est, truth>| / (|est| |truth|) taken along the angle axis.
func CosineSimilarity(est, truth *datasets.Tensor) (float64, error) {
	if est.Shape != truth.Shape {
		return 0, errs.New(errs.ShapeMismatch, errs.StageScore, "",
			"estimate %v and truth %v differ", est.Shape, truth.Shape)
	}
	s := truth.Shape
	rows := s.N * s.T * s.D
	if rows == 0 {
		return 0, errs.New(errs.ShapeMismatch, errs.StageScore, "", "no rows")
	}
	rho := make([]float64, rows)
	for r := 0; r < rows; r++ {
		e := est.Data[r*s.A : (r+1)*s.A]
		tr := truth.Data[r*s.A : (r+1)*s.A]
		var dot complex128
		var ne, nt float64
		for i := range tr {
			dot += cmplx.Conj(e[i]) * tr[i]
			ne += real(e[i])*real(e[i]) + imag(e[i])*imag(e[i])
			nt += real(tr[i])*real(tr[i]) + imag(tr[i])*imag(tr[i])
		}
		if ne == 0 || nt == 0 {
			n := r / (s.T * s.D)
			return 0, errs.New(errs.DegeneratePower, errs.StageScore, errs.Sample(n, (r/s.D)%s.T),
				"zero-norm angle vector in delay row %d", r%s.D)
		}
		rho[r] = cmplx.Abs(dot) / math.Sqrt(ne*nt)
	}
	return floats.Sum(rho) / float64(rows), nil
}
