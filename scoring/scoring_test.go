package scoring

import (
	"math"
	"math/rand"
	"testing"

	"github.com/Noofbiz/csiflow/datasets"
	"github.com/Noofbiz/csiflow/errs"
)

func randomTensor(t *testing.T, s datasets.Shape, seed int64) *datasets.Tensor {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	x := datasets.NewTensor(s)
	for i := range x.Data {
		x.Data[i] = complex(rng.NormFloat64(), rng.NormFloat64())
	}
	return x
}

func scaled(x *datasets.Tensor, k float64) *datasets.Tensor {
	out := x.Clone()
	for i, v := range out.Data {
		out.Data[i] = complex(real(v)*k, imag(v)*k)
	}
	return out
}

func TestScore_IdenticalIsZero(t *testing.T) {
	x := randomTensor(t, datasets.Shape{N: 4, T: 2, D: 3, A: 3}, 1)
	for _, k := range []float64{1, -3.5, 1e-6} {
		y := scaled(x, k)
		r, err := Score(y, y, Extent{})
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if r.MSE != 0 || r.NMSE != 0 {
			t.Fatalf("k=%v: score = %+v, want zeros", k, r)
		}
	}

	zero := datasets.NewTensor(datasets.Shape{N: 2, T: 1, D: 2, A: 2})
	if r, err := Score(zero, zero, Extent{}); err != nil || r.MSE != 0 || r.NMSE != 0 {
		t.Fatalf("Score(0, 0) = %+v, %v", r, err)
	}
}

func TestScore_MSEScalesQuadratically(t *testing.T) {
	x := randomTensor(t, datasets.Shape{N: 5, T: 1, D: 4, A: 2}, 2)
	y := randomTensor(t, datasets.Shape{N: 5, T: 1, D: 4, A: 2}, 3)
	base, err := Score(x, y, Extent{})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	const a = 3.0
	r, err := Score(scaled(x, a), scaled(y, a), Extent{})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if math.Abs(r.MSE-a*a*base.MSE) > 1e-9*r.MSE {
		t.Fatalf("mse(aX, aY) = %v, want %v", r.MSE, a*a*base.MSE)
	}
	if math.Abs(r.NMSE-base.NMSE) > 1e-12 {
		t.Fatalf("nmse changed under scaling: %v vs %v", r.NMSE, base.NMSE)
	}
}

func TestScore_KnownValues(t *testing.T) {
	truth := datasets.NewTensor(datasets.Shape{N: 2, T: 1, D: 1, A: 2})
	est := datasets.NewTensor(truth.Shape)
	// sample 0: truth (1, 1), estimate (1, 0): error 1, energy 2
	truth.Data[0], truth.Data[1] = 1, 1
	est.Data[0] = 1
	// sample 1: truth (2i, 0), estimate (0, 0): error 4, energy 4
	truth.Data[2] = 2i

	r, err := Score(est, truth, Extent{})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if r.MSE != (1.0+4.0)/2/2 {
		t.Fatalf("MSE = %v, want 1.25", r.MSE)
	}
	if r.NMSE != (0.5+1.0)/2 {
		t.Fatalf("NMSE = %v, want 0.75", r.NMSE)
	}
	if math.Abs(r.NMSEdB()-10*math.Log10(0.75)) > 1e-12 {
		t.Fatalf("NMSEdB = %v", r.NMSEdB())
	}

	// the declared extent drives the MSE denominator
	r, _ = Score(est, truth, Extent{Delay: 4, Angle: 2})
	if r.MSE != (1.0+4.0)/2/8 {
		t.Fatalf("MSE with declared extent = %v, want %v", r.MSE, 5.0/16)
	}

	// power differences are added to both error and energy
	w, err := ScoreWeighted(est, truth, Extent{}, []float64{2, 0})
	if err != nil {
		t.Fatalf("ScoreWeighted: %v", err)
	}
	if w.NMSE != (3.0/4.0+1.0)/2 {
		t.Fatalf("weighted NMSE = %v, want 0.875", w.NMSE)
	}
}

func TestScore_Failures(t *testing.T) {
	a := datasets.NewTensor(datasets.Shape{N: 1, T: 1, D: 1, A: 2})
	b := datasets.NewTensor(datasets.Shape{N: 1, T: 1, D: 2, A: 1})
	if _, err := Score(a, b, Extent{}); !errs.Is(err, errs.ShapeMismatch) {
		t.Fatalf("expected ShapeMismatch, got %v", err)
	}
	est := a.Clone()
	est.Data[0] = 1
	if _, err := Score(est, a, Extent{}); !errs.Is(err, errs.DegeneratePower) {
		t.Fatalf("expected DegeneratePower, got %v", err)
	}
	if _, err := ScoreWeighted(a, a, Extent{}, []float64{1, 2}); !errs.Is(err, errs.ShapeMismatch) {
		t.Fatalf("expected ShapeMismatch for power differences, got %v", err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	x := randomTensor(t, datasets.Shape{N: 3, T: 2, D: 2, A: 4}, 4)
	rho, err := CosineSimilarity(x, x)
	if err != nil {
		t.Fatalf("CosineSimilarity: %v", err)
	}
	if math.Abs(rho-1) > 1e-12 {
		t.Fatalf("rho(x, x) = %v, want 1", rho)
	}
	// a global phase rotation does not change the correlation magnitude
	rot := x.Clone()
	for i, v := range rot.Data {
		rot.Data[i] = v * 1i
	}
	if rho, _ = CosineSimilarity(rot, x); math.Abs(rho-1) > 1e-12 {
		t.Fatalf("rho(ix, x) = %v, want 1", rho)
	}

	// orthogonal rows score zero
	a := datasets.NewTensor(datasets.Shape{N: 1, T: 1, D: 1, A: 2})
	b := a.Clone()
	a.Data[0], b.Data[1] = 1, 1
	if rho, _ = CosineSimilarity(a, b); rho != 0 {
		t.Fatalf("rho of orthogonal rows = %v", rho)
	}
}
