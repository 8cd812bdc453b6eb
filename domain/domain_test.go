package domain

import (
	"math/cmplx"
	"testing"

	"github.com/Noofbiz/csiflow/datasets"
)

func TestTransform_ImpulseIsFlat(t *testing.T) {
	x := datasets.NewTensor(datasets.Shape{N: 1, T: 1, D: 4, A: 4})
	x.Set(0, 0, 0, 0, 1)

	ang := Transform(x, DelayAngular)
	for a := 0; a < 4; a++ {
		if cmplx.Abs(ang.At(0, 0, 0, a)-1) > 1e-12 {
			t.Fatalf("angular cell %d = %v, want 1", a, ang.At(0, 0, 0, a))
		}
		if ang.At(0, 0, 1, a) != 0 {
			t.Fatalf("angular row 1 should stay zero, got %v", ang.At(0, 0, 1, a))
		}
	}

	freq := Transform(x, FrequencySpatial)
	for d := 0; d < 4; d++ {
		if cmplx.Abs(freq.At(0, 0, d, 0)-1) > 1e-12 {
			t.Fatalf("frequency cell %d = %v, want 1", d, freq.At(0, 0, d, 0))
		}
		if freq.At(0, 0, d, 1) != 0 {
			t.Fatalf("frequency column 1 should stay zero, got %v", freq.At(0, 0, d, 1))
		}
	}
	if x.At(0, 0, 0, 1) != 0 || x.At(0, 0, 0, 0) != 1 {
		t.Fatalf("input was modified")
	}
}

func TestInverse_RoundTrip(t *testing.T) {
	x := datasets.NewTensor(datasets.Shape{N: 2, T: 2, D: 3, A: 5})
	for i := range x.Data {
		x.Data[i] = complex(float64(i%7)-3, float64(i%4)*0.5)
	}
	for _, d := range All() {
		back := Inverse(Transform(x, d), d)
		for i := range x.Data {
			if cmplx.Abs(back.Data[i]-x.Data[i]) > 1e-9 {
				t.Fatalf("%v: cell %d = %v, want %v", d, i, back.Data[i], x.Data[i])
			}
		}
	}
}

func TestParse(t *testing.T) {
	cases := map[string]Domain{
		"":                  DelaySpatial,
		"delay-angular":     DelayAngular,
		"FREQ":              FrequencySpatial,
		"frequency-spatial": FrequencySpatial,
	}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil || got != want {
			t.Fatalf("Parse(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := Parse("polar"); err == nil {
		t.Fatalf("expected error for unknown domain")
	}
	if DelayAngular.Suffix() != "_delang" || FrequencySpatial.Suffix() != "_freq" || DelaySpatial.Suffix() != "" {
		t.Fatalf("unexpected suffixes")
	}
}
