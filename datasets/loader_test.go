package datasets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/csiflow/errs"
)

func sameValues(t *testing.T, got, want []complex128, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length %d, want %d", len(got), len(want))
	}
	for i := range got {
		d := got[i] - want[i]
		if real(d) > tol || real(d) < -tol || imag(d) > tol || imag(d) < -tol {
			t.Fatalf("value %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestGobLoader_RoundTrip(t *testing.T) {
	tmp := t.TempDir()
	src := Source{PathTemplate: filepath.Join(tmp, "H_batch{id}.gob"), Key: "HD_12", Format: FormatGob, Timeslots: 2, Delay: 3, Angle: 2}

	want := makeBatch(t, 4, 3, Shape{T: 2, D: 3, A: 2}, 1)
	if err := WriteGobBatch(src.Path(4), src.Key, want); err != nil {
		t.Fatalf("WriteGobBatch: %v", err)
	}

	l, err := NewLoader(src)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	got, err := l.Load(context.Background(), 4)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != 4 || got.Shape != want.Shape {
		t.Fatalf("loaded id=%d shape=%v, want id=4 shape=%v", got.ID, got.Shape, want.Shape)
	}
	sameValues(t, got.Values, want.Values, 0)
}

func TestGobLoader_SplitEncoding(t *testing.T) {
	tmp := t.TempDir()
	src := Source{PathTemplate: filepath.Join(tmp, "b{id}.gob"), Key: "H", Format: FormatGob}

	// one sample, one timeslot, 1x2 cells: re = [1, 2], im = [3, 4]
	c := Container{Arrays: map[string]Array{"H": {Dims: []int{1, 1, 2, 1, 2}, Re: []float32{1, 2, 3, 4}}}}
	if err := writeGob(src.Path(0), &c); err != nil {
		t.Fatalf("writeGob: %v", err)
	}
	l, _ := NewLoader(src)
	b, err := l.Load(context.Background(), 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sameValues(t, b.Values, []complex128{complex(1, 3), complex(2, 4)}, 0)
}

func TestGobLoader_DeclaredShapeMismatch(t *testing.T) {
	tmp := t.TempDir()
	src := Source{PathTemplate: filepath.Join(tmp, "b{id}.gob"), Key: "H", Format: FormatGob, Delay: 5}
	if err := WriteGobBatch(src.Path(1), "H", makeBatch(t, 1, 1, Shape{T: 1, D: 3, A: 2}, 0)); err != nil {
		t.Fatalf("WriteGobBatch: %v", err)
	}
	l, _ := NewLoader(src)
	if _, err := l.Load(context.Background(), 1); !errs.Is(err, errs.ShapeMismatch) {
		t.Fatalf("expected ShapeMismatch, got %v", err)
	}
}

func TestNPZLoader_RoundTrip(t *testing.T) {
	tmp := t.TempDir()
	src := Source{PathTemplate: filepath.Join(tmp, "H_{id}.npz"), Key: "H_down", Format: FormatNPZ, Timeslots: 2, Delay: 2, Angle: 3}

	want := makeBatch(t, 7, 4, Shape{T: 2, D: 2, A: 3}, -2)
	if err := WriteNPZBatch(src.Path(7), src.Key, want); err != nil {
		t.Fatalf("WriteNPZBatch: %v", err)
	}
	l, err := NewLoader(src)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	got, err := l.Load(context.Background(), 7)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Shape != want.Shape {
		t.Fatalf("shape %v, want %v", got.Shape, want.Shape)
	}
	sameValues(t, got.Values, want.Values, 0)
}

func TestNewLoader_Validation(t *testing.T) {
	if _, err := NewLoader(Source{PathTemplate: "no-placeholder.gob", Key: "H"}); err == nil {
		t.Fatalf("expected error for template without placeholder")
	}
	if _, err := NewLoader(Source{PathTemplate: "b{id}.npz", Key: "H", Format: FormatNPZ}); err == nil {
		t.Fatalf("expected error for npz source without shape")
	}
	if _, err := ParseFormat("mat"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if f, err := ParseFormat("NPZ"); err != nil || f != FormatNPZ {
		t.Fatalf("ParseFormat(NPZ) = %v, %v", f, err)
	}
}

func TestAssembleFrom_PrefetchMatchesSequential(t *testing.T) {
	tmp := t.TempDir()
	src := Source{PathTemplate: filepath.Join(tmp, "b{id}.gob"), Key: "H", Format: FormatGob}
	inner := Shape{T: 1, D: 2, A: 2}
	sizes := []int{2, 3, 1, 2}
	var want []complex128
	for i, n := range sizes {
		b := makeBatch(t, i+1, n, inner, float64(10*(i+1)))
		want = append(want, b.Values...)
		if err := WriteGobBatch(src.Path(i+1), "H", b); err != nil {
			t.Fatalf("WriteGobBatch: %v", err)
		}
	}

	ids, err := DiscoverBatchIDs(src.PathTemplate)
	if err != nil {
		t.Fatalf("DiscoverBatchIDs: %v", err)
	}
	if len(ids) != 4 || ids[0] != 1 || ids[3] != 4 {
		t.Fatalf("discovered ids %v", ids)
	}

	l, _ := NewLoader(src)
	for _, declared := range [][]int{sizes, nil} {
		out, err := AssembleFrom(context.Background(), l, ids, declared, 0, 0, 3)
		if err != nil {
			t.Fatalf("AssembleFrom(sizes=%v): %v", declared, err)
		}
		if out.Shape.N != 8 {
			t.Fatalf("assembled %d samples, want 8", out.Shape.N)
		}
		sameValues(t, out.Data, want, 0)
	}
}

func TestAssembleFrom_LoadErrorAborts(t *testing.T) {
	tmp := t.TempDir()
	src := Source{PathTemplate: filepath.Join(tmp, "b{id}.gob"), Key: "H", Format: FormatGob}
	if err := WriteGobBatch(src.Path(0), "H", makeBatch(t, 0, 1, Shape{T: 1, D: 1, A: 1}, 0)); err != nil {
		t.Fatalf("WriteGobBatch: %v", err)
	}
	l, _ := NewLoader(src)
	if _, err := AssembleFrom(context.Background(), l, []int{0, 1}, []int{1, 1}, 0, 0, 2); err == nil {
		t.Fatalf("expected error for missing batch file")
	}
}
