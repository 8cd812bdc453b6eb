package datasets

import (
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/Noofbiz/csiflow/errs"
)

// Assembler concatenates batches into one contiguous tensor. Batch i is
// written at offset sizes[0] + ... + sizes[i-1] whatever order batches
// arrive in. The output is allocated once, on the first Add.
//
// Add is safe for concurrent use; writes of distinct batches touch disjoint
// index ranges.
type Assembler struct {
	sizes    []int
	cum      []int
	total    int
	truncate int

	mu      sync.Mutex
	out     *Tensor
	written []bool
	count   int

	// dropped[n*T+ts] is the energy truncation removed from sample n at
	// timeslot ts.
	dropped []float64
}

// NewAssembler prepares an assembler for batches of the declared sizes and
// a total of total samples. truncate > 0 keeps only the first truncate delay
// rows of every batch.
func NewAssembler(sizes []int, total, truncate int) (*Assembler, error) {
	if len(sizes) == 0 {
		return nil, errs.New(errs.IncompleteAssembly, errs.StageAssembly, "", "no batches declared")
	}
	for i, s := range sizes {
		if s < 0 {
			return nil, errs.New(errs.ShapeMismatch, errs.StageAssembly, errs.Batch(i), "negative batch size %d", s)
		}
	}
	cum := prefixSums(sizes)
	if cum[len(sizes)] > total {
		return nil, errs.New(errs.ShapeMismatch, errs.StageAssembly, errs.Batch(len(sizes)-1),
			"declared sizes sum to %d, exceeding the extent %d", cum[len(sizes)], total)
	}
	return &Assembler{
		sizes:    sizes,
		cum:      cum,
		total:    total,
		truncate: truncate,
		written:  make([]bool, len(sizes)),
	}, nil
}

// Offset returns the first sample index of batch idx.
func (a *Assembler) Offset(idx int) int { return a.cum[idx] }

// Add writes batch idx into its index range.
func (a *Assembler) Add(idx int, b *RawBatch) error {
	if idx < 0 || idx >= len(a.sizes) {
		return errs.New(errs.ShapeMismatch, errs.StageAssembly, errs.Batch(idx),
			"batch index out of range [0, %d)", len(a.sizes))
	}
	if b.Shape.N != a.sizes[idx] {
		return errs.New(errs.ShapeMismatch, errs.StageAssembly, errs.Batch(idx),
			"batch holds %d samples, declared %d", b.Shape.N, a.sizes[idx])
	}
	full := b
	b = b.truncated(a.truncate)

	a.mu.Lock()
	if a.written[idx] {
		a.mu.Unlock()
		return errs.New(errs.Overlap, errs.StageAssembly, errs.Batch(idx), "batch written twice")
	}
	if a.out == nil {
		s := b.Shape
		s.N = a.total
		a.out = NewTensor(s)
	}
	out := a.out
	if !out.Shape.Inner(b.Shape) {
		a.mu.Unlock()
		return errs.New(errs.ShapeMismatch, errs.StageAssembly, errs.Batch(idx),
			"inner shape %v disagrees with %v", b.Shape, out.Shape)
	}
	a.written[idx] = true
	a.count += b.Shape.N
	if full != b && a.dropped == nil {
		a.dropped = make([]float64, a.total*out.Shape.T)
	}
	a.mu.Unlock()

	l := out.Shape.SampleLen()
	copy(out.Data[a.cum[idx]*l:a.cum[idx+1]*l], b.Values)
	if full != b {
		full.droppedEnergy(a.truncate, a.dropped[a.cum[idx]*out.Shape.T:a.cum[idx+1]*out.Shape.T])
	}
	return nil
}

// Dropped returns, for timeslot ts, the per-sample energy removed by
// truncation. It is all zeros when nothing was truncated.
func (a *Assembler) Dropped(ts int) []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]float64, a.total)
	if a.dropped == nil || a.out == nil {
		return out
	}
	t := a.out.Shape.T
	for n := range out {
		out[n] = a.dropped[n*t+ts]
	}
	return out
}

// Tensor returns the assembled tensor once every declared batch has been
// written and the written samples fill the extent.
func (a *Assembler) Tensor() (*Tensor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, w := range a.written {
		if !w {
			return nil, errs.New(errs.IncompleteAssembly, errs.StageAssembly, errs.Batch(i),
				"batch never written (%d of %d samples present)", a.count, a.total)
		}
	}
	if a.count != a.total {
		return nil, errs.New(errs.IncompleteAssembly, errs.StageAssembly, "",
			"%d of %d samples written", a.count, a.total)
	}
	return a.out, nil
}

// Assemble writes batches[i] at the offset of sizes[i] and returns the
// tensor. See Assembler.
func Assemble(batches []*RawBatch, sizes []int, total, truncate int) (*Tensor, error) {
	if len(batches) != len(sizes) {
		return nil, errs.New(errs.IncompleteAssembly, errs.StageAssembly, "",
			"%d batches for %d declared sizes", len(batches), len(sizes))
	}
	a, err := NewAssembler(sizes, total, truncate)
	if err != nil {
		return nil, err
	}
	for i, b := range batches {
		if b == nil {
			return nil, errs.New(errs.IncompleteAssembly, errs.StageAssembly, errs.Batch(i), "batch missing")
		}
		if err := a.Add(i, b); err != nil {
			return nil, err
		}
	}
	return a.Tensor()
}

// SplitIndex is floor(n * frac), the number of leading samples in the
// training partition.
func SplitIndex(n int, frac float64) (int, error) {
	if !(frac > 0 && frac < 1) {
		return 0, errors.Errorf("validation split %v not in (0, 1)", frac)
	}
	return int(math.Floor(float64(n) * frac)), nil
}

// Split partitions t in assembly order: the first SplitIndex(N, frac)
// samples train, the rest validate. Both partitions share t's buffer.
func Split(t *Tensor, frac float64) (train, valid *Tensor, idx int, err error) {
	idx, err = SplitIndex(t.Shape.N, frac)
	if err != nil {
		return nil, nil, 0, err
	}
	train, valid, err = SplitAt(t, idx)
	return train, valid, idx, err
}

// SplitAt partitions t at an explicit sample index.
func SplitAt(t *Tensor, idx int) (train, valid *Tensor, err error) {
	if idx < 0 || idx > t.Shape.N {
		return nil, nil, errors.Errorf("split index %d out of range [0, %d]", idx, t.Shape.N)
	}
	return t.Rows(0, idx), t.Rows(idx, t.Shape.N), nil
}
