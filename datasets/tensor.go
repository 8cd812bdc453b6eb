package datasets

import (
	"fmt"

	"github.com/pkg/errors"
)

// Shape is the logical extent of a CSI tensor: N samples, T timeslots,
// D delay (or frequency) rows and A angle (or antenna) columns.
type Shape struct {
	N, T, D, A int
}

// SlotLen is the number of cells in one timeslot of one sample.
func (s Shape) SlotLen() int { return s.D * s.A }

// SampleLen is the number of cells in one sample.
func (s Shape) SampleLen() int { return s.T * s.D * s.A }

// Len is the total number of cells.
func (s Shape) Len() int { return s.N * s.T * s.D * s.A }

// Dims returns the shape as a dimension list (N, T, D, A).
func (s Shape) Dims() []int { return []int{s.N, s.T, s.D, s.A} }

// Inner reports whether s and o agree on every axis but the sample axis.
func (s Shape) Inner(o Shape) bool { return s.T == o.T && s.D == o.D && s.A == o.A }

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s.N, s.T, s.D, s.A)
}

// Tensor is a dense complex CSI tensor laid out row-major as (N, T, D, A).
type Tensor struct {
	Shape Shape
	Data  []complex128
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(s Shape) *Tensor {
	return &Tensor{Shape: s, Data: make([]complex128, s.Len())}
}

// Bytes is the size of the backing buffer.
func (t *Tensor) Bytes() uint64 { return uint64(len(t.Data)) * 16 }

// Index returns the flat offset of cell (n, ts, d, a).
func (t *Tensor) Index(n, ts, d, a int) int {
	s := t.Shape
	return ((n*s.T+ts)*s.D+d)*s.A + a
}

func (t *Tensor) At(n, ts, d, a int) complex128 { return t.Data[t.Index(n, ts, d, a)] }

func (t *Tensor) Set(n, ts, d, a int, v complex128) { t.Data[t.Index(n, ts, d, a)] = v }

// Sample returns the cells of sample n. The slice aliases t.Data.
func (t *Tensor) Sample(n int) []complex128 {
	l := t.Shape.SampleLen()
	return t.Data[n*l : (n+1)*l]
}

// Slot returns the D*A cells of timeslot ts of sample n. The slice aliases t.Data.
func (t *Tensor) Slot(n, ts int) []complex128 {
	l := t.Shape.SlotLen()
	off := (n*t.Shape.T + ts) * l
	return t.Data[off : off+l]
}

// Rows returns samples [from, to) as a tensor sharing t's buffer.
func (t *Tensor) Rows(from, to int) *Tensor {
	s := t.Shape
	s.N = to - from
	l := t.Shape.SampleLen()
	return &Tensor{Shape: s, Data: t.Data[from*l : to*l]}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{Shape: t.Shape, Data: make([]complex128, len(t.Data))}
	copy(c.Data, t.Data)
	return c
}

// SelectSlots copies the listed timeslots of every sample into a new tensor.
func (t *Tensor) SelectSlots(slots []int) (*Tensor, error) {
	s := t.Shape
	for _, ts := range slots {
		if ts < 0 || ts >= s.T {
			return nil, errors.Errorf("timeslot %d out of range [0, %d)", ts, s.T)
		}
	}
	out := NewTensor(Shape{N: s.N, T: len(slots), D: s.D, A: s.A})
	for n := 0; n < s.N; n++ {
		for j, ts := range slots {
			copy(out.Slot(n, j), t.Slot(n, ts))
		}
	}
	return out, nil
}
