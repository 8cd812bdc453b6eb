package datasets

import (
	"github.com/Noofbiz/csiflow/errs"
)

// RawBatch is one batch as read from a source, decoded to complex cells of
// shape (samples, T, D, A). It is not modified after loading.
type RawBatch struct {
	// ID is the batch identifier the batch was loaded from.
	ID     int
	Shape  Shape
	Values []complex128
}

// NewRawBatch wraps complex values of the given shape.
func NewRawBatch(id int, s Shape, values []complex128) (*RawBatch, error) {
	if len(values) != s.Len() {
		return nil, errs.New(errs.ShapeMismatch, errs.StageLoad, errs.Batch(id),
			"%d values do not fill shape %v", len(values), s)
	}
	return &RawBatch{ID: id, Shape: s, Values: values}, nil
}

// FromSplit decodes a real-pair array of dimensions (S, T, 2, D, A), channel
// 0 holding real parts and channel 1 imaginary parts.
func FromSplit(id int, dims []int, flat []float32) (*RawBatch, error) {
	if len(dims) != 5 || dims[2] != 2 {
		return nil, errs.New(errs.ShapeMismatch, errs.StageLoad, errs.Batch(id),
			"expected dimensions (S, T, 2, D, A), got %v", dims)
	}
	s := Shape{N: dims[0], T: dims[1], D: dims[3], A: dims[4]}
	if len(flat) != 2*s.Len() {
		return nil, errs.New(errs.ShapeMismatch, errs.StageLoad, errs.Batch(id),
			"%d values do not fill dimensions %v", len(flat), dims)
	}
	values := make([]complex128, s.Len())
	slot := s.SlotLen()
	for i := 0; i < s.N*s.T; i++ {
		re := flat[2*i*slot : (2*i+1)*slot]
		im := flat[(2*i+1)*slot : (2*i+2)*slot]
		for j := 0; j < slot; j++ {
			values[i*slot+j] = complex(float64(re[j]), float64(im[j]))
		}
	}
	return &RawBatch{ID: id, Shape: s, Values: values}, nil
}

// FromFlat decodes rows laid out as (S, T*2*D*A): for each timeslot the D*A
// real parts precede the D*A imaginary parts. The row width must agree with
// the declared T, D and A.
func FromFlat(id int, rows, cols int, flat []float64, t, d, a int) (*RawBatch, error) {
	s := Shape{N: rows, T: t, D: d, A: a}
	if cols != 2*s.SampleLen() {
		return nil, errs.New(errs.ShapeMismatch, errs.StageLoad, errs.Batch(id),
			"row width %d does not match T=%d D=%d A=%d", cols, t, d, a)
	}
	if len(flat) != rows*cols {
		return nil, errs.New(errs.ShapeMismatch, errs.StageLoad, errs.Batch(id),
			"%d values do not fill %dx%d", len(flat), rows, cols)
	}
	values := make([]complex128, s.Len())
	slot := s.SlotLen()
	for i := 0; i < s.N*s.T; i++ {
		re := flat[2*i*slot : (2*i+1)*slot]
		im := flat[(2*i+1)*slot : (2*i+2)*slot]
		for j := 0; j < slot; j++ {
			values[i*slot+j] = complex(re[j], im[j])
		}
	}
	return &RawBatch{ID: id, Shape: s, Values: values}, nil
}

// flatRows encodes b in the (S, T*2*D*A) layout read by FromFlat.
func (b *RawBatch) flatRows() []float64 {
	slot := b.Shape.SlotLen()
	out := make([]float64, 2*len(b.Values))
	for i := 0; i < b.Shape.N*b.Shape.T; i++ {
		src := b.Values[i*slot : (i+1)*slot]
		for j, v := range src {
			out[2*i*slot+j] = real(v)
			out[(2*i+1)*slot+j] = imag(v)
		}
	}
	return out
}

// truncated returns the batch restricted to the first n delay rows. The
// original batch is left untouched.
func (b *RawBatch) truncated(n int) *RawBatch {
	s := b.Shape
	if n <= 0 || n >= s.D {
		return b
	}
	out := Shape{N: s.N, T: s.T, D: n, A: s.A}
	values := make([]complex128, out.Len())
	keep := n * s.A
	for i := 0; i < s.N*s.T; i++ {
		copy(values[i*keep:(i+1)*keep], b.Values[i*s.SlotLen():i*s.SlotLen()+keep])
	}
	return &RawBatch{ID: b.ID, Shape: out, Values: values}
}

// droppedEnergy writes into dst[n*T+ts] the squared magnitude of the delay
// rows at and beyond n.
func (b *RawBatch) droppedEnergy(n int, dst []float64) {
	s := b.Shape
	from := n * s.A
	for i := 0; i < s.N*s.T; i++ {
		var e float64
		for _, v := range b.Values[i*s.SlotLen()+from : (i+1)*s.SlotLen()] {
			e += real(v)*real(v) + imag(v)*imag(v)
		}
		dst[i] = e
	}
}
