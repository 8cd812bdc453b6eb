package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Windowed presents an assembled tensor as supervised examples: the inputs
// of sample n are the listed timeslots of that sample and the label is its
// target timeslot. Every timeslot is flattened to its real block followed
// by its imaginary block (real block only when RealOnly is set, as for
// magnitude-normalized tensors).
type Windowed struct {
	// BatchSize for yielding batches
	BatchSize int

	// RealOnly drops the imaginary blocks.
	RealOnly bool

	tensor     *Tensor
	inputSlots []int
	targetSlot int

	// cursor is the first sample of the next Yield.
	cursor int
}

// NewWindowed builds a Windowed view of t. It does not copy t.
func NewWindowed(t *Tensor, inputSlots []int, targetSlot int) (*Windowed, error) {
	if len(inputSlots) == 0 {
		return nil, fmt.Errorf("no input timeslots")
	}
	for _, s := range append([]int{targetSlot}, inputSlots...) {
		if s < 0 || s >= t.Shape.T {
			return nil, fmt.Errorf("timeslot %d out of range [0, %d)", s, t.Shape.T)
		}
	}
	return &Windowed{
		BatchSize:  32,
		tensor:     t,
		inputSlots: inputSlots,
		targetSlot: targetSlot,
	}, nil
}

// Len returns the number of samples.
func (w *Windowed) Len() int { return w.tensor.Shape.N }

// InputDim is the length of one flattened input.
func (w *Windowed) InputDim() int { return len(w.inputSlots) * w.slotWidth() }

// LabelDim is the length of one flattened label.
func (w *Windowed) LabelDim() int { return w.slotWidth() }

func (w *Windowed) slotWidth() int {
	if w.RealOnly {
		return w.tensor.Shape.SlotLen()
	}
	return 2 * w.tensor.Shape.SlotLen()
}

func (w *Windowed) encodeSlot(dst []float32, n, ts int) {
	cells := w.tensor.Slot(n, ts)
	l := len(cells)
	for i, v := range cells {
		dst[i] = float32(real(v))
		if !w.RealOnly {
			dst[l+i] = float32(imag(v))
		}
	}
}

// encode writes sample idx into in (InputDim values) and la (LabelDim values).
func (w *Windowed) encode(in, la []float32, idx int) error {
	if idx < 0 || idx >= w.Len() {
		return fmt.Errorf("index %d out of range [0, %d)", idx, w.Len())
	}
	sw := w.slotWidth()
	for j, ts := range w.inputSlots {
		w.encodeSlot(in[j*sw:(j+1)*sw], idx, ts)
	}
	w.encodeSlot(la, idx, w.targetSlot)
	return nil
}

// Example returns the flattened inputs and label of sample idx.
func (w *Windowed) Example(idx int) (inputs []float32, labels []float32, err error) {
	inputs = make([]float32, w.InputDim())
	labels = make([]float32, w.LabelDim())
	if err := w.encode(inputs, labels, idx); err != nil {
		return nil, nil, err
	}
	return inputs, labels, nil
}

// Batch reads multiple examples by their indices.
func (w *Windowed) Batch(indices []int) ([][]float32, [][]float32, error) {
	inputs := make([][]float32, len(indices))
	labels := make([][]float32, len(indices))
	for i, idx := range indices {
		in, la, err := w.Example(idx)
		if err != nil {
			return nil, nil, err
		}
		inputs[i] = in
		labels[i] = la
	}
	return inputs, labels, nil
}

// Decode turns model outputs, one flattened timeslot per row, back into a
// tensor of shape (rows, 1, D, A).
func (w *Windowed) Decode(rows [][]float32) (*Tensor, error) {
	s := w.tensor.Shape
	out := NewTensor(Shape{N: len(rows), T: 1, D: s.D, A: s.A})
	l := s.SlotLen()
	for n, row := range rows {
		if len(row) != w.slotWidth() {
			return nil, fmt.Errorf("row %d has %d values, expected %d", n, len(row), w.slotWidth())
		}
		dst := out.Slot(n, 0)
		for i := range dst {
			var im float64
			if !w.RealOnly {
				im = float64(row[l+i])
			}
			dst[i] = complex(float64(row[i]), im)
		}
	}
	return out, nil
}

// DecodeTensor is Decode for a float32 gomlx tensor of shape (rows, LabelDim).
func (w *Windowed) DecodeTensor(x *tensors.Tensor) (*Tensor, error) {
	dims := x.Shape().Dimensions
	if len(dims) != 2 || dims[1] != w.slotWidth() {
		return nil, fmt.Errorf("expected dimensions (rows, %d), got %v", w.slotWidth(), dims)
	}
	flat := tensors.CopyFlatData[float32](x)
	rows := make([][]float32, dims[0])
	for i := range rows {
		rows[i] = flat[i*dims[1] : (i+1)*dims[1]]
	}
	return w.Decode(rows)
}

// Tensors encodes the samples at indices straight into float32 gomlx
// tensors of shapes (len(indices), InputDim) and (len(indices), LabelDim).
func (w *Windowed) Tensors(indices []int) (inputs *tensors.Tensor, labels *tensors.Tensor, err error) {
	if len(indices) == 0 {
		return nil, nil, fmt.Errorf("empty batch")
	}
	id, ld := w.InputDim(), w.LabelDim()
	in := make([]float32, len(indices)*id)
	la := make([]float32, len(indices)*ld)
	for i, idx := range indices {
		if err := w.encode(in[i*id:(i+1)*id], la[i*ld:(i+1)*ld], idx); err != nil {
			return nil, nil, err
		}
	}
	return tensors.FromFlatDataAndDimensions(in, len(indices), id),
		tensors.FromFlatDataAndDimensions(la, len(indices), ld), nil
}

// Name returns the name of the dataset.
func (w *Windowed) Name() string { return "Windowed" }

// Yield returns the next BatchSize samples, in index order, as gomlx
// tensors, and io.EOF once every sample has been yielded.
func (w *Windowed) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	n := w.Len()
	if w.cursor >= n {
		return nil, nil, nil, io.EOF
	}
	end := min(w.cursor+max(w.BatchSize, 1), n)
	indices := make([]int, end-w.cursor)
	for i := range indices {
		indices[i] = w.cursor + i
	}
	in, la, err := w.Tensors(indices)
	if err != nil {
		return nil, nil, nil, err
	}
	w.cursor = end
	return nil, []*tensors.Tensor{in}, []*tensors.Tensor{la}, nil
}

// Restart rewinds Yield to the first sample.
func (w *Windowed) Restart() error {
	w.cursor = 0
	return nil
}
