package trainer

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// TensorDataset is the batch protocol of gomlx's train.Dataset: Yield
// returns one float32 input tensor and one float32 label tensor per batch,
// each of shape (batch, width), and io.EOF at the end of the data.
type TensorDataset interface {
	Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error)
	Restart() error
}

// PredictTensors restarts ds and runs the model in evaluation mode over
// every batch it yields. Predictions and labels come back in yield order as
// (examples, width) tensors.
func (l *Loop) PredictTensors(ds TensorDataset) (pred, labels *tensors.Tensor, err error) {
	if err := ds.Restart(); err != nil {
		return nil, nil, errors.Wrap(err, "restart dataset")
	}
	l.Model.SetTraining(false)

	var out, lab [][]float32
	for batch := 0; ; batch++ {
		_, in, la, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrapf(err, "yield batch %d", batch)
		}
		if len(in) != 1 || len(la) != 1 {
			return nil, nil, errors.Errorf("batch %d: expected one input and one label tensor, got %d and %d", batch, len(in), len(la))
		}
		rows, err := tensorRows(in[0])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "batch %d inputs", batch)
		}
		labRows, err := tensorRows(la[0])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "batch %d labels", batch)
		}
		if len(rows) != len(labRows) {
			return nil, nil, errors.Errorf("batch %d: %d inputs but %d labels", batch, len(rows), len(labRows))
		}
		o, err := l.Model.Forward(rows)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "predict forward batch %d", batch)
		}
		out = append(out, o...)
		lab = append(lab, labRows...)
	}
	if len(out) == 0 {
		return nil, nil, errors.New("dataset yielded no examples")
	}
	if pred, err = rowsTensor(out); err != nil {
		return nil, nil, errors.Wrap(err, "predictions")
	}
	if labels, err = rowsTensor(lab); err != nil {
		return nil, nil, errors.Wrap(err, "labels")
	}
	return pred, labels, nil
}

// tensorRows splits a rank-2 float32 tensor into its rows.
func tensorRows(x *tensors.Tensor) ([][]float32, error) {
	dims := x.Shape().Dimensions
	if len(dims) != 2 {
		return nil, errors.Errorf("expected rank 2 tensor, got dimensions %v", dims)
	}
	flat := tensors.CopyFlatData[float32](x)
	rows := make([][]float32, dims[0])
	for i := range rows {
		rows[i] = flat[i*dims[1] : (i+1)*dims[1]]
	}
	return rows, nil
}

// rowsTensor packs equal-width rows into a (len(rows), width) tensor.
func rowsTensor(rows [][]float32) (*tensors.Tensor, error) {
	width := len(rows[0])
	flat := make([]float32, 0, len(rows)*width)
	for i, r := range rows {
		if len(r) != width {
			return nil, errors.Errorf("row %d has %d values, expected %d", i, len(r), width)
		}
		flat = append(flat, r...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(rows), width), nil
}
