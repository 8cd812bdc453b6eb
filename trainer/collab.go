package trainer

import (
	"github.com/pkg/errors"
)

// Model is the learnable function the loop trains. Forward must remember
// what Backward needs; Backward accumulates parameter gradients for the
// most recent Forward call.
type Model interface {
	Forward(inputs [][]float32) ([][]float32, error)
	Backward(gradOutputs [][]float32) error
	// SetTraining switches between training and evaluation behavior.
	SetTraining(training bool)
	// State and LoadState snapshot and restore all parameters.
	State() ([]byte, error)
	LoadState(state []byte) error
}

// Optimizer applies accumulated gradients.
type Optimizer interface {
	ZeroGrad()
	Step() error
}

// Criterion computes a batch loss and its gradient with respect to the
// predictions.
type Criterion interface {
	Loss(pred, target [][]float32) (loss float64, grad [][]float32, err error)
}

// Dataset is the minimal interface the loop requires from training and
// validation data.
type Dataset interface {
	Len() int
	// Batch returns inputs and labels for the provided indices.
	Batch(indices []int) ([][]float32, [][]float32, error)
}

// MSELoss is the mean over every output element of the squared error.
type MSELoss struct{}

func (MSELoss) Loss(pred, target [][]float32) (float64, [][]float32, error) {
	if len(pred) != len(target) {
		return 0, nil, errors.Errorf("%d predictions for %d targets", len(pred), len(target))
	}
	var count int
	for i := range pred {
		if len(pred[i]) != len(target[i]) {
			return 0, nil, errors.Errorf("prediction %d has %d values, target %d", i, len(pred[i]), len(target[i]))
		}
		count += len(pred[i])
	}
	if count == 0 {
		return 0, nil, errors.New("empty batch")
	}

	var sum float64
	scale := float32(2.0 / float64(count))
	grad := make([][]float32, len(pred))
	for i := range pred {
		grad[i] = make([]float32, len(pred[i]))
		for j := range pred[i] {
			d := pred[i][j] - target[i][j]
			sum += float64(d) * float64(d)
			grad[i][j] = scale * d
		}
	}
	return sum / float64(count), grad, nil
}
