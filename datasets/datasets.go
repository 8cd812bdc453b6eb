// Package datasets reads batched CSI tensors from disk and assembles them
// into one contiguous tensor ready for normalization and training.
//
// Layout and intended usage:
//
// Loader
//   - Reads one batch file per identifier from a path template. The
//     container format is chosen by configuration (gob or npz), never
//     inferred from the file.
//
// Assembler
//   - Pre-allocates the (N, T, D, A) output on the first batch and writes
//     batch i at the prefix sum of the declared sizes before it, so the
//     result does not depend on arrival order. Delay truncation is applied
//     per batch before the write.
//   - Split partitions the result in assembly order at floor(N * frac).
//
// Windowed
//   - Exposes timeslot windows of an assembled tensor as flat float32
//     examples, and yields them as gomlx tensor batches for prediction.
package datasets

import "github.com/gomlx/gomlx/pkg/core/tensors"

// Dataset is implemented by Windowed; it matches the shape expected by the
// training loop and by gomlx's train.Dataset.
type Dataset interface {
	Len() int
	Example(i int) (inputs []float32, labels []float32, err error)
	Batch(indices []int) (inputs [][]float32, labels [][]float32, err error)

	// To implement gomlx's train.Dataset interface
	Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error)
	Restart() error
}

var _ Dataset = (*Windowed)(nil)
