package datasets

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// LoadAll loads ids with up to workers concurrent readers (0 = NumCPU) and
// hands every batch to add together with its position in ids. add may be
// called concurrently for distinct positions. The first error cancels the
// remaining loads and is returned.
func LoadAll(ctx context.Context, l Loader, ids []int, workers int, add func(pos int, b *RawBatch) error) error {
	n := len(ids)
	if n == 0 {
		return nil
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int, n)
	errCh := make(chan error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for pos := range jobs {
				b, err := l.Load(ctx, ids[pos])
				if err == nil {
					err = add(pos, b)
				}
				if err != nil {
					errCh <- errors.Wrapf(err, "batch %d", ids[pos])
					cancel()
					return
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(errCh)

	// the first error reported wins
	if err, ok := <-errCh; ok {
		return err
	}
	return ctx.Err()
}

// AssembleFrom loads ids and assembles them in the order of ids. See
// LoadAssembler.
func AssembleFrom(ctx context.Context, l Loader, ids, sizes []int, total, truncate, workers int) (*Tensor, error) {
	a, err := LoadAssembler(ctx, l, ids, sizes, total, truncate, workers)
	if err != nil {
		return nil, err
	}
	return a.Tensor()
}

// LoadAssembler loads ids into an Assembler and returns it filled. When sizes
// is nil the batches are read first and their sample counts become the
// declared sizes; otherwise batches stream straight into the assembler.
// total <= 0 means the sum of the sizes.
func LoadAssembler(ctx context.Context, l Loader, ids, sizes []int, total, truncate, workers int) (*Assembler, error) {
	if sizes == nil {
		batches := make([]*RawBatch, len(ids))
		err := LoadAll(ctx, l, ids, workers, func(pos int, b *RawBatch) error {
			batches[pos] = b
			return nil
		})
		if err != nil {
			return nil, err
		}
		sizes = make([]int, len(batches))
		for i, b := range batches {
			sizes[i] = b.Shape.N
		}
		if total <= 0 {
			total = prefixSums(sizes)[len(sizes)]
		}
		a, err := NewAssembler(sizes, total, truncate)
		if err != nil {
			return nil, err
		}
		for i, b := range batches {
			if err := a.Add(i, b); err != nil {
				return nil, err
			}
		}
		return a, nil
	}

	if len(sizes) != len(ids) {
		return nil, errors.Errorf("%d declared sizes for %d batch ids", len(sizes), len(ids))
	}
	if total <= 0 {
		total = prefixSums(sizes)[len(sizes)]
	}
	a, err := NewAssembler(sizes, total, truncate)
	if err != nil {
		return nil, err
	}
	if err := LoadAll(ctx, l, ids, workers, a.Add); err != nil {
		return nil, err
	}
	return a, nil
}
