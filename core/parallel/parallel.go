// Package parallel runs row-range work across CPU cores.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
)

// Chunks splits [0, items) into at most workers contiguous half-open ranges of near-equal size.
func Chunks(items, workers int) [][2]int {
	if items <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > items {
		workers = items
	}
	chunkSize := (items + workers - 1) / workers

	ranges := make([][2]int, 0, workers)
	for start := 0; start < items; start += chunkSize {
		end := start + chunkSize
		if end > items {
			end = items
		}
		ranges = append(ranges, [2]int{start, end})
	}
	return ranges
}

// Parallelize executes fn for each chunk of [0, items) on one goroutine per CPU core.
func Parallelize(items int, fn func(start, end int)) {
	_ = ParallelizeErr(items, 0, func(start, end int) error {
		fn(start, end)
		return nil
	})
}

// ParallelizeWithThreshold runs fn sequentially when items does not exceed threshold.
func ParallelizeWithThreshold(items int, threshold int, fn func(start, end int)) {
	if items <= threshold {
		if items > 0 {
			fn(0, items)
		}
		return
	}
	Parallelize(items, fn)
}

// ParallelizeErr is Parallelize for fallible work. It returns the first error; a panicking chunk
// is reported as a PanicError instead of crashing the process.
func ParallelizeErr(items, threshold int, fn func(start, end int) error) error {
	if items <= 0 {
		return nil
	}
	if items <= threshold {
		return scierrors.SafeExecute("parallel chunk", func() error { return fn(0, items) })
	}

	var g errgroup.Group
	for _, r := range Chunks(items, runtime.NumCPU()) {
		start, end := r[0], r[1]
		g.Go(func() error {
			return scierrors.SafeExecute("parallel chunk", func() error { return fn(start, end) })
		})
	}
	return g.Wait()
}
