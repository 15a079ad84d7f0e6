package renderer

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelBands splits the scanline range [0, height) into contiguous bands
// and runs fn for each on its own goroutine. Forward rendering is read-only
// on the field, so bands only need disjoint output rows. numWorkers <= 0
// uses the CPU count.
func ParallelBands(height, numWorkers int, fn func(y0, y1 int) error) error {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > height {
		numWorkers = height
	}
	if numWorkers <= 1 {
		return fn(0, height)
	}

	var g errgroup.Group
	bandSize := (height + numWorkers - 1) / numWorkers
	for y0 := 0; y0 < height; y0 += bandSize {
		y1 := min(y0+bandSize, height)
		start, end := y0, y1
		g.Go(func() error {
			return fn(start, end)
		})
	}
	return g.Wait()
}
