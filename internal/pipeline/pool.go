package pipeline

import (
	"context"
	"runtime"
	"sync"
)

// DefaultJobs is the per-stage parallelism when the caller passes 0:
// min(units, logical cores / 2), at least 1.
func DefaultJobs(units int) int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	if units < n {
		n = units
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ForEach runs fn over n units with bounded parallelism. The first error
// cancels the remaining units; workers observe cancellation cooperatively
// through the derived context. Units are independent by contract: each writes
// its own distinct output file.
func ForEach(ctx context.Context, jobs, n int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}
	if jobs <= 0 {
		jobs = DefaultJobs(n)
	}
	if jobs > n {
		jobs = n
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan int)
	errs := make(chan error, jobs)
	var wg sync.WaitGroup

	for w := 0; w < jobs; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				if ctx.Err() != nil {
					return
				}
				if err := fn(ctx, i); err != nil {
					select {
					case errs <- err:
					default:
					}
					cancel()
					return
				}
			}
		}()
	}

feed:
	for i := 0; i < n; i++ {
		select {
		case work <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
	}
	return ctx.Err()
}
