package runner

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// Job is one unit of work for RunPool, typically a whole experiment.
type Job func(ctx context.Context) error

// RunPool executes jobs with at most maxWorkers concurrently and returns
// their errors in job order. Jobs not yet started when ctx is done fail
// with ctx.Err().
func RunPool(ctx context.Context, maxWorkers int, jobs []Job) []error {
	slots := make([]error, len(jobs))
	p := pool.New().WithMaxGoroutines(max(maxWorkers, 1))
	for i, job := range jobs {
		p.Go(func() {
			if err := ctx.Err(); err != nil {
				slots[i] = err
				return
			}
			slots[i] = job(ctx)
		})
	}
	p.Wait()

	var errs []error
	for _, err := range slots {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
