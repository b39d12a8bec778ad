package runner_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/signalnine/hporun/internal/runner"
)

func TestPool(t *testing.T) {
	var count atomic.Int32
	jobs := make([]runner.Job, 10)
	for i := range jobs {
		jobs[i] = func(context.Context) error {
			count.Add(1)
			return nil
		}
	}
	errs := runner.RunPool(context.Background(), 3, jobs)
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
	if count.Load() != 10 {
		t.Errorf("expected 10 jobs, got %d", count.Load())
	}
}

func TestPoolWithErrors(t *testing.T) {
	jobs := []runner.Job{
		func(context.Context) error { return nil },
		func(context.Context) error { return fmt.Errorf("fail") },
		func(context.Context) error { return nil },
	}
	errs := runner.RunPool(context.Background(), 2, jobs)
	if len(errs) != 1 {
		t.Errorf("expected 1 error, got %d", len(errs))
	}
}

func TestPoolCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Int32
	jobs := make([]runner.Job, 4)
	for i := range jobs {
		jobs[i] = func(ctx context.Context) error {
			ran.Add(1)
			return ctx.Err()
		}
	}
	errs := runner.RunPool(ctx, 1, jobs)
	if len(errs) != 4 {
		t.Errorf("expected every job to fail, got %d errors", len(errs))
	}
}

func TestPoolErrorOrder(t *testing.T) {
	jobs := make([]runner.Job, 5)
	for i := range jobs {
		jobs[i] = func(context.Context) error { return fmt.Errorf("job %d", i) }
	}
	errs := runner.RunPool(context.Background(), 5, jobs)
	if len(errs) != 5 {
		t.Fatalf("expected 5 errors, got %d", len(errs))
	}
	for i, err := range errs {
		if want := fmt.Sprintf("job %d", i); err.Error() != want {
			t.Errorf("errs[%d] = %q, want %q", i, err, want)
		}
	}
}
