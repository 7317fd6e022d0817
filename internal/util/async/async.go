package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Task represents an asynchronous operation with a name and function.
type Task struct {
	Name string
	Func func(context.Context) error
}

// RunParallel executes multiple tasks in parallel and waits for all of them.
// Every failure is kept: the returned error joins each task error, prefixed with
// the task name. A limit greater than zero caps how many tasks run at once.
//
// Example:
//
//	tasks := []Task{
//	    {Name: "plan-a", Func: resumeA},
//	    {Name: "plan-b", Func: resumeB},
//	}
//	if err := RunParallel(ctx, tasks, 0); err != nil {
//	    return err
//	}
func RunParallel(ctx context.Context, tasks []Task, limit int) error {
	if len(tasks) == 0 {
		return nil
	}

	var sem chan struct{}
	if limit > 0 {
		sem = make(chan struct{}, limit)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", task.Name, ctx.Err()))
					mu.Unlock()
					return
				}
			}
			if err := task.Func(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", task.Name, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return errors.Join(errs...)
}
