// Package exec implements the Parallel Executor: fan out a batch of
// independent sub-tasks concurrently and join, preserving input order
// and isolating one sub-task's panic from the others.
package exec

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Status is one sub-task's outcome.
type Status struct {
	Err error
}

// OK reports whether the sub-task succeeded.
func (s Status) OK() bool {
	return s.Err == nil
}

// Task is one unit of fan-out work. Index is the task's position in
// the input batch, for correlating logs/metrics back to the caller's
// own bookkeeping.
type Task func(ctx context.Context, index int) error

// Run executes tasks with bounded concurrency and returns one Status
// per task, in input order, regardless of whether or how many tasks
// failed. A panic inside one task is recovered and turned into that
// task's Status, never propagated to the caller or to other tasks —
// every result slot is independent of every other sub-task's outcome.
func Run(ctx context.Context, concurrency int, tasks []Task) []Status {
	results := make([]Status, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if concurrency <= 0 {
		concurrency = len(tasks)
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for i, task := range tasks {
		i, task := i, task
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = runOne(ctx, i, task)
		}()
	}
	wg.Wait()
	return results
}

func runOne(ctx context.Context, index int, task Task) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			status = Status{Err: fmt.Errorf("sub-task %d panicked: %v", index, r)}
		}
	}()
	status = Status{Err: task(ctx, index)}
	return
}

// RunFailFast executes tasks concurrently and returns the first error
// encountered, cancelling the group's context so the remaining tasks
// can stop early — for callers that only want a single pass/fail
// result rather than per-task statuses (e.g. BatchGet, which returns
// its first non-OK status and gives up on the rest). Use Run instead when
// every sub-task's individual outcome matters, such as PreCommit's
// per-shard retry bookkeeping.
func RunFailFast(ctx context.Context, concurrency int, tasks []Task) error {
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			return safeCall(gctx, i, task)
		})
	}
	return g.Wait()
}

func safeCall(ctx context.Context, index int, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sub-task %d panicked: %v", index, r)
		}
	}()
	return task(ctx, index)
}
