package exec

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunPreservesInputOrderAndIndependence(t *testing.T) {
	tasks := []Task{
		func(ctx context.Context, i int) error { return nil },
		func(ctx context.Context, i int) error { return errors.New("boom") },
		func(ctx context.Context, i int) error { return nil },
	}
	statuses := Run(context.Background(), 2, tasks)
	assert.Len(t, statuses, 3)
	assert.True(t, statuses[0].OK())
	assert.False(t, statuses[1].OK())
	assert.True(t, statuses[2].OK())
}

func TestRunIsolatesPanicsPerTask(t *testing.T) {
	tasks := []Task{
		func(ctx context.Context, i int) error { panic("boom") },
		func(ctx context.Context, i int) error { return nil },
	}
	statuses := Run(context.Background(), 2, tasks)
	assert.False(t, statuses[0].OK())
	assert.True(t, statuses[1].OK())
}

func TestRunBoundsConcurrency(t *testing.T) {
	const n = 20
	var mu sync.Mutex
	concurrent, maxConcurrent := 0, 0
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = func(ctx context.Context, _ int) error {
			mu.Lock()
			concurrent++
			if concurrent > maxConcurrent {
				maxConcurrent = concurrent
			}
			mu.Unlock()

			mu.Lock()
			concurrent--
			mu.Unlock()
			return nil
		}
	}
	Run(context.Background(), 3, tasks)
	assert.LessOrEqual(t, maxConcurrent, 3)
}

func TestRunFailFastReturnsFirstError(t *testing.T) {
	tasks := []Task{
		func(ctx context.Context, i int) error { return nil },
		func(ctx context.Context, i int) error { return errors.New("boom") },
	}
	err := RunFailFast(context.Background(), 2, tasks)
	assert.Error(t, err)
}

func TestRunFailFastSucceedsWhenAllOK(t *testing.T) {
	tasks := []Task{
		func(ctx context.Context, i int) error { return nil },
		func(ctx context.Context, i int) error { return nil },
	}
	err := RunFailFast(context.Background(), 2, tasks)
	assert.NoError(t, err)
}
