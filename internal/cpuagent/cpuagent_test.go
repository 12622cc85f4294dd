package cpuagent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsJobsAndPublishesResults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	jobs := make(chan Job, 1)
	results := make(chan Result, 4)

	pool := New(2, jobs)
	pool.Start(ctx)

	for i := 0; i < 4; i++ {
		n := i
		jobs <- Job{
			FQKey:    "job",
			Run:      func(context.Context) (any, error) { return n * 2, nil },
			Response: results,
		}
	}

	close(jobs)
	pool.Stop()

	got := make(map[int]bool)

	for i := 0; i < 4; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.Error)
			got[r.Value.(int)] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for result")
		}
	}

	for _, want := range []int{0, 2, 4, 6} {
		assert.True(t, got[want], "missing result %d", want)
	}
}

func TestPoolPropagatesJobError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	jobs := make(chan Job, 1)
	results := make(chan Result, 1)

	pool := New(1, jobs)
	pool.Start(ctx)

	sentinel := errors.New("boom")

	jobs <- Job{
		FQKey:    "failing",
		Run:      func(context.Context) (any, error) { return nil, sentinel },
		Response: results,
	}

	close(jobs)
	pool.Stop()

	r := <-results
	assert.ErrorIs(t, r.Error, sentinel)
	assert.Equal(t, "failing", r.FQKey)
}
