package orchestrator_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"target-redshift/internal/orchestrator"
)

func drainResults(o *orchestrator.Orchestrator, n int) []orchestrator.Result {
	out := make([]orchestrator.Result, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, <-o.Results())
	}
	return out
}

func TestSubmitAssignsIncreasingSequences(t *testing.T) {
	var calls int32
	o := orchestrator.New(orchestrator.Options{MaxParallelism: 4}, func(ctx context.Context, j orchestrator.Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	seqs := make([]uint64, 5)
	for i := range seqs {
		seqs[i] = o.Submit(context.Background(), "orders", nil)
	}
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
	drainResults(o, 5)
	assert.EqualValues(t, 5, atomic.LoadInt32(&calls))
}

func TestSameStreamJobsRunSerially(t *testing.T) {
	var mu sync.Mutex
	var order []int
	var active int32

	o := orchestrator.New(orchestrator.Options{MaxParallelism: 8}, func(ctx context.Context, j orchestrator.Job) error {
		if atomic.AddInt32(&active, 1) > 1 {
			t.Errorf("overlapping execution for same stream")
		}
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, j.Payload.(int))
		mu.Unlock()
		atomic.AddInt32(&active, -1)
		return nil
	})

	for i := 0; i < 5; i++ {
		o.Submit(context.Background(), "orders", i)
	}
	drainResults(o, 5)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDistinctStreamsRunConcurrently(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	o := orchestrator.New(orchestrator.Options{MaxParallelism: 2}, func(ctx context.Context, j orchestrator.Job) error {
		started <- struct{}{}
		<-release
		return nil
	})

	o.Submit(context.Background(), "orders", nil)
	o.Submit(context.Background(), "customers", nil)

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("jobs for distinct streams did not run concurrently")
		}
	}
	close(release)
	drainResults(o, 2)
}

func TestMaxParallelismBoundsConcurrency(t *testing.T) {
	var current, maxSeen int32
	var mu sync.Mutex

	o := orchestrator.New(orchestrator.Options{MaxParallelism: 2}, func(ctx context.Context, j orchestrator.Job) error {
		n := atomic.AddInt32(&current, 1)
		mu.Lock()
		if n > maxSeen {
			maxSeen = n
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return nil
	})

	for i := 0; i < 6; i++ {
		o.Submit(context.Background(), "stream-"+string(rune('a'+i)), nil)
	}
	drainResults(o, 6)
	assert.LessOrEqual(t, int(maxSeen), 2)
}

func TestJobErrorIsReported(t *testing.T) {
	want := assert.AnError
	o := orchestrator.New(orchestrator.Options{MaxParallelism: 1}, func(ctx context.Context, j orchestrator.Job) error {
		return want
	})
	o.Submit(context.Background(), "orders", nil)
	result := <-o.Results()
	require.Error(t, result.Err)
}

func TestCloseWaitsForInFlightJobs(t *testing.T) {
	var done int32
	o := orchestrator.New(orchestrator.Options{MaxParallelism: 4}, func(ctx context.Context, j orchestrator.Job) error {
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&done, 1)
		return nil
	})
	go func() {
		for range o.Results() {
		}
	}()
	for i := 0; i < 3; i++ {
		o.Submit(context.Background(), "orders", nil)
	}
	o.Close()
	assert.EqualValues(t, 3, atomic.LoadInt32(&done))
}
