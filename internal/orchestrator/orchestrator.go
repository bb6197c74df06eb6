// Package orchestrator runs the flushes its caller submits with
// bounded parallelism; the caller decides when a stream's batch
// flushes. It fans flushes out
// across a worker pool bounded by configured parallelism, serializing
// only the flushes that belong to the same stream.
package orchestrator

import (
	"context"
	"sync"
)

// LoadFunc performs one flush's warehouse load. The orchestrator
// itself is warehouse-agnostic: it only sequences and bounds
// concurrency; internal/engine supplies the closure that calls
// internal/warehouse.Syncer.Load.
type LoadFunc func(ctx context.Context, job Job) error

// Job is everything one flush submission needs. Sequence is assigned
// by Submit and is the ordering key the engine uses to gate STATE
// emission: a checkpoint received at loop time T is emitted only
// after every flush submitted at time <= T has succeeded.
type Job struct {
	Stream   string
	Sequence uint64
	Payload  interface{} // opaque to the orchestrator; engine's LoadFunc closes over the real request
}

// Result reports one job's outcome, delivered on Results() in
// completion order (which is not necessarily submission order across
// streams; completion order is not guaranteed).
type Result struct {
	Sequence uint64
	Stream   string
	Err      error
}

// Options configures an Orchestrator's concurrency bound.
type Options struct {
	// MaxParallelism clamps the total number of concurrent Load calls,
	// regardless of how many distinct streams are flushing at once.
	MaxParallelism int
	// LaneBuffer bounds how many queued-but-not-yet-running jobs a
	// single stream's lane holds before Submit blocks. Submitting is
	// one of the three operations the message loop is allowed to block
	// on, so a small buffer is fine.
	LaneBuffer int
}

// Orchestrator runs flush jobs with bounded global parallelism while
// serializing jobs for the same stream into per-stream FIFO lanes, so
// records within a single stream are COPY-loaded in submission
// order regardless of global concurrency.
type Orchestrator struct {
	opts Options
	load LoadFunc

	sem chan struct{}

	mu      sync.Mutex
	seq     uint64
	lanes   map[string]chan func()
	wg      sync.WaitGroup
	results chan Result
	closed  bool
}

// New builds an Orchestrator with a fixed worker-pool size. Callers
// that need the "0 means current active stream count" rule
// resolve that number (via config.Config.ResolveParallelism) before
// calling New, since only the caller knows the registry's stream
// count at startup.
func New(opts Options, load LoadFunc) *Orchestrator {
	if opts.MaxParallelism < 1 {
		opts.MaxParallelism = 1
	}
	if opts.LaneBuffer < 1 {
		opts.LaneBuffer = 4
	}
	return &Orchestrator{
		opts:    opts,
		load:    load,
		sem:     make(chan struct{}, opts.MaxParallelism),
		lanes:   make(map[string]chan func()),
		results: make(chan Result, opts.MaxParallelism*2),
	}
}

// Results returns the channel jobs report their outcome on. The
// caller (internal/engine) must drain it continuously; an
// Orchestrator whose Results channel isn't drained will deadlock its
// lanes once the buffer fills.
func (o *Orchestrator) Results() <-chan Result { return o.results }

// Submit enqueues a flush job onto its stream's lane and returns the
// sequence number assigned to it. Submit may block briefly if the
// stream's lane is full; submitting a flush is one of the few places
// the message loop is allowed to block.
func (o *Orchestrator) Submit(ctx context.Context, stream string, payload interface{}) uint64 {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0
	}
	o.seq++
	seq := o.seq
	lane, ok := o.lanes[stream]
	if !ok {
		lane = make(chan func(), o.opts.LaneBuffer)
		o.lanes[stream] = lane
		go o.runLane(lane)
	}
	o.mu.Unlock()

	job := Job{Stream: stream, Sequence: seq, Payload: payload}
	o.wg.Add(1)
	task := func() {
		defer o.wg.Done()
		o.sem <- struct{}{}
		err := o.load(ctx, job)
		<-o.sem
		o.results <- Result{Sequence: seq, Stream: stream, Err: err}
	}

	select {
	case lane <- task:
	case <-ctx.Done():
		// The job never ran, so task's own Result send never happens —
		// report the cancellation here instead, so this sequence still
		// surfaces as a completed (failed) Result rather than vanishing,
		// which would otherwise wedge STATE gating on a sequence that
		// can never commit.
		o.wg.Done()
		o.results <- Result{Sequence: seq, Stream: stream, Err: ctx.Err()}
	}
	return seq
}

func (o *Orchestrator) runLane(lane chan func()) {
	for task := range lane {
		task()
	}
}

// Wait blocks until every submitted job has reported a Result. Callers
// must keep draining Results() concurrently, or Wait deadlocks.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close marks the orchestrator closed to new submissions, waits for
// every in-flight/queued job to complete, then closes the results
// channel so a range-over-Results loop terminates. Per-stream lane
// goroutines are deliberately left running (blocked on an empty
// channel) rather than closed here: closing them here could race a
// concurrent Submit that already grabbed the lane reference before
// Close took the lock. That's harmless for a short-lived CLI process —
// they exit with it.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wg.Wait()
	close(o.results)
}
