package backend

import (
	"context"
	"sync"

	"github.com/loopkit/agentrt/cancel"
	"github.com/loopkit/agentrt/types"
)

// Thread is a fixed-size worker-pool Backend: one task's cycle loop runs
// entirely on a single worker goroutine (so cycles within a run stay
// sequential), but distinct tasks submitted to the same pool run
// concurrently. Submit/ParallelMap give callers (notably batch_sub_tasks)
// a job-level concurrency primitive independent of the cycle loop itself.
type Thread struct {
	sem chan struct{}
}

// NewThread returns a Thread backend capped at workers concurrent jobs. A
// non-positive value means unbounded.
func NewThread(workers int) *Thread {
	if workers <= 0 {
		return &Thread{}
	}
	return &Thread{sem: make(chan struct{}, workers)}
}

func (b *Thread) acquire() {
	if b.sem != nil {
		b.sem <- struct{}{}
	}
}

func (b *Thread) release() {
	if b.sem != nil {
		<-b.sem
	}
}

func (b *Thread) Execute(ctx context.Context, token *cancel.Token, initialMessages []types.Message, sharedState map[string]any, executor CycleExecutor, maxCycles int) (types.AgentResult, error) {
	type outcome struct {
		result types.AgentResult
		err    error
	}
	done := make(chan outcome, 1)
	b.acquire()
	go func() {
		defer b.release()
		inline := &Inline{}
		res, err := inline.Execute(ctx, token, initialMessages, sharedState, executor, maxCycles)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return types.AgentResult{Status: types.StatusFailed, Error: "run cancelled: " + ctx.Err().Error()}, nil
	case o := <-done:
		return o.result, o.err
	}
}

// threadFuture is the Future returned by Submit.
type threadFuture struct {
	ready  chan struct{}
	mu     sync.Mutex
	result any
	err    error
}

func (f *threadFuture) Result(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.ready:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, f.err
	}
}

// Submit runs fn on a pool goroutine and returns a Future for its result.
func (b *Thread) Submit(ctx context.Context, fn func(ctx context.Context) (any, error)) (Future, error) {
	f := &threadFuture{ready: make(chan struct{})}
	b.acquire()
	go func() {
		defer b.release()
		defer close(f.ready)
		result, err := fn(ctx)
		f.mu.Lock()
		f.result, f.err = result, err
		f.mu.Unlock()
	}()
	return f, nil
}

// ParallelMap dispatches n independent jobs concurrently, each running fn(i)
// on a pool goroutine, and collects results in index order. Used by
// batch_sub_tasks via tools.ParallelMapper when the active backend supports
// it, propagated explicitly through ToolContext.
func (b *Thread) ParallelMap(ctx context.Context, n int, fn func(ctx context.Context, i int) (any, error)) ([]any, error) {
	results := make([]any, n)
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		b.acquire()
		go func(i int) {
			defer wg.Done()
			defer b.release()
			r, err := fn(ctx, i)
			results[i] = r
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
