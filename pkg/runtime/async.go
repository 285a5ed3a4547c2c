package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/errdefs"
	"github.com/corralhq/corral/pkg/values"
)

// AsyncConfig bounds asynchronous call execution.
type AsyncConfig struct {
	// Timeout cancels a call that outlives it; zero falls back to the
	// policy's execution limit.
	Timeout time.Duration

	// MaxConcurrent caps in-flight calls per batch executor.
	MaxConcurrent int
}

// DefaultAsyncConfig returns the standard async limits.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{MaxConcurrent: 10}
}

// AsyncCallResult pairs an execution result with queueing and
// execution timings.
type AsyncCallResult struct {
	Result     ExecutionResult
	WaitTimeMS uint64
	ExecTimeMS uint64
}

// CallAsync runs a synchronous engine call on a background goroutine
// and cancels it — by cancelling the instance's base context — when
// ctx expires first. The underlying guest is trapped, not abandoned.
func (e *Engine) CallAsync(ctx context.Context, handle InstanceHandle, function string, args []values.Value) (ExecutionResult, error) {
	type outcome struct {
		result ExecutionResult
		err    error
	}

	done := make(chan outcome, 1)
	go func() {
		result, err := e.Call(handle, function, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		if inst, err := e.GetInstance(handle); err == nil {
			inst.MarkError()
			// closeFn is set once at construction; cancelling it traps
			// the in-flight guest without touching the call mutex
			inst.closeFn()
		}
		<-done
		return ExecutionResult{}, errdefs.New(errdefs.KindTimeout, handle.ComponentID,
			"async call cancelled: %v", ctx.Err())
	}
}

// BatchCall is one call in a parallel batch.
type BatchCall struct {
	Handle   InstanceHandle
	Function string
	Args     []values.Value
}

// CallParallel executes calls concurrently, bounded by
// config.MaxConcurrent, and returns results in input order. A call
// that fails leaves a zero ExecutionResult in its slot; the call's
// error is not returned.
func (e *Engine) CallParallel(ctx context.Context, config AsyncConfig, calls []BatchCall) []AsyncCallResult {
	limit := config.MaxConcurrent
	if limit <= 0 {
		limit = 10
	}

	results := make([]AsyncCallResult, len(calls))
	errsOut := make([]error, len(calls))
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for n, call := range calls {
		wg.Add(1)
		go func(n int, call BatchCall) {
			defer wg.Done()

			queued := time.Now()
			sem <- struct{}{}
			defer func() { <-sem }()
			wait := time.Since(queued)

			callCtx := ctx
			if config.Timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, config.Timeout)
				defer cancel()
			}

			started := time.Now()
			result, err := e.CallAsync(callCtx, call.Handle, call.Function, call.Args)
			errsOut[n] = err
			results[n] = AsyncCallResult{
				Result:     result,
				WaitTimeMS: uint64(wait.Milliseconds()),
				ExecTimeMS: uint64(time.Since(started).Milliseconds()),
			}
		}(n, call)
	}
	wg.Wait()

	for n := range results {
		if errsOut[n] != nil {
			results[n].Result = ExecutionResult{}
		}
	}
	return results
}

// AsyncMetrics accumulates batch execution statistics.
type AsyncMetrics struct {
	mu              sync.Mutex
	TotalCalls      uint64
	SuccessfulCalls uint64
	FailedCalls     uint64
	TimedOutCalls   uint64
	TotalExecTimeMS uint64
	TotalWaitTimeMS uint64
}

// RecordSuccess counts a completed call.
func (m *AsyncMetrics) RecordSuccess(execMS, waitMS uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalCalls++
	m.SuccessfulCalls++
	m.TotalExecTimeMS += execMS
	m.TotalWaitTimeMS += waitMS
}

// RecordFailure counts a failed call.
func (m *AsyncMetrics) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalCalls++
	m.FailedCalls++
}

// RecordTimeout counts a timed-out call.
func (m *AsyncMetrics) RecordTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalCalls++
	m.TimedOutCalls++
}

// AverageExecTimeMS returns mean execution time across successes.
func (m *AsyncMetrics) AverageExecTimeMS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SuccessfulCalls == 0 {
		return 0
	}
	return float64(m.TotalExecTimeMS) / float64(m.SuccessfulCalls)
}

// SuccessRate returns the fraction of calls that succeeded.
func (m *AsyncMetrics) SuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TotalCalls == 0 {
		return 0
	}
	return float64(m.SuccessfulCalls) / float64(m.TotalCalls)
}
