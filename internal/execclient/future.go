package execclient

import (
	"context"
	"sync"

	"github.com/hanpama/gqlbus/internal/job"
)

// Future is the eventual outcome of one published job. It settles exactly
// once.
type Future struct {
	jobID string
	done  chan struct{}
	once  sync.Once

	result     *job.Result
	err        error
	executorID string
}

func newFuture(jobID string) *Future {
	return &Future{jobID: jobID, done: make(chan struct{})}
}

func (f *Future) settle(res *job.Result, err error, executorID string) bool {
	settled := false
	f.once.Do(func() {
		f.result, f.err, f.executorID = res, err, executorID
		close(f.done)
		settled = true
	})
	return settled
}

// JobID returns the id the job was published under.
func (f *Future) JobID() string { return f.jobID }

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Settled reports whether the future has settled.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx is done. Giving up on ctx does
// not cancel the job; it still settles on reply or timeout.
func (f *Future) Wait(ctx context.Context) (*job.Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecutorServerID names the executor that answered. Empty until the future
// resolved with a reply.
func (f *Future) ExecutorServerID() string {
	select {
	case <-f.done:
		return f.executorID
	default:
		return ""
	}
}
