package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers runs background goroutines sharing one context so they can be stopped
// together. Panics in a worker are logged instead of crashing the process.
type StoppableWorkers struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewStoppableWorkers starts funcs, each in its own goroutine. They also stop when ctx is done.
func NewStoppableWorkers(ctx context.Context, funcs ...func(context.Context)) *StoppableWorkers {
	sw := &StoppableWorkers{}
	sw.ctx, sw.cancel = context.WithCancel(ctx)
	sw.Add(funcs...)
	return sw
}

// Add starts more workers. It reports false and starts nothing once the workers are stopping.
func (sw *StoppableWorkers) Add(funcs ...func(context.Context)) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.ctx.Err() != nil {
		return false
	}
	sw.running.Add(len(funcs))
	for _, f := range funcs {
		goutils.PanicCapturingGo(func() {
			defer sw.running.Done()
			f(sw.ctx)
		})
	}
	return true
}

// Stop cancels the shared context and waits for every worker to return.
func (sw *StoppableWorkers) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.cancel()
	sw.running.Wait()
}

// Context returns the context the workers watch.
func (sw *StoppableWorkers) Context() context.Context {
	return sw.ctx
}
