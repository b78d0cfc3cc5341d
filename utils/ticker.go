package utils

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Every returns a worker for StoppableWorkers that calls fn on each tick of clk until its context
// is done. A nil clock means the wall clock.
func Every(clk clock.Clock, interval time.Duration, fn func(ctx context.Context)) func(context.Context) {
	if clk == nil {
		clk = clock.New()
	}
	return func(ctx context.Context) {
		ticker := clk.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}
}

// ProgressLogger starts a worker that calls report every interval until the returned stop
// function is called. The first report happens after one interval, so short operations stay
// quiet.
func ProgressLogger(ctx context.Context, clk clock.Clock, interval time.Duration, report func(elapsed time.Duration)) func() {
	if clk == nil {
		clk = clock.New()
	}
	start := clk.Now()
	workers := NewStoppableWorkers(ctx, Every(clk, interval, func(context.Context) {
		report(clk.Since(start).Round(time.Second))
	}))
	return workers.Stop
}
