// Package task runs groups of functions that share one lifetime.
package task

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// OnSuccess executes g() after f() returns nil.
func OnSuccess(f func() error, g func() error) func() error {
	return func() error {
		if err := f(); err != nil {
			return err
		}
		return g()
	}
}

// Run executes a list of tasks in parallel, returns the first error encountered or nil if all
// tasks pass. The context handed to the tasks through ctx is not used; tasks that need to stop
// when a sibling fails use RunWithContext.
func Run(ctx context.Context, tasks ...func() error) error {
	return RunWithContext(ctx, func(context.Context) []func() error { return tasks })
}

// RunWithContext builds the tasks from a context that is cancelled as soon as one of them fails.
func RunWithContext(ctx context.Context, build func(context.Context) []func() error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range build(gctx) {
		g.Go(t)
	}
	return g.Wait()
}
