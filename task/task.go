// Package task runs station operations in the background and hands the
// result back to whoever asked, if they are still waiting.
package task

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// Runner owns the background goroutines.
type Runner struct {
	wg  conc.WaitGroup
	log *zap.Logger
}

// NewRunner returns a runner that logs panics to log.
func NewRunner(log *zap.Logger) *Runner {
	return &Runner{log: log}
}

// Run starts op in the background. The op context is detached from owner
// cancellation: a chip operation that has started is allowed to finish.
// deliver is called with the result only while owner is still alive.
// A panic in op is logged and delivered as an error.
func Run[T any](r *Runner, owner context.Context, name string, op func(ctx context.Context) (T, error), deliver func(T, error)) {
	ctx := context.WithoutCancel(owner)
	r.wg.Go(func() {
		var (
			res T
			err error
			pc  panics.Catcher
		)
		pc.Try(func() { res, err = op(ctx) })
		if rec := pc.Recovered(); rec != nil {
			r.log.Error("task panicked", zap.String("task", name), zap.Any("panic", rec.Value), zap.String("stack", string(rec.Stack)))
			err = fmt.Errorf("%s: panic: %v", name, rec.Value)
		}
		if owner.Err() != nil {
			r.log.Debug("task result dropped", zap.String("task", name), zap.Error(err))
			return
		}
		deliver(res, err)
	})
}

// Wait blocks until every started task is done.
func (r *Runner) Wait() {
	r.wg.Wait()
}
