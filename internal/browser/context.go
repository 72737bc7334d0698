package browser

import (
	"context"
	"time"
)

// CombineContext returns a context that carries the values of primary (the
// chromedp target) and ends when either primary or op ends. The op deadline,
// if earlier, is applied too.
func CombineContext(primary, op context.Context) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if dl, ok := op.Deadline(); ok {
		ctx, cancel = context.WithDeadline(primary, dl)
	} else {
		ctx, cancel = context.WithCancel(primary)
	}
	stop := context.AfterFunc(op, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                       { return nil }
func (valueOnlyContext) Err() error                                  { return nil }

// Detach keeps ctx's values but drops its cancellation, so cleanup can still
// reach the browser after the caller's context has ended.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
