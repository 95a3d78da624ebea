package util

import "context"

// MergeContexts returns a context that is cancelled as soon as either parent is done.
// Values are taken from ctx1.
func MergeContexts(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancelCause(ctx1)
	stop := context.AfterFunc(ctx2, func() {
		cancel(context.Cause(ctx2))
	})

	return merged, func() {
		stop()
		cancel(context.Canceled)
	}
}
