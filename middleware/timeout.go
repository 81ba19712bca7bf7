package middleware

import (
	"context"
	"time"

	"github.com/turnhq/turnstile/request"
)

// Timeout returns middleware that enforces the backend call deadline.
// The session lock is held across the call, so this bound is what keeps
// a hung backend from holding a session's lock indefinitely. When the
// deadline is exceeded the context is cancelled and the handler should
// return context.DeadlineExceeded.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *request.Request, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
