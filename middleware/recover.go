package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/turnhq/turnstile/request"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *request.Request, next Handler) (retErr error) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := string(debug.Stack())
				logger.Error("backend handler panicked",
					slog.String("request_id", r.ID.String()),
					slog.String("session_id", r.SessionID),
					slog.Any("panic", rec),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic processing request %s: %v", r.ID.String(), rec)
			}
		}()
		return next(ctx)
	}
}
