package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/turnhq/turnstile/request"
)

// Logging returns middleware that logs backend call start and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *request.Request, next Handler) error {
		logger.Info("backend call started",
			slog.String("request_id", r.ID.String()),
			slog.String("session_id", r.SessionID),
			slog.String("channel", r.Channel),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("backend call failed",
				slog.String("request_id", r.ID.String()),
				slog.String("session_id", r.SessionID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("backend call completed",
				slog.String("request_id", r.ID.String()),
				slog.String("session_id", r.SessionID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
