package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/heraldmail/herald/job"
)

// Logging returns middleware that logs send start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("send started",
			slog.String("job_id", j.ID.String()),
			slog.String("tenant_id", j.TenantID),
			slog.String("queue", j.Queue),
			slog.Int("attempt", j.Attempts),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("send failed",
				slog.String("job_id", j.ID.String()),
				slog.String("tenant_id", j.TenantID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("send completed",
				slog.String("job_id", j.ID.String()),
				slog.String("tenant_id", j.TenantID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
