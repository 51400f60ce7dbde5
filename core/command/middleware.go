package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LoggingMiddleware logs every handler execution with its duration and
// outcome.
func LoggingMiddleware(log *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd Command) (*Result, error) {
			start := time.Now()
			res, err := next(ctx, cmd)
			attrs := []any{
				slog.String("command", CommandTypeOf(cmd)),
				slog.String("command_id", cmd.CommandID()),
				slog.Duration("took", time.Since(start)),
			}
			if err != nil {
				log.Warn("command failed", append(attrs, slog.Any("error", err))...)
				return nil, err
			}
			log.Info("command handled", append(attrs, slog.Int("num_events", len(res.Events)))...)
			return res, nil
		}
	}
}

// RecoverMiddleware converts handler panics into errors so one bad handler
// cannot take the dispatcher down.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd Command) (res *Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return next(ctx, cmd)
		}
	}
}
