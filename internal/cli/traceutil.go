package cli

import (
	"context"
	"runtime/trace"
	"time"

	"github.com/brandonbloom/pinenv/internal/failure"
	"go.uber.org/zap"
)

// traced runs one lifecycle operation inside a runtime/trace task and
// records its outcome in the operational log.
func traced[T any](ctx context.Context, s *session, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, task := trace.NewTask(ctx, "pinenv."+op)
	defer task.End()

	start := time.Now()
	var value T
	var err error
	trace.WithRegion(ctx, op, func() {
		value, err = fn(ctx)
	})
	logOutcome(s, op, time.Since(start), err)
	return value, err
}

func tracedErr(ctx context.Context, s *session, op string, fn func(context.Context) error) error {
	_, err := traced(ctx, s, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func logOutcome(s *session, op string, elapsed time.Duration, err error) {
	if s == nil || s.Log == nil {
		return
	}
	fields := []zap.Field{zap.String("op", op), zap.Duration("elapsed", elapsed)}
	if err == nil {
		s.Log.Info("operation finished", fields...)
		return
	}
	if kind := failure.KindOf(err); kind != "" {
		fields = append(fields, zap.String("kind", string(kind)), zap.Int("exit", kind.ExitCode()))
	}
	s.Log.Error("operation failed", append(fields, zap.Error(err))...)
}
