package resilience

import (
	"context"
	"time"

	"github.com/turtacn/meshsec/pkg/errors"
)

// WithTimeout runs fn and gives up waiting once limit elapses. The timeout is
// advisory: fn keeps running in its goroutine but observes the cancelled
// context; its eventual result is discarded.
func WithTimeout(ctx context.Context, operation string, limit time.Duration, fn func(ctx context.Context) error) error {
	if limit <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.ErrTimeout(operation, limit)
	}
}
