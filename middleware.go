package xqueue

import (
	"context"
	"fmt"
	"time"
)

// TimeoutMiddleware bounds a handler's run time. When exceeded the attempt fails
// with context.DeadlineExceeded; the handler goroutine is abandoned.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, payload []byte) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				errCh <- next.Handle(tctx, payload)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		})
	}
}

// RecoveryMiddleware converts handler panics into errors so they follow the
// normal retry path.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, payload []byte) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next.Handle(ctx, payload)
		})
	}
}

// ackMiddleware fails attempts that return nil without calling Ack.
func ackMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, payload []byte) error {
			tok := &ackToken{}
			if err := next.Handle(injectAck(ctx, tok), payload); err != nil {
				return err
			}
			if !tok.acked.Load() {
				return ErrNotAcknowledged
			}
			return nil
		})
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
