package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "tt2tg/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// slowCommand is the duration above which a successful command logs at info.
const slowCommand = 750 * time.Millisecond

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// withTimeout bounds a command and tells the chat when it ran out of time.
func withTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			err := next(cctx, req)
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				_ = req.Reply(ctx, fmt.Sprintf("⌛ /%s timed out after %s", req.Command, d))
			}
			return err
		}
	}
}

// recoverPanic turns a handler panic into an error and a short chat notice.
func recoverPanic(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				reqLogger(log, req).Error("command panicked",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic: %v", r)
				if req != nil && req.Sender != nil {
					_ = req.Reply(context.WithoutCancel(ctx), "💥 internal error, see logs")
				}
			}()
			return next(ctx, req)
		}
	}
}

func logRequest(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			l := reqLogger(log, req).With(logx.Int("args", len(req.Args)), logx.Duration("dur", d))
			switch {
			case err != nil:
				l.Warn("command failed", logx.Err(err))
			case d >= slowCommand:
				l.Info("command ok (slow)")
			default:
				l.Debug("command ok")
			}
			return err
		}
	}
}

func reqLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}
