// Package appctx provides contexts for cleanup that must outlive the
// request or job that triggered it.
package appctx

import (
	"context"
	"time"
)

// Detached keeps parent's values (trace span, request id) but drops its
// cancellation and deadline, replacing them with timeout.
func Detached(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
