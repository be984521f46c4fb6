package vm

import (
	"context"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// CancelToken: cooperative cancellation for running programs
// ---------------------------------------------------------------------------

// CancelToken wraps the host's context. The interpreter polls it at safe
// points: backward branches, catch exits, finally and fault completion,
// and explicit SAFEPOINT instructions. Once set it stays set, so a
// handler that catches the resulting Cancelled exception sees it raised
// again when it exits.
type CancelToken struct {
	ctx       context.Context
	cancelled atomic.Bool // cached cancelled state
}

// NewCancelToken creates a token tracking ctx. A nil ctx never cancels.
func NewCancelToken(ctx context.Context) *CancelToken {
	if ctx == nil {
		ctx = context.Background()
	}
	return &CancelToken{ctx: ctx}
}

// Cancel sets the token without touching the context.
func (t *CancelToken) Cancel() {
	t.cancelled.Store(true)
}

// IsCancelled reports whether cancellation was requested.
func (t *CancelToken) IsCancelled() bool {
	if t == nil {
		return false
	}
	// Check cached value first
	if t.cancelled.Load() {
		return true
	}
	// Check actual context
	select {
	case <-t.ctx.Done():
		t.cancelled.Store(true)
		return true
	default:
		return false
	}
}

// Err returns the context error, if any.
func (t *CancelToken) Err() error {
	return t.ctx.Err()
}

// Context returns the wrapped context.
func (t *CancelToken) Context() context.Context {
	return t.ctx
}

// exception builds the Cancelled exception raised at a safe point.
func (t *CancelToken) exception() *Exception {
	return cancelledException(t.ctx.Err())
}
