// Package retry re-runs operations that fail with transient errors.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
)

// Executor runs an operation up to MaxAttempts times, sleeping Backoff between
// attempts that failed with a retryable error.
//
// Operations must be idempotent or carry their own deduplication key: a write
// whose acknowledgement was lost will run again.
type Executor struct {
	MaxAttempts int
	Backoff     time.Duration
	logger      *zap.Logger
}

// New creates an executor. Non-positive values fall back to the defaults.
func New(maxAttempts int, backoff time.Duration, logger *zap.Logger) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if backoff < 0 {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{MaxAttempts: maxAttempts, Backoff: backoff, logger: logger}
}

// Do runs op. The error of the last attempt is returned unchanged.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= e.MaxAttempts || !IsRetryable(err) {
			return err
		}
		e.logger.Warn("retrying after transient failure",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.MaxAttempts),
			zap.Duration("backoff", e.Backoff),
			zap.Error(err))

		t := time.NewTimer(e.Backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return err
		}
	}
}

// Run is Do for operations that produce a value.
func Run[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = op(ctx)
		return err
	})
	return out, err
}

// IsRetryable reports whether err represents a transient condition: an error
// marked chaterr.ErrTransient, a timeout, or a server-side unavailability.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, chaterr.ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if s, ok := grpcstatus.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Internal:
			return true
		}
	}
	return false
}
