package cdp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto"
)

// Sentinel errors for conditions callers commonly test with errors.Is.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSessionClosed    = errors.New("session closed")
	ErrFrameDetached    = errors.New("frame detached")
	ErrContextStale     = errors.New("execution context is stale")
)

// TransportError reports that the channel to the browser is gone.
// errors.Is(err, ErrConnectionClosed) holds for every TransportError.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return ErrConnectionClosed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrConnectionClosed, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is matches ErrConnectionClosed.
func (e *TransportError) Is(target error) bool { return target == ErrConnectionClosed }

// ProtocolError is an error reply from the browser to a command.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
}

func newProtocolError(method string, e *cdproto.Error) *ProtocolError {
	return &ProtocolError{Method: method, Code: e.Code, Message: e.Message}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %s (%d)", e.Method, e.Message, e.Code)
}

// TimeoutError reports an operation that did not complete before its deadline.
// It unwraps to context.DeadlineExceeded.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("timeout waiting for %s after %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("timeout waiting for %s", e.Op)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// StateError reports an operation that is invalid for the current state of
// a session, frame or execution context. Err is one of ErrSessionClosed,
// ErrFrameDetached or ErrContextStale.
type StateError struct {
	Op  string
	Err error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// ContextError converts the error of a finished ctx into the package error
// taxonomy: deadlines become a *TimeoutError, cancellation is wrapped as is.
func ContextError(ctx context.Context, op string) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		te := &TimeoutError{Op: op}
		if t, ok := timeoutOf(ctx); ok {
			te.Timeout = t
		}
		return te
	}
	return fmt.Errorf("%s: %w", op, err)
}

type timeoutKey struct{}

// WithTimeout is context.WithTimeout that also records d so a later
// TimeoutError can report it.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithValue(ctx, timeoutKey{}, d), d)
}

func timeoutOf(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(timeoutKey{}).(time.Duration)
	return d, ok
}
