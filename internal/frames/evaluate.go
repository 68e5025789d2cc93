package frames

import (
	"context"
	"errors"
	"fmt"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"

	"github.com/grantcarthew/cdpkit/internal/cdp"
)

// Evaluate runs expression in the default execution context of f's current
// document and returns the result by value, awaiting promises.
//
// If the document changes while the call is in flight the call fails with a
// StateError wrapping ErrContextStale, or ErrFrameDetached when the frame is
// gone. A result computed in a replaced context is never returned.
func (m *Manager) Evaluate(ctx context.Context, f *Frame, expression string) (*runtime.RemoteObject, error) {
	const op = "evaluate"

	id, err := m.WaitForExecutionContext(ctx, f)
	if err != nil {
		return nil, err
	}

	res, exc, err := runtime.Evaluate(expression).
		WithContextID(id).
		WithReturnByValue(true).
		WithAwaitPromise(true).
		Do(cdptypes.WithExecutor(ctx, m.session))
	if err != nil && cdp.IsClosed(err) {
		return nil, err
	}

	m.mu.RLock()
	state, current := f.state, f.contextID
	m.mu.RUnlock()
	switch {
	case state == StateDetached:
		return nil, detached(op)
	case current != id:
		return nil, &cdp.StateError{Op: op, Err: cdp.ErrContextStale}
	case err != nil:
		return nil, fmt.Errorf("failed to evaluate: %w", err)
	}
	if exc != nil {
		return nil, &EvaluationError{Details: exc}
	}
	return res, nil
}

// EvaluationError is a JavaScript exception thrown by an evaluated expression.
type EvaluationError struct {
	Details *runtime.ExceptionDetails
}

func (e *EvaluationError) Error() string {
	return "evaluation failed: " + e.Details.Error()
}

// NavigationError reports a navigation the browser refused or abandoned.
type NavigationError struct {
	URL    string
	Reason string
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %s", e.URL, e.Reason)
}

// IsStale reports whether err means the targeted document went away.
func IsStale(err error) bool {
	return errors.Is(err, cdp.ErrContextStale) || errors.Is(err, cdp.ErrFrameDetached)
}
