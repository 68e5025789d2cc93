package frames

import (
	"context"
	"fmt"
	"time"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"

	"github.com/grantcarthew/cdpkit/internal/cdp"
)

// waiter is a pending predicate over manager state. check runs with the
// manager lock held after every state change until it reports done or an
// error.
type waiter struct {
	op    string
	check func() (bool, error)
	ch    chan error
}

// NavigateOptions configures Navigate and WaitForNavigation.
type NavigateOptions struct {
	// WaitUntil is the lifecycle event the frame and all its descendants
	// must reach. Defaults to load.
	WaitUntil LifecycleEvent
	Referrer  string
	// Timeout overrides the navigation timeout of the manager settings.
	Timeout time.Duration
}

// waitFor blocks until check is satisfied, fails, or ctx ends. A ctx
// without deadline is bounded by timeout.
func (m *Manager) waitFor(ctx context.Context, op string, timeout time.Duration, check func() (bool, error)) error {
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = cdp.WithTimeout(ctx, timeout)
		defer cancel()
	}

	w := &waiter{op: op, check: check, ch: make(chan error, 1)}

	m.mu.Lock()
	if m.closed {
		err := m.closedErrorLocked(op)
		m.mu.Unlock()
		return err
	}
	if done, err := check(); done || err != nil {
		m.mu.Unlock()
		return err
	}
	m.waiters[w] = struct{}{}
	m.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.waiters, w)
		m.mu.Unlock()
		// resolved between the deadline and the removal
		select {
		case err := <-w.ch:
			return err
		default:
		}
		return cdp.ContextError(ctx, op)
	}
}

func (m *Manager) resolveWaitersLocked() {
	for w := range m.waiters {
		done, err := w.check()
		if done || err != nil {
			delete(m.waiters, w)
			w.ch <- err
		}
	}
}

func detached(op string) error {
	return &cdp.StateError{Op: op, Err: cdp.ErrFrameDetached}
}

// WaitForLifecycle waits until f and every frame below it reached event.
func (m *Manager) WaitForLifecycle(ctx context.Context, f *Frame, event LifecycleEvent) error {
	op := "lifecycle event " + event.String()
	name := event.protocolName()
	return m.waitFor(ctx, op, m.timeouts.Timeout(), func() (bool, error) {
		if f.state == StateDetached {
			return false, detached(op)
		}
		return f.state == StateActive && f.lifecycleCompleteLocked(name), nil
	})
}

// WaitForExecutionContext waits until the current document of f has a
// default execution context and returns its id.
func (m *Manager) WaitForExecutionContext(ctx context.Context, f *Frame) (runtime.ExecutionContextID, error) {
	const op = "execution context"
	var id runtime.ExecutionContextID
	err := m.waitFor(ctx, op, m.timeouts.Timeout(), func() (bool, error) {
		if f.state == StateDetached {
			return false, detached(op)
		}
		id = f.contextID
		return id != 0, nil
	})
	return id, err
}

// Navigate navigates f to url and waits for the resulting document to reach
// opts.WaitUntil. A same-document navigation completes once the frame
// reports it.
func (m *Manager) Navigate(ctx context.Context, f *Frame, url string, opts NavigateOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.timeouts.NavigationTimeout()
	}
	ctx, cancel := cdp.WithTimeout(ctx, timeout)
	defer cancel()

	op := "navigation to " + url

	m.mu.RLock()
	if f.state == StateDetached {
		m.mu.RUnlock()
		return detached(op)
	}
	frameID, startLoader, startSameDoc := f.id, f.loaderID, f.sameDocumentNavs
	m.mu.RUnlock()

	params := page.Navigate(url).WithFrameID(frameID)
	if opts.Referrer != "" {
		params = params.WithReferrer(opts.Referrer)
	}
	_, loaderID, errorText, err := params.Do(cdptypes.WithExecutor(ctx, m.session))
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if errorText != "" {
		return &NavigationError{URL: url, Reason: errorText}
	}

	m.logger.Debugf("frames", "navigating frame %s to %s (loader %q)", frameID, url, loaderID)

	name := opts.WaitUntil.protocolName()
	return m.waitFor(ctx, op, 0, func() (bool, error) {
		if f.state == StateDetached {
			return false, detached(op)
		}
		if loaderID == "" {
			return f.sameDocumentNavs != startSameDoc, nil
		}
		if f.loaderID == startLoader {
			return false, nil
		}
		if f.loaderID != loaderID {
			return false, &NavigationError{URL: url, Reason: "navigation interrupted by another one"}
		}
		return f.lifecycleCompleteLocked(name), nil
	})
}

// WaitForNavigation waits for the next navigation of f, started by any
// party, to reach opts.WaitUntil.
func (m *Manager) WaitForNavigation(ctx context.Context, f *Frame, opts NavigateOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.timeouts.NavigationTimeout()
	}

	m.mu.RLock()
	startLoader, startSameDoc := f.loaderID, f.sameDocumentNavs
	m.mu.RUnlock()

	const op = "navigation"
	name := opts.WaitUntil.protocolName()
	return m.waitFor(ctx, op, timeout, func() (bool, error) {
		if f.state == StateDetached {
			return false, detached(op)
		}
		if f.sameDocumentNavs != startSameDoc {
			return true, nil
		}
		if f.loaderID == startLoader {
			return false, nil
		}
		return f.lifecycleCompleteLocked(name), nil
	})
}
