// Package frames tracks the frame tree of a page session, the execution
// context bound to each frame's current document, and lifecycle progress,
// and offers predicate waits over that state.
package frames

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/tidwall/gjson"

	"github.com/grantcarthew/cdpkit/internal/cdp"
	"github.com/grantcarthew/cdpkit/internal/log"
)

// Session is the part of *cdp.Session the Manager depends on.
type Session interface {
	cdptypes.Executor
	Subscribe(method string, handler func(cdp.Event)) *cdp.Subscription
	OnClose(fn func(error))
}

// Events emitted by the Manager. Listeners receive the affected frame.
const (
	EventFrameAttached     = "frameattached"
	EventFrameNavigated    = "framenavigated"
	EventFrameDetached     = "framedetached"
	EventLifecycle         = "lifecycle"
	EventContextCreated    = "executioncontextcreated"
	EventContextDestroyed  = "executioncontextdestroyed"
	EventSameDocNavigation = "navigatedwithindocument"
)

// Manager owns the frame tree of one session.
//
// State changes only in response to protocol events, which arrive on the
// connection's read loop in order. Readers take the read lock.
type Manager struct {
	session  Session
	logger   *log.Logger
	timeouts *TimeoutSettings

	mu        sync.RWMutex
	frames    map[cdptypes.FrameID]*Frame
	mainFrame *Frame
	contexts  map[runtime.ExecutionContextID]*Frame
	// parked holds default contexts reported before their frame was known.
	parked  map[cdptypes.FrameID]runtime.ExecutionContextID
	waiters map[*waiter]struct{}
	closed  bool
	// closeErr is the cause the session reported when it went away.
	closeErr error

	listenersMu sync.RWMutex
	listenerID  uint64
	listeners   map[string][]listener

	subs []*cdp.Subscription
}

type emission struct {
	event string
	frame *Frame
}

type listener struct {
	id uint64
	fn func(*Frame)
}

// NewManager subscribes to the frame, lifecycle and runtime events of
// session. Call Init to enable the domains and load the current tree.
func NewManager(session Session, logger *log.Logger, timeouts *TimeoutSettings) *Manager {
	if timeouts == nil {
		timeouts = NewTimeoutSettings(nil)
	}
	m := &Manager{
		session:   session,
		logger:    logger,
		timeouts:  timeouts,
		frames:    make(map[cdptypes.FrameID]*Frame),
		contexts:  make(map[runtime.ExecutionContextID]*Frame),
		parked:    make(map[cdptypes.FrameID]runtime.ExecutionContextID),
		waiters:   make(map[*waiter]struct{}),
		listeners: make(map[string][]listener),
	}

	handlers := map[string]func(cdp.Event){
		cdproto.EventPageFrameAttached:                on(m, m.onFrameAttached),
		cdproto.EventPageFrameNavigated:               on(m, m.onFrameNavigated),
		cdproto.EventPageNavigatedWithinDocument:      on(m, m.onNavigatedWithinDocument),
		cdproto.EventPageFrameDetached:                on(m, m.onFrameDetached),
		cdproto.EventPageFrameStartedLoading:          on(m, m.onFrameStartedLoading),
		cdproto.EventPageFrameStoppedLoading:          on(m, m.onFrameStoppedLoading),
		cdproto.EventPageLifecycleEvent:               on(m, m.onLifecycleEvent),
		cdproto.EventRuntimeExecutionContextCreated:   on(m, m.onExecutionContextCreated),
		cdproto.EventRuntimeExecutionContextDestroyed: on(m, m.onExecutionContextDestroyed),
		cdproto.EventRuntimeExecutionContextsCleared:  on(m, m.onExecutionContextsCleared),
	}
	for method, h := range handlers {
		m.subs = append(m.subs, session.Subscribe(method, h))
	}
	session.OnClose(m.onSessionClosed)

	return m
}

// on adapts a typed event handler to a raw subscription.
func on[T any](m *Manager, fn func(*T)) func(cdp.Event) {
	return func(evt cdp.Event) {
		v, err := evt.Decode()
		if err != nil {
			m.logger.Errorf("frames", "%v", err)
			return
		}
		ev, ok := v.(*T)
		if !ok {
			m.logger.Debugf("frames", "unexpected payload %T for %s", v, evt.Method)
			return
		}
		fn(ev)
	}
}

// Init enables the page and runtime domains and loads the current frame tree.
func (m *Manager) Init(ctx context.Context) error {
	ctx = cdptypes.WithExecutor(ctx, m.session)

	if err := page.Enable().Do(ctx); err != nil {
		return fmt.Errorf("failed to enable page domain: %w", err)
	}
	tree, err := page.GetFrameTree().Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to get frame tree: %w", err)
	}
	m.update(func() []emission { return m.frameTreeLocked(tree) })

	if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
		return fmt.Errorf("failed to enable lifecycle events: %w", err)
	}
	if err := runtime.Enable().Do(ctx); err != nil {
		return fmt.Errorf("failed to enable runtime domain: %w", err)
	}
	return nil
}

// Close drops the manager's event subscriptions. Frames keep their last
// known state.
func (m *Manager) Close() {
	for _, s := range m.subs {
		s.Unsubscribe()
	}
}

// Session returns the session the manager tracks.
func (m *Manager) Session() Session { return m.session }

// Timeouts returns the manager's timeout settings.
func (m *Manager) Timeouts() *TimeoutSettings { return m.timeouts }

// MainFrame returns the root frame, nil before the first navigation is known.
func (m *Manager) MainFrame() *Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mainFrame
}

// Frame returns the attached frame with the given id.
func (m *Manager) Frame(id cdptypes.FrameID) (*Frame, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.frames[id]
	return f, ok
}

// Frames returns every attached frame, parents before children.
func (m *Manager) Frames() []*Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mainFrame == nil {
		return nil
	}
	out := make([]*Frame, 0, len(m.frames))
	var walk func(f *Frame)
	walk = func(f *Frame) {
		out = append(out, f)
		for _, c := range f.children {
			walk(c)
		}
	}
	walk(m.mainFrame)
	return out
}

// On registers fn for a manager event and returns a function removing it.
// Listeners run on the read loop after the state change is visible.
func (m *Manager) On(event string, fn func(*Frame)) (off func()) {
	m.listenersMu.Lock()
	m.listenerID++
	id := m.listenerID
	m.listeners[event] = append(m.listeners[event], listener{id: id, fn: fn})
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		ls := m.listeners[event]
		for i, l := range ls {
			if l.id == id {
				m.listeners[event] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) emit(emits []emission) {
	for _, e := range emits {
		m.listenersMu.RLock()
		ls := m.listeners[e.event]
		m.listenersMu.RUnlock()
		for _, l := range ls {
			l.fn(e.frame)
		}
	}
}

// update applies a state change, resolves waiters that became satisfied and
// then notifies listeners.
func (m *Manager) update(fn func() []emission) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	emits := fn()
	m.resolveWaitersLocked()
	m.mu.Unlock()

	m.emit(emits)
}

func (m *Manager) onFrameAttached(ev *page.EventFrameAttached) {
	m.update(func() []emission {
		return m.frameAttachedLocked(ev.FrameID, ev.ParentFrameID)
	})
}

func (m *Manager) onFrameNavigated(ev *page.EventFrameNavigated) {
	if ev.Frame == nil {
		return
	}
	m.update(func() []emission {
		return m.frameNavigatedLocked(ev.Frame)
	})
}

func (m *Manager) onNavigatedWithinDocument(ev *page.EventNavigatedWithinDocument) {
	m.update(func() []emission {
		f := m.frames[ev.FrameID]
		if f == nil {
			return nil
		}
		f.url = ev.URL
		f.sameDocumentNavs++
		return []emission{{EventSameDocNavigation, f}, {EventFrameNavigated, f}}
	})
}

func (m *Manager) onFrameDetached(ev *page.EventFrameDetached) {
	m.update(func() []emission {
		f := m.frames[ev.FrameID]
		if f == nil {
			return nil
		}
		if f == m.mainFrame {
			m.logger.Debugf("frames", "ignoring detach of main frame %s", ev.FrameID)
			return nil
		}
		return m.removeFrameLocked(f)
	})
}

func (m *Manager) onFrameStartedLoading(ev *page.EventFrameStartedLoading) {
	m.update(func() []emission {
		if f := m.frames[ev.FrameID]; f != nil {
			f.loading = true
		}
		return nil
	})
}

func (m *Manager) onFrameStoppedLoading(ev *page.EventFrameStoppedLoading) {
	m.update(func() []emission {
		f := m.frames[ev.FrameID]
		if f == nil {
			return nil
		}
		f.loading = false
		f.lifecycle[LifecycleDOMContentLoaded.protocolName()] = true
		f.lifecycle[LifecycleLoad.protocolName()] = true
		return []emission{{EventLifecycle, f}}
	})
}

func (m *Manager) onLifecycleEvent(ev *page.EventLifecycleEvent) {
	m.update(func() []emission {
		f := m.frames[ev.FrameID]
		if f == nil {
			return nil
		}
		if ev.Name == "init" {
			f.resetLifecycleLocked(ev.LoaderID)
			return nil
		}
		if f.lifecycleLoader != "" && ev.LoaderID != "" && ev.LoaderID != f.lifecycleLoader {
			m.logger.Debugf("frames", "dropping %s for stale loader %s of frame %s", ev.Name, ev.LoaderID, f.id)
			return nil
		}
		f.lifecycle[ev.Name] = true
		return []emission{{EventLifecycle, f}}
	})
}

func (m *Manager) onExecutionContextCreated(ev *runtime.EventExecutionContextCreated) {
	desc := ev.Context
	if desc == nil {
		return
	}
	frameID := cdptypes.FrameID(gjson.GetBytes(desc.AuxData, "frameId").String())
	isDefault := gjson.GetBytes(desc.AuxData, "isDefault").Bool()
	if frameID == "" || !isDefault {
		return
	}

	m.update(func() []emission {
		f := m.frames[frameID]
		if f == nil {
			m.parked[frameID] = desc.ID
			return nil
		}
		m.setContextLocked(f, desc.ID)
		return []emission{{EventContextCreated, f}}
	})
}

func (m *Manager) onExecutionContextDestroyed(ev *runtime.EventExecutionContextDestroyed) {
	m.update(func() []emission {
		for frameID, id := range m.parked {
			if id == ev.ExecutionContextID {
				delete(m.parked, frameID)
			}
		}
		f := m.contexts[ev.ExecutionContextID]
		if f == nil {
			return nil
		}
		m.clearContextLocked(f)
		return []emission{{EventContextDestroyed, f}}
	})
}

func (m *Manager) onExecutionContextsCleared(*runtime.EventExecutionContextsCleared) {
	m.update(func() []emission {
		var emits []emission
		for _, f := range m.contexts {
			f.contextID = 0
			emits = append(emits, emission{EventContextDestroyed, f})
		}
		m.contexts = make(map[runtime.ExecutionContextID]*Frame)
		m.parked = make(map[cdptypes.FrameID]runtime.ExecutionContextID)
		return emits
	})
}

// onSessionClosed detaches the whole tree and fails outstanding waits.
func (m *Manager) onSessionClosed(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closeErr = cause
	var emits []emission
	if m.mainFrame != nil {
		emits = m.removeFrameLocked(m.mainFrame)
	}
	m.closed = true
	m.mainFrame = nil
	m.contexts = make(map[runtime.ExecutionContextID]*Frame)
	m.parked = make(map[cdptypes.FrameID]runtime.ExecutionContextID)
	for w := range m.waiters {
		w.ch <- m.closedErrorLocked(w.op)
	}
	m.waiters = make(map[*waiter]struct{})
	m.mu.Unlock()

	m.emit(emits)
}

// closedErrorLocked is the error for op on a closed manager. A session lost
// with its transport reports the transport failure.
func (m *Manager) closedErrorLocked(op string) error {
	var terr *cdp.TransportError
	if errors.As(m.closeErr, &terr) {
		return fmt.Errorf("%s: %w", op, terr)
	}
	return &cdp.StateError{Op: op, Err: cdp.ErrSessionClosed}
}

// frameAttachedLocked adds a provisional child frame. Duplicates and frames
// whose parent is unknown are ignored, so every tracked frame stays
// reachable from the main frame.
func (m *Manager) frameAttachedLocked(id, parentID cdptypes.FrameID) []emission {
	if _, ok := m.frames[id]; ok {
		return nil
	}
	parent, ok := m.frames[parentID]
	if !ok {
		m.logger.Debugf("frames", "ignoring frame %s attached to unknown parent %q", id, parentID)
		return nil
	}

	f := newFrame(m, id, parent)
	parent.children = append(parent.children, f)
	m.frames[id] = f
	m.adoptContextLocked(f)
	return []emission{{EventFrameAttached, f}}
}

// frameNavigatedLocked commits a navigation. A new document in a frame that
// already had one drops its children and its execution context.
func (m *Manager) frameNavigatedLocked(fr *cdptypes.Frame) []emission {
	var emits []emission
	f := m.frames[fr.ID]

	switch {
	case fr.ParentID == "" && f == nil && m.mainFrame != nil:
		// Cross-process navigation reports a new id for the same main frame.
		f = m.mainFrame
		delete(m.frames, f.id)
		f.id = fr.ID
		m.frames[f.id] = f
	case fr.ParentID == "" && f == nil:
		f = newFrame(m, fr.ID, nil)
		m.frames[f.id] = f
		m.mainFrame = f
		emits = append(emits, emission{EventFrameAttached, f})
	case f == nil:
		emits = m.frameAttachedLocked(fr.ID, fr.ParentID)
		if f = m.frames[fr.ID]; f == nil {
			return nil
		}
	}

	if f.state == StateActive && f.loaderID != fr.LoaderID {
		for _, c := range append([]*Frame(nil), f.children...) {
			emits = append(emits, m.removeFrameLocked(c)...)
		}
		m.clearContextLocked(f)
	}
	if f.lifecycleLoader != fr.LoaderID {
		f.resetLifecycleLocked(fr.LoaderID)
	}

	f.name = fr.Name
	f.url = fr.URL + fr.URLFragment
	f.loaderID = fr.LoaderID
	f.state = StateActive
	m.adoptContextLocked(f)

	return append(emits, emission{EventFrameNavigated, f})
}

// frameTreeLocked applies a Page.getFrameTree snapshot.
func (m *Manager) frameTreeLocked(tree *page.FrameTree) []emission {
	if tree == nil || tree.Frame == nil {
		return nil
	}
	var emits []emission
	if tree.Frame.ParentID != "" {
		emits = append(emits, m.frameAttachedLocked(tree.Frame.ID, tree.Frame.ParentID)...)
	}
	emits = append(emits, m.frameNavigatedLocked(tree.Frame)...)
	for _, child := range tree.ChildFrames {
		emits = append(emits, m.frameTreeLocked(child)...)
	}
	return emits
}

// removeFrameLocked detaches f and its subtree, children first.
// Detaching an already detached frame does nothing.
func (m *Manager) removeFrameLocked(f *Frame) []emission {
	if f.state == StateDetached {
		return nil
	}
	var emits []emission
	for _, c := range append([]*Frame(nil), f.children...) {
		emits = append(emits, m.removeFrameLocked(c)...)
	}

	m.clearContextLocked(f)
	f.state = StateDetached
	f.children = nil
	if m.frames[f.id] == f {
		delete(m.frames, f.id)
	}
	delete(m.parked, f.id)
	if f.parent != nil {
		f.parent.removeChildLocked(f)
	}

	return append(emits, emission{EventFrameDetached, f})
}

func (m *Manager) setContextLocked(f *Frame, id runtime.ExecutionContextID) {
	m.clearContextLocked(f)
	f.contextID = id
	m.contexts[id] = f
}

func (m *Manager) clearContextLocked(f *Frame) {
	if f.contextID == 0 {
		return
	}
	if m.contexts[f.contextID] == f {
		delete(m.contexts, f.contextID)
	}
	f.contextID = 0
}

func (m *Manager) adoptContextLocked(f *Frame) {
	id, ok := m.parked[f.id]
	if !ok {
		return
	}
	delete(m.parked, f.id)
	m.setContextLocked(f, id)
}
