package frames

import (
	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
)

// State is the lifecycle state of a Frame.
type State int

const (
	// StateProvisional is a frame that was attached but has not committed
	// its first navigation.
	StateProvisional State = iota
	// StateActive is a frame with a committed document.
	StateActive
	// StateDetached is terminal. A detached frame is never revived.
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateProvisional:
		return "provisional"
	case StateActive:
		return "active"
	case StateDetached:
		return "detached"
	}
	return "unknown"
}

// Frame is a browsing context inside a page.
// All fields are guarded by the owning Manager's lock; use the accessors.
type Frame struct {
	manager *Manager

	id       cdptypes.FrameID
	parent   *Frame
	children []*Frame
	name     string
	url      string
	loaderID cdptypes.LoaderID
	state    State
	loading  bool

	contextID runtime.ExecutionContextID

	// lifecycle holds the protocol lifecycle names seen for lifecycleLoader.
	lifecycle       map[string]bool
	lifecycleLoader cdptypes.LoaderID

	// sameDocumentNavs counts history and fragment navigations.
	sameDocumentNavs int
}

func newFrame(m *Manager, id cdptypes.FrameID, parent *Frame) *Frame {
	return &Frame{
		manager:   m,
		id:        id,
		parent:    parent,
		state:     StateProvisional,
		lifecycle: make(map[string]bool),
	}
}

// ID returns the frame id. The main frame id can change on a cross-process
// navigation while the *Frame stays the same.
func (f *Frame) ID() cdptypes.FrameID {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.id
}

// ParentID returns the parent frame id, empty for the main frame.
func (f *Frame) ParentID() cdptypes.FrameID {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	if f.parent == nil {
		return ""
	}
	return f.parent.id
}

// ParentFrame returns the parent frame, nil for the main frame.
func (f *Frame) ParentFrame() *Frame {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.parent
}

// ChildFrames returns a snapshot of the attached child frames in attach order.
func (f *Frame) ChildFrames() []*Frame {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	out := make([]*Frame, len(f.children))
	copy(out, f.children)
	return out
}

func (f *Frame) Name() string {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.name
}

func (f *Frame) URL() string {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.url
}

// LoaderID returns the loader id of the current document.
func (f *Frame) LoaderID() cdptypes.LoaderID {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.loaderID
}

func (f *Frame) State() State {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.state
}

// IsDetached reports whether the frame reached its terminal state.
func (f *Frame) IsDetached() bool {
	return f.State() == StateDetached
}

// IsMain reports whether this is the page's main frame.
func (f *Frame) IsMain() bool {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.manager.mainFrame == f
}

// Loading reports whether the frame is between frameStartedLoading and
// frameStoppedLoading.
func (f *Frame) Loading() bool {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.loading
}

// ExecutionContextID returns the default execution context of the current
// document, if one is known.
func (f *Frame) ExecutionContextID() (runtime.ExecutionContextID, bool) {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.contextID, f.contextID != 0
}

// HasLifecycle reports whether the frame itself has seen event.
func (f *Frame) HasLifecycle(event LifecycleEvent) bool {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.lifecycle[event.protocolName()]
}

// lifecycleCompleteLocked reports whether f and all its descendants have
// seen the protocol lifecycle event name.
func (f *Frame) lifecycleCompleteLocked(name string) bool {
	if !f.lifecycle[name] {
		return false
	}
	for _, c := range f.children {
		if !c.lifecycleCompleteLocked(name) {
			return false
		}
	}
	return true
}

func (f *Frame) removeChildLocked(child *Frame) {
	for i, c := range f.children {
		if c == child {
			f.children = append(f.children[:i:i], f.children[i+1:]...)
			return
		}
	}
}

// resetLifecycleLocked starts tracking lifecycle events for loader.
func (f *Frame) resetLifecycleLocked(loader cdptypes.LoaderID) {
	f.lifecycle = make(map[string]bool)
	f.lifecycleLoader = loader
}
