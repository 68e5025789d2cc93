package cdp

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// Session is a logical channel to one target, multiplexed over a
// Connection by sessionId.
type Session struct {
	conn       *Connection
	id         target.SessionID
	targetID   target.ID
	targetType string
	parent     *Session

	mu       sync.Mutex
	children map[target.SessionID]*Session
	onClose  []func(error)
	closed   bool
	closeErr error
	done     chan struct{}
}

func newSession(conn *Connection, id target.SessionID, info *target.Info) *Session {
	s := &Session{
		conn:     conn,
		id:       id,
		children: make(map[target.SessionID]*Session),
		done:     make(chan struct{}),
	}
	if info != nil {
		s.targetID = info.TargetID
		s.targetType = info.Type
	}
	return s
}

// ID returns the protocol session id.
func (s *Session) ID() target.SessionID { return s.id }

// TargetID returns the id of the attached target.
func (s *Session) TargetID() target.ID { return s.targetID }

// TargetType returns the target type ("page", "iframe", "worker", ...)
// when the browser reported it.
func (s *Session) TargetType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetType
}

// Parent returns the session this one was auto-attached under, if any.
func (s *Session) Parent() *Session { return s.parent }

// Children returns a snapshot of the sessions auto-attached under this one.
func (s *Session) Children() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c)
	}
	return out
}

// Connection returns the connection the session is multiplexed over.
func (s *Session) Connection() *Connection { return s.conn }

// Send sends a command scoped to this session and waits for its result.
// A closed session fails immediately with ErrSessionClosed.
func (s *Session) Send(ctx context.Context, method string, params any) (easyjson.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
	}
	return s.conn.send(ctx, s.id, method, raw)
}

// Execute implements cdp.Executor so typed cdproto builders run against
// this session.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return execute(ctx, method, params, res, func(ctx context.Context, raw easyjson.RawMessage) (easyjson.RawMessage, error) {
		return s.conn.send(ctx, s.id, method, raw)
	})
}

// Subscribe registers a handler for events of this session matching method,
// or all of its events for AllEvents. Handlers on a closed session never run.
func (s *Session) Subscribe(method string, handler func(Event)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.conn.subs.add(s.id, method, handler)
}

// OnClose registers fn to run when the session closes. The argument is nil
// after a detach and a TransportError when the connection was lost.
// If the session is already closed fn runs immediately.
func (s *Session) OnClose(fn func(error)) {
	s.mu.Lock()
	if !s.closed {
		s.onClose = append(s.onClose, fn)
		s.mu.Unlock()
		return
	}
	err := s.closeErr
	s.mu.Unlock()
	fn(err)
}

// Done returns a channel closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Detach asks the browser to detach the session and closes it locally.
func (s *Session) Detach(ctx context.Context) error {
	if s.Closed() {
		return nil
	}
	_, err := s.conn.Send(ctx, target.CommandDetachFromTarget, target.DetachFromTarget().WithSessionID(s.id))
	s.conn.closeSession(s.id)
	if err != nil && !IsClosed(err) {
		return fmt.Errorf("failed to detach session %s: %w", s.id, err)
	}
	return nil
}

func (s *Session) updateInfo(info *target.Info) {
	if info == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.targetType == "" {
		s.targetType = info.Type
	}
}

func (s *Session) addChild(child *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[child.id] = child
}

func (s *Session) removeChild(id target.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, id)
}

// teardown marks the session closed and runs its close callbacks once.
// It returns the children that must be closed with it.
func (s *Session) teardown(err error) []*Session {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeErr = err
	callbacks := s.onClose
	s.onClose = nil
	children := make([]*Session, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(err)
	}
	close(s.done)
	return children
}
