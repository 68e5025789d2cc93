package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/coder/websocket"
	"github.com/mailru/easyjson"

	"github.com/grantcarthew/cdpkit/internal/log"
)

// DefaultTimeout is the default timeout for CDP commands whose context has
// no deadline of its own.
const DefaultTimeout = 30 * time.Second

// writeTimeout bounds a single frame write. Writes do not use the caller's
// context because cancelling a websocket write tears down the connection.
const writeTimeout = 10 * time.Second

// maxMessageSize is the largest inbound frame accepted by Dial.
const maxMessageSize = 128 << 20

// errNoSession is the browser's reply to a command for a session it no
// longer knows about.
const errNoSession = "No session with given id"

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger used for protocol tracing and errors.
func WithLogger(l *log.Logger) Option {
	return func(c *Connection) { c.logger = l }
}

// WithCommandTimeout sets the command timeout applied when a context has no deadline.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Connection multiplexes commands and events for one browser endpoint.
// It owns the transport, the pending command table and every Session
// attached through it.
type Connection struct {
	conn    Conn
	logger  *log.Logger
	timeout time.Duration
	writeMu sync.Mutex
	msgID   atomic.Int64

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	sessions map[target.SessionID]*Session
	targets  map[target.ID]target.SessionID
	onClose  []func(error)
	closing  bool
	closed   bool
	closeErr error

	subs *registry

	// closedCh is closed once the connection has been torn down
	closedCh chan struct{}
	// done signals that the read loop has exited
	done chan struct{}
}

// pendingCall is an in-flight command awaiting its response.
type pendingCall struct {
	method    string
	sessionID target.SessionID
	ch        chan callResult
}

type callResult struct {
	result easyjson.RawMessage
	err    error
}

// NewConnection creates a Connection over conn and starts its read loop.
func NewConnection(conn Conn, opts ...Option) *Connection {
	c := &Connection{
		conn:     conn,
		timeout:  DefaultTimeout,
		pending:  make(map[int64]*pendingCall),
		sessions: make(map[target.SessionID]*Session),
		targets:  make(map[target.ID]target.SessionID),
		subs:     newRegistry(),
		closedCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Dial connects to a CDP websocket endpoint and returns a new Connection.
func Dial(ctx context.Context, wsURL string, opts ...Option) (*Connection, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to connect to CDP endpoint: %w", err)}
	}
	conn.SetReadLimit(maxMessageSize)
	return NewConnection(conn, opts...), nil
}

// Send sends a browser-level command and waits for its result.
func (c *Connection) Send(ctx context.Context, method string, params any) (easyjson.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
	}
	return c.send(ctx, "", method, raw)
}

// Execute implements cdp.Executor for browser-level commands so typed
// cdproto builders can run against the connection.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return execute(ctx, method, params, res, func(ctx context.Context, raw easyjson.RawMessage) (easyjson.RawMessage, error) {
		return c.send(ctx, "", method, raw)
	})
}

// Subscribe registers a handler for browser-level events matching method,
// or every browser-level event for AllEvents.
// Handlers run on the read loop and must not block on commands.
func (c *Connection) Subscribe(method string, handler func(Event)) *Subscription {
	return c.subs.add("", method, handler)
}

// OnClose registers fn to run once the connection is torn down. fn gets the
// TransportError that closed it. If the connection is already closed fn runs
// immediately.
func (c *Connection) OnClose(fn func(error)) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	err := c.closeErr
	c.mu.Unlock()
	fn(&TransportError{Err: err})
}

// AttachToTarget opens a flattened session to targetID.
// Attaching to an already attached target yields a new session which then
// becomes the one returned by SessionForTarget.
func (c *Connection) AttachToTarget(ctx context.Context, targetID target.ID) (*Session, error) {
	sessionID, err := target.AttachToTarget(targetID).
		WithFlatten(true).
		Do(cdptypes.WithExecutor(ctx, c))
	if err != nil {
		return nil, fmt.Errorf("failed to attach to target %s: %w", targetID, err)
	}

	s := c.registerSession(sessionID, &target.Info{TargetID: targetID}, "")
	if s == nil {
		return nil, c.transportError()
	}
	return s, nil
}

// Session returns the live session with the given id.
func (c *Connection) Session(id target.SessionID) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// SessionForTarget returns the most recently attached session for targetID.
func (c *Connection) SessionForTarget(targetID target.ID) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[c.targets[targetID]]
	return s, ok
}

// Sessions returns a snapshot of the live sessions.
func (c *Connection) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Close closes the connection and waits for the read loop to exit.
// Pending commands fail with a TransportError. Close is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	already := c.closing || c.closed
	c.closing = true
	c.mu.Unlock()
	if already {
		<-c.done
		return nil
	}

	err := c.conn.Close(websocket.StatusNormalClosure, "client closing")

	// Wait for read loop to exit
	<-c.done

	return err
}

// Done returns a channel closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.closedCh
}

// Err returns the transport failure that closed the connection, or nil if it
// is open or was closed by Close.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Connection) transportError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &TransportError{Err: c.closeErr}
}

// send writes one command frame and waits for the matching response.
// The pending entry is registered before the write so a fast reply cannot
// be missed.
func (c *Connection) send(ctx context.Context, sessionID target.SessionID, method string, params easyjson.RawMessage) (easyjson.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, &TransportError{Err: err}
	}
	if sessionID != "" {
		if _, ok := c.sessions[sessionID]; !ok {
			c.mu.Unlock()
			return nil, &StateError{Op: method, Err: ErrSessionClosed}
		}
	}
	id := c.msgID.Add(1)
	call := &pendingCall{
		method:    method,
		sessionID: sessionID,
		ch:        make(chan callResult, 1),
	}
	c.pending[id] = call
	c.mu.Unlock()

	data, err := encodeMessage(&cdproto.Message{
		ID:        id,
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    params,
	})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.logger.Debugf("cdp:send", "-> %s", data)

	if err := c.write(data); err != nil {
		c.forget(id)
		return nil, &TransportError{Err: fmt.Errorf("failed to send request: %w", err)}
	}

	select {
	case res := <-call.ch:
		return res.result, res.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ContextError(ctx, method)
	}
}

func (c *Connection) write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// forget drops a pending entry. A response arriving later is discarded.
func (c *Connection) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop reads messages from the connection and dispatches them.
// It is the only goroutine that delivers events, so handlers observe
// events in wire order.
func (c *Connection) readLoop() {
	defer close(c.done)

	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.shutdown(err)
			return
		}

		c.logger.Debugf("cdp:recv", "<- %s", data)

		msg, kind, err := decodeMessage(data)
		switch kind {
		case kindResponse:
			c.dispatchResponse(msg)
		case kindEvent:
			c.dispatchEvent(msg)
		default:
			c.logger.Errorf("cdp", "dropping malformed message: %v", err)
		}
	}
}

// dispatchResponse completes the pending command for msg.ID.
func (c *Connection) dispatchResponse(msg *cdproto.Message) {
	c.mu.Lock()
	call, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debugf("cdp", "discarding response for unknown id %d", msg.ID)
		return
	}

	if msg.Error != nil {
		call.ch <- callResult{err: newProtocolError(call.method, msg.Error)}
		if call.sessionID != "" && msg.Error.Message == errNoSession {
			c.closeSession(call.sessionID)
		}
		return
	}
	call.ch <- callResult{result: msg.Result}
}

// dispatchEvent keeps the session table in sync with target attach and
// detach notifications, then delivers the event to its scope.
func (c *Connection) dispatchEvent(msg *cdproto.Message) {
	evt := Event{
		SessionID: msg.SessionID,
		Method:    string(msg.Method),
		Params:    msg.Params,
	}

	switch evt.Method {
	case cdproto.EventTargetAttachedToTarget:
		c.onAttachedToTarget(evt)
	case cdproto.EventTargetDetachedFromTarget:
		if id := target.SessionID(evt.Get("sessionId").String()); id != "" {
			c.closeSession(id)
		}
	}

	if evt.SessionID != "" {
		c.mu.Lock()
		_, ok := c.sessions[evt.SessionID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debugf("cdp", "dropping %s for unknown session %s", evt.Method, evt.SessionID)
			return
		}
	}
	c.subs.dispatch(evt)
}

func (c *Connection) onAttachedToTarget(evt Event) {
	v, err := evt.Decode()
	if err != nil {
		c.logger.Errorf("cdp", "%v", err)
		return
	}
	ev, ok := v.(*target.EventAttachedToTarget)
	if !ok {
		return
	}
	c.registerSession(ev.SessionID, ev.TargetInfo, evt.SessionID)
}

// registerSession returns the session for id, creating it if needed.
// It returns nil once the connection is closed.
func (c *Connection) registerSession(id target.SessionID, info *target.Info, parentID target.SessionID) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if s, ok := c.sessions[id]; ok {
		s.updateInfo(info)
		return s
	}

	s := newSession(c, id, info)
	if parent, ok := c.sessions[parentID]; ok && parentID != "" {
		s.parent = parent
		parent.addChild(s)
	}
	c.sessions[id] = s
	if s.targetID != "" {
		c.targets[s.targetID] = id
	}

	c.logger.Debugf("cdp", "session %s attached to %s target %s", id, s.targetType, s.targetID)
	return s
}

// closeSession tears down one session and its children. Its in-flight
// commands fail with ErrSessionClosed and its subscriptions are dropped.
// Closing an unknown or already closed session is a no-op.
func (c *Connection) closeSession(id target.SessionID) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, id)
	if c.targets[s.targetID] == id {
		delete(c.targets, s.targetID)
	}
	var failed []*pendingCall
	for callID, call := range c.pending {
		if call.sessionID == id {
			delete(c.pending, callID)
			failed = append(failed, call)
		}
	}
	c.mu.Unlock()

	c.logger.Debugf("cdp", "session %s detached", id)

	for _, call := range failed {
		call.ch <- callResult{err: &StateError{Op: call.method, Err: ErrSessionClosed}}
	}

	children := s.teardown(nil)
	c.subs.removeSession(id)
	for _, child := range children {
		c.closeSession(child.id)
	}
	if s.parent != nil {
		s.parent.removeChild(id)
	}
}

// shutdown tears the connection down after the transport failed or was
// closed: pending commands fail first, then sessions and their dependents.
func (c *Connection) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.closing {
		cause = nil
	}
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	sessions := c.sessions
	c.sessions = make(map[target.SessionID]*Session)
	c.targets = make(map[target.ID]target.SessionID)
	onClose := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	if cause != nil {
		c.logger.Errorf("cdp", "connection lost: %v", cause)
	}

	terr := &TransportError{Err: cause}
	for _, call := range pending {
		call.ch <- callResult{err: terr}
	}
	for _, s := range sessions {
		s.teardown(terr)
	}
	c.subs.clear()
	for _, fn := range onClose {
		fn(terr)
	}
	close(c.closedCh)
}

// execute runs a typed cdproto command through send.
func execute(
	ctx context.Context,
	method string,
	params easyjson.Marshaler,
	res easyjson.Unmarshaler,
	send func(context.Context, easyjson.RawMessage) (easyjson.RawMessage, error),
) error {
	var raw easyjson.RawMessage
	if params != nil {
		var err error
		if raw, err = easyjson.Marshal(params); err != nil {
			return fmt.Errorf("failed to marshal params for %s: %w", method, err)
		}
	}

	result, err := send(ctx, raw)
	if err != nil {
		return err
	}
	if res == nil || len(result) == 0 {
		return nil
	}
	if err := easyjson.Unmarshal(result, res); err != nil {
		return fmt.Errorf("failed to unmarshal result of %s: %w", method, err)
	}
	return nil
}

// IsClosed reports whether err means the connection or session is gone.
func IsClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrSessionClosed)
}
