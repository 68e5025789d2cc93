// Package cdptest runs a scripted stand-in for a CDP capable browser over a
// real websocket so tests can drive the whole client stack.
package cdptest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"golang.org/x/sync/errgroup"
)

// Product is the browser name reported by Browser.getVersion and /json/version.
const Product = "HeadlessChrome/120.0.6099.109"

// HandlerFunc answers a single inbound command. It replies through c.
type HandlerFunc func(c *Conn, msg *cdproto.Message)

// Evaluator computes the result of Runtime.evaluate for a page.
// f is the frame owning the context the expression runs in.
type Evaluator func(p *Page, f *Frame, expression string) *runtime.EvaluateReturns

// Server can be used as a test alternative to a real CDP compatible browser.
// Out of the box it serves one blank page and answers the Target, Page and
// Runtime commands the client needs; single methods can be overridden with
// WithHandler.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
	BrowserID  string

	handlers  map[string]HandlerFunc
	evaluator Evaluator

	mu          sync.Mutex
	pages       map[target.ID]*Page
	order       []target.ID
	sessions    map[target.SessionID]*session
	conns       map[*Conn]struct{}
	closed      bool
	received    []string
	nextContext runtime.ExecutionContextID

	wg sync.WaitGroup
}

type session struct {
	id   target.SessionID
	conn *Conn
	page *Page
}

// NewServer returns a running fake browser. It is shut down when the test
// ends.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	s := &Server{
		t:         t,
		Mux:       mux,
		BrowserID: uuid.NewString(),
		handlers:  make(map[string]HandlerFunc),
		evaluator: DefaultEvaluator,
		pages:     make(map[target.ID]*Page),
		sessions:  make(map[target.SessionID]*session),
		conns:     make(map[*Conn]struct{}),
	}
	mux.HandleFunc("/devtools/browser/", s.serveWS)
	mux.HandleFunc("/json/version", s.serveVersion)

	s.ServerHTTP = httptest.NewServer(mux)
	t.Cleanup(s.shutdown)

	for _, opt := range opts {
		opt(s)
	}
	if len(s.order) == 0 {
		s.AddPage("about:blank", "")
	}
	return s
}

// WithPage opens an extra page target before the first client connects.
func WithPage(pageURL, title string) func(*Server) {
	return func(s *Server) {
		s.AddPage(pageURL, title)
	}
}

// WithHandler replaces the built-in handling of method.
func WithHandler(method string, fn HandlerFunc) func(*Server) {
	return func(s *Server) {
		s.handlers[method] = fn
	}
}

// WithEvaluator replaces DefaultEvaluator.
func WithEvaluator(fn Evaluator) func(*Server) {
	return func(s *Server) {
		s.evaluator = fn
	}
}

// URL returns the browser websocket endpoint.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/devtools/browser/" + s.BrowserID
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return strings.TrimPrefix(s.ServerHTTP.URL, "http://")
}

// Received returns the methods of every command received so far.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Targets returns the ids of the open pages in creation order.
func (s *Server) Targets() []target.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]target.ID(nil), s.order...)
}

// Page returns a snapshot of the page with the given target id.
func (s *Server) Page(id target.ID) (Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return Page{}, false
	}
	return p.snapshot(), true
}

// DropConnections closes every client connection without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (s *Server) shutdown() {
	s.ServerHTTP.Close()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serveVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"Browser":%q,"Protocol-Version":"1.3","webSocketDebuggerUrl":%q}`, Product, s.URL())
}

func (s *Server) serveWS(w http.ResponseWriter, req *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	ws, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
	if err != nil {
		return
	}

	c := &Conn{server: s, ws: ws, writeCh: make(chan *cdproto.Message, 64)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(context.Background())
	c.ctx = ctx
	g.Go(func() error {
		defer ws.Close()
		for {
			msg, err := c.read()
			if err != nil {
				return err
			}
			s.dispatch(c, msg)
		}
	})
	g.Go(func() error {
		for {
			select {
			case msg := <-c.writeCh:
				if err := c.write(msg); err != nil {
					_ = ws.Close()
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
	_ = g.Wait()

	s.mu.Lock()
	delete(s.conns, c)
	for id, sess := range s.sessions {
		if sess.conn == c {
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
}

func (s *Server) dispatch(c *Conn, msg *cdproto.Message) {
	if msg.Method == "" {
		return
	}
	s.mu.Lock()
	s.received = append(s.received, string(msg.Method))
	s.mu.Unlock()

	if fn, ok := s.handlers[string(msg.Method)]; ok {
		fn(c, msg)
		return
	}
	s.Default(c, msg)
}

// Default answers msg the way the built-in browser does. Custom handlers can
// fall back to it.
func (s *Server) Default(c *Conn, msg *cdproto.Message) {
	if msg.SessionID != "" {
		s.handleSession(c, msg)
		return
	}

	switch msg.Method {
	case cdproto.CommandBrowserGetVersion:
		c.Reply(msg, &browser.GetVersionReturns{
			ProtocolVersion: "1.3",
			Product:         Product,
			UserAgent:       "Mozilla/5.0 " + Product,
			JsVersion:       "12.0.267.8",
		})
	case cdproto.CommandTargetGetTargets:
		c.Reply(msg, &target.GetTargetsReturns{TargetInfos: s.targetInfos()})
	case cdproto.CommandTargetCreateTarget:
		var p target.CreateTargetParams
		if !c.decode(msg, &p) {
			return
		}
		pageURL := p.URL
		if pageURL == "" {
			pageURL = "about:blank"
		}
		pg := s.AddPage(pageURL, "")
		c.Reply(msg, &target.CreateTargetReturns{TargetID: pg.TargetID})
	case cdproto.CommandTargetCloseTarget:
		var p target.CloseTargetParams
		if !c.decode(msg, &p) {
			return
		}
		if !s.ClosePage(p.TargetID) {
			c.ReplyError(msg, -32602, "No target with given id found")
			return
		}
		c.Reply(msg, nil)
	case cdproto.CommandTargetAttachToTarget:
		var p target.AttachToTargetParams
		if !c.decode(msg, &p) {
			return
		}
		s.attach(c, msg, p.TargetID)
	case cdproto.CommandTargetDetachFromTarget:
		var p target.DetachFromTargetParams
		if !c.decode(msg, &p) {
			return
		}
		s.mu.Lock()
		_, ok := s.sessions[p.SessionID]
		delete(s.sessions, p.SessionID)
		s.mu.Unlock()
		if !ok {
			c.ReplyError(msg, -32602, "No session with given id")
			return
		}
		c.Reply(msg, nil)
		c.Emit("", cdproto.EventTargetDetachedFromTarget, &target.EventDetachedFromTarget{SessionID: p.SessionID})
	case cdproto.CommandTargetSetDiscoverTargets, cdproto.CommandTargetSetAutoAttach:
		c.Reply(msg, nil)
	default:
		c.ReplyError(msg, -32601, fmt.Sprintf("'%s' wasn't found", msg.Method))
	}
}

func (s *Server) attach(c *Conn, msg *cdproto.Message, id target.ID) {
	s.mu.Lock()
	p, ok := s.pages[id]
	if !ok {
		s.mu.Unlock()
		c.ReplyError(msg, -32602, "No target with given id found")
		return
	}
	sess := &session{id: target.SessionID(strings.ToUpper(uuid.NewString())), conn: c, page: p}
	s.sessions[sess.id] = sess
	info := p.info(true)
	s.mu.Unlock()

	c.Emit("", cdproto.EventTargetAttachedToTarget, &target.EventAttachedToTarget{
		SessionID:  sess.id,
		TargetInfo: info,
	})
	c.Reply(msg, &target.AttachToTargetReturns{SessionID: sess.id})
}

func (s *Server) handleSession(c *Conn, msg *cdproto.Message) {
	s.mu.Lock()
	sess, ok := s.sessions[msg.SessionID]
	s.mu.Unlock()
	if !ok || sess.conn != c {
		c.ReplyError(msg, -32001, "No session with given id")
		return
	}

	switch msg.Method {
	case cdproto.CommandPageGetFrameTree:
		s.mu.Lock()
		tree := sess.page.frameTree()
		s.mu.Unlock()
		c.Reply(msg, &page.GetFrameTreeReturns{FrameTree: tree})
	case cdproto.CommandRuntimeEnable:
		// Existing contexts are reported before the reply.
		s.mu.Lock()
		var events []easyjson.Marshaler
		for _, f := range sess.page.frames {
			if f.context == 0 {
				s.nextContext++
				f.context = s.nextContext
			}
			events = append(events, f.contextCreated())
		}
		s.mu.Unlock()
		for _, ev := range events {
			c.Emit(sess.id, cdproto.EventRuntimeExecutionContextCreated, ev)
		}
		c.Reply(msg, nil)
	case cdproto.CommandPageNavigate:
		var p page.NavigateParams
		if !c.decode(msg, &p) {
			return
		}
		s.navigate(sess, msg, p)
	case cdproto.CommandRuntimeEvaluate:
		var p runtime.EvaluateParams
		if !c.decode(msg, &p) {
			return
		}
		s.mu.Lock()
		snap := sess.page.snapshot()
		s.mu.Unlock()
		f := snap.frameByContext(p.ContextID)
		if f == nil {
			c.ReplyError(msg, -32000, "Cannot find context with specified id")
			return
		}
		c.Reply(msg, s.evaluator(&snap, f, p.Expression))
	default:
		c.Reply(msg, nil)
	}
}

// navigate commits a navigation of a page frame and emits the events a
// browser would. A URL differing only in its fragment is a same-document
// navigation; hosts under .invalid fail to resolve.
func (s *Server) navigate(sess *session, msg *cdproto.Message, p page.NavigateParams) {
	c := sess.conn

	u, err := url.Parse(p.URL)
	if err != nil || u.Scheme == "" {
		c.ReplyError(msg, -32000, "Cannot navigate to invalid URL")
		return
	}
	if strings.HasSuffix(u.Hostname(), ".invalid") {
		s.mu.Lock()
		frameID := sess.page.frames[0].ID
		s.mu.Unlock()
		c.Reply(msg, &page.NavigateReturns{FrameID: frameID, ErrorText: "net::ERR_NAME_NOT_RESOLVED"})
		return
	}

	s.mu.Lock()
	f := sess.page.frame(p.FrameID)
	if f == nil {
		s.mu.Unlock()
		c.ReplyError(msg, -32000, "No frame for given id found")
		return
	}
	if sameDocument(f.URL, p.URL) {
		f.URL = p.URL
		frameID := f.ID
		s.mu.Unlock()

		c.Emit(sess.id, cdproto.EventPageNavigatedWithinDocument, &page.EventNavigatedWithinDocument{
			FrameID:        frameID,
			URL:            p.URL,
			NavigationType: page.NavigatedWithinDocumentNavigationTypeFragment,
		})
		c.Reply(msg, &page.NavigateReturns{FrameID: frameID})
		return
	}
	events := s.commitLocked(sess.page, f, p.URL)
	frameID, loaderID := f.ID, f.LoaderID
	s.mu.Unlock()

	c.Reply(msg, &page.NavigateReturns{FrameID: frameID, LoaderID: loaderID})
	for _, ev := range events {
		c.Emit(sess.id, ev.method, ev.params)
	}
}

// Navigate starts a navigation of the main frame of the page from the
// browser side, as a link click or script would, and notifies every attached
// session.
func (s *Server) Navigate(id target.ID, pageURL string) {
	s.mu.Lock()
	p := s.pageLocked(id)
	events := s.commitLocked(p, p.frames[0], pageURL)
	sessions := s.sessionsLocked(id)
	s.mu.Unlock()

	for _, sess := range sessions {
		for _, ev := range events {
			sess.conn.Emit(sess.id, ev.method, ev.params)
		}
	}
}

// AttachFrame adds a child frame under parent and commits pageURL in it.
func (s *Server) AttachFrame(id target.ID, parent cdptypes.FrameID, frameID cdptypes.FrameID, pageURL string) {
	s.mu.Lock()
	p := s.pageLocked(id)
	if p.frame(parent) == nil {
		s.mu.Unlock()
		s.t.Fatalf("cdptest: unknown parent frame %s", parent)
	}
	f := &Frame{ID: frameID, ParentID: parent, URL: "about:blank"}
	p.frames = append(p.frames, f)
	events := append([]event{{
		method: cdproto.EventPageFrameAttached,
		params: &page.EventFrameAttached{FrameID: frameID, ParentFrameID: parent},
	}}, s.commitLocked(p, f, pageURL)...)
	sessions := s.sessionsLocked(id)
	s.mu.Unlock()

	for _, sess := range sessions {
		for _, ev := range events {
			sess.conn.Emit(sess.id, ev.method, ev.params)
		}
	}
}

// DetachFrame removes a child frame and its descendants.
func (s *Server) DetachFrame(id target.ID, frameID cdptypes.FrameID) {
	s.mu.Lock()
	s.pageLocked(id).removeFrame(frameID)
	sessions := s.sessionsLocked(id)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.conn.Emit(sess.id, cdproto.EventPageFrameDetached, &page.EventFrameDetached{
			FrameID: frameID,
			Reason:  page.FrameDetachedReasonRemove,
		})
	}
}

// AddPage opens a new page target with a committed document.
func (s *Server) AddPage(pageURL, title string) *Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Page{
		TargetID: target.ID(strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))),
		Title:    title,
	}
	p.frames = []*Frame{{
		ID:       cdptypes.FrameID(p.TargetID),
		LoaderID: newLoaderID(),
		URL:      pageURL,
	}}
	s.pages[p.TargetID] = p
	s.order = append(s.order, p.TargetID)
	return p
}

// ClosePage closes a page target, detaching every session attached to it.
func (s *Server) ClosePage(id target.ID) bool {
	s.mu.Lock()
	if _, ok := s.pages[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.pages, id)
	for i, tid := range s.order {
		if tid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	sessions := s.sessionsLocked(id)
	for _, sess := range sessions {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.conn.Emit("", cdproto.EventTargetDetachedFromTarget, &target.EventDetachedFromTarget{SessionID: sess.id})
	}
	return true
}

// Emit sends an event on every session attached to the page.
func (s *Server) Emit(id target.ID, method string, params easyjson.Marshaler) {
	s.mu.Lock()
	sessions := s.sessionsLocked(id)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.conn.Emit(sess.id, cdproto.MethodType(method), params)
	}
}

type event struct {
	method cdproto.MethodType
	params easyjson.Marshaler
}

// commitLocked replaces the document of f and returns the events that
// describe it, in the order a browser sends them.
func (s *Server) commitLocked(p *Page, f *Frame, pageURL string) []event {
	old := f.context
	f.URL = pageURL
	f.LoaderID = newLoaderID()
	s.nextContext++
	f.context = s.nextContext
	if f.ParentID == "" {
		p.Title = ""
		p.HTML = ""
		p.dropChildren()
	}

	events := []event{
		{cdproto.EventPageFrameStartedLoading, &page.EventFrameStartedLoading{FrameID: f.ID}},
		{cdproto.EventPageLifecycleEvent, &page.EventLifecycleEvent{FrameID: f.ID, LoaderID: f.LoaderID, Name: "init"}},
	}
	if old != 0 {
		events = append(events, event{cdproto.EventRuntimeExecutionContextDestroyed, &runtime.EventExecutionContextDestroyed{ExecutionContextID: old}})
	}
	events = append(events,
		event{cdproto.EventPageFrameNavigated, &page.EventFrameNavigated{Frame: f.cdp(), Type: page.NavigationTypeNavigation}},
		event{cdproto.EventRuntimeExecutionContextCreated, f.contextCreated()},
		event{cdproto.EventPageLifecycleEvent, &page.EventLifecycleEvent{FrameID: f.ID, LoaderID: f.LoaderID, Name: "DOMContentLoaded"}},
		event{cdproto.EventPageLifecycleEvent, &page.EventLifecycleEvent{FrameID: f.ID, LoaderID: f.LoaderID, Name: "load"}},
		event{cdproto.EventPageFrameStoppedLoading, &page.EventFrameStoppedLoading{FrameID: f.ID}},
	)
	return events
}

// pageLocked returns the page with the given id. It must be called from the
// test goroutine as it fails the test for unknown ids.
func (s *Server) pageLocked(id target.ID) *Page {
	p, ok := s.pages[id]
	if !ok {
		s.mu.Unlock()
		s.t.Fatalf("cdptest: unknown target %s", id)
	}
	return p
}

func (s *Server) sessionsLocked(id target.ID) []*session {
	var out []*session
	for _, sess := range s.sessions {
		if sess.page.TargetID == id {
			out = append(out, sess)
		}
	}
	return out
}

func (s *Server) targetInfos() []*target.Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	attached := make(map[target.ID]bool)
	for _, sess := range s.sessions {
		attached[sess.page.TargetID] = true
	}
	infos := make([]*target.Info, 0, len(s.order))
	for _, id := range s.order {
		infos = append(infos, s.pages[id].info(attached[id]))
	}
	return infos
}

func sameDocument(from, to string) bool {
	a, err := url.Parse(from)
	if err != nil {
		return false
	}
	b, err := url.Parse(to)
	if err != nil || b.Fragment == "" {
		return false
	}
	a.Fragment, b.Fragment = "", ""
	a.RawFragment, b.RawFragment = "", ""
	return a.String() == b.String()
}

func newLoaderID() cdptypes.LoaderID {
	return cdptypes.LoaderID(strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")))
}

// Conn is one client connection to the Server.
type Conn struct {
	server  *Server
	ws      *websocket.Conn
	ctx     context.Context
	writeCh chan *cdproto.Message
}

// Reply answers msg with result. A nil result is sent as an empty object.
func (c *Conn) Reply(msg *cdproto.Message, result easyjson.Marshaler) {
	raw := easyjson.RawMessage(`{}`)
	if result != nil {
		buf, err := easyjson.Marshal(result)
		if err != nil {
			c.ReplyError(msg, -32603, err.Error())
			return
		}
		raw = buf
	}
	c.send(&cdproto.Message{ID: msg.ID, SessionID: msg.SessionID, Result: raw})
}

// ReplyError answers msg with a protocol error.
func (c *Conn) ReplyError(msg *cdproto.Message, code int64, message string) {
	c.send(&cdproto.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Error:     &cdproto.Error{Code: code, Message: message},
	})
}

// Emit sends an event, scoped to sessionID unless it is empty.
func (c *Conn) Emit(sessionID target.SessionID, method cdproto.MethodType, params easyjson.Marshaler) {
	raw := easyjson.RawMessage(`{}`)
	if params != nil {
		buf, err := easyjson.Marshal(params)
		if err != nil {
			return
		}
		raw = buf
	}
	c.send(&cdproto.Message{SessionID: sessionID, Method: method, Params: raw})
}

// Close drops the connection without a close handshake.
func (c *Conn) Close() {
	_ = c.ws.Close()
}

func (c *Conn) send(msg *cdproto.Message) {
	select {
	case c.writeCh <- msg:
	case <-c.ctx.Done():
	}
}

func (c *Conn) decode(msg *cdproto.Message, v easyjson.Unmarshaler) bool {
	params := msg.Params
	if len(params) == 0 {
		params = easyjson.RawMessage(`{}`)
	}
	if err := easyjson.Unmarshal(params, v); err != nil {
		c.ReplyError(msg, -32602, "Invalid parameters: "+err.Error())
		return false
	}
	return true
}

func (c *Conn) read() (*cdproto.Message, error) {
	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	var msg cdproto.Message
	decoder := jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&decoder)
	if err := decoder.Error(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Conn) write(msg *cdproto.Message) error {
	encoder := jwriter.Writer{}
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return err
	}

	writer, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := encoder.DumpTo(writer); err != nil {
		return err
	}
	return writer.Close()
}
