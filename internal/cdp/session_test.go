package cdp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
)

// attachResponder answers Target.attachToTarget with sessions S1, S2, ...
// and leaves every other command unanswered.
func attachResponder(ids ...target.SessionID) func(*cdproto.Message) []string {
	var mu sync.Mutex
	return func(req *cdproto.Message) []string {
		if req.Method != target.CommandAttachToTarget {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return []string{reply(req, `{"sessionId":"`+string(id)+`"}`)}
	}
}

func waitPending(t *testing.T, c *Connection, n int) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		c.mu.Lock()
		got := len(c.pending)
		c.mu.Unlock()
		if got == n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected %d pending commands, have %d", n, got)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSession_DetachFailsPendingAndStopsRouting(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(attachResponder("S1"))
	c := NewConnection(conn)
	defer c.Close()

	s, err := c.AttachToTarget(context.Background(), "T1")
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if s.ID() != "S1" || s.TargetID() != "T1" {
		t.Fatalf("unexpected session %s for %s", s.ID(), s.TargetID())
	}

	events := make(chan Event, 4)
	s.Subscribe("Page.frameNavigated", func(e Event) { events <- e })
	browserLevel := make(chan Event, 4)
	c.Subscribe("Page.frameNavigated", func(e Event) { browserLevel <- e })

	conn.push(`{"method":"Page.frameNavigated","sessionId":"S1","params":{"frame":{"id":"F1","loaderId":"L1","url":"https://a.test/","domainAndRegistry":"","securityOrigin":"","mimeType":"text/html","secureContextType":"Secure","crossOriginIsolatedContextType":"NotIsolated","gatedAPIFeatures":[]},"type":"Navigation"}}`)

	select {
	case e := <-events:
		if e.SessionID != "S1" {
			t.Errorf("expected session S1, got %s", e.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("session event not delivered")
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "Runtime.evaluate", map[string]string{"expression": "1"})
		errCh <- err
	}()
	waitPending(t, c, 1)

	closed := make(chan error, 1)
	s.OnClose(func(err error) { closed <- err })

	conn.push(`{"method":"Target.detachedFromTarget","params":{"sessionId":"S1","targetId":"T1"}}`)

	select {
	case err := <-errCh:
		var serr *StateError
		if !errors.As(err, &serr) || !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected StateError(ErrSessionClosed), got %v", err)
		}
		if serr.Op != "Runtime.evaluate" {
			t.Errorf("expected op Runtime.evaluate, got %s", serr.Op)
		}
	case <-time.After(time.Second):
		t.Fatal("pending command was not failed")
	}

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("expected nil close cause for detach, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnClose not called")
	}

	// Late events for the detached session are dropped.
	conn.push(`{"method":"Page.frameNavigated","sessionId":"S1","params":{"frame":{"id":"F1","loaderId":"L2","url":"https://b.test/","domainAndRegistry":"","securityOrigin":"","mimeType":"text/html","secureContextType":"Secure","crossOriginIsolatedContextType":"NotIsolated","gatedAPIFeatures":[]},"type":"Navigation"}}`)
	synced := make(chan struct{})
	c.Subscribe("Test.sync", func(Event) { close(synced) })
	conn.push(`{"method":"Test.sync","params":{}}`)
	select {
	case <-synced:
	case <-time.After(time.Second):
		t.Fatal("sync event not delivered")
	}

	// New commands fail without reaching the browser.
	before := len(conn.getWritten())
	_, err = s.Send(context.Background(), "Page.enable", nil)
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if after := len(conn.getWritten()); after != before {
		t.Errorf("closed session wrote to the transport")
	}

	select {
	case e := <-events:
		t.Errorf("unexpected event after detach: %+v", e)
	default:
	}
	select {
	case e := <-browserLevel:
		t.Errorf("session event leaked to browser scope: %+v", e)
	default:
	}
	if _, ok := c.Session("S1"); ok {
		t.Error("detached session is still registered")
	}
}

func TestSession_EventsAreScopedBySession(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(attachResponder("S1", "S2"))
	c := NewConnection(conn)
	defer c.Close()

	s1, err := c.AttachToTarget(context.Background(), "T1")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := c.AttachToTarget(context.Background(), "T2")
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	got := map[target.SessionID][]string{}
	done := make(chan struct{})
	for _, s := range []*Session{s1, s2} {
		s := s
		s.Subscribe(AllEvents, func(e Event) {
			mu.Lock()
			got[s.ID()] = append(got[s.ID()], e.Get("n").String())
			mu.Unlock()
			if e.Method == "Test.last" {
				close(done)
			}
		})
	}

	conn.push(`{"method":"Test.e","sessionId":"S1","params":{"n":"a"}}`)
	conn.push(`{"method":"Test.e","sessionId":"S2","params":{"n":"b"}}`)
	conn.push(`{"method":"Test.e","sessionId":"S1","params":{"n":"c"}}`)
	conn.push(`{"method":"Test.e","sessionId":"S404","params":{"n":"x"}}`)
	conn.push(`{"method":"Test.last","sessionId":"S2","params":{"n":"d"}}`)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	if a := got["S1"]; len(a) != 2 || a[0] != "a" || a[1] != "c" {
		t.Errorf("S1 saw %v", a)
	}
	if b := got["S2"]; len(b) != 2 || b[0] != "b" || b[1] != "d" {
		t.Errorf("S2 saw %v", b)
	}
}

func TestSession_AutoAttachedChildrenCloseWithParent(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(attachResponder("S1"))
	c := NewConnection(conn)
	defer c.Close()

	parent, err := c.AttachToTarget(context.Background(), "T1")
	if err != nil {
		t.Fatal(err)
	}

	attached := make(chan struct{})
	parent.Subscribe(cdproto.EventTargetAttachedToTarget, func(Event) { close(attached) })

	conn.push(`{"method":"Target.attachedToTarget","sessionId":"S1","params":{"sessionId":"S2","targetInfo":{"targetId":"T2","type":"iframe","title":"","url":"https://frame.test/","attached":true,"canAccessOpener":false},"waitingForDebugger":false}}`)

	select {
	case <-attached:
	case <-time.After(time.Second):
		t.Fatal("attach event not delivered to parent scope")
	}

	child, ok := c.Session("S2")
	if !ok {
		t.Fatal("child session not registered")
	}
	if child.Parent() != parent {
		t.Error("child has wrong parent")
	}
	if child.TargetType() != "iframe" {
		t.Errorf("expected iframe target, got %s", child.TargetType())
	}
	if len(parent.Children()) != 1 {
		t.Errorf("expected one child, got %d", len(parent.Children()))
	}

	conn.push(`{"method":"Target.detachedFromTarget","params":{"sessionId":"S1"}}`)

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child session not closed with parent")
	}
	if _, ok := c.Session("S2"); ok {
		t.Error("child session still registered")
	}
}

func TestSession_NoSessionErrorClosesSession(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(func(req *cdproto.Message) []string {
		if req.Method == target.CommandAttachToTarget {
			return []string{reply(req, `{"sessionId":"S1"}`)}
		}
		return []string{replyError(req, -32001, "No session with given id")}
	})
	c := NewConnection(conn)
	defer c.Close()

	s, err := c.AttachToTarget(context.Background(), "T1")
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Send(context.Background(), "Page.enable", nil)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected protocol error, got %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed after unknown-session reply")
	}
}

func TestSession_LastAttachWins(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(attachResponder("S1", "S2"))
	c := NewConnection(conn)
	defer c.Close()

	first, err := c.AttachToTarget(context.Background(), "T1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.AttachToTarget(context.Background(), "T1")
	if err != nil {
		t.Fatal(err)
	}

	got, ok := c.SessionForTarget("T1")
	if !ok || got != second {
		t.Fatalf("expected the newest session for T1, got %v", got)
	}
	if first.Closed() {
		t.Error("earlier session should stay open until detached")
	}
	if len(c.Sessions()) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(c.Sessions()))
	}
}

func TestSession_ExecuteScopesCommand(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(func(req *cdproto.Message) []string {
		switch req.Method {
		case target.CommandAttachToTarget:
			return []string{reply(req, `{"sessionId":"S1"}`)}
		case page.CommandNavigate:
			return []string{reply(req, `{"frameId":"F1","loaderId":"L2"}`)}
		}
		return nil
	})
	c := NewConnection(conn)
	defer c.Close()

	s, err := c.AttachToTarget(context.Background(), "T1")
	if err != nil {
		t.Fatal(err)
	}

	frameID, loaderID, errorText, err := page.Navigate("https://a.test/").
		WithFrameID("F1").
		Do(cdptypes.WithExecutor(context.Background(), s))
	if err != nil {
		t.Fatalf("navigate failed: %v", err)
	}
	if frameID != "F1" || loaderID != "L2" || errorText != "" {
		t.Errorf("unexpected navigate result %s %s %q", frameID, loaderID, errorText)
	}

	written := conn.getWritten()
	last := written[len(written)-1]
	if last.SessionID != "S1" {
		t.Errorf("expected command scoped to S1, got %q", last.SessionID)
	}
}

func TestSession_Detach(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(func(req *cdproto.Message) []string {
		switch req.Method {
		case target.CommandAttachToTarget:
			return []string{reply(req, `{"sessionId":"S1"}`)}
		case target.CommandDetachFromTarget:
			return []string{reply(req, `{}`)}
		}
		return nil
	})
	c := NewConnection(conn)
	defer c.Close()

	s, err := c.AttachToTarget(context.Background(), "T1")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Detach(context.Background()); err != nil {
		t.Fatalf("detach failed: %v", err)
	}
	if !s.Closed() {
		t.Error("expected session closed after Detach")
	}
	if err := s.Detach(context.Background()); err != nil {
		t.Errorf("second detach returned %v", err)
	}
	if s.Subscribe("Page.loadEventFired", func(Event) {}) != nil {
		t.Error("expected no subscription on a closed session")
	}
}
