package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

func TestConnection_Send_CorrelatesResponseByID(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(echoResult(`{"frameId":"ABC123"}`))

	c := NewConnection(conn)
	defer c.Close()

	result, err := c.Send(context.Background(), "Page.navigate", map[string]string{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"frameId":"ABC123"}`
	if string(result) != expected {
		t.Errorf("expected result %s, got %s", expected, string(result))
	}

	written := conn.getWritten()
	if len(written) != 1 {
		t.Fatalf("expected 1 written message, got %d", len(written))
	}
	if written[0].ID != 1 {
		t.Errorf("expected request ID 1, got %d", written[0].ID)
	}
	if written[0].Method != "Page.navigate" {
		t.Errorf("expected method Page.navigate, got %s", written[0].Method)
	}
	if written[0].SessionID != "" {
		t.Errorf("expected no session id, got %s", written[0].SessionID)
	}
}

func TestConnection_Send_ReturnsProtocolError(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(func(req *cdproto.Message) []string {
		return []string{replyError(req, -32000, "Target closed")}
	})

	c := NewConnection(conn)
	defer c.Close()

	_, err := c.Send(context.Background(), "Page.navigate", nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
	if perr.Code != -32000 {
		t.Errorf("expected error code -32000, got %d", perr.Code)
	}
	if perr.Message != "Target closed" {
		t.Errorf("expected message 'Target closed', got %s", perr.Message)
	}
	if perr.Method != "Page.navigate" {
		t.Errorf("expected method Page.navigate, got %s", perr.Method)
	}
}

func TestConnection_Send_TimeoutRemovesPendingEntry(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(silent)

	c := NewConnection(conn)
	defer c.Close()

	ctx, cancel := WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Send(ctx, "Page.navigate", nil)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TimeoutError, got %T", err)
	}
	if terr.Timeout != 50*time.Millisecond {
		t.Errorf("expected timeout 50ms, got %s", terr.Timeout)
	}

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("expected empty pending table, got %d entries", n)
	}

	// A late reply for the abandoned id is discarded.
	conn.push(`{"id":1,"result":{}}`)
	if _, err := c.Send(ctx, "Page.navigate", nil); err == nil {
		t.Error("expected expired context to fail")
	}
}

func TestConnection_Send_CommandTimeoutBoundsContextWithoutDeadline(t *testing.T) {
	t.Parallel()

	c := NewConnection(newScriptConn(silent), WithCommandTimeout(30*time.Millisecond))
	defer c.Close()

	_, err := c.Send(context.Background(), "Page.navigate", nil)
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TimeoutError, got %v", err)
	}
	if terr.Timeout != 30*time.Millisecond {
		t.Errorf("expected timeout 30ms, got %s", terr.Timeout)
	}
}

func TestConnection_Send_OutOfOrderResponses(t *testing.T) {
	t.Parallel()

	const numRequests = 5

	// Hold every request and answer them in reverse order once all arrived.
	var (
		mu   sync.Mutex
		held []*cdproto.Message
	)
	conn := newScriptConn(func(req *cdproto.Message) []string {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, req)
		if len(held) < numRequests {
			return nil
		}
		var out []string
		for i := len(held) - 1; i >= 0; i-- {
			out = append(out, reply(held[i], fmt.Sprintf(`{"echo":%d}`, held[i].ID)))
		}
		return out
	})

	c := NewConnection(conn)
	defer c.Close()

	type outcome struct {
		id     int
		result string
		err    error
	}
	results := make(chan outcome, numRequests)
	var wg sync.WaitGroup
	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Send(context.Background(), "Test.method", map[string]int{"n": i})
			results <- outcome{id: i, result: string(res), err: err}
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for r := range results {
		if r.err != nil {
			t.Errorf("request %d failed: %v", r.id, r.err)
			continue
		}
		if seen[r.result] {
			t.Errorf("result %s delivered twice", r.result)
		}
		seen[r.result] = true
	}

	// Each caller got the reply carrying its own id.
	for _, req := range conn.getWritten() {
		if !seen[fmt.Sprintf(`{"echo":%d}`, req.ID)] {
			t.Errorf("no caller received reply for id %d", req.ID)
		}
	}
}

func TestConnection_Subscribe_DispatchesToHandler(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(silent)
	c := NewConnection(conn)
	defer c.Close()

	received := make(chan Event, 1)
	c.Subscribe("Target.targetCreated", func(e Event) {
		received <- e
	})

	conn.push(`{"method":"Target.targetCreated","params":{"targetInfo":{"targetId":"T1","type":"page","title":"","url":"about:blank","attached":false,"canAccessOpener":false}}}`)

	select {
	case e := <-received:
		if e.Method != "Target.targetCreated" {
			t.Errorf("expected method Target.targetCreated, got %s", e.Method)
		}
		if got := e.Get("targetInfo.targetId").String(); got != "T1" {
			t.Errorf("expected target T1, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestConnection_Subscribe_MultipleHandlersAndUnsubscribe(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(silent)
	c := NewConnection(conn)
	defer c.Close()

	var mu sync.Mutex
	var calls []string
	record := func(name string) func(Event) {
		return func(Event) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}

	first := c.Subscribe("Test.event", record("first"))
	c.Subscribe("Test.event", record("second"))
	c.Subscribe(AllEvents, func(e Event) {
		if e.Method == "Test.event" {
			record("wildcard")(e)
		}
	})

	done := make(chan struct{})
	c.Subscribe("Test.done", func(Event) { close(done) })

	conn.push(`{"method":"Test.event","params":{}}`)
	first.Unsubscribe()
	first.Unsubscribe()
	conn.push(`{"method":"Test.event","params":{}}`)
	conn.push(`{"method":"Test.done","params":{}}`)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	// The first event may or may not reach "first" before it is removed,
	// so only the tail is deterministic.
	if len(calls) < 4 {
		t.Fatalf("expected at least 4 calls, got %v", calls)
	}
	tail := calls[len(calls)-2:]
	if tail[0] != "second" || tail[1] != "wildcard" {
		t.Fatalf("unexpected handler order %v", calls)
	}
}

func TestConnection_Close_CleansUpResources(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(silent)

	c := NewConnection(conn)

	if err := c.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("expected connection to be closed")
	}

	// Verify double-close is safe
	if err := c.Close(); err != nil {
		t.Errorf("double close returned error: %v", err)
	}

	select {
	case <-c.Done():
	default:
		t.Error("expected Done to be closed")
	}
	if c.Err() != nil {
		t.Errorf("expected nil Err after local close, got %v", c.Err())
	}

	_, err := c.Send(context.Background(), "Page.enable", nil)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed after close, got %v", err)
	}
}

func TestConnection_ConcurrentSends(t *testing.T) {
	t.Parallel()

	const numRequests = 10

	conn := newScriptConn(echoResult(`{"ok":true}`))

	c := NewConnection(conn)
	defer c.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, numRequests)

	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Send(context.Background(), "Test.method", nil); err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent send error: %v", err)
	}
}

func TestConnection_Send_ConnectionClosedMidRequest(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(silent)

	c := NewConnection(conn)

	// Close the connection after a short delay
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Close()
	}()

	_, err := c.Send(context.Background(), "Page.navigate", nil)
	if err == nil {
		t.Fatal("expected error when connection closes, got nil")
	}
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnection_ReadLoop_HandlesUnknownMessageID(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(func(req *cdproto.Message) []string {
		return []string{
			`{"id":9999,"result":{}}`,
			`garbage`,
			reply(req, `{"success":true}`),
		}
	})

	c := NewConnection(conn)
	defer c.Close()

	result, err := c.Send(context.Background(), "Test.method", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"success":true}` {
		t.Errorf("expected success result, got %s", string(result))
	}
}

func TestConnection_TransportDropCascades(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(func(req *cdproto.Message) []string {
		if req.Method == target.CommandAttachToTarget {
			return []string{reply(req, `{"sessionId":"S1"}`)}
		}
		return nil
	})

	c := NewConnection(conn)
	defer c.Close()

	s, err := c.AttachToTarget(context.Background(), "T1")
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	sessionClosed := make(chan error, 1)
	s.OnClose(func(err error) { sessionClosed <- err })
	connClosed := make(chan error, 1)
	c.OnClose(func(err error) { connClosed <- err })

	errs := make(chan error, 2)
	go func() {
		_, err := c.Send(context.Background(), "Browser.getVersion", nil)
		errs <- err
	}()
	go func() {
		_, err := s.Send(context.Background(), "Page.enable", nil)
		errs <- err
	}()

	// Wait until both commands are pending before dropping the transport.
	deadline := time.After(time.Second)
	for {
		c.mu.Lock()
		n := len(c.pending)
		c.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("commands never became pending")
		case <-time.After(5 * time.Millisecond):
		}
	}

	drop := errors.New("socket reset")
	conn.fail(drop)

	for i := 0; i < 2; i++ {
		err := <-errs
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %v", err)
		}
		if !errors.Is(err, drop) {
			t.Errorf("expected cause to be preserved, got %v", err)
		}
	}

	select {
	case err := <-sessionClosed:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("expected session close cause to be a transport error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("session was not closed")
	}
	select {
	case <-connClosed:
	case <-time.After(time.Second):
		t.Fatal("connection close callback did not run")
	}

	<-c.Done()
	if !errors.Is(c.Err(), drop) {
		t.Errorf("expected Err to report the drop, got %v", c.Err())
	}
	if !s.Closed() {
		t.Error("expected session to be closed")
	}
}

func TestConnection_Execute_TypedCommand(t *testing.T) {
	t.Parallel()

	conn := newScriptConn(func(req *cdproto.Message) []string {
		return []string{reply(req, `{"protocolVersion":"1.3","product":"HeadlessChrome/120.0","revision":"r1","userAgent":"ua","jsVersion":"12.0"}`)}
	})

	c := NewConnection(conn)
	defer c.Close()

	_, product, _, _, _, err := browser.GetVersion().Do(cdptypes.WithExecutor(context.Background(), c))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if product != "HeadlessChrome/120.0" {
		t.Errorf("expected product HeadlessChrome/120.0, got %s", product)
	}
	if got := conn.getWritten()[0].Method; got != browser.CommandGetVersion {
		t.Errorf("expected %s, got %s", browser.CommandGetVersion, got)
	}
}
