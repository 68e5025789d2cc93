package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/coder/websocket"
)

// scriptConn is a Conn whose replies are produced by a responder that sees
// every written command. Events can be pushed at any time.
type scriptConn struct {
	mu      sync.Mutex
	inbound chan []byte
	written []*cdproto.Message
	respond func(req *cdproto.Message) []string
	closed  bool
	closeCh chan struct{}
	failErr error
}

func newScriptConn(respond func(req *cdproto.Message) []string) *scriptConn {
	return &scriptConn{
		inbound: make(chan []byte, 100),
		closeCh: make(chan struct{}),
		respond: respond,
	}
}

// silent never answers.
func silent(*cdproto.Message) []string { return nil }

// echoResult answers every command with result.
func echoResult(result string) func(*cdproto.Message) []string {
	return func(req *cdproto.Message) []string {
		return []string{reply(req, result)}
	}
}

func reply(req *cdproto.Message, result string) string {
	if req.SessionID != "" {
		return fmt.Sprintf(`{"id":%d,"sessionId":%q,"result":%s}`, req.ID, req.SessionID, result)
	}
	return fmt.Sprintf(`{"id":%d,"result":%s}`, req.ID, result)
}

func replyError(req *cdproto.Message, code int, message string) string {
	return fmt.Sprintf(`{"id":%d,"error":{"code":%d,"message":%q}}`, req.ID, code, message)
}

func (m *scriptConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case msg := <-m.inbound:
		return websocket.MessageText, msg, nil
	case <-m.closeCh:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.failErr != nil {
			return 0, nil, m.failErr
		}
		return 0, nil, errors.New("connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (m *scriptConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("connection closed")
	}

	var req cdproto.Message
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	m.written = append(m.written, &req)

	for _, resp := range m.respond(&req) {
		m.inbound <- []byte(resp)
	}
	return nil
}

func (m *scriptConn) Close(code websocket.StatusCode, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closeCh)
	}
	return nil
}

// push delivers a raw frame to the read loop.
func (m *scriptConn) push(frame string) {
	m.inbound <- []byte(frame)
}

// fail simulates the transport dropping with err.
func (m *scriptConn) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.failErr = err
		m.closed = true
		close(m.closeCh)
	}
}

func (m *scriptConn) getWritten() []*cdproto.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*cdproto.Message, len(m.written))
	copy(result, m.written)
	return result
}
