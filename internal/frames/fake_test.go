package frames

import (
	"context"
	"fmt"
	"sync"

	"github.com/mailru/easyjson"

	"github.com/grantcarthew/cdpkit/internal/cdp"
)

// fakeSession delivers events synchronously, like the connection read loop,
// and answers commands through respond.
type fakeSession struct {
	mu       sync.Mutex
	handlers map[string][]func(cdp.Event)
	onClose  []func(error)
	calls    []call
	respond  func(method string, params []byte) (string, error)
}

type call struct {
	method string
	params string
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: make(map[string][]func(cdp.Event))}
}

func (s *fakeSession) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	var raw []byte
	if params != nil {
		var err error
		if raw, err = easyjson.Marshal(params); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, call{method: method, params: string(raw)})
	respond := s.respond
	s.mu.Unlock()

	result := "{}"
	if respond != nil {
		var err error
		if result, err = respond(method, raw); err != nil {
			return err
		}
	}
	if res == nil {
		return nil
	}
	return easyjson.Unmarshal([]byte(result), res)
}

func (s *fakeSession) Subscribe(method string, handler func(cdp.Event)) *cdp.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = append(s.handlers[method], handler)
	return nil
}

func (s *fakeSession) OnClose(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

func (s *fakeSession) emit(method, params string) {
	s.mu.Lock()
	hs := s.handlers[method]
	s.mu.Unlock()
	for _, h := range hs {
		h(cdp.Event{Method: method, Params: easyjson.RawMessage(params)})
	}
}

func (s *fakeSession) close(err error) {
	s.mu.Lock()
	fns := s.onClose
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (s *fakeSession) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.method
	}
	return out
}

func (s *fakeSession) lastCall(method string) (call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].method == method {
			return s.calls[i], true
		}
	}
	return call{}, false
}

// Event payload builders.

func frameJSON(id, parent, loader, url string) string {
	if parent == "" {
		return fmt.Sprintf(`{"id":%q,"loaderId":%q,"url":%q}`, id, loader, url)
	}
	return fmt.Sprintf(`{"id":%q,"parentId":%q,"loaderId":%q,"url":%q}`, id, parent, loader, url)
}

func (s *fakeSession) navigated(id, parent, loader, url string) {
	s.emit("Page.frameNavigated", `{"frame":`+frameJSON(id, parent, loader, url)+`}`)
}

func (s *fakeSession) attached(id, parent string) {
	s.emit("Page.frameAttached", fmt.Sprintf(`{"frameId":%q,"parentFrameId":%q}`, id, parent))
}

func (s *fakeSession) detached(id string) {
	s.emit("Page.frameDetached", fmt.Sprintf(`{"frameId":%q}`, id))
}

func (s *fakeSession) lifecycle(id, loader, name string) {
	s.emit("Page.lifecycleEvent", fmt.Sprintf(`{"frameId":%q,"loaderId":%q,"name":%q,"timestamp":1}`, id, loader, name))
}

func (s *fakeSession) contextCreated(id int, frameID string, isDefault bool) {
	s.emit("Runtime.executionContextCreated", fmt.Sprintf(
		`{"context":{"id":%d,"origin":"","name":"","uniqueId":"u%d","auxData":{"frameId":%q,"isDefault":%t}}}`,
		id, id, frameID, isDefault))
}

func (s *fakeSession) contextDestroyed(id int) {
	s.emit("Runtime.executionContextDestroyed", fmt.Sprintf(`{"executionContextId":%d,"executionContextUniqueId":"u%d"}`, id, id))
}

// newTestManager builds main frame M (loader L0) with active children.
func newTestManager(children ...string) (*Manager, *fakeSession) {
	s := newFakeSession()
	m := NewManager(s, nil, nil)
	s.navigated("M", "", "L0", "https://main.test/")
	for _, c := range children {
		s.attached(c, "M")
		s.navigated(c, "M", "L-"+c, "https://"+c+".test/")
	}
	return m, s
}

func ids(fs []*Frame) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f.ID())
	}
	return out
}
