package cdp

import (
	"sync"

	"github.com/chromedp/cdproto/target"
)

// AllEvents subscribes a handler to every event of a scope.
const AllEvents = "*"

// subKey scopes a subscription to one session (empty for the browser) and
// one method.
type subKey struct {
	sessionID target.SessionID
	method    string
}

type handlerEntry struct {
	id uint64
	fn func(Event)
}

// registry holds event subscriptions keyed by (session, method).
type registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[subKey][]handlerEntry
}

func newRegistry() *registry {
	return &registry{handlers: make(map[subKey][]handlerEntry)}
}

func (r *registry) add(sessionID target.SessionID, method string, fn func(Event)) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	key := subKey{sessionID: sessionID, method: method}
	r.handlers[key] = append(r.handlers[key], handlerEntry{id: r.nextID, fn: fn})
	return &Subscription{reg: r, key: key, id: r.nextID}
}

func (r *registry) remove(key subKey, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.handlers[key]
	for i, e := range entries {
		if e.id == id {
			// copy so a concurrent dispatch iterating the old slice is unaffected
			next := make([]handlerEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(r.handlers, key)
			} else {
				r.handlers[key] = next
			}
			return
		}
	}
}

// removeSession drops every subscription scoped to sessionID.
func (r *registry) removeSession(sessionID target.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.handlers {
		if key.sessionID == sessionID {
			delete(r.handlers, key)
		}
	}
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[subKey][]handlerEntry)
}

// dispatch calls the handlers for evt in subscription order, method
// handlers before wildcard handlers.
func (r *registry) dispatch(evt Event) {
	r.mu.RLock()
	exact := r.handlers[subKey{sessionID: evt.SessionID, method: evt.Method}]
	wild := r.handlers[subKey{sessionID: evt.SessionID, method: AllEvents}]
	r.mu.RUnlock()

	for _, h := range exact {
		h.fn(evt)
	}
	for _, h := range wild {
		h.fn(evt)
	}
}

// Subscription is a registered event handler.
// A nil or zero Subscription is valid and Unsubscribe on it does nothing.
type Subscription struct {
	reg  *registry
	key  subKey
	id   uint64
	once sync.Once
}

// Unsubscribe removes the handler. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.reg == nil {
		return
	}
	s.once.Do(func() {
		s.reg.remove(s.key, s.id)
	})
}
