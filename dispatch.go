package lobby

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// EventHandler receives one dispatched event payload.
// Handlers run concurrently with each other and with the transport read loop.
type EventHandler func(payload any)

// PresenceHandler receives decoded presence updates.
type PresenceHandler func(presence *Presence)

type eventListener struct {
	eventType string
	handler   EventHandler
}

// EventBus routes named events to registered handlers.
// One bus per client. Dispatch never blocks the caller: each handler runs
// in its own goroutine and a panicking handler does not affect the others.
type EventBus struct {
	stateLock sync.Mutex

	listeners         map[string][]*eventListener
	presenceListeners []PresenceHandler
}

func NewEventBus() *EventBus {
	return &EventBus{
		listeners: map[string][]*eventListener{},
	}
}

// On registers a handler. The returned function removes it.
func (self *EventBus) On(eventType string, handler EventHandler) func() {
	listener := &eventListener{
		eventType: eventType,
		handler:   handler,
	}
	self.stateLock.Lock()
	self.listeners[eventType] = append(self.listeners[eventType], listener)
	self.stateLock.Unlock()
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		i := slices.Index(self.listeners[eventType], listener)
		if 0 <= i {
			self.listeners[eventType] = slices.Delete(self.listeners[eventType], i, i+1)
		}
	}
}

func (self *EventBus) OnPresence(handler PresenceHandler) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.presenceListeners = append(self.presenceListeners, handler)
}

// HasListener reports whether any handler is registered for the event type.
func (self *EventBus) HasListener(eventType string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < len(self.listeners[eventType])
}

func (self *EventBus) Dispatch(eventType string, payload any) {
	self.stateLock.Lock()
	listeners := slices.Clone(self.listeners[eventType])
	self.stateLock.Unlock()

	glog.V(2).Infof("[dispatch]%s n=%d\n", eventType, len(listeners))
	for _, listener := range listeners {
		handler := listener.handler
		go func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[dispatch]%s handler panic = %v\n", eventType, r)
				}
			}()
			handler(payload)
		}()
	}
}

func (self *EventBus) DispatchPresence(presence *Presence) {
	self.stateLock.Lock()
	presenceListeners := slices.Clone(self.presenceListeners)
	self.stateLock.Unlock()

	for _, handler := range presenceListeners {
		handler := handler
		go func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[dispatch]presence handler panic = %v\n", r)
				}
			}()
			handler(presence)
		}()
	}
}

// WaitFor blocks until an event of the given type passes the check, the
// timeout elapses, or the context is done. A nil check accepts any payload.
// Timeout returns errWaitTimeout, which callers treat as a soft condition.
func (self *EventBus) WaitFor(
	ctx context.Context,
	eventType string,
	check func(payload any) bool,
	timeout time.Duration,
) (any, error) {
	c := make(chan any, 1)
	remove := self.On(eventType, func(payload any) {
		if check == nil || check(payload) {
			select {
			case c <- payload:
			default:
			}
		}
	})
	defer remove()

	select {
	case payload := <-c:
		return payload, nil
	case <-time.After(timeout):
		return nil, errWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
