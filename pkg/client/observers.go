package client

import (
	"sync"

	"github.com/nekomiya-kasane/metasock/pkg/protocol"
)

type handlerEntry[T any] struct {
	id int
	fn T
}

// handlers is a registration-ordered callback list
type handlers[T any] struct {
	mu      sync.RWMutex
	nextID  int
	entries []handlerEntry[T]
}

func (h *handlers[T]) add(fn T) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.entries = append(h.entries, handlerEntry[T]{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, e := range h.entries {
				if e.id == id {
					h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (h *handlers[T]) each(call func(T)) {
	h.mu.RLock()
	fns := make([]T, len(h.entries))
	for i, e := range h.entries {
		fns[i] = e.fn
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		call(fn)
	}
}

// OnConnect registers a callback run after every successful connect,
// including automatic reconnects
func (c *Connector) OnConnect(fn func()) func() {
	return c.onConnect.add(fn)
}

// OnMessage registers a callback for every valid message received
func (c *Connector) OnMessage(fn func(protocol.Message)) func() {
	return c.onMessage.add(fn)
}

// OnDisconnect registers a callback run once per established connection
// when it ends
func (c *Connector) OnDisconnect(fn func()) func() {
	return c.onDisconnect.add(fn)
}

// OnError registers a callback for transport and reconnect errors
func (c *Connector) OnError(fn func(error)) func() {
	return c.onError.add(fn)
}

// OnStateChange registers a callback for every state transition
func (c *Connector) OnStateChange(fn func(State)) func() {
	return c.onState.add(fn)
}

func (c *Connector) recoverHandler(kind string) {
	if r := recover(); r != nil {
		c.logf("%s handler panicked: %v", kind, r)
	}
}

func (c *Connector) emitConnect() {
	c.onConnect.each(func(fn func()) {
		defer c.recoverHandler("connect")
		fn()
	})
}

func (c *Connector) emitMessage(msg protocol.Message) {
	c.onMessage.each(func(fn func(protocol.Message)) {
		defer c.recoverHandler("message")
		fn(msg)
	})
}

func (c *Connector) emitDisconnect() {
	c.onDisconnect.each(func(fn func()) {
		defer c.recoverHandler("disconnect")
		fn()
	})
}

func (c *Connector) emitError(err error) {
	c.onError.each(func(fn func(error)) {
		defer c.recoverHandler("error")
		fn(err)
	})
}

func (c *Connector) emitState(s State) {
	c.onState.each(func(fn func(State)) {
		defer c.recoverHandler("state")
		fn(s)
	})
}
