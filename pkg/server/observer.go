package server

import (
	"fmt"
	"sync"

	"github.com/nekomiya-kasane/metasock/pkg/protocol"
)

// Observer callback kinds. Each registration returns a func that removes it.
type (
	ConnectionObserver    func(Session)
	MessageObserver       func(protocol.Message, Session) error
	DisconnectionObserver func(Session)
	ErrorObserver         func(err error, sess *Session)
)

// Observer receives every kind of event. Attach registers all four at once.
type Observer interface {
	HandleConnection(Session)
	HandleMessage(protocol.Message, Session) error
	HandleDisconnection(Session)
	HandleError(err error, sess *Session)
}

type observerEntry[T any] struct {
	id int
	fn T
}

// observerList keeps callbacks in registration order.
type observerList[T any] struct {
	mu      sync.RWMutex
	nextID  int
	entries []observerEntry[T]
}

func (l *observerList[T]) add(fn T) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, observerEntry[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, e := range l.entries {
				if e.id == id {
					l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *observerList[T]) snapshot() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()

	fns := make([]T, len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	return fns
}

func (l *observerList[T]) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Observers fans connection events out to registered callbacks.
// Callbacks run on the goroutine of the connection that produced the event,
// outside any lock. A panicking callback is logged and does not affect the
// connection or the other callbacks.
type Observers struct {
	connection    observerList[ConnectionObserver]
	message       observerList[MessageObserver]
	disconnection observerList[DisconnectionObserver]
	errors        observerList[ErrorObserver]
}

// NewObservers creates an empty observer set.
func NewObservers() *Observers {
	return &Observers{}
}

func (o *Observers) OnConnection(fn ConnectionObserver) func() {
	return o.connection.add(fn)
}

func (o *Observers) OnMessage(fn MessageObserver) func() {
	return o.message.add(fn)
}

func (o *Observers) OnDisconnection(fn DisconnectionObserver) func() {
	return o.disconnection.add(fn)
}

func (o *Observers) OnError(fn ErrorObserver) func() {
	return o.errors.add(fn)
}

// Attach registers every handler of obs and returns a func removing them all.
func (o *Observers) Attach(obs Observer) func() {
	unsubs := []func(){
		o.OnConnection(obs.HandleConnection),
		o.OnMessage(obs.HandleMessage),
		o.OnDisconnection(obs.HandleDisconnection),
		o.OnError(obs.HandleError),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func guard(kind string, sessID string) {
	if r := recover(); r != nil {
		errorLog.Printf("%s observer panicked (session %s): %v", kind, sessID, r)
	}
}

func (o *Observers) emitConnection(sess Session) {
	for _, fn := range o.connection.snapshot() {
		func() {
			defer guard("connection", sess.ID)
			fn(sess)
		}()
	}
}

// emitMessage returns the number of observers that failed.
func (o *Observers) emitMessage(msg protocol.Message, sess Session) int {
	failed := 0
	for _, fn := range o.message.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					failed++
					errorLog.Printf("message observer panicked (session %s, command %q): %v", sess.ID, msg.Command, r)
				}
			}()
			if err := fn(msg, sess); err != nil {
				failed++
				errorLog.Printf("message observer failed (session %s, command %q): %v", sess.ID, msg.Command, err)
			}
		}()
	}
	return failed
}

func (o *Observers) emitDisconnection(sess Session) {
	for _, fn := range o.disconnection.snapshot() {
		func() {
			defer guard("disconnection", sess.ID)
			fn(sess)
		}()
	}
}

func (o *Observers) emitError(err error, sess *Session) {
	id := "-"
	if sess != nil {
		id = sess.ID
	}
	fns := o.errors.snapshot()
	if len(fns) == 0 {
		debugLog.Printf("unobserved error (session %s): %v", id, err)
		return
	}
	for _, fn := range fns {
		func() {
			defer guard("error", id)
			fn(err, sess)
		}()
	}
}

// ObserverFuncs adapts plain funcs to the Observer interface. Nil fields are
// ignored.
type ObserverFuncs struct {
	Connection    ConnectionObserver
	Message       MessageObserver
	Disconnection DisconnectionObserver
	Error         ErrorObserver
}

func (f ObserverFuncs) HandleConnection(s Session) {
	if f.Connection != nil {
		f.Connection(s)
	}
}

func (f ObserverFuncs) HandleMessage(m protocol.Message, s Session) error {
	if f.Message != nil {
		return f.Message(m, s)
	}
	return nil
}

func (f ObserverFuncs) HandleDisconnection(s Session) {
	if f.Disconnection != nil {
		f.Disconnection(s)
	}
}

func (f ObserverFuncs) HandleError(err error, s *Session) {
	if f.Error != nil {
		f.Error(err, s)
	}
}

// String is used in debug output.
func (o *Observers) String() string {
	return fmt.Sprintf("observers{conn:%d msg:%d disc:%d err:%d}",
		o.connection.len(), o.message.len(), o.disconnection.len(), o.errors.len())
}
