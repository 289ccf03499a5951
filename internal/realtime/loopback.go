package realtime

import (
	"context"
	"encoding/json"
	"sync"
)

// Emitted is one event sent through a Loopback
type Emitted struct {
	Event string
	Data  json.RawMessage
}

// Loopback is an in-process Channel. Emits are recorded and, when an echo
// function is set, handed to it so tests and the dev server can answer them.
type Loopback struct {
	listeners
	emitMu  sync.Mutex
	emitted []Emitted
	echo    func(event string, data json.RawMessage)
}

// NewLoopback creates an empty Loopback
func NewLoopback() *Loopback {
	return &Loopback{}
}

func (l *Loopback) On(event string, h Handler) ListenerID { return l.on(event, h) }

func (l *Loopback) Off(event string, id ListenerID) { l.off(event, id) }

// Emit records the outgoing event
func (l *Loopback) Emit(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(payload)
	if err != nil {
		return err
	}
	l.emitMu.Lock()
	l.emitted = append(l.emitted, Emitted{Event: event, Data: data})
	echo := l.echo
	l.emitMu.Unlock()
	if echo != nil {
		echo(event, data)
	}
	return nil
}

// OnEmit installs fn to observe every emitted event
func (l *Loopback) OnEmit(fn func(event string, data json.RawMessage)) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.echo = fn
}

// Deliver dispatches an inbound event to its listeners and returns how many ran
func (l *Loopback) Deliver(event string, payload any) int {
	data, err := encode(payload)
	if err != nil {
		return 0
	}
	return l.dispatch(event, data)
}

// ListenerCount returns the number of registered handlers across all events
func (l *Loopback) ListenerCount() int { return l.count() }

// Emitted returns a copy of every event emitted so far
func (l *Loopback) Emitted() []Emitted {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	return append([]Emitted(nil), l.emitted...)
}
