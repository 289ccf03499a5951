// Package realtime carries thread-scoped events between the studio and the
// generation agent.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var ErrNotConnected = errors.New("realtime channel not connected")

// Handler receives the data of one event
type Handler func(data json.RawMessage)

// ListenerID identifies one registration made with On
type ListenerID uint64

// Channel is a bidirectional event transport addressed by event name
type Channel interface {
	On(event string, h Handler) ListenerID
	Off(event string, id ListenerID)
	Emit(ctx context.Context, event string, payload any) error
}

// listeners is the handler registry shared by channel implementations
type listeners struct {
	mu       sync.RWMutex
	next     ListenerID
	handlers map[string]map[ListenerID]Handler
}

func (l *listeners) on(event string, h Handler) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers == nil {
		l.handlers = make(map[string]map[ListenerID]Handler)
	}
	l.next++
	if l.handlers[event] == nil {
		l.handlers[event] = make(map[ListenerID]Handler)
	}
	l.handlers[event][l.next] = h
	return l.next
}

func (l *listeners) off(event string, id ListenerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok := l.handlers[event]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(l.handlers, event)
		}
	}
}

func (l *listeners) dispatch(event string, data json.RawMessage) int {
	l.mu.RLock()
	set := l.handlers[event]
	hs := make([]Handler, 0, len(set))
	for _, h := range set {
		hs = append(hs, h)
	}
	l.mu.RUnlock()

	for _, h := range hs {
		h(data)
	}
	return len(hs)
}

func (l *listeners) count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, set := range l.handlers {
		n += len(set)
	}
	return n
}

func encode(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	return json.Marshal(payload)
}
