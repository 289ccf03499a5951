package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/internal/normalize"
)

// Sink receives decoded events of a bound thread
type Sink interface {
	Progress(jobID string, msg model.ProgressMessage)
	TopicApproval(jobID string, req model.TopicApprovalPayload)
	WebApproval(jobID string, req model.WebApprovalPayload)
	Artifact(jobID string, bundle model.WorkletBundle)
}

// Multiplexer keeps at most one set of thread-scoped listeners installed on a
// Channel. Binding a thread always tears down the previous set first.
type Multiplexer struct {
	ch  Channel
	log *zap.Logger
	now func() time.Time

	mu     sync.Mutex
	gen    uint64
	bound  string
	unbind func()
}

// NewMultiplexer creates a Multiplexer over ch
func NewMultiplexer(ch Channel, log *zap.Logger) *Multiplexer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Multiplexer{ch: ch, log: log.Named("mux"), now: time.Now}
}

// Bind installs the four inbound listeners of jobID and returns their teardown.
// The teardown is idempotent.
func (m *Multiplexer) Bind(jobID string, sink Sink) func() {
	m.mu.Lock()
	prev := m.unbind
	m.unbind = nil
	m.bound = ""
	m.mu.Unlock()
	if prev != nil {
		prev()
	}

	handlers := map[string]Handler{
		model.EventStatusUpdate:  m.onStatus(jobID, sink),
		model.EventTopicApproval: m.onTopicApproval(jobID, sink),
		model.EventWebApproval:   m.onWebApproval(jobID, sink),
		model.EventFileGenerated: m.onFileGenerated(jobID, sink),
	}
	ids := make(map[string]ListenerID, len(handlers))
	for kind, h := range handlers {
		event := model.EventName(jobID, kind)
		ids[event] = m.ch.On(event, h)
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	var once sync.Once
	unbind := func() {
		once.Do(func() {
			for event, id := range ids {
				m.ch.Off(event, id)
			}
			m.mu.Lock()
			if m.gen == gen {
				m.bound = ""
				m.unbind = nil
			}
			m.mu.Unlock()
			m.log.Debug("unbound thread", zap.String("thread_id", jobID))
		})
	}

	m.mu.Lock()
	m.bound = jobID
	m.unbind = unbind
	m.mu.Unlock()
	m.log.Debug("bound thread", zap.String("thread_id", jobID))
	return unbind
}

// Unbind tears down the active listener set, if any
func (m *Multiplexer) Unbind() {
	m.mu.Lock()
	unbind := m.unbind
	m.mu.Unlock()
	if unbind != nil {
		unbind()
	}
}

// Bound returns the thread whose listeners are installed
func (m *Multiplexer) Bound() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bound
}

// Respond emits an outbound event on the channel of jobID
func (m *Multiplexer) Respond(ctx context.Context, jobID, kind string, payload any) error {
	return m.ch.Emit(ctx, model.EventName(jobID, kind), payload)
}

func (m *Multiplexer) onStatus(jobID string, sink Sink) Handler {
	return func(data json.RawMessage) {
		var p model.StatusUpdatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			m.drop(jobID, model.EventStatusUpdate, err)
			return
		}
		sink.Progress(jobID, model.ProgressMessage{Message: p.Message, Timestamp: m.now().UnixMilli()})
	}
}

func (m *Multiplexer) onTopicApproval(jobID string, sink Sink) Handler {
	return func(data json.RawMessage) {
		var p model.TopicApprovalPayload
		if err := json.Unmarshal(data, &p); err != nil {
			m.drop(jobID, model.EventTopicApproval, err)
			return
		}
		sink.TopicApproval(jobID, p)
	}
}

func (m *Multiplexer) onWebApproval(jobID string, sink Sink) Handler {
	return func(data json.RawMessage) {
		var p model.WebApprovalPayload
		if err := json.Unmarshal(data, &p); err != nil {
			m.drop(jobID, model.EventWebApproval, err)
			return
		}
		sink.WebApproval(jobID, p)
	}
}

func (m *Multiplexer) onFileGenerated(jobID string, sink Sink) Handler {
	return func(data json.RawMessage) {
		var p model.FileGeneratedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			m.drop(jobID, model.EventFileGenerated, err)
			return
		}
		if len(p.Worklet) == 0 || string(p.Worklet) == "null" {
			m.drop(jobID, model.EventFileGenerated, nil)
			return
		}
		sink.Artifact(jobID, normalize.Bundle(p.Worklet))
	}
}

func (m *Multiplexer) drop(jobID, kind string, err error) {
	m.log.Warn("dropping malformed event",
		zap.String("thread_id", jobID),
		zap.String("event", kind),
		zap.Error(err),
	)
}
