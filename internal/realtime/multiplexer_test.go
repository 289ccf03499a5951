package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workletforge/studio/internal/model"
)

type recordingSink struct {
	mu        sync.Mutex
	progress  []string
	topics    []model.TopicApprovalPayload
	queries   [][]string
	artifacts []model.WorkletBundle
	jobs      []string
}

func (r *recordingSink) Progress(jobID string, msg model.ProgressMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, jobID)
	r.progress = append(r.progress, msg.Message)
}

func (r *recordingSink) TopicApproval(jobID string, req model.TopicApprovalPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, jobID)
	r.topics = append(r.topics, req)
}

func (r *recordingSink) WebApproval(jobID string, req model.WebApprovalPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, jobID)
	r.queries = append(r.queries, req.Queries)
}

func (r *recordingSink) Artifact(jobID string, bundle model.WorkletBundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, jobID)
	r.artifacts = append(r.artifacts, bundle)
}

// countingChannel wraps a Loopback and counts Off calls per event
type countingChannel struct {
	*Loopback
	mu   sync.Mutex
	offs map[string]int
}

func (c *countingChannel) Off(event string, id ListenerID) {
	c.mu.Lock()
	c.offs[event]++
	c.mu.Unlock()
	c.Loopback.Off(event, id)
}

func TestBind_DispatchesDecodedEvents(t *testing.T) {
	ch := NewLoopback()
	mux := NewMultiplexer(ch, nil)
	mux.now = func() time.Time { return time.UnixMilli(1700000000000) }
	sink := &recordingSink{}

	mux.Bind("t1", sink)
	assert.Equal(t, 4, ch.ListenerCount())
	assert.Equal(t, "t1", mux.Bound())

	ch.Deliver("t1/status_update", map[string]any{"message": "Parsing files"})
	ch.Deliver("t1/topic_approval", map[string]any{
		"domains":  map[string]any{"worklet": []any{"caching"}},
		"keywords": map[string]any{"custom": []any{"lru"}},
		"message":  "Please review",
	})
	ch.Deliver("t1/web_approval", map[string]any{"queries": []any{"edge caching"}})
	ch.Deliver("t1/file_generated", map[string]any{"worklet": map[string]any{"worklet_id": "w1", "title": "Cache"}})
	ch.Deliver("t2/status_update", map[string]any{"message": "not ours"})

	assert.Equal(t, []string{"Parsing files"}, sink.progress)
	require.Len(t, sink.topics, 1)
	assert.Equal(t, []string{"caching"}, sink.topics[0].Domains["worklet"])
	assert.Equal(t, "Please review", sink.topics[0].Message)
	assert.Equal(t, [][]string{{"edge caching"}}, sink.queries)
	require.Len(t, sink.artifacts, 1)
	assert.Equal(t, "w1", sink.artifacts[0].WorkletID)
	assert.Equal(t, "Cache", sink.artifacts[0].Iterations[0].Title.Selected())
	assert.Equal(t, []string{"t1", "t1", "t1", "t1"}, sink.jobs)
}

func TestBind_MalformedEventsDropped(t *testing.T) {
	ch := NewLoopback()
	mux := NewMultiplexer(ch, nil)
	sink := &recordingSink{}
	mux.Bind("t1", sink)

	ch.Deliver("t1/status_update", json.RawMessage(`"just a string"`))
	ch.Deliver("t1/file_generated", json.RawMessage(`{}`))

	assert.Empty(t, sink.progress)
	assert.Empty(t, sink.artifacts)
}

func TestRebind_InvokesPreviousUnbindOnce(t *testing.T) {
	ch := &countingChannel{Loopback: NewLoopback(), offs: map[string]int{}}
	mux := NewMultiplexer(ch, nil)
	sink := &recordingSink{}

	const n = 25
	for i := 0; i < n; i++ {
		mux.Bind(jobName(i), sink)
		assert.Equal(t, 4, ch.ListenerCount())
	}

	for i := 0; i < n-1; i++ {
		for _, kind := range model.InboundEvents {
			assert.Equal(t, 1, ch.offs[model.EventName(jobName(i), kind)])
		}
	}
	assert.Equal(t, jobName(n-1), mux.Bound())

	ch.Deliver(model.EventName(jobName(0), model.EventStatusUpdate), map[string]any{"message": "late"})
	assert.Empty(t, sink.progress)
}

func TestUnbind_Idempotent(t *testing.T) {
	ch := &countingChannel{Loopback: NewLoopback(), offs: map[string]int{}}
	mux := NewMultiplexer(ch, nil)

	unbind := mux.Bind("t1", &recordingSink{})
	unbind()
	unbind()
	mux.Unbind()

	assert.Equal(t, 0, ch.ListenerCount())
	assert.Equal(t, 1, ch.offs["t1/status_update"])
	assert.Equal(t, "", mux.Bound())

	mux.Unbind()
}

func TestStaleUnbindLeavesRebindIntact(t *testing.T) {
	ch := NewLoopback()
	mux := NewMultiplexer(ch, nil)

	stale := mux.Bind("t1", &recordingSink{})
	mux.Bind("t1", &recordingSink{})
	stale()

	assert.Equal(t, "t1", mux.Bound())
	assert.Equal(t, 4, ch.ListenerCount())
}

func TestRespond(t *testing.T) {
	ch := NewLoopback()
	mux := NewMultiplexer(ch, nil)

	require.NoError(t, mux.Respond(context.Background(), "t1", model.EventWebResponse,
		model.WebResponsePayload{Queries: []string{"q"}}))

	emitted := ch.Emitted()
	require.Len(t, emitted, 1)
	assert.Equal(t, "t1/web_response", emitted[0].Event)
	assert.JSONEq(t, `{"queries":["q"]}`, string(emitted[0].Data))
}

func jobName(i int) string {
	return "job-" + string(rune('a'+i))
}
