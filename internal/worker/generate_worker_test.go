package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workletforge/studio/internal/config"
	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/internal/service"
	"github.com/workletforge/studio/internal/websocket"
)

type pipeline struct {
	threads *service.ThreadService
	hub     *websocket.Hub
	broker  *websocket.ApprovalBroker
	worker  *GenerateWorker
	events  *websocket.Client
}

func newPipeline(t *testing.T, approvalTimeout time.Duration) *pipeline {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 14})
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	require.NoError(t, rdb.FlushDB(ctx).Err())
	aq := asynq.NewClient(asynq.RedisClientOpt{Addr: "localhost:6379", DB: 14})
	t.Cleanup(func() {
		aq.Close()
		rdb.FlushDB(context.Background())
		rdb.Close()
	})

	cfg := &config.AgentConfig{ApprovalTimeout: approvalTimeout, PollInterval: 10 * time.Millisecond, MaxWait: 5 * time.Second}
	hub := websocket.NewHub(nil)
	go hub.Run(ctx)
	threads := service.NewThreadService(rdb, aq, service.NewUploadService(nil, nil), cfg, nil)
	broker := websocket.NewApprovalBroker(rdb, nil)

	events := &websocket.Client{Topic: "user-1", Send: make(chan []byte, 64)}
	hub.Register(events)

	return &pipeline{
		threads: threads,
		hub:     hub,
		broker:  broker,
		worker:  NewGenerateWorker(threads, service.NewGenerator(nil, nil), hub, broker, cfg, nil),
		events:  events,
	}
}

func (p *pipeline) create(t *testing.T, threadID string, count int) *asynq.Task {
	t.Helper()
	_, err := p.threads.Create(context.Background(), "user-1", threadID, model.GenerateForm{
		ThreadName: "Battery recycling",
		ClusterID:  service.DefaultClusterID,
		Count:      count,
	})
	require.NoError(t, err)
	data, err := json.Marshal(model.GenerateTaskPayload{ThreadID: threadID, OwnerID: "user-1"})
	require.NoError(t, err)
	return asynq.NewTask(service.TypeGenerate, data)
}

// next returns the next event of kind, skipping others
func (p *pipeline) next(t *testing.T, kind string) model.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame := <-p.events.Send:
			var env model.Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			if _, k, _ := model.SplitEventName(env.Event); k == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func (p *pipeline) respond(t *testing.T, threadID, kind string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(model.Envelope{Event: model.EventName(threadID, kind), Data: data})
	require.NoError(t, err)
	require.NoError(t, p.broker.Route(context.Background(), frame))
}

func TestGenerateWorker_FullPipelineWithApprovals(t *testing.T) {
	p := newPipeline(t, 5*time.Second)
	task := p.create(t, "t-run", 2)

	done := make(chan error, 1)
	go func() { done <- p.worker.ProcessTask(context.Background(), task) }()

	topicReq := p.next(t, model.EventTopicApproval)
	assert.Equal(t, "t-run/topic_approval", topicReq.Event)
	var proposed model.TopicApprovalPayload
	require.NoError(t, json.Unmarshal(topicReq.Data, &proposed))
	assert.Equal(t, []string{"Battery recycling"}, proposed.Domains[model.CategoryWorklet])
	assert.NotEmpty(t, proposed.Message)

	p.respond(t, "t-run", model.EventTopicResponse, model.DomainsKeywords{
		Domains:  model.Categories{model.CategoryCustom: {"Hydrometallurgy"}},
		Keywords: model.Categories{},
	})

	webReq := p.next(t, model.EventWebApproval)
	var planned model.WebApprovalPayload
	require.NoError(t, json.Unmarshal(webReq.Data, &planned))
	assert.Equal(t, []string{"Hydrometallurgy recent advances"}, planned.Queries)

	p.respond(t, "t-run", model.EventWebResponse, model.WebResponsePayload{Queries: []string{"lithium recovery"}})

	for i := 0; i < 2; i++ {
		env := p.next(t, model.EventFileGenerated)
		var payload model.FileGeneratedPayload
		require.NoError(t, json.Unmarshal(env.Data, &payload))
		assert.NotEmpty(t, payload.Worklet)
	}
	require.NoError(t, <-done)

	rec, err := p.threads.Load(context.Background(), "t-run")
	require.NoError(t, err)
	assert.True(t, rec.Generated)
	assert.Equal(t, model.ThreadStatusSucceeded, rec.Status)
	require.Len(t, rec.Worklets, 2)
	assert.Contains(t, rec.Worklets[0].Iterations[0].ProblemStatement.Selected(), "Hydrometallurgy")
}

func TestGenerateWorker_ApprovalTimeoutsProceed(t *testing.T) {
	p := newPipeline(t, 50*time.Millisecond)
	task := p.create(t, "t-timeout", 1)

	require.NoError(t, p.worker.ProcessTask(context.Background(), task))

	rec, err := p.threads.Load(context.Background(), "t-timeout")
	require.NoError(t, err)
	assert.True(t, rec.Generated)
	require.Len(t, rec.Worklets, 1)
	// proposed topics were kept
	assert.Contains(t, rec.Worklets[0].Iterations[0].ProblemStatement.Selected(), "Battery recycling")
}

func TestGenerateWorker_SkipsFinishedAndDeletedThreads(t *testing.T) {
	p := newPipeline(t, 50*time.Millisecond)
	task := p.create(t, "t-done", 1)
	require.NoError(t, p.threads.Complete(context.Background(), "t-done"))
	assert.NoError(t, p.worker.ProcessTask(context.Background(), task))

	data, err := json.Marshal(model.GenerateTaskPayload{ThreadID: "t-gone", OwnerID: "user-1"})
	require.NoError(t, err)
	assert.NoError(t, p.worker.ProcessTask(context.Background(), asynq.NewTask(service.TypeGenerate, data)))
}
