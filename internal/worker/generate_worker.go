package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/config"
	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/internal/service"
	"github.com/workletforge/studio/internal/websocket"
)

const topicApprovalMessage = "Please review and approve the following domains and keywords for the worklet generation process."

// GenerateWorker runs the generation pipeline of one thread: topic
// extraction, topic approval, query planning, query approval and one draft
// per requested worklet
type GenerateWorker struct {
	threads         *service.ThreadService
	generator       *service.Generator
	hub             *websocket.Hub
	broker          *websocket.ApprovalBroker
	approvalTimeout time.Duration
	stepDelay       time.Duration
	log             *zap.Logger
}

// NewGenerateWorker creates a new generation worker
func NewGenerateWorker(threads *service.ThreadService, generator *service.Generator, hub *websocket.Hub, broker *websocket.ApprovalBroker, cfg *config.AgentConfig, log *zap.Logger) *GenerateWorker {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.ApprovalTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &GenerateWorker{
		threads:         threads,
		generator:       generator,
		hub:             hub,
		broker:          broker,
		approvalTimeout: timeout,
		stepDelay:       cfg.StepDelay,
		log:             log.Named("generate"),
	}
}

// ProcessTask handles one generate task
func (w *GenerateWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.GenerateTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	rec, err := w.threads.Load(ctx, payload.ThreadID)
	if errors.Is(err, service.ErrThreadNotFound) {
		w.log.Info("thread deleted before generation", zap.String("thread_id", payload.ThreadID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load thread: %w", err)
	}
	if rec.Done() {
		return nil
	}

	log := w.log.With(zap.String("thread_id", rec.ThreadID))
	log.Info("starting generation", zap.Int("count", rec.Count))

	if err := w.threads.MarkRunning(ctx, rec.ThreadID); err != nil {
		return fmt.Errorf("failed to mark thread running: %w", err)
	}

	if err := w.run(ctx, rec); err != nil {
		if errors.Is(err, service.ErrThreadNotFound) {
			log.Info("thread deleted during generation")
			return nil
		}
		log.Error("generation failed", zap.Error(err))
		w.status(ctx, rec, "Generation failed")
		if ferr := w.threads.Fail(context.WithoutCancel(ctx), rec.ThreadID, err.Error()); ferr != nil {
			log.Error("failed to record failure", zap.Error(ferr))
		}
		return fmt.Errorf("generation of %s failed: %v: %w", rec.ThreadID, err, asynq.SkipRetry)
	}

	log.Info("generation completed")
	return nil
}

func (w *GenerateWorker) run(ctx context.Context, rec *model.ThreadRecord) error {
	if len(rec.Attachments) > 0 {
		w.status(ctx, rec, "Uploading and processing files...")
	}
	if len(rec.Links) > 0 {
		w.status(ctx, rec, "Extracting data from links...")
	}

	w.status(ctx, rec, "Extracting keywords and domains...")
	proposed, err := w.generator.ProposeTopics(ctx, rec)
	if err != nil {
		return fmt.Errorf("topic extraction: %w", err)
	}
	topics, err := w.approveTopics(ctx, rec, proposed)
	if err != nil {
		return err
	}

	w.status(ctx, rec, "Gathering web search queries...")
	planned, err := w.generator.ProposeQueries(ctx, rec, topics)
	if err != nil {
		return fmt.Errorf("query planning: %w", err)
	}
	queries, err := w.approveQueries(ctx, rec, planned)
	if err != nil {
		return err
	}

	count := rec.Count
	if count <= 0 {
		count = 1
	}
	for n := 1; n <= count; n++ {
		if err := sleep(ctx, w.stepDelay); err != nil {
			return err
		}
		w.status(ctx, rec, fmt.Sprintf("Generating worklet %d of %d...", n, count))

		bundle, err := w.generator.DraftWorklet(ctx, rec, topics, queries, n, count)
		if err != nil {
			return fmt.Errorf("worklet %d: %w", n, err)
		}
		if err := w.threads.AppendWorklet(ctx, rec.ThreadID, bundle); err != nil {
			return err
		}
		if err := w.hub.BroadcastEvent(rec.OwnerID, rec.ThreadID, model.EventFileGenerated, bundleEvent(bundle)); err != nil {
			w.log.Warn("failed to broadcast worklet", zap.String("thread_id", rec.ThreadID), zap.Error(err))
		}
	}

	if err := w.threads.Complete(ctx, rec.ThreadID); err != nil {
		return err
	}
	w.status(ctx, rec, "Worklets generated")
	return nil
}

func bundleEvent(bundle model.WorkletBundle) model.FileGeneratedPayload {
	data, _ := json.Marshal(bundle)
	return model.FileGeneratedPayload{Worklet: data}
}

// status records the stage and streams it to the owner of the thread
func (w *GenerateWorker) status(ctx context.Context, rec *model.ThreadRecord, message string) {
	if err := w.threads.SetStage(ctx, rec.ThreadID, message); err != nil && !errors.Is(err, service.ErrThreadNotFound) {
		w.log.Warn("failed to record stage", zap.String("thread_id", rec.ThreadID), zap.Error(err))
	}
	if err := w.hub.BroadcastEvent(rec.OwnerID, rec.ThreadID, model.EventStatusUpdate, model.StatusUpdatePayload{Message: message}); err != nil {
		w.log.Warn("failed to broadcast status", zap.String("thread_id", rec.ThreadID), zap.Error(err))
	}
}

// approveTopics asks the owner to confirm the proposed topics. Without an
// answer in time the proposed set is kept.
func (w *GenerateWorker) approveTopics(ctx context.Context, rec *model.ThreadRecord, proposed model.DomainsKeywords) (model.DomainsKeywords, error) {
	data, err := w.awaitApproval(ctx, rec, model.EventTopicResponse, model.EventTopicApproval, model.TopicApprovalPayload{
		Domains:  proposed.Domains,
		Keywords: proposed.Keywords,
		Message:  topicApprovalMessage,
	})
	if errors.Is(err, websocket.ErrApprovalTimeout) {
		w.log.Warn("topic approval timed out, keeping proposed topics", zap.String("thread_id", rec.ThreadID))
		return proposed, nil
	}
	if err != nil {
		return model.DomainsKeywords{}, err
	}

	var approved model.DomainsKeywords
	if err := json.Unmarshal(data, &approved); err != nil {
		w.log.Warn("unreadable topic response, keeping proposed topics", zap.String("thread_id", rec.ThreadID), zap.Error(err))
		return proposed, nil
	}
	return approved, nil
}

// approveQueries asks the owner to confirm the planned queries. Without an
// answer in time no query is used.
func (w *GenerateWorker) approveQueries(ctx context.Context, rec *model.ThreadRecord, planned []string) ([]string, error) {
	data, err := w.awaitApproval(ctx, rec, model.EventWebResponse, model.EventWebApproval, model.WebApprovalPayload{Queries: planned})
	if errors.Is(err, websocket.ErrApprovalTimeout) {
		w.log.Warn("web approval timed out, continuing without queries", zap.String("thread_id", rec.ThreadID))
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	var approved model.WebResponsePayload
	if err := json.Unmarshal(data, &approved); err != nil {
		w.log.Warn("unreadable web response, continuing without queries", zap.String("thread_id", rec.ThreadID), zap.Error(err))
		return []string{}, nil
	}
	if approved.Queries == nil {
		return []string{}, nil
	}
	return approved.Queries, nil
}

// awaitApproval subscribes for the response before emitting the request
func (w *GenerateWorker) awaitApproval(ctx context.Context, rec *model.ThreadRecord, response, request string, payload interface{}) (json.RawMessage, error) {
	approval, err := w.broker.Subscribe(ctx, rec.ThreadID, response)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", request, err)
	}
	defer approval.Close()

	if err := w.hub.BroadcastEvent(rec.OwnerID, rec.ThreadID, request, payload); err != nil {
		return nil, fmt.Errorf("failed to emit %s: %w", request, err)
	}
	w.log.Info("awaiting approval", zap.String("thread_id", rec.ThreadID), zap.String("event", request))
	return approval.Wait(ctx, w.approvalTimeout)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
