package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/model"
)

var ErrApprovalTimeout = errors.New("approval timed out")

// ApprovalBroker carries approval responses from whichever server instance
// holds the studio connection to the worker waiting for them
type ApprovalBroker struct {
	redis *redis.Client
	log   *zap.Logger
}

func NewApprovalBroker(redisClient *redis.Client, log *zap.Logger) *ApprovalBroker {
	if log == nil {
		log = zap.NewNop()
	}
	return &ApprovalBroker{redis: redisClient, log: log.Named("approvals")}
}

func approvalChannel(threadID, kind string) string {
	return fmt.Sprintf("approval:%s:%s", threadID, kind)
}

// Publish forwards a response payload to the waiter of threadID
func (b *ApprovalBroker) Publish(ctx context.Context, threadID, kind string, data json.RawMessage) error {
	if err := b.redis.Publish(ctx, approvalChannel(threadID, kind), []byte(data)).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", kind, err)
	}
	return nil
}

// Route publishes an inbound frame when it is an approval response.
// Other frames are ignored.
func (b *ApprovalBroker) Route(ctx context.Context, frame []byte) error {
	var env model.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	threadID, kind, ok := model.SplitEventName(env.Event)
	if !ok {
		return fmt.Errorf("malformed event name %q", env.Event)
	}
	if kind != model.EventTopicResponse && kind != model.EventWebResponse {
		b.log.Debug("ignoring inbound event", zap.String("event", env.Event))
		return nil
	}
	return b.Publish(ctx, threadID, kind, env.Data)
}

// Approval is a confirmed subscription to one pending response
type Approval struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

// Subscribe starts listening for the response of threadID. It returns once
// redis confirmed the subscription, so a request emitted afterwards cannot
// be answered before the waiter exists.
func (b *ApprovalBroker) Subscribe(ctx context.Context, threadID, kind string) (*Approval, error) {
	pubsub := b.redis.Subscribe(ctx, approvalChannel(threadID, kind))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return &Approval{pubsub: pubsub, ch: pubsub.Channel()}, nil
}

// Wait blocks for the response, at most timeout
func (a *Approval) Wait(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-a.ch:
		if !ok {
			return nil, fmt.Errorf("approval subscription closed")
		}
		return json.RawMessage(msg.Payload), nil
	case <-timer.C:
		return nil, ErrApprovalTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Approval) Close() error {
	return a.pubsub.Close()
}
