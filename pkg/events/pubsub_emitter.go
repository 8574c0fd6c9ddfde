package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubEmitter publishes events to a Google Cloud Pub/Sub topic.
// Publishing is asynchronous; Close waits for in-flight results.
type PubSubEmitter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewPubSubEmitter(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSubEmitter, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: pubsub client: %w", err)
	}
	return &PubSubEmitter{
		client: client,
		topic:  client.Topic(topicID),
		logger: slog.Default().With("component", "events", "sink", "pubsub"),
	}, nil
}

func (e *PubSubEmitter) Emit(ctx context.Context, event Event) {
	b, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("pubsub marshal failed", "error", err)
		return
	}

	// The request context may end before the publish settles.
	pubCtx := context.WithoutCancel(ctx)
	res := e.topic.Publish(pubCtx, &pubsub.Message{
		Data: b,
		Attributes: map[string]string{
			"type":         string(event.Type),
			"service_name": event.ServiceName,
		},
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := res.Get(pubCtx); err != nil {
			e.logger.Warn("pubsub publish failed", "type", event.Type, "error", err)
			return
		}
		e.logger.Debug("pubsub event published", "type", event.Type, "decision_id", event.DecisionID)
	}()
}

// Close flushes pending publishes and releases the client.
func (e *PubSubEmitter) Close() error {
	e.topic.Stop()
	e.wg.Wait()
	return e.client.Close()
}
