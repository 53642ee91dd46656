package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and additionally publishes every event to
// a Google Cloud Pub/Sub topic for durable delivery to downstream consumers
// (session manager, notification service, dashboards).
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery across services
//   - in-memory: immediate push to websocket stream subscribers
type PubSubBus struct {
	*Bus // embedded; local Subscribe/Unsubscribe still work

	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubBus creates a Pub/Sub-backed event bus on top of an existing local
// bus, creating the topic if it does not exist. Wrapping the caller's bus
// keeps its existing subscribers (websocket streamer, webhook bridge) on the
// same event stream.
func NewPubSubBus(local *Bus, projectID, topicID string) (*PubSubBus, error) {
	if local == nil {
		local = NewBus()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("created Pub/Sub topic", "topic_id", topicID)
	}

	// Order events per identity so a terminate is never consumed before the
	// decision that caused it.
	topic.EnableMessageOrdering = true

	slog.Info("Pub/Sub event bus connected", "topic", topic.String())
	return &PubSubBus{Bus: local, client: client, topic: topic}, nil
}

// Emit creates the event, publishes it to Pub/Sub, and fans out to in-memory
// subscribers.
func (pb *PubSubBus) Emit(eventType, subject string, data map[string]interface{}) {
	event := NewEvent(eventType, subject, data)
	pb.publish(event)
	pb.Bus.Publish(event)
}

func (pb *PubSubBus) publish(event *Event) {
	if pb.topic == nil {
		return
	}
	payload, err := event.JSON()
	if err != nil {
		slog.Error("failed to marshal event", "event_id", event.ID, "error", err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-subject":     event.Subject,
		},
		OrderingKey: event.Subject,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: resolve the publish result off the decision path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			slog.Error("Pub/Sub publish failed", "event_id", event.ID, "error", err)
		}
	}()
}

// Close stops the topic and shuts down the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
