package events

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PubSubEventBus decorates EventBus with durable fan-out to a Google Cloud
// Pub/Sub topic, for consumers that need at-least-once delivery beyond the
// lifetime of this process (billing exports, cross-region mirrors). SSE and
// WebSocket subscribers still attach to the embedded in-memory bus.
type PubSubEventBus struct {
	*EventBus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger zerolog.Logger
}

func NewPubSubEventBus(projectID, topicID string) (*PubSubEventBus, error) {
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
	}
	topic.EnableMessageOrdering = true

	bus := &PubSubEventBus{
		EventBus: NewEventBus(),
		client:   client,
		topic:    topic,
		logger:   log.With().Str("component", "events.pubsub").Logger(),
	}
	bus.logger.Info().Str("topic", topicID).Msg("connected to pubsub topic")
	return bus, nil
}

// Emit publishes to Pub/Sub and fans out to in-memory subscribers.
func (pb *PubSubEventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	pb.publishToPubSub(event)
	pb.EventBus.Publish(event)
}

func (pb *PubSubEventBus) publishToPubSub(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Error().Err(err).Str("event_id", event.ID).Msg("marshal event failed")
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion":     event.SpecVersion,
			"ce-type":            event.Type,
			"ce-source":          event.Source,
			"ce-id":              event.ID,
			"ce-time":            event.Time.Format(time.RFC3339Nano),
			"ce-masteraccountid": event.MasterAccountID,
		},
		OrderingKey: event.MasterAccountID,
	}

	result := pb.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Error().Err(err).Str("event_id", event.ID).Msg("pubsub publish failed")
		}
	}()
}

// PublishRaw publishes a pre-built CloudEvent to Pub/Sub and to in-memory
// subscribers, without building a new event the way Emit does.
func (pb *PubSubEventBus) PublishRaw(event *CloudEvent) {
	pb.publishToPubSub(event)
	pb.EventBus.Publish(event)
}

func (pb *PubSubEventBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

func (pb *PubSubEventBus) TopicPath() string {
	return pb.topic.String()
}

func (pb *PubSubEventBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Emitter = (*PubSubEventBus)(nil)
