// Package events mirrors outbound pipeline notifications onto a Google
// Cloud Pub/Sub topic for downstream analytics. The mirror is optional and
// best-effort: webhook delivery never waits on it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// Event is the mirrored view of one outbound notification.
type Event struct {
	Type          string                 `json:"type"`
	Tenant        string                 `json:"tenant"`
	CorrelationID string                 `json:"correlation_id"`
	Time          time.Time              `json:"time"`
	Data          map[string]interface{} `json:"data"`
}

// Publisher is the mirror contract. Implementations must tolerate being
// called from delivery hot paths without blocking them.
type Publisher interface {
	Publish(ctx context.Context, e *Event)
	Close() error
}

// NopPublisher discards events; used when no mirror is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, e *Event) {}
func (NopPublisher) Close() error                          { return nil }

// PubSubMirror publishes events to a Pub/Sub topic with per-tenant message
// ordering, matching the ordering the webhook stream already guarantees.
type PubSubMirror struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubMirror connects and creates the topic if it does not exist.
func NewPubSubMirror(projectID, topicID string) (*PubSubMirror, error) {
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
		slog.Info("created Pub/Sub topic", "topic", topicID)
	}

	topic.EnableMessageOrdering = true

	m := &PubSubMirror{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	m.logger.Printf("connected to projects/%s/topics/%s", projectID, topicID)
	return m, nil
}

// Publish sends the event with the tenant as ordering key. The publish
// result is checked off the hot path.
func (m *PubSubMirror) Publish(ctx context.Context, e *Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		m.logger.Printf("marshal event %s: %v", e.CorrelationID, err)
		return
	}

	result := m.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_type":     e.Type,
			"tenant":         e.Tenant,
			"correlation_id": e.CorrelationID,
			"time":           e.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: e.Tenant,
	})

	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			m.logger.Printf("publish %s (%s) failed: %v", e.Type, e.CorrelationID, err)
		}
	}()
}

// HealthCheck verifies the topic is reachable.
func (m *PubSubMirror) HealthCheck(ctx context.Context) error {
	exists, err := m.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// Close flushes pending publishes and shuts the client down.
func (m *PubSubMirror) Close() error {
	m.topic.Stop()
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

var _ Publisher = (*PubSubMirror)(nil)
var _ Publisher = NopPublisher{}
