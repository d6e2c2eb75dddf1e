package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/his0si/retriever-project-lite/internal/tasks"
)

// PubSub publishes events to a Google Cloud Pub/Sub topic.
type PubSub struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// OpenPubSub connects with Application Default Credentials.
func OpenPubSub(ctx context.Context, projectID, topic string) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return &PubSub{client: client, publisher: client.Publisher(topic)}, nil
}

// NewPubSub wraps an existing publisher. Close stops the publisher but leaves its client open.
func NewPubSub(publisher *pubsub.Publisher) *PubSub {
	return &PubSub{publisher: publisher}
}

// Notify publishes the task event as JSON and waits for the server ack.
func (p *PubSub) Notify(ctx context.Context, t tasks.Task) error {
	if p.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(EventFor(t))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"task_id":  t.ID,
			"kind":     string(t.Kind),
			"status":   string(t.Status),
			"attempts": strconv.Itoa(t.Attempts),
		},
	}
	if _, err := p.publisher.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (p *PubSub) Close() error {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("failed to close pubsub client: %w", err)
		}
	}
	return nil
}
