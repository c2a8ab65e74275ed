// Package pubsub hands alerts to an external mail service through a Google
// Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

// Mailer publishes each watch.Message as JSON.
type Mailer struct {
	topic *pubsub.Topic
	from  string
}

// New creates a Mailer for the provided topic. from is attached as the
// "from" attribute so the consumer does not need its own configuration.
func New(topic *pubsub.Topic, from string) (*Mailer, error) {
	if topic == nil {
		return nil, errors.New("pubsub topic is required")
	}
	return &Mailer{topic: topic, from: from}, nil
}

// Send publishes the message and waits for the server acknowledgement.
func (m *Mailer) Send(ctx context.Context, msg watch.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	attrs := map[string]string{"to": msg.To}
	if m.from != "" {
		attrs["from"] = m.from
	}
	result := m.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Stop flushes pending publishes.
func (m *Mailer) Stop() {
	m.topic.Stop()
}
