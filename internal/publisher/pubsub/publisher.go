// Package pubsub publishes page classification events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Publisher wraps a Pub/Sub publisher client.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Publish marshals the payload to JSON and waits for the server-assigned message id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := messageFor(topic, payload)
	if err != nil {
		return "", err
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
}

// messageFor builds the message. Classification events carry filterable attributes so
// subscribers can select page types without decoding the body.
func messageFor(topic string, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{"event": topic}
	var ev *crawler.ClassifiedEvent
	switch v := payload.(type) {
	case crawler.ClassifiedEvent:
		ev = &v
	case *crawler.ClassifiedEvent:
		ev = v
	}
	if ev != nil {
		attrs["page_type"] = ev.PageType
		attrs["page_id"] = strconv.FormatInt(ev.PageID, 10)
		attrs["domain"] = crawler.Domain(ev.URL)
	}
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}
