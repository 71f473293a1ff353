// Package events publishes domain events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"wallet-pass-backend/config"
	"wallet-pass-backend/internal/model"
)

// PassFieldsUpdated is emitted after a field update commits.
type PassFieldsUpdated struct {
	UpdateID   string             `json:"update_id"`
	PassID     int64              `json:"pass_id"`
	AccountID  int64              `json:"account_id"`
	Source     model.UpdateSource `json:"source"`
	Diff       model.FieldDiff    `json:"diff"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// Name is the event type attribute.
func (PassFieldsUpdated) Name() string { return "PassFieldsUpdated" }

// Event is anything that can be published.
type Event interface {
	Name() string
}

// Publisher delivers events. Publishing is best effort; callers log failures.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// New builds the publisher selected by configuration.
func New(ctx context.Context, cfg config.EventsConfig) (Publisher, error) {
	switch cfg.Driver {
	case "", "log":
		return LogPublisher{}, nil
	case "pubsub":
		return NewPubSubPublisher(ctx, cfg.ProjectID, cfg.Topic, cfg.CredentialsFile)
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}

// LogPublisher writes events to the process log.
type LogPublisher struct{}

// Publish implements Publisher.
func (LogPublisher) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", e.Name(), err)
	}
	log.Printf("[Event] %s %s", e.Name(), data)
	return nil
}

// Close implements Publisher.
func (LogPublisher) Close() error { return nil }

// PubSubPublisher sends events to a Google Cloud Pub/Sub topic.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubPublisher connects to Pub/Sub.
func NewPubSubPublisher(ctx context.Context, projectID, topicName, credentialsFile string, extra ...option.ClientOption) (*PubSubPublisher, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	opts = append(opts, extra...)

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return &PubSubPublisher{client: client, topic: client.Topic(topicName)}, nil
}

// Publish implements Publisher. It waits for the server to acknowledge.
func (p *PubSubPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", e.Name(), err)
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"type": e.Name()},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Name(), err)
	}
	return nil
}

// Close flushes pending messages and closes the client.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
