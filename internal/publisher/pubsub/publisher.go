// Package pubsub publishes capture events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/api/option"
)

// Config names the project and default topic.
type Config struct {
	ProjectID string
	TopicID   string
}

// Publisher publishes JSON payloads, one Pub/Sub publisher per topic.
type Publisher struct {
	client       *pubsub.Client
	projectID    string
	defaultTopic string
	propagator   propagation.TextMapPropagator

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// FullTopicName returns the resource name of a topic.
func FullTopicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

// Open creates a client and verifies the default topic is active.
// Authentication uses Application Default Credentials unless opts override it.
func Open(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{
		Topic: FullTopicName(cfg.ProjectID, cfg.TopicID),
	})
	if err == nil && topic.GetState() != pubsubpb.Topic_ACTIVE {
		err = fmt.Errorf("topic state is %s", topic.GetState())
	}
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return nil, fmt.Errorf("get pubsub topic %q: %w", cfg.TopicID, err)
	}
	return New(client, cfg), nil
}

// New wraps an existing client.
func New(client *pubsub.Client, cfg Config) *Publisher {
	return &Publisher{
		client:       client,
		projectID:    cfg.ProjectID,
		defaultTopic: cfg.TopicID,
		propagator:   otel.GetTextMapPropagator(),
		publishers:   make(map[string]*pubsub.Publisher),
	}
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pub, ok := p.publishers[topic]; ok {
		return pub
	}
	name := topic
	if !strings.HasPrefix(name, "projects/") {
		name = FullTopicName(p.projectID, topic)
	}
	pub := p.client.Publisher(name)
	p.publishers[topic] = pub
	return pub
}

// Publish marshals the payload to JSON and publishes it, waiting for the
// server id. An empty topic uses the configured default.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	if topic == "" {
		topic = p.defaultTopic
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	p.propagator.Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.publisher(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes every topic publisher and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, pub := range p.publishers {
		pub.Stop()
	}
	p.publishers = make(map[string]*pubsub.Publisher)
	p.mu.Unlock()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
