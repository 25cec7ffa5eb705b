package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/scraper-runtime/internal/notify"
)

type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// PubSubSink publishes each event as a JSON message to a Pub/Sub topic.
type PubSubSink struct {
	publish publishFunc
	stop    func()
}

// NewPubSubSink wraps a topic publisher.
func NewPubSubSink(publisher *pubsub.Publisher) (*PubSubSink, error) {
	if publisher == nil {
		return nil, errors.New("pubsub publisher is not configured")
	}
	return &PubSubSink{
		publish: func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return publisher.Publish(ctx, msg).Get(ctx)
		},
		stop: publisher.Stop,
	}, nil
}

// Consume publishes the batch in order and stops at the first failure.
func (s *PubSubSink) Consume(ctx context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		msg, err := buildMessage(ctx, evt)
		if err != nil {
			return err
		}
		if _, err := s.publish(ctx, msg); err != nil {
			return fmt.Errorf("publish event %s: %w", evt.ID, err)
		}
	}
	return nil
}

// Close flushes and stops the publisher.
func (s *PubSubSink) Close(context.Context) error {
	if s.stop != nil {
		s.stop()
	}
	return nil
}

func buildMessage(ctx context.Context, evt notify.Event) (*pubsub.Message, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	attrs := map[string]string{
		"type":   string(evt.Type),
		"key":    evt.Key,
		"plugin": evt.Plugin,
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: attrs})
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
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
