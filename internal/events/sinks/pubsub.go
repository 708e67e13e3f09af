package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/catalog-crawler/internal/events"
)

// PubSubListener forwards events to a Pub/Sub topic, one message per event.
// Only the named events are forwarded; an empty set forwards everything.
type PubSubListener struct {
	topic *pubsub.Topic
	only  map[events.Name]struct{}
}

// NewPubSubListener wraps topic.
func NewPubSubListener(topic *pubsub.Topic, only ...events.Name) (*PubSubListener, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	l := &PubSubListener{topic: topic}
	if len(only) > 0 {
		l.only = make(map[events.Name]struct{}, len(only))
		for _, name := range only {
			l.only[name] = struct{}{}
		}
	}
	return l, nil
}

// Consume publishes the batch and waits for every publish to settle.
func (l *PubSubListener) Consume(ctx context.Context, batch []events.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		if l.only != nil {
			if _, ok := l.only[evt.Name]; !ok {
				continue
			}
		}
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		msg := &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"event": string(evt.Name),
				"at":    strconv.FormatInt(evt.At.UnixMilli(), 10),
			},
		}
		otel.GetTextMapPropagator().Inject(ctx, attributeCarrier(msg.Attributes))
		results = append(results, l.topic.Publish(ctx, msg))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish events: %w", errors.Join(errs...))
	}
	return nil
}

// Close flushes pending publishes.
func (l *PubSubListener) Close(context.Context) error {
	l.topic.Stop()
	return nil
}

// attributeCarrier implements propagation.TextMapCarrier over message attributes.
type attributeCarrier map[string]string

func (c attributeCarrier) Get(key string) string { return c[key] }

func (c attributeCarrier) Set(key, value string) { c[key] = value }

func (c attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
