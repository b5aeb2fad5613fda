// Package pubsub publishes outcome events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
	"github.com/JakeFAU/campaign-indexer/internal/telemetry"
)

// Publisher wraps a Pub/Sub publisher client bound to one topic.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Publish marshals the payload to JSON and waits for the server ID.
// The topic argument is ignored; the wrapped publisher already names one.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := NewMessage(ctx, payload)
	if err != nil {
		return "", err
	}
	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
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

// NewMessage encodes payload. Outcome events also carry routing attributes
// so subscribers can filter without decoding the body, and every message
// carries the trace context of ctx.
func NewMessage(ctx context.Context, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{}}
	if o, ok := payload.(campaign.Outcome); ok {
		msg.Attributes["campaign_id"] = o.CampaignID
		msg.Attributes["url_index"] = strconv.Itoa(o.URLIndex)
		msg.Attributes["status"] = string(o.Status)
		msg.Attributes["campaign_status"] = string(o.Campaign)
	}
	telemetry.InjectInto(ctx, msg.Attributes)
	if len(msg.Attributes) == 0 {
		msg.Attributes = nil
	}
	return msg, nil
}
