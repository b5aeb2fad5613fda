// Package memory keeps published outcome events in process, for tests and
// deployments without Pub/Sub.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
)

// DefaultLimit bounds how many messages are retained.
const DefaultLimit = 1000

// Publisher stores the most recent published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	total    int
	limit    int
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher retaining DefaultLimit messages.
func New() *Publisher {
	return &Publisher{limit: DefaultLimit}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	if over := len(p.messages) - p.limit; p.limit > 0 && over > 0 {
		p.messages = append([]PublishedMessage(nil), p.messages[over:]...)
	}
	return fmt.Sprintf("memory-%d", p.total), nil
}

// Messages returns the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Outcomes returns the retained outcome events published to topic.
func (p *Publisher) Outcomes(topic string) []campaign.Outcome {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []campaign.Outcome
	for _, m := range p.messages {
		if o, ok := m.Payload.(campaign.Outcome); ok && m.Topic == topic {
			out = append(out, o)
		}
	}
	return out
}
