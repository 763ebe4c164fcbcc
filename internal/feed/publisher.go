package feed

import (
	"context"

	"ledger-risk/internal/kafka"
)

// Producer is the subset of *kafka.Producer used to publish envelopes.
type Producer interface {
	ProduceJSON(ctx context.Context, items ...kafka.Keyed) error
}

// Publisher sends envelopes to the ledger topic.
type Publisher struct {
	producer Producer
}

// NewPublisher creates a Publisher.
func NewPublisher(p Producer) *Publisher {
	return &Publisher{producer: p}
}

// Publish sends envelopes in one batch.
func (p *Publisher) Publish(ctx context.Context, envs ...Envelope) error {
	items := make([]kafka.Keyed, len(envs))
	for i, env := range envs {
		items[i] = kafka.Keyed{
			Key:     env.Key(),
			Value:   env,
			Headers: map[string]string{"type": string(env.Type)},
		}
	}
	return p.producer.ProduceJSON(ctx, items...)
}
