package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// ClientSource returns the Redis client of an org.
type ClientSource func(orgID int64) (*redis.Client, error)

// Publisher publishes envelopes on the channel named after their chat ID.
type Publisher struct {
	Clients ClientSource
}

// Publish sends an envelope to the subscribers of an org.
func (p *Publisher) Publish(ctx context.Context, orgID int64, env *Envelope) error {
	rd, err := p.Clients(orgID)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := rd.Publish(ctx, env.ChatID, buf).Err(); err != nil {
		return fmt.Errorf("org %d: failed to publish %s: %w", orgID, env.EventType, err)
	}
	return nil
}

// PublishData encodes data and publishes it as eventType.
func (p *Publisher) PublishData(ctx context.Context, orgID int64, eventType, chatID string, data interface{}) error {
	env, err := NewEnvelope(eventType, chatID, data)
	if err != nil {
		return err
	}
	return p.Publish(ctx, orgID, env)
}
