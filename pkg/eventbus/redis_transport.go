package eventbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport publishes on Redis pub/sub channels named after subjects.
type RedisTransport struct {
	client redis.Cmdable
	prefix string
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport creates a Redis pub/sub transport. prefix is prepended
// to every channel name.
func NewRedisTransport(client redis.Cmdable, prefix string) (*RedisTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("eventbus: redis client cannot be nil")
	}
	return &RedisTransport{client: client, prefix: prefix}, nil
}

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if subject == "" {
		return fmt.Errorf("eventbus: subject cannot be empty")
	}
	if err := t.client.Publish(ctx, t.prefix+subject, payload).Err(); err != nil {
		return fmt.Errorf("eventbus: redis publish %s: %w", subject, err)
	}
	return nil
}
