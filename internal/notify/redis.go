// README: Redis pub/sub sink.
package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisEmitter struct {
	client  *redis.Client
	channel string
	now     func() time.Time
}

func NewRedisEmitter(client *redis.Client, channel string) *RedisEmitter {
	if channel == "" {
		channel = "ridepool:events"
	}
	return &RedisEmitter{client: client, channel: channel, now: time.Now}
}

func (r *RedisEmitter) Emit(ctx context.Context, e Event) error {
	body, err := NewEnvelope(e, r.now()).Marshal()
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, body).Err()
}
