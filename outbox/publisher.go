package outbox

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisStreamPublisher appends each message to a Redis Stream for the
// notification dispatcher to consume.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
}

func NewRedisStreamPublisher(client *redis.Client, stream string) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, msg Message) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"outbox_id":  msg.ID,
			"seq":        msg.Seq,
			"topic":      msg.Topic,
			"payload":    string(msg.Payload),
			"created_at": msg.CreatedAt.UTC().Unix(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("outbox: xadd %s: %w", p.stream, err)
	}
	return nil
}

// LogPublisher writes messages to the log. Used when no Redis is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("notifications")}
}

func (p *LogPublisher) Publish(_ context.Context, msg Message) error {
	p.log.Info("placement notification",
		zap.String("outbox_id", msg.ID),
		zap.Int64("seq", msg.Seq),
		zap.String("topic", msg.Topic),
		zap.ByteString("payload", msg.Payload),
	)
	return nil
}
