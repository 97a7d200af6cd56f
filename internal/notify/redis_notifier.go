package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pravardha-anchor/internal/redis"
)

// RedisNotifier 发布到 Redis Stream
type RedisNotifier struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

var _ Notifier = (*RedisNotifier)(nil)

func NewRedisNotifier(client *redis.Client, stream string, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, stream: stream, logger: logger}
}

func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	id, err := redis.PublishJSONToStream(ctx, n.client, n.stream, event)
	if err != nil {
		return fmt.Errorf("failed to publish %s to stream %s: %w", event.Type, n.stream, err)
	}
	n.logger.Debug("Event published to stream",
		zap.String("stream", n.stream),
		zap.String("message_id", id),
		zap.String("type", event.Type),
	)
	return nil
}
