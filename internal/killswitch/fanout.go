package killswitch

import (
	"context"
	"strings"

	"github.com/User159951/intellipm/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const fanoutChannel = "intellipm:killswitch"

// RedisFanout broadcasts cache invalidations over a Redis pub/sub channel so
// every instance observes a kill-switch flip within one round-trip.
type RedisFanout struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisFanout returns nil when no Redis address is configured; the
// registry treats a nil fanout as single-instance mode.
func NewRedisFanout(cfg config.Config, log *zap.Logger) *RedisFanout {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &RedisFanout{
		client: client,
		log:    log.Named("killswitch.fanout"),
	}
}

func (f *RedisFanout) Broadcast(ctx context.Context, key string) error {
	if f == nil {
		return nil
	}
	return f.client.Publish(ctx, fanoutChannel, key).Err()
}

// Listen consumes invalidation messages until the context is cancelled.
func (f *RedisFanout) Listen(ctx context.Context, registry Registry) {
	if f == nil {
		return
	}

	sub := f.client.Subscribe(ctx, fanoutChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			registry.HandleInvalidation(msg.Payload)
		}
	}
}

func (f *RedisFanout) Close() error {
	if f == nil {
		return nil
	}
	return f.client.Close()
}
