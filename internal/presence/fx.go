package presence

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewTracker(cfg config.Config, log *zap.Logger, lc fx.Lifecycle) Tracker {
	if cfg.PresenceBackend != "redis" {
		return NewMemoryTracker()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return NewRedisTracker(client)
}

var Module = fx.Module("presence",
	fx.Provide(NewTracker),
)
