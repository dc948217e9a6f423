package refreshtoken

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/logging"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideGormStore(db *gorm.DB) Store {
	return NewGormStore(db)
}

func ProvideRedisStore(cfg *config.Config) Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return NewRedisStore(client, cfg.RefreshToken.AuditRetention)
}

func ProvideRefreshTokenService(lc fx.Lifecycle, store Store, cfg *config.Config, logger *logging.Service) *Service {
	service := NewService(store, cfg, logger)

	if cfg.RefreshToken.CleanupInterval > 0 {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				service.StartCleanupWorker()
				return nil
			},
			OnStop: func(context.Context) error {
				service.StopCleanupWorker()
				return nil
			},
		})
	}

	return service
}

// Module wires the service against the relational store. RedisModule swaps
// in the Redis-backed store instead.
var Module = fx.Options(
	fx.Provide(ProvideGormStore),
	fx.Provide(ProvideRefreshTokenService),
)

var RedisModule = fx.Options(
	fx.Provide(ProvideRedisStore),
	fx.Provide(ProvideRefreshTokenService),
)
