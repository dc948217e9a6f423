package server

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/castellanauth/castellan/services/logging"
)

func NewProvider() fx.Option {
	return fx.Options(
		fx.Provide(New),
		fx.Invoke(func(lc fx.Lifecycle, srv *Server, logger *logging.Service) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					go func() {
						if err := srv.Start(); err != nil {
							logger.Error("HTTP server stopped", zap.Error(err))
						}
					}()
					return nil
				},
				OnStop: func(ctx context.Context) error {
					return srv.Shutdown(ctx)
				},
			})
		}),
	)
}
