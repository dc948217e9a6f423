package jwt

import (
	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/logging"
	"go.uber.org/fx"
)

func NewJWTService(cfg *config.Config, logger *logging.Service) *Service {
	return NewService(cfg, logger)
}

var Module = fx.Options(
	fx.Provide(NewJWTService),
)
