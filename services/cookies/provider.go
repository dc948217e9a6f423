package cookies

import (
	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/logging"
	"go.uber.org/fx"
)

func NewCookieManager(cfg *config.Config, logger *logging.Service) *Manager {
	return NewManager(cfg, logger)
}

var Module = fx.Options(
	fx.Provide(NewCookieManager),
)
