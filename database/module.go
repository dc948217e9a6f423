package database

import (
	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/logging"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Options(
	fx.Provide(ProvideDatabaseFx),
)

func ProvideDatabaseFx(cfg *config.Config, modelsOpt *ModelsOption, logger *logging.Service) (*gorm.DB, error) {
	return ProvideDatabase(*cfg, modelsOpt, logger)
}
